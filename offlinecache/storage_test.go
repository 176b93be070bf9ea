package offlinecache

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(key, body string) Entry {
	return Entry{
		Key:    key,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
	}
}

// testStorageContract exercises behavior every Storage must share.
func testStorageContract(t *testing.T, newStorage func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("put and match", func(t *testing.T) {
		s := newStorage(t)
		require.NoError(t, s.Put(ctx, "b", entry("k", "v")))

		got, ok, err := s.Match(ctx, "b", "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v", string(got.Body))
		assert.Equal(t, http.StatusOK, got.Status)
		assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))

		_, ok, err = s.Match(ctx, "other", "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("keys in insertion order, re-put moves to end", func(t *testing.T) {
		s := newStorage(t)
		for _, k := range []string{"a", "b", "c"} {
			require.NoError(t, s.Put(ctx, "b", entry(k, k)))
		}
		require.NoError(t, s.Put(ctx, "b", entry("a", "a2")))

		keys, err := s.Keys(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c", "a"}, keys)

		got, _, _ := s.Match(ctx, "b", "a")
		assert.Equal(t, "a2", string(got.Body))
	})

	t.Run("match any searches buckets in creation order", func(t *testing.T) {
		s := newStorage(t)
		require.NoError(t, s.Put(ctx, "first", entry("k", "from first")))
		require.NoError(t, s.Put(ctx, "second", entry("k", "from second")))
		require.NoError(t, s.Put(ctx, "second", entry("only", "only second")))

		got, ok, err := s.MatchAny(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "from first", string(got.Body))

		got, ok, err = s.MatchAny(ctx, "only")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "only second", string(got.Body))

		_, ok, err = s.MatchAny(ctx, "nowhere")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete and delete bucket", func(t *testing.T) {
		s := newStorage(t)
		require.NoError(t, s.Put(ctx, "a", entry("k1", "v")))
		require.NoError(t, s.Put(ctx, "a", entry("k2", "v")))
		require.NoError(t, s.Put(ctx, "b", entry("k1", "v")))

		require.NoError(t, s.Delete(ctx, "a", "k1"))
		require.NoError(t, s.Delete(ctx, "a", "missing"))
		keys, _ := s.Keys(ctx, "a")
		assert.Equal(t, []string{"k2"}, keys)

		require.NoError(t, s.DeleteBucket(ctx, "a"))
		buckets, err := s.Buckets(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, buckets)
	})

	t.Run("estimate", func(t *testing.T) {
		s := newStorage(t)
		require.NoError(t, s.Put(ctx, "a", entry("k1", "12345")))
		require.NoError(t, s.Put(ctx, "b", entry("k2", "123")))

		u, err := s.Estimate(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, u.Entries)
		assert.Equal(t, int64(5+2+3+2), u.Bytes)
	})
}

func TestMemoryStorage(t *testing.T) {
	testStorageContract(t, func(*testing.T) Storage { return NewMemoryStorage() })
}

func TestSQLiteStorage(t *testing.T) {
	testStorageContract(t, func(t *testing.T) Storage {
		s, err := OpenSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestCacheErrorUnwrap(t *testing.T) {
	cause := assert.AnError
	err := &CacheError{Op: "put", Key: "http://x/", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "put")
}
