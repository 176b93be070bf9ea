package offlinechat

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStorage rejects every write.
type failingStorage struct{ *MemoryStorage }

func (*failingStorage) Set(string, []byte) error { return errors.New("quota exceeded") }

func newTestStore(t *testing.T) (*MessageStore, *MemoryStorage) {
	t.Helper()
	storage := NewMemoryStorage()
	return NewMessageStore(storage, nil), storage
}

func ids(msgs []QueuedMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMessageStoreEnqueue(t *testing.T) {
	s, storage := newTestStore(t)
	m := NewMessage("hi", "user")
	s.Enqueue(m)

	unsynced := s.ListUnsynced()
	require.Len(t, unsynced, 1)
	assert.Equal(t, m.ID, unsynced[0].ID)
	assert.False(t, unsynced[0].Synced)

	t.Run("persisted before return", func(t *testing.T) {
		data, ok, err := storage.Get(MessagesKey)
		require.NoError(t, err)
		require.True(t, ok)

		var stored []QueuedMessage
		require.NoError(t, json.Unmarshal(data, &stored))
		require.Len(t, stored, 1)
		assert.Equal(t, m.ID, stored[0].ID)
	})

	t.Run("duplicate id ignored", func(t *testing.T) {
		dup := m
		dup.Content = "changed"
		s.Enqueue(dup)

		total, _ := s.Len()
		assert.Equal(t, 1, total)
		got, ok := s.Get(m.ID)
		require.True(t, ok)
		assert.Equal(t, "hi", got.Content)
	})
}

func TestMessageStoreMarkSynced(t *testing.T) {
	s, _ := newTestStore(t)
	a, b := NewMessage("a", "user"), NewMessage("b", "user")
	s.Enqueue(a)
	s.Enqueue(b)

	s.MarkSynced(a.ID, "unknown-id")

	assert.Equal(t, []string{b.ID}, ids(s.ListUnsynced()))
	total, unsynced := s.Len()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, unsynced)

	// Idempotent.
	s.MarkSynced(a.ID)
	got, _ := s.Get(a.ID)
	assert.True(t, got.Synced)
}

func TestMessageStoreListUnsyncedOrder(t *testing.T) {
	s, _ := newTestStore(t)
	var want []string
	for i := range 5 {
		m := NewMessage(fmt.Sprintf("m%d", i), "user")
		s.Enqueue(m)
		want = append(want, m.ID)
	}
	assert.Equal(t, want, ids(s.ListUnsynced()))
}

func TestMessageStorePrune(t *testing.T) {
	t.Run("keeps all unsynced and newest synced", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.retention = 3

		var synced, unsynced []string
		for i := range 10 {
			m := NewMessage(fmt.Sprintf("m%d", i), "user")
			s.Enqueue(m)
			if i%2 == 0 {
				s.MarkSynced(m.ID)
				synced = append(synced, m.ID)
			} else {
				unsynced = append(unsynced, m.ID)
			}
		}

		s.Prune()

		all := s.All()
		assert.Len(t, all, len(unsynced)+3)
		assert.Equal(t, unsynced, ids(s.ListUnsynced()))
		for _, id := range synced[:2] {
			_, ok := s.Get(id)
			assert.False(t, ok, "oldest synced %s should be dropped", id)
		}
		for _, id := range synced[2:] {
			_, ok := s.Get(id)
			assert.True(t, ok, "newest synced %s should be kept", id)
		}

		// Relative order is preserved.
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].QueuedAt.Before(all[i-1].QueuedAt))
		}
	})

	t.Run("default retention is 100", func(t *testing.T) {
		s, _ := newTestStore(t)
		for i := range 130 {
			m := NewMessage(fmt.Sprintf("m%d", i), "user")
			s.Enqueue(m)
			s.MarkSynced(m.ID)
		}
		s.Prune()
		total, _ := s.Len()
		assert.Equal(t, DefaultSyncedRetention, total)
	})

	t.Run("noop under limit", func(t *testing.T) {
		s, _ := newTestStore(t)
		m := NewMessage("m", "user")
		s.Enqueue(m)
		s.MarkSynced(m.ID)
		s.Prune()
		total, _ := s.Len()
		assert.Equal(t, 1, total)
	})
}

func TestMessageStoreReload(t *testing.T) {
	storage := NewMemoryStorage()
	s := NewMessageStore(storage, nil)
	a, b := NewMessage("a", "user"), NewMessage("b", "user")
	s.Enqueue(a)
	s.Enqueue(b)
	s.MarkSynced(a.ID)

	reloaded := NewMessageStore(storage, nil)
	assert.Equal(t, []string{a.ID, b.ID}, ids(reloaded.All()))
	assert.Equal(t, []string{b.ID}, ids(reloaded.ListUnsynced()))
}

func TestMessageStoreCorruptData(t *testing.T) {
	storage := NewMemoryStorage()
	require.NoError(t, storage.Set(MessagesKey, []byte("not json")))

	s := NewMessageStore(storage, nil)
	total, _ := s.Len()
	assert.Equal(t, 0, total)
}

func TestMessageStorePersistFailure(t *testing.T) {
	storage := &failingStorage{MemoryStorage: NewMemoryStorage()}
	s := NewMessageStore(storage, nil)

	m := NewMessage("hi", "user")
	assert.NotPanics(t, func() { s.Enqueue(m) })

	// The current session still sees the message.
	_, ok := s.Get(m.ID)
	assert.True(t, ok)
}

func TestSettingsStore(t *testing.T) {
	storage := NewMemoryStorage()
	s := NewSettingsStore(storage, nil)

	assert.Empty(t, s.Load())
	assert.True(t, s.Bool("notifications", true))

	s.Set("notifications", false)
	s.Set("theme", "dark")

	got := s.Load()
	assert.Equal(t, false, got["notifications"])
	assert.Equal(t, "dark", got["theme"])
	assert.False(t, s.Bool("notifications", true))

	t.Run("shares storage with messages", func(t *testing.T) {
		ms := NewMessageStore(storage, nil)
		ms.Enqueue(NewMessage("x", "user"))
		assert.Equal(t, "dark", s.Load()["theme"])
	})

	t.Run("save replaces", func(t *testing.T) {
		s.Save(map[string]any{"sound": true})
		got := s.Load()
		assert.Len(t, got, 1)
		assert.Equal(t, true, got["sound"])
	})
}
