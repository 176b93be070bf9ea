package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// testOrigin is an origin server that counts hits per path.
type testOrigin struct {
	srv *httptest.Server

	mu       sync.Mutex
	hits     map[string]int
	methods  []string
	version  string
	notFound map[string]bool
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{hits: map[string]int{}, version: "v1", notFound: map[string]bool{"/missing": true}}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.URL.Path]++
		o.methods = append(o.methods, r.Method)
		version, missing := o.version, o.notFound[r.URL.Path]
		o.mu.Unlock()

		if missing {
			http.NotFound(w, r)
			return
		}
		switch path.Ext(r.URL.Path) {
		case ".png", ".jpg":
			w.Header().Set("Content-Type", "image/png")
		case ".html", "":
			w.Header().Set("Content-Type", "text/html")
		}
		fmt.Fprintf(w, "%s %s", version, r.URL.Path)
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *testOrigin) hitCount(p string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[p]
}

func (o *testOrigin) setVersion(v string) {
	o.mu.Lock()
	o.version = v
	o.mu.Unlock()
}

// toggleFetcher fails every request while down.
type toggleFetcher struct {
	client *http.Client
	down   atomic.Bool
}

func (f *toggleFetcher) Do(r *http.Request) (*http.Response, error) {
	if f.down.Load() {
		return nil, errors.New("network unreachable")
	}
	return f.client.Do(r)
}

type engineHarness struct {
	engine  *Engine
	origin  *testOrigin
	fetcher *toggleFetcher
	storage *MemoryStorage
}

func newEngineHarness(t *testing.T, opts ...Option) *engineHarness {
	t.Helper()
	o := newTestOrigin(t)
	h := &engineHarness{
		origin:  o,
		fetcher: &toggleFetcher{client: o.srv.Client()},
		storage: NewMemoryStorage(),
	}
	base := []Option{WithFetcher(h.fetcher), WithStorage(h.storage), WithSyncSettle(0)}
	e, err := New(o.srv.URL, append(base, opts...)...)
	require.NoError(t, err)
	_, err = e.Activate(context.Background())
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *engineHarness) get(t *testing.T, target string, header ...string) Result {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	res, err := h.engine.Respond(req)
	require.NoError(t, err)
	return res
}

func (h *engineHarness) keys(t *testing.T, c Class) []string {
	t.Helper()
	keys, err := h.storage.Keys(context.Background(), h.engine.Bucket(c))
	require.NoError(t, err)
	return keys
}

// ============================================================================
// Classification
// ============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
		want   Route
	}{
		{"root is static", "http://app.test/", nil, Route{ClassStatic, CacheFirst}},
		{"manifest icon is static", "http://app.test/icon-192.png", nil, Route{ClassStatic, CacheFirst}},
		{"stylesheet", "http://app.test/css/site.css", nil, Route{ClassStatic, CacheFirst}},
		{"font", "http://app.test/fonts/a.woff2", nil, Route{ClassStatic, CacheFirst}},
		{"api prefix", "http://app.test/api/messages", nil, Route{ClassAPI, NetworkFirst}},
		{"foreign host", "http://cdn.other.test/data", nil, Route{ClassAPI, NetworkFirst}},
		{"image", "http://app.test/img/cat.webp", nil, Route{ClassImage, CacheFirst}},
		{"navigation by accept", "http://app.test/chat", map[string]string{"Accept": "text/html,application/xhtml+xml"}, Route{ClassDynamic, StaleWhileRevalidate}},
		{"navigation by fetch mode", "http://app.test/chat", map[string]string{"Sec-Fetch-Mode": "navigate"}, Route{ClassDynamic, StaleWhileRevalidate}},
		{"other dynamic", "http://app.test/data.json", nil, Route{ClassDynamic, NetworkFirst}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, Classify(req, "app.test"))
		})
	}
}

func TestNew(t *testing.T) {
	_, err := New("not a url")
	assert.Error(t, err)

	_, err = New("ftp://files.test")
	assert.Error(t, err)

	e, err := New("http://app.test")
	require.NoError(t, err)
	assert.Equal(t, "chatapp-static-v2", e.Bucket(ClassStatic))
	assert.Equal(t, "chatapp-images-v2", e.Bucket(ClassImage))
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestInstall(t *testing.T) {
	t.Run("precaches manifest", func(t *testing.T) {
		h := newEngineHarness(t)
		require.NoError(t, h.engine.Install(context.Background()))

		assert.True(t, h.engine.Installed())
		assert.Len(t, h.keys(t, ClassStatic), len(StaticAssets))
		for _, p := range StaticAssets {
			assert.Equal(t, 1, h.origin.hitCount(p), p)
		}
	})

	t.Run("all or nothing", func(t *testing.T) {
		h := newEngineHarness(t)
		h.origin.mu.Lock()
		h.origin.notFound["/favicon.ico"] = true
		h.origin.mu.Unlock()

		err := h.engine.Install(context.Background())
		var cerr *CacheError
		require.ErrorAs(t, err, &cerr)
		assert.Empty(t, h.keys(t, ClassStatic))
		assert.False(t, h.engine.Installed())
	})
}

func TestActivateDeletesOldVersions(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	for _, b := range []string{"chatapp-static-v1", "chatapp-api-v1", "other-cache", "chatapp-static-v2"} {
		require.NoError(t, storage.Put(ctx, b, entry("http://app.test/", "x")))
	}

	e, err := New("http://app.test", WithStorage(storage))
	require.NoError(t, err)
	assert.False(t, e.Active())

	deleted, err := e.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"chatapp-static-v1", "chatapp-api-v1"}, deleted)
	assert.True(t, e.Active())

	buckets, _ := storage.Buckets(ctx)
	assert.Equal(t, []string{"other-cache", "chatapp-static-v2"}, buckets)
}

func TestInactivePassesThrough(t *testing.T) {
	o := newTestOrigin(t)
	storage := NewMemoryStorage()
	e, err := New(o.srv.URL, WithFetcher(o.srv.Client()), WithStorage(storage))
	require.NoError(t, err)

	res, err := e.Respond(httptest.NewRequest(http.MethodGet, "/logo.png", nil))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)

	buckets, _ := storage.Buckets(context.Background())
	assert.Empty(t, buckets)
}

// ============================================================================
// Strategies
// ============================================================================

func TestCacheFirst(t *testing.T) {
	h := newEngineHarness(t)

	first := h.get(t, "/logo.png")
	assert.Equal(t, SourceNetwork, first.Source)
	assert.Equal(t, "v1 /logo.png", string(first.Body))

	second := h.get(t, "/logo.png")
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, 1, h.origin.hitCount("/logo.png"))

	h.fetcher.down.Store(true)
	offline := h.get(t, "/logo.png")
	assert.Equal(t, SourceCache, offline.Source)
	assert.Equal(t, "v1 /logo.png", string(offline.Body))
}

func TestNetworkFirst(t *testing.T) {
	h := newEngineHarness(t)

	res := h.get(t, "/api/messages")
	assert.Equal(t, SourceNetwork, res.Source)
	h.origin.setVersion("v2")
	res = h.get(t, "/api/messages")
	assert.Equal(t, "v2 /api/messages", string(res.Body), "network wins while reachable")

	h.fetcher.down.Store(true)

	res = h.get(t, "/api/messages")
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "v2 /api/messages", string(res.Body))

	res = h.get(t, "/api/never-seen")
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)
}

func TestNon2xxNotStored(t *testing.T) {
	h := newEngineHarness(t)

	res := h.get(t, "/missing")
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Empty(t, h.keys(t, ClassDynamic))
}

func TestStaleWhileRevalidate(t *testing.T) {
	h := newEngineHarness(t)
	nav := []string{"Accept", "text/html"}

	first := h.get(t, "/chat", nav...)
	assert.Equal(t, SourceNetwork, first.Source)

	h.origin.setVersion("v2")
	stale := h.get(t, "/chat", nav...)
	assert.Equal(t, SourceCache, stale.Source)
	assert.Equal(t, "v1 /chat", string(stale.Body))

	h.engine.Wait()
	fresh := h.get(t, "/chat", nav...)
	assert.Equal(t, SourceCache, fresh.Source)
	assert.Equal(t, "v2 /chat", string(fresh.Body))
}

func TestEvictionAtLimit(t *testing.T) {
	h := newEngineHarness(t, WithLimits(map[Class]int{ClassAPI: 3}))

	for i := 1; i <= 3; i++ {
		h.get(t, fmt.Sprintf("/api/%d", i))
	}
	require.Len(t, h.keys(t, ClassAPI), 3)

	h.get(t, "/api/4")

	keys := h.keys(t, ClassAPI)
	require.Len(t, keys, 3)
	assert.True(t, strings.HasSuffix(keys[0], "/api/2"), "oldest entry evicted first")
	assert.True(t, strings.HasSuffix(keys[2], "/api/4"))
}

func TestTrim(t *testing.T) {
	h := newEngineHarness(t, WithLimits(map[Class]int{ClassImage: 3}))
	ctx := context.Background()
	bucket := h.engine.Bucket(ClassImage)
	for i := range 10 {
		require.NoError(t, h.storage.Put(ctx, bucket, entry(fmt.Sprintf("k%d", i), "x")))
	}

	removed, err := h.engine.Trim(ctx, bucket)
	require.NoError(t, err)
	assert.Equal(t, 7, removed)
	assert.Equal(t, []string{"k7", "k8", "k9"}, h.keys(t, ClassImage))

	t.Run("static bucket is unbounded", func(t *testing.T) {
		static := h.engine.Bucket(ClassStatic)
		for i := range 100 {
			require.NoError(t, h.storage.Put(ctx, static, entry(fmt.Sprintf("s%d", i), "x")))
		}
		removed, err := h.engine.Trim(ctx, static)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})
}

// ============================================================================
// Fallbacks
// ============================================================================

func TestNavigationOfflineFallback(t *testing.T) {
	t.Run("offline page", func(t *testing.T) {
		h := newEngineHarness(t)
		require.NoError(t, h.engine.Install(context.Background()))
		h.fetcher.down.Store(true)

		res := h.get(t, "/rooms/42", "Accept", "text/html")
		assert.Equal(t, SourceFallback, res.Source)
		assert.Equal(t, http.StatusOK, res.Status)
		assert.Equal(t, "v1 /offline.html", string(res.Body))
	})

	t.Run("root document when offline page missing", func(t *testing.T) {
		h := newEngineHarness(t)
		require.NoError(t, h.engine.Install(context.Background()))
		require.NoError(t, h.storage.Delete(context.Background(), h.engine.Bucket(ClassStatic), h.engine.resolve(OfflinePage)))
		h.fetcher.down.Store(true)

		res := h.get(t, "/rooms/42", "Sec-Fetch-Mode", "navigate")
		assert.Equal(t, "v1 /", string(res.Body))
	})

	t.Run("nothing cached", func(t *testing.T) {
		h := newEngineHarness(t)
		h.fetcher.down.Store(true)

		res := h.get(t, "/rooms/42", "Accept", "text/html")
		assert.Equal(t, SourceFallback, res.Source)
		assert.Equal(t, http.StatusServiceUnavailable, res.Status)
	})
}

func TestSynthesizedFallbacks(t *testing.T) {
	h := newEngineHarness(t)
	h.fetcher.down.Store(true)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	img := h.get(t, "/photos/cat.jpg")
	assert.Equal(t, SourceFallback, img.Source)
	assert.Equal(t, "image/svg+xml", img.Header.Get("Content-Type"))
	g.Assert(t, "placeholder", img.Body)

	generic := h.get(t, "/data.json")
	assert.Equal(t, http.StatusServiceUnavailable, generic.Status)
	assert.Equal(t, "text/plain", generic.Header.Get("Content-Type"))
	g.Assert(t, "offline", generic.Body)

	// Fallbacks are never stored.
	u, err := h.engine.Usage(context.Background())
	require.NoError(t, err)
	assert.Zero(t, u.Entries)
}

// ============================================================================
// HTTP proxy
// ============================================================================

func TestServeHTTP(t *testing.T) {
	h := newEngineHarness(t)
	proxy := httptest.NewServer(h.engine)
	defer proxy.Close()

	get := func(p string) (*http.Response, string) {
		resp, err := http.Get(proxy.URL + p)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp, string(body)
	}

	resp, body := get("/logo.png")
	assert.Equal(t, "network", resp.Header.Get(SourceHeader))
	assert.Equal(t, "v1 /logo.png", body)

	resp, _ = get("/logo.png")
	assert.Equal(t, "cache", resp.Header.Get(SourceHeader))

	t.Run("non-GET passes through", func(t *testing.T) {
		resp, err := http.Post(proxy.URL+"/api/send", "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, 1, h.origin.hitCount("/api/send"))
		assert.Empty(t, h.keys(t, ClassAPI))
	})

	t.Run("pass-through failure is a bad gateway", func(t *testing.T) {
		h.fetcher.down.Store(true)
		defer h.fetcher.down.Store(false)
		resp, err := http.Post(proxy.URL+"/api/send", "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})
}

// ============================================================================
// Maintenance
// ============================================================================

func TestPreloadClearUsage(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.Preload(ctx, []string{"/", "/app.js", "/styles.css"}))
	keys, err := h.storage.Keys(ctx, PreloadBucket)
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	u, err := h.engine.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, u.Entries)
	assert.Positive(t, u.Bytes)

	n, err := h.engine.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	u, _ = h.engine.Usage(ctx)
	assert.Zero(t, u.Entries)

	t.Run("failed preload stores nothing", func(t *testing.T) {
		err := h.engine.Preload(ctx, []string{"/app.js", "/missing"})
		require.Error(t, err)
		keys, _ := h.storage.Keys(ctx, PreloadBucket)
		assert.Empty(t, keys)
	})
}
