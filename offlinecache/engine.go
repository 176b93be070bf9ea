// Package offlinecache is the background worker side of offlinechat: an
// intercepting cache that classifies requests, applies a caching strategy per
// resource class and keeps every bounded bucket under its entry limit.
//
// The engine runs independently of the chat connection. Its only link back
// to the chat client is the advisory SYNC_REQUEST posted through Clients.
package offlinecache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultVersion           = "v2"
	BucketPrefix             = "chatapp-"
	PreloadBucket            = "chatapp-preload"
	DefaultRevalidateTimeout = 30 * time.Second
	DefaultSyncSettle        = time.Second
)

// SourceHeader tells clients where a response came from.
const SourceHeader = "X-Offlinechat-Source"

// DefaultLimits are the maximum entry counts of the bounded buckets. The
// static bucket is unbounded.
var DefaultLimits = map[Class]int{
	ClassDynamic: 50,
	ClassAPI:     30,
	ClassImage:   60,
}

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(*http.Request) (*http.Response, error)
}

// Source is where a Result came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Result is a response produced by the engine.
type Result struct {
	Entry
	Source Source
}

// Option configures an Engine.
type Option func(*Engine)

func WithStorage(s Storage) Option { return func(e *Engine) { e.storage = s } }

func WithFetcher(f Fetcher) Option { return func(e *Engine) { e.fetcher = f } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithVersion sets the cache version tag carried by every bucket name.
func WithVersion(v string) Option { return func(e *Engine) { e.version = v } }

func WithClients(c *Clients) Option { return func(e *Engine) { e.clients = c } }

// WithLimits overrides the entry limit of the given classes.
func WithLimits(limits map[Class]int) Option {
	return func(e *Engine) {
		for c, l := range limits {
			e.limits[c] = l
		}
	}
}

// WithRevalidateTimeout bounds background refreshes.
func WithRevalidateTimeout(d time.Duration) Option {
	return func(e *Engine) { e.revalidateTimeout = d }
}

// WithSyncSettle sets how long the sync task waits between SYNC_REQUEST and
// SYNC_COMPLETE.
func WithSyncSettle(d time.Duration) Option {
	return func(e *Engine) { e.syncSettle = d }
}

// Engine mediates requests for one serving origin.
type Engine struct {
	origin            *url.URL
	version           string
	storage           Storage
	fetcher           Fetcher
	logger            *slog.Logger
	clients           *Clients
	limits            map[Class]int
	revalidateTimeout time.Duration
	syncSettle        time.Duration

	refresh singleflight.Group
	wg      sync.WaitGroup

	mu        sync.RWMutex
	installed bool
	active    bool
}

// New creates an engine for origin, an absolute http or https URL.
func New(origin string, opts ...Option) (*Engine, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parsing origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute http(s) URL, got %q", origin)
	}

	e := &Engine{
		origin:            u,
		version:           DefaultVersion,
		limits:            make(map[Class]int, len(DefaultLimits)),
		revalidateTimeout: DefaultRevalidateTimeout,
		syncSettle:        DefaultSyncSettle,
	}
	for c, l := range DefaultLimits {
		e.limits[c] = l
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.storage == nil {
		e.storage = NewMemoryStorage()
	}
	if e.fetcher == nil {
		e.fetcher = &http.Client{Timeout: 30 * time.Second}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "cache_engine")
	if e.clients == nil {
		e.clients = NewClients()
	}
	return e, nil
}

// Bucket returns the bucket name of class c for the current version.
func (e *Engine) Bucket(c Class) string {
	return BucketPrefix + string(c) + "-" + e.version
}

func (e *Engine) Version() string { return e.version }

func (e *Engine) Origin() *url.URL { return e.origin }

func (e *Engine) Storage() Storage { return e.storage }

func (e *Engine) Clients() *Clients { return e.clients }

func (e *Engine) Installed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.installed
}

func (e *Engine) Active() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// ============================================================================
// Lifecycle
// ============================================================================

// Install precaches the static manifest. Either every asset is stored or
// none is.
func (e *Engine) Install(ctx context.Context) error {
	e.logger.Info("installing", "version", e.version)

	entries, err := e.fetchAll(ctx, StaticAssets, 0)
	if err != nil {
		return fmt.Errorf("precaching static assets: %w", err)
	}
	bucket := e.Bucket(ClassStatic)
	for _, ent := range entries {
		if err := e.storage.Put(ctx, bucket, ent); err != nil {
			return fmt.Errorf("storing %s: %w", ent.Key, err)
		}
	}

	e.mu.Lock()
	e.installed = true
	e.mu.Unlock()
	e.logger.Info("static assets cached", "count", len(entries))
	return nil
}

// Activate deletes every bucket of an older version and starts intercepting.
// It returns the deleted bucket names.
func (e *Engine) Activate(ctx context.Context) ([]string, error) {
	buckets, err := e.storage.Buckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	var deleted []string
	for _, b := range buckets {
		if !strings.HasPrefix(b, BucketPrefix) || strings.Contains(b, e.version) {
			continue
		}
		if err := e.storage.DeleteBucket(ctx, b); err != nil {
			return deleted, fmt.Errorf("deleting old bucket %s: %w", b, err)
		}
		e.logger.Info("deleted old cache", "bucket", b)
		deleted = append(deleted, b)
	}

	e.mu.Lock()
	e.active = true
	e.mu.Unlock()
	e.logger.Info("activated", "version", e.version)
	return deleted, nil
}

// Wait blocks until background revalidations have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// ============================================================================
// Interception
// ============================================================================

// Respond produces the response for r. Requests the engine does not
// intercept, or any request before activation, go straight to the network;
// only those can fail.
func (e *Engine) Respond(r *http.Request) (Result, error) {
	req := e.resolveRequest(r)

	if !e.Active() || !intercepted(req) {
		ent, err := e.fetch(req)
		if err != nil {
			return Result{}, &CacheError{Op: "fetch", Key: req.URL.String(), Err: err}
		}
		return Result{Entry: ent, Source: SourceNetwork}, nil
	}

	route := Classify(req, e.origin.Hostname())
	bucket := e.Bucket(route.Class)
	e.logger.Debug("intercepted", "url", req.URL.String(), "class", route.Class, "strategy", route.Strategy)

	switch route.Strategy {
	case CacheFirst:
		return e.cacheFirst(req, bucket), nil
	case StaleWhileRevalidate:
		return e.staleWhileRevalidate(req, bucket), nil
	default:
		return e.networkFirst(req, bucket), nil
	}
}

// ServeHTTP makes the engine usable as an intercepting proxy.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, err := e.Respond(r)
	if err != nil {
		e.logger.Warn("pass-through request failed", "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	h := w.Header()
	for k, v := range res.Header {
		h[k] = slices.Clone(v)
	}
	h.Set(SourceHeader, string(res.Source))
	w.WriteHeader(res.Status)
	w.Write(res.Body)
}

// resolve returns the absolute URL of path on the serving origin.
func (e *Engine) resolve(path string) string {
	return e.origin.ResolveReference(&url.URL{Path: path}).String()
}

// resolveRequest returns an outbound copy of r with an absolute URL.
func (e *Engine) resolveRequest(r *http.Request) *http.Request {
	req := r.Clone(r.Context())
	if !req.URL.IsAbs() {
		req.URL = e.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
	}
	req.Host = req.URL.Host
	req.RequestURI = ""
	return req
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// fetch performs req on the network and reads the full body.
func (e *Engine) fetch(req *http.Request) (Entry, error) {
	out, err := http.NewRequestWithContext(req.Context(), req.Method, req.URL.String(), req.Body)
	if err != nil {
		return Entry{}, err
	}
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	// Cached bodies are stored uncompressed.
	out.Header.Del("Accept-Encoding")
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := e.fetcher.Do(out)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, fmt.Errorf("reading body: %w", err)
	}
	header := resp.Header.Clone()
	for _, h := range append(hopHeaders, "Content-Length") {
		header.Del(h)
	}
	return Entry{
		Key:      req.URL.String(),
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// fetchAll fetches every path concurrently and fails if any response is not
// 2xx. limit caps concurrency when positive.
func (e *Engine) fetchAll(ctx context.Context, paths []string, limit int) ([]Entry, error) {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	entries := make([]Entry, len(paths))
	for i, p := range paths {
		g.Go(func() error {
			target := p
			if strings.HasPrefix(p, "/") {
				target = e.resolve(p)
			}
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, target, nil)
			if err != nil {
				return &CacheError{Op: "precache", Key: target, Err: err}
			}
			ent, err := e.fetch(req)
			if err != nil {
				return &CacheError{Op: "precache", Key: target, Err: err}
			}
			if !ent.OK() {
				return &CacheError{Op: "precache", Key: target, Err: fmt.Errorf("unexpected status %d", ent.Status)}
			}
			entries[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ============================================================================
// Maintenance
// ============================================================================

// Trim applies the entry limit of bucket, deleting the oldest entries first.
// It returns how many entries were removed. Unbounded buckets are left alone.
func (e *Engine) Trim(ctx context.Context, bucket string) (int, error) {
	limit := e.limitFor(bucket)
	if limit <= 0 {
		return 0, nil
	}
	keys, err := e.storage.Keys(ctx, bucket)
	if err != nil {
		return 0, &CacheError{Op: "keys", Key: bucket, Err: err}
	}
	excess := len(keys) - limit
	if excess <= 0 {
		return 0, nil
	}
	for _, k := range keys[:excess] {
		if err := e.storage.Delete(ctx, bucket, k); err != nil {
			return 0, &CacheError{Op: "delete", Key: k, Err: err}
		}
	}
	e.logger.Info("trimmed cache", "bucket", bucket, "removed", excess)
	return excess, nil
}

// TrimAll applies the limits of every bounded bucket.
func (e *Engine) TrimAll(ctx context.Context) (int, error) {
	total := 0
	for _, c := range []Class{ClassDynamic, ClassAPI, ClassImage} {
		n, err := e.Trim(ctx, e.Bucket(c))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (e *Engine) limitFor(bucket string) int {
	for c, l := range e.limits {
		if e.Bucket(c) == bucket {
			return l
		}
	}
	return 0
}

// Preload fetches urls into the preload bucket. Paths are resolved against
// the origin.
func (e *Engine) Preload(ctx context.Context, urls []string) error {
	entries, err := e.fetchAll(ctx, urls, 4)
	if err != nil {
		return fmt.Errorf("preloading: %w", err)
	}
	for _, ent := range entries {
		if err := e.storage.Put(ctx, PreloadBucket, ent); err != nil {
			return fmt.Errorf("storing %s: %w", ent.Key, err)
		}
	}
	e.logger.Info("critical resources preloaded", "count", len(entries))
	return nil
}

// ClearAll deletes every bucket and returns how many were removed.
func (e *Engine) ClearAll(ctx context.Context) (int, error) {
	buckets, err := e.storage.Buckets(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing buckets: %w", err)
	}
	for _, b := range buckets {
		if err := e.storage.DeleteBucket(ctx, b); err != nil {
			return 0, fmt.Errorf("deleting bucket %s: %w", b, err)
		}
	}
	e.logger.Info("all caches cleared", "buckets", len(buckets))
	return len(buckets), nil
}

// Usage estimates storage use.
func (e *Engine) Usage(ctx context.Context) (Usage, error) {
	return e.storage.Estimate(ctx)
}
