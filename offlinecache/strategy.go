package offlinecache

import (
	"context"
	"net/http"
)

// PlaceholderSVG is served for images that are neither cached nor reachable.
const PlaceholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200"><rect width="200" height="200" fill="#f3f4f6"/><text x="100" y="100" text-anchor="middle" dy=".3em" fill="#9ca3af">Offline</text></svg>`

// OfflinePage is the cached page served to navigations that fail.
const OfflinePage = "/offline.html"

func (e *Engine) cacheFirst(req *http.Request, bucket string) Result {
	ctx := req.Context()
	key := req.URL.String()
	if ent, ok := e.matchAny(ctx, key); ok {
		return Result{Entry: ent, Source: SourceCache}
	}

	ent, err := e.fetch(req)
	if err != nil {
		e.logger.Warn("cache-first fetch failed", "url", key, "error", err)
		return e.fallback(ctx, req)
	}
	if ent.OK() {
		e.store(ctx, bucket, ent)
	}
	return Result{Entry: ent, Source: SourceNetwork}
}

func (e *Engine) networkFirst(req *http.Request, bucket string) Result {
	ctx := req.Context()
	key := req.URL.String()

	ent, err := e.fetch(req)
	if err == nil {
		if ent.OK() {
			e.store(ctx, bucket, ent)
		}
		return Result{Entry: ent, Source: SourceNetwork}
	}

	e.logger.Info("network failed, trying cache", "url", key, "error", err)
	if cached, ok := e.matchAny(ctx, key); ok {
		return Result{Entry: cached, Source: SourceCache}
	}
	return e.fallback(ctx, req)
}

// staleWhileRevalidate answers from the bucket when it can and refreshes the
// entry in the background. Concurrent refreshes of one key are collapsed.
func (e *Engine) staleWhileRevalidate(req *http.Request, bucket string) Result {
	ctx := req.Context()
	key := req.URL.String()

	if cached, ok := e.match(ctx, bucket, key); ok {
		e.revalidate(req, bucket)
		return Result{Entry: cached, Source: SourceCache}
	}

	ent, err := e.fetch(req)
	if err != nil {
		e.logger.Warn("navigation fetch failed", "url", key, "error", err)
		return e.fallback(ctx, req)
	}
	if ent.OK() {
		e.store(ctx, bucket, ent)
	}
	return Result{Entry: ent, Source: SourceNetwork}
}

func (e *Engine) revalidate(req *http.Request, bucket string) {
	key := req.URL.String()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.refresh.Do(bucket+" "+key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), e.revalidateTimeout)
			defer cancel()

			ent, err := e.fetch(req.Clone(ctx))
			if err != nil {
				e.logger.Debug("revalidation failed", "url", key, "error", err)
				return nil, err
			}
			if ent.OK() {
				e.store(ctx, bucket, ent)
			}
			return nil, nil
		})
	}()
}

// fallback synthesizes a response when both network and cache failed.
// Synthesized responses are never stored.
func (e *Engine) fallback(ctx context.Context, req *http.Request) Result {
	key := req.URL.String()
	switch {
	case isNavigation(req):
		for _, p := range []string{OfflinePage, "/"} {
			if ent, ok := e.matchAny(ctx, e.resolve(p)); ok {
				return Result{Entry: ent, Source: SourceFallback}
			}
		}
	case isImage(req.URL):
		return Result{
			Entry: Entry{
				Key:    key,
				Status: http.StatusOK,
				Header: http.Header{"Content-Type": {"image/svg+xml"}},
				Body:   []byte(PlaceholderSVG),
			},
			Source: SourceFallback,
		}
	}
	return Result{
		Entry: Entry{
			Key:    key,
			Status: http.StatusServiceUnavailable,
			Header: http.Header{"Content-Type": {"text/plain"}},
			Body:   []byte("Offline"),
		},
		Source: SourceFallback,
	}
}

// store writes ent to bucket and applies the bucket limit. Failures are
// logged only.
func (e *Engine) store(ctx context.Context, bucket string, ent Entry) {
	if err := e.storage.Put(ctx, bucket, ent); err != nil {
		e.logger.Warn("cache write failed", "error", &CacheError{Op: "put", Key: ent.Key, Err: err})
		return
	}
	if _, err := e.Trim(ctx, bucket); err != nil {
		e.logger.Warn("cache trim failed", "bucket", bucket, "error", err)
	}
}

func (e *Engine) match(ctx context.Context, bucket, key string) (Entry, bool) {
	ent, ok, err := e.storage.Match(ctx, bucket, key)
	if err != nil {
		e.logger.Warn("cache read failed", "error", &CacheError{Op: "match", Key: key, Err: err})
		return Entry{}, false
	}
	return ent, ok
}

func (e *Engine) matchAny(ctx context.Context, key string) (Entry, bool) {
	ent, ok, err := e.storage.MatchAny(ctx, key)
	if err != nil {
		e.logger.Warn("cache read failed", "error", &CacheError{Op: "match", Key: key, Err: err})
		return Entry{}, false
	}
	return ent, ok
}
