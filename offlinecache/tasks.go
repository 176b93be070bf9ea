package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Background task tags.
const (
	TagSyncMessages  = "sync-messages"
	TagCleanupCaches = "cleanup-caches"
)

// ============================================================================
// Clients
// ============================================================================

// ClientMessageType identifies a message posted to client surfaces.
type ClientMessageType string

const (
	SyncRequest  ClientMessageType = "SYNC_REQUEST"
	SyncComplete ClientMessageType = "SYNC_COMPLETE"
)

// ClientMessage is posted from the worker to every registered client.
type ClientMessage struct {
	Type      ClientMessageType `json:"type"`
	Timestamp int64             `json:"timestamp"`
}

type clientEntry struct {
	id int
	fn func(ClientMessage)
}

// Clients is the registry of active client surfaces. Messages are advisory;
// a client may ignore them.
type Clients struct {
	mu      sync.RWMutex
	nextID  int
	clients []clientEntry
}

func NewClients() *Clients {
	return &Clients{}
}

// Register adds a client and returns a function that removes it.
func (c *Clients) Register(fn func(ClientMessage)) (unregister func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.clients = append(c.clients, clientEntry{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.clients = slices.DeleteFunc(c.clients, func(e clientEntry) bool { return e.id == id })
	}
}

// Len returns the number of registered clients.
func (c *Clients) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}

// PostAll delivers msg to every client, in registration order.
func (c *Clients) PostAll(msg ClientMessage) {
	c.mu.RLock()
	clients := slices.Clone(c.clients)
	c.mu.RUnlock()
	for _, cl := range clients {
		cl.fn(msg)
	}
}

// ============================================================================
// Tasks
// ============================================================================

// RunTask runs the named background task. Both tasks are idempotent.
func (e *Engine) RunTask(ctx context.Context, tag string) error {
	e.logger.Info("background task", "tag", tag)
	switch tag {
	case TagSyncMessages:
		return e.syncMessages(ctx)
	case TagCleanupCaches:
		_, err := e.TrimAll(ctx)
		return err
	default:
		return fmt.Errorf("unknown background task %q", tag)
	}
}

// syncMessages asks every client to drain its unsynced messages. The sync
// itself happens in the client.
func (e *Engine) syncMessages(ctx context.Context) error {
	e.clients.PostAll(ClientMessage{Type: SyncRequest, Timestamp: time.Now().UnixMilli()})

	if e.syncSettle > 0 {
		t := time.NewTimer(e.syncSettle)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.clients.PostAll(ClientMessage{Type: SyncComplete, Timestamp: time.Now().UnixMilli()})
	e.logger.Info("message sync completed", "clients", e.clients.Len())
	return nil
}

// ============================================================================
// BackgroundSync
// ============================================================================

// BackgroundSync holds task tags registered for later delivery. The host
// decides when to call Deliver; failed tags stay pending for the next one.
type BackgroundSync struct {
	engine *Engine
	logger *slog.Logger

	mu      sync.Mutex
	pending []string
}

func NewBackgroundSync(engine *Engine) *BackgroundSync {
	return &BackgroundSync{
		engine: engine,
		logger: engine.logger.With("component", "background_sync"),
	}
}

// Register records tag. Registering a pending tag again is a no-op.
func (b *BackgroundSync) Register(tag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.Contains(b.pending, tag) {
		return
	}
	b.pending = append(b.pending, tag)
	b.logger.Debug("background sync registered", "tag", tag)
}

// Pending returns the registered tags in registration order.
func (b *BackgroundSync) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.pending)
}

// Deliver runs every pending tag. Tags that succeed are cleared.
func (b *BackgroundSync) Deliver(ctx context.Context) error {
	var errs []error
	for _, tag := range b.Pending() {
		if err := b.engine.RunTask(ctx, tag); err != nil {
			b.logger.Warn("background task failed, will retry", "tag", tag, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", tag, err))
			continue
		}
		b.mu.Lock()
		b.pending = slices.DeleteFunc(b.pending, func(t string) bool { return t == tag })
		b.mu.Unlock()
	}
	return errors.Join(errs...)
}
