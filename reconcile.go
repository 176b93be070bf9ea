package offlinechat

import (
	"context"
	"log/slog"
	"sync"
)

// QueueStore is the part of MessageStore the reconciler needs.
type QueueStore interface {
	ListUnsynced() []QueuedMessage
	MarkSynced(ids ...string)
	Prune()
}

// Link is the outbound side of a live connection.
type Link interface {
	IsOpen() bool
	Transmit(ctx context.Context, m Message) error
}

// DrainResult summarizes one drain.
type DrainResult struct {
	// Pending is how many unsynced messages the drain started with.
	Pending int
	// Synced lists the ids transmitted and marked synced, in order.
	Synced []string
	// Skipped is true when another drain was already running.
	Skipped bool
}

// SyncReconciler pushes unsynced messages through a Link whenever
// connectivity becomes available.
//
// Messages are marked synced as soon as the link accepts them; there is no
// application-level acknowledgement.
type SyncReconciler struct {
	store     QueueStore
	logger    *slog.Logger
	onSyncing func(bool)

	mu      sync.Mutex
	syncing bool
}

// NewSyncReconciler creates a reconciler over store. Pass nil logger for
// default.
func NewSyncReconciler(store QueueStore, logger *slog.Logger) *SyncReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncReconciler{
		store:  store,
		logger: logger.With("component", "reconciler"),
	}
}

// OnSyncing registers a hook called with true when a drain starts and false
// when it ends.
func (r *SyncReconciler) OnSyncing(h func(bool)) {
	r.mu.Lock()
	r.onSyncing = h
	r.mu.Unlock()
}

// Syncing reports whether a drain is in progress.
func (r *SyncReconciler) Syncing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncing
}

// Drain transmits every unsynced message through link in insertion order.
// Prune runs once at the end of every drain, whatever happened.
func (r *SyncReconciler) Drain(ctx context.Context, link Link) DrainResult {
	r.mu.Lock()
	if r.syncing {
		r.mu.Unlock()
		return DrainResult{Skipped: true}
	}
	r.syncing = true
	hook := r.onSyncing
	r.mu.Unlock()

	if hook != nil {
		hook(true)
	}

	var res DrainResult
	defer func() {
		r.store.Prune()

		r.mu.Lock()
		r.syncing = false
		r.mu.Unlock()
		if hook != nil {
			hook(false)
		}
	}()

	pending := r.store.ListUnsynced()
	res.Pending = len(pending)
	if len(pending) == 0 {
		return res
	}

	r.logger.Info("syncing offline messages", "count", len(pending))
	for _, qm := range pending {
		if !link.IsOpen() {
			r.logger.Warn("link closed during sync", "remaining", len(pending)-len(res.Synced))
			break
		}
		if err := link.Transmit(ctx, qm.Message); err != nil {
			r.logger.Warn("failed to transmit offline message", "message_id", qm.ID, "error", err)
			break
		}
		r.store.MarkSynced(qm.ID)
		res.Synced = append(res.Synced, qm.ID)
	}

	r.logger.Info("offline messages synced", "synced", len(res.Synced), "pending", res.Pending)
	return res
}
