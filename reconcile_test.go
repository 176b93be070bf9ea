package offlinechat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore wraps a MessageStore and counts Prune calls.
type countingStore struct {
	*MessageStore
	prunes int
}

func (c *countingStore) Prune() {
	c.prunes++
	c.MessageStore.Prune()
}

// fakeLink accepts transmissions until failAfter is reached.
type fakeLink struct {
	mu        sync.Mutex
	open      bool
	failAfter int
	sent      []string
	onSend    func()
}

func (l *fakeLink) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

func (l *fakeLink) Transmit(_ context.Context, m Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAfter >= 0 && len(l.sent) >= l.failAfter {
		return errors.New("write failed")
	}
	l.sent = append(l.sent, m.ID)
	if l.onSend != nil {
		l.onSend()
	}
	return nil
}

func seedStore(t *testing.T, n int) (*countingStore, []string) {
	t.Helper()
	s := &countingStore{MessageStore: NewMessageStore(NewMemoryStorage(), nil)}
	var want []string
	for range n {
		m := NewMessage("offline", "user")
		s.Enqueue(m)
		want = append(want, m.ID)
	}
	return s, want
}

func TestDrainSendsInOrder(t *testing.T) {
	s, want := seedStore(t, 3)
	link := &fakeLink{open: true, failAfter: -1}
	r := NewSyncReconciler(s, nil)

	res := r.Drain(context.Background(), link)

	assert.Equal(t, 3, res.Pending)
	assert.Equal(t, want, res.Synced)
	assert.Equal(t, want, link.sent)
	assert.Empty(t, s.ListUnsynced())
	assert.Equal(t, 1, s.prunes)
}

func TestDrainStopsOnFailure(t *testing.T) {
	s, want := seedStore(t, 3)
	link := &fakeLink{open: true, failAfter: 1}
	r := NewSyncReconciler(s, nil)

	res := r.Drain(context.Background(), link)

	assert.Equal(t, want[:1], res.Synced)
	assert.Equal(t, want[1:], ids(s.ListUnsynced()))
	assert.Equal(t, 1, s.prunes)
}

func TestDrainStopsWhenLinkCloses(t *testing.T) {
	s, want := seedStore(t, 3)
	link := &fakeLink{open: true, failAfter: -1}
	link.onSend = func() { link.open = false }
	r := NewSyncReconciler(s, nil)

	res := r.Drain(context.Background(), link)

	assert.Equal(t, want[:1], res.Synced)
	assert.Len(t, s.ListUnsynced(), 2)
}

func TestDrainEmptyStillPrunes(t *testing.T) {
	s, _ := seedStore(t, 0)
	r := NewSyncReconciler(s, nil)

	res := r.Drain(context.Background(), &fakeLink{open: true, failAfter: -1})

	assert.Zero(t, res.Pending)
	assert.Equal(t, 1, s.prunes)
}

func TestDrainSyncingHook(t *testing.T) {
	s, _ := seedStore(t, 2)
	r := NewSyncReconciler(s, nil)

	var events []bool
	r.OnSyncing(func(syncing bool) { events = append(events, syncing) })

	r.Drain(context.Background(), &fakeLink{open: true, failAfter: -1})

	assert.Equal(t, []bool{true, false}, events)
	assert.False(t, r.Syncing())
}

func TestDrainNotReentrant(t *testing.T) {
	s, _ := seedStore(t, 2)
	r := NewSyncReconciler(s, nil)

	var nested DrainResult
	link := &fakeLink{open: true, failAfter: -1}
	link.onSend = func() {
		if nested.Pending == 0 && !nested.Skipped {
			link.mu.Unlock()
			nested = r.Drain(context.Background(), &fakeLink{open: true, failAfter: -1})
			link.mu.Lock()
		}
	}

	res := r.Drain(context.Background(), link)

	require.True(t, nested.Skipped)
	assert.Len(t, res.Synced, 2)
	assert.Equal(t, 1, s.prunes)
}
