package offlinechat

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrConnClosed is returned by a simulated connection after Close.
var ErrConnClosed = errors.New("connection closed")

// SimulatedOptions configures the in-process simulated socket.
type SimulatedOptions struct {
	// OpenDelay is how long Dial takes to report the socket open.
	OpenDelay time.Duration
	// AutoRespond makes the socket answer every written message.
	AutoRespond bool
	// ResponseDelay is how long a reply takes to arrive.
	ResponseDelay time.Duration
	// Responder is the sender name used for replies.
	Responder string
}

func (o *SimulatedOptions) defaults() {
	if o.OpenDelay == 0 {
		o.OpenDelay = 100 * time.Millisecond
	}
	if o.ResponseDelay == 0 {
		o.ResponseDelay = 1500 * time.Millisecond
	}
	if o.Responder == "" {
		o.Responder = "Assistant"
	}
}

var simulatedReplies = []string{
	"Thanks for your message! This is a demo response.",
	"This is a simulated response for testing purposes.",
	"Your message has been processed successfully!",
	"Hello! This chat is running in demo mode.",
}

// SimulatedDialer opens in-process sockets that never touch the network.
type SimulatedDialer struct {
	opts SimulatedOptions
}

// NewSimulatedDialer creates a simulated dialer. Pass nil for the defaults
// (auto-respond enabled).
func NewSimulatedDialer(opts *SimulatedOptions) *SimulatedDialer {
	o := SimulatedOptions{AutoRespond: true}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &SimulatedDialer{opts: o}
}

func (d *SimulatedDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	select {
	case <-time.After(d.opts.OpenDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &simulatedConn{
		opts:   d.opts,
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}, nil
}

type simulatedConn struct {
	opts      SimulatedOptions
	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	timers    []*time.Timer
}

func (c *simulatedConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.closed:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *simulatedConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	if !c.opts.AutoRespond {
		return nil
	}

	// Only chat messages get a reply.
	original, err := DecodeMessage(data)
	if err != nil {
		return nil
	}
	t := time.AfterFunc(c.opts.ResponseDelay, func() {
		reply := NewMessage(c.replyFor(original.Content), c.opts.Responder)
		reply.Kind = KindSystem
		b, err := EncodeMessage(reply)
		if err != nil {
			return
		}
		select {
		case c.inbox <- b:
		case <-c.closed:
		}
	})
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return nil
}

func (c *simulatedConn) replyFor(content string) string {
	// One extra slot for the echo reply.
	n := rand.IntN(len(simulatedReplies) + 1)
	if n == len(simulatedReplies) {
		return "I received your message: \"" + content + "\""
	}
	return simulatedReplies[n]
}

func (c *simulatedConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		for _, t := range c.timers {
			t.Stop()
		}
		c.timers = nil
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}
