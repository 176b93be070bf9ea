package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/LuminPulse-AI/offlinechat"
	"github.com/LuminPulse-AI/offlinechat/offlinecache"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("sender", "", "sender name for outgoing messages (default: default.local_sender)")
	chatCmd.Flags().String("transport", "", "transport to use: websocket or simulated (default: default.transport)")
	chatCmd.Flags().Bool("with-worker", false, "run the cache worker in-process and honor its sync requests")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat interactively over a resilient connection",
	Long: `Connect to the chat server and send each stdin line as a message.

Commands:
  /offline   simulate the device going offline
  /online    simulate the device coming back online
  /hide      mark the chat surface hidden (incoming messages notify)
  /show      mark the chat surface visible
  /sync      drain unsynced messages now
  /quit      disconnect and exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		sender, _ := cmd.Flags().GetString("sender")
		sender = valueOrDefault(sender, valueOrDefault(cfg.Default.LocalSender, offlinechat.DefaultLocalSender))
		transport, _ := cmd.Flags().GetString("transport")
		transport = valueOrDefault(transport, cfg.Default.Transport)
		withWorker, _ := cmd.Flags().GetBool("with-worker")

		dialer, err := offlinechat.NewDialer(offlinechat.TransportKind(transport))
		if err != nil {
			return err
		}

		st, err := openStores(cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		mgr := offlinechat.NewConnectionManager(chatEndpoint(cfg), st.messages,
			offlinechat.WithDialer(dialer),
			offlinechat.WithLogger(logger),
			offlinechat.WithNotifier(offlinechat.NewDesktopNotifier(st.settings, logger)),
			offlinechat.WithLocalSender(sender),
		)

		var bg *offlinecache.BackgroundSync
		if withWorker {
			engine, storage, err := openEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer storage.Close()
			unregister := engine.Clients().Register(func(msg offlinecache.ClientMessage) {
				if msg.Type == offlinecache.SyncRequest {
					mgr.RequestSync(ctx)
				}
			})
			defer unregister()
			bg = offlinecache.NewBackgroundSync(engine)
		}

		printer := newChatPrinter(cmd.OutOrStdout(), sender)
		unsubscribe := mgr.Subscribe(printer.render)
		defer unsubscribe()
		defer mgr.Disconnect()

		if err := mgr.Connect(ctx); err != nil {
			logger.Warn("initial connect failed, retrying in background", "error", err)
		}

		session := &chatSession{mgr: mgr, bg: bg, logger: logger, out: cmd.OutOrStdout()}
		return session.run(ctx, cmd.InOrStdin())
	},
}

// ============================================================================
// Session
// ============================================================================

// chatSession feeds stdin lines to the connection manager.
type chatSession struct {
	mgr    *offlinechat.ConnectionManager
	bg     *offlinecache.BackgroundSync
	logger *slog.Logger
	out    io.Writer
}

func (s *chatSession) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || s.handleLine(ctx, line) {
				return nil
			}
		}
	}
}

// handleLine runs a command or sends line as a message. It reports whether
// the session should end.
func (s *chatSession) handleLine(ctx context.Context, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	switch line {
	case "/quit", "/exit":
		return true
	case "/offline":
		s.mgr.SetOnline(ctx, false)
	case "/online":
		s.mgr.SetOnline(ctx, true)
		if s.bg != nil {
			s.bg.Register(offlinecache.TagSyncMessages)
			go func() {
				if err := s.bg.Deliver(ctx); err != nil {
					s.logger.Warn("background sync failed", "error", err)
				}
			}()
		}
	case "/hide":
		s.mgr.SetVisible(false)
	case "/show":
		s.mgr.SetVisible(true)
	case "/sync":
		s.mgr.RequestSync(ctx)
	default:
		if strings.HasPrefix(line, "/") {
			fmt.Fprintf(s.out, "unknown command %s\n", line)
			return false
		}
		s.mgr.SendMessage(ctx, line)
	}
	return false
}

// ============================================================================
// Printer
// ============================================================================

// chatPrinter writes the difference between successive state snapshots.
type chatPrinter struct {
	mu        sync.Mutex
	w         io.Writer
	local     string
	seen      map[string]offlinechat.Kind
	conn      offlinechat.ConnectionState
	online    bool
	exhausted bool
	primed    bool
}

func newChatPrinter(w io.Writer, local string) *chatPrinter {
	return &chatPrinter{w: w, local: local, seen: make(map[string]offlinechat.Kind)}
}

func (p *chatPrinter) render(s offlinechat.ChatState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.primed || s.Connection != p.conn {
		fmt.Fprintf(p.w, "* connection %s\n", s.Connection)
		p.conn = s.Connection
	}
	if p.primed && s.IsOnline != p.online {
		if s.IsOnline {
			fmt.Fprintln(p.w, "* online")
		} else {
			fmt.Fprintln(p.w, "* offline")
		}
	}
	p.online = s.IsOnline
	if s.RetriesExhausted && !p.exhausted {
		fmt.Fprintln(p.w, "* reconnect attempts exhausted, waiting for /online")
	}
	p.exhausted = s.RetriesExhausted

	for _, m := range s.Messages {
		prev, known := p.seen[m.ID]
		p.seen[m.ID] = m.Kind
		switch {
		case !known:
			fmt.Fprintln(p.w, formatMessage(m, p.local))
		case m.Sender == p.local && prev == offlinechat.KindSystem && m.Kind != offlinechat.KindSystem:
			fmt.Fprintf(p.w, "* delivered %s\n", shortID(m.ID))
		}
	}
	p.primed = true
}

func formatMessage(m offlinechat.Message, local string) string {
	line := fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format("15:04:05"), m.Sender, m.Content)
	if m.Sender == local && m.Kind == offlinechat.KindSystem {
		line += " (queued)"
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
