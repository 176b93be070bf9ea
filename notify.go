package offlinechat

import (
	"log/slog"

	"github.com/gen2brain/beeep"
)

// Notification tag used for chat messages.
const MessageNotificationTag = "chat-message"

// Notifier displays a notification. Implementations degrade to a no-op when
// the platform lacks support or permission; they never report errors.
type Notifier interface {
	ShowNotification(title, body, tag string, data map[string]string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(title, body, tag string, data map[string]string)

func (f NotifierFunc) ShowNotification(title, body, tag string, data map[string]string) {
	f(title, body, tag, data)
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) ShowNotification(string, string, string, map[string]string) {}

// DesktopNotifier shows native desktop notifications when the user has
// granted permission.
type DesktopNotifier struct {
	// Permitted reports whether notifications are allowed right now.
	Permitted func() bool
	Logger    *slog.Logger
}

// NewDesktopNotifier gates notifications on the "notifications" setting.
// A nil settings store means always permitted.
func NewDesktopNotifier(settings *SettingsStore, logger *slog.Logger) *DesktopNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &DesktopNotifier{Logger: logger.With("component", "notifier")}
	if settings != nil {
		n.Permitted = func() bool { return settings.Bool("notifications", true) }
	}
	return n
}

func (n *DesktopNotifier) ShowNotification(title, body, tag string, data map[string]string) {
	if n.Permitted != nil && !n.Permitted() {
		return
	}
	if err := beeep.Notify(title, body, ""); err != nil && n.Logger != nil {
		n.Logger.Warn("failed to show notification, continuing without", "tag", tag, "error", err)
	}
}
