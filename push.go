package offlinechat

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// ============================================================================
// Push payload
// ============================================================================

// PushSignatureHeader carries the hex HMAC-SHA256 of the request body.
const PushSignatureHeader = "X-Offlinechat-Signature"

// Defaults applied to fields a push payload leaves empty.
const (
	DefaultPushTitle = "New Message"
	DefaultPushBody  = "You have a new message in ChatApp"
)

// PushPayload is the body of a push delivery.
type PushPayload struct {
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Icon  string            `json:"icon,omitempty"`
	Tag   string            `json:"tag,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// withDefaults fills every empty field from the push defaults.
func (p PushPayload) withDefaults() PushPayload {
	if p.Title == "" {
		p.Title = DefaultPushTitle
	}
	if p.Body == "" {
		p.Body = DefaultPushBody
	}
	if p.Icon == "" {
		p.Icon = "/icon-192.png"
	}
	if p.Tag == "" {
		p.Tag = MessageNotificationTag
	}
	if p.Data == nil {
		p.Data = map[string]string{"url": "/"}
	}
	return p
}

// SignPush returns the signature header value for body.
func SignPush(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyPushSignature checks signature against body in constant time. The
// "sha256=" prefix is optional.
func VerifyPushSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignPush(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParsePushPayload decodes body and merges it over the defaults. An empty
// body yields the defaults.
func ParsePushPayload(body []byte) (PushPayload, error) {
	var p PushPayload
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			return PushPayload{}, fmt.Errorf("invalid JSON in push body: %w", err)
		}
	}
	return p.withDefaults(), nil
}

// ============================================================================
// PushReceiver
// ============================================================================

// PushReceiver turns signed push deliveries into notifications.
type PushReceiver struct {
	secret   string
	notifier Notifier
	logger   *slog.Logger
}

// NewPushReceiver creates a receiver. Pass nil logger for default.
func NewPushReceiver(secret string, notifier Notifier, logger *slog.Logger) (*PushReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("push secret is required")
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PushReceiver{
		secret:   secret,
		notifier: notifier,
		logger:   logger.With("component", "push"),
	}, nil
}

// Handle verifies, parses and dispatches one delivery. It returns the status
// code and response body for the caller to write.
func (p *PushReceiver) Handle(body []byte, signature string) (int, any) {
	if !VerifyPushSignature(body, signature, p.secret) {
		p.logger.Warn("rejected push with invalid signature")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParsePushPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	p.logger.Debug("push received", "tag", payload.Tag)
	p.notifier.ShowNotification(payload.Title, payload.Body, payload.Tag, payload.Data)
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP accepts POST deliveries.
func (p *PushReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}

	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}

	status, data := p.Handle(body, r.Header.Get(PushSignatureHeader))
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
