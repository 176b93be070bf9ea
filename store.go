package offlinechat

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Storage keys used by the main context.
const (
	MessagesKey = "chatapp_offline_messages"
	SettingsKey = "chatapp_settings"
)

// DefaultSyncedRetention is how many synced messages Prune keeps.
const DefaultSyncedRetention = 100

// ============================================================================
// Durable storage
// ============================================================================

// Storage is a durable key/blob store. Get reports ok=false for a missing key.
type Storage interface {
	Get(key string) (data []byte, ok bool, err error)
	Set(key string, data []byte) error
}

// MemoryStorage is a goroutine-safe in-memory Storage.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (s *MemoryStorage) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (s *MemoryStorage) Set(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore is the durable record of outbound messages and their sync
// status. Every mutation is persisted before it returns. Persist failures are
// logged and swallowed; the in-memory state is still updated so the current
// session is unaffected.
type MessageStore struct {
	mu        sync.Mutex
	storage   Storage
	logger    *slog.Logger
	messages  []QueuedMessage
	index     map[string]int
	retention int
	now       func() time.Time
}

// NewMessageStore loads any persisted messages from storage. Pass nil logger
// for slog.Default().
func NewMessageStore(storage Storage, logger *slog.Logger) *MessageStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MessageStore{
		storage:   storage,
		logger:    logger.With("component", "message_store"),
		index:     make(map[string]int),
		retention: DefaultSyncedRetention,
		now:       time.Now,
	}
	s.load()
	return s
}

func (s *MessageStore) load() {
	data, ok, err := s.storage.Get(MessagesKey)
	if err != nil {
		s.logger.Error("failed to read offline messages", "error", &StorageError{Key: MessagesKey, Op: "get", Err: err})
		return
	}
	if !ok || len(data) == 0 {
		return
	}
	var msgs []QueuedMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		s.logger.Error("failed to decode offline messages", "error", &StorageError{Key: MessagesKey, Op: "decode", Err: err})
		return
	}
	s.replaceLocked(msgs)
}

// Enqueue persists m with synced=false. A message whose id is already stored
// is left untouched.
func (s *MessageStore) Enqueue(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[m.ID]; exists {
		return
	}
	s.index[m.ID] = len(s.messages)
	s.messages = append(s.messages, QueuedMessage{Message: m, QueuedAt: s.now().UTC()})
	s.persistLocked()
}

// MarkSynced flips the synced flag of the given ids. Unknown and already
// synced ids are ignored.
func (s *MessageStore) MarkSynced(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, id := range ids {
		i, ok := s.index[id]
		if !ok || s.messages[i].Synced {
			continue
		}
		s.messages[i].Synced = true
		changed = true
	}
	if changed {
		s.persistLocked()
	}
}

// ListUnsynced returns every unsynced entry in insertion order.
func (s *MessageStore) ListUnsynced() []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []QueuedMessage
	for _, m := range s.messages {
		if !m.Synced {
			out = append(out, m)
		}
	}
	return out
}

// Prune keeps every unsynced entry plus the most recently inserted synced
// entries up to the retention limit. Relative order is preserved.
func (s *MessageStore) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	synced := 0
	for _, m := range s.messages {
		if m.Synced {
			synced++
		}
	}
	drop := synced - s.retention
	if drop <= 0 {
		s.persistLocked()
		return
	}

	kept := make([]QueuedMessage, 0, len(s.messages)-drop)
	for _, m := range s.messages {
		if m.Synced && drop > 0 {
			drop--
			continue
		}
		kept = append(kept, m)
	}
	s.replaceLocked(kept)
	s.persistLocked()
}

// All returns a copy of every stored entry in insertion order.
func (s *MessageStore) All() []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueuedMessage(nil), s.messages...)
}

// Get returns the entry with the given id.
func (s *MessageStore) Get(id string) (QueuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return QueuedMessage{}, false
	}
	return s.messages[i], true
}

// Len returns the total and unsynced entry counts.
func (s *MessageStore) Len() (total, unsynced int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if !m.Synced {
			unsynced++
		}
	}
	return len(s.messages), unsynced
}

func (s *MessageStore) replaceLocked(msgs []QueuedMessage) {
	s.messages = msgs
	s.index = make(map[string]int, len(msgs))
	for i, m := range msgs {
		s.index[m.ID] = i
	}
}

func (s *MessageStore) persistLocked() {
	data, err := json.Marshal(s.messages)
	if err != nil {
		s.logger.Error("failed to encode offline messages", "error", &StorageError{Key: MessagesKey, Op: "encode", Err: err})
		return
	}
	if err := s.storage.Set(MessagesKey, data); err != nil {
		s.logger.Error("failed to persist offline messages", "error", &StorageError{Key: MessagesKey, Op: "set", Err: err})
	}
}

// ============================================================================
// SettingsStore
// ============================================================================

// SettingsStore persists application preferences under SettingsKey.
type SettingsStore struct {
	mu      sync.Mutex
	storage Storage
	logger  *slog.Logger
}

// NewSettingsStore creates a settings sub-store. Pass nil logger for default.
func NewSettingsStore(storage Storage, logger *slog.Logger) *SettingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsStore{storage: storage, logger: logger.With("component", "settings")}
}

// Load returns the stored settings, or an empty map when none are stored or
// they cannot be read.
func (s *SettingsStore) Load() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *SettingsStore) loadLocked() map[string]any {
	settings := map[string]any{}
	data, ok, err := s.storage.Get(SettingsKey)
	if err != nil {
		s.logger.Error("failed to read settings", "error", &StorageError{Key: SettingsKey, Op: "get", Err: err})
		return settings
	}
	if !ok {
		return settings
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		s.logger.Error("failed to decode settings", "error", &StorageError{Key: SettingsKey, Op: "decode", Err: err})
		return map[string]any{}
	}
	return settings
}

// Save replaces the stored settings.
func (s *SettingsStore) Save(settings map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(settings)
}

func (s *SettingsStore) saveLocked(settings map[string]any) {
	data, err := json.Marshal(settings)
	if err != nil {
		s.logger.Error("failed to encode settings", "error", &StorageError{Key: SettingsKey, Op: "encode", Err: err})
		return
	}
	if err := s.storage.Set(SettingsKey, data); err != nil {
		s.logger.Error("failed to persist settings", "error", &StorageError{Key: SettingsKey, Op: "set", Err: err})
	}
}

// Set stores a single setting, keeping the others.
func (s *SettingsStore) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := s.loadLocked()
	settings[key] = value
	s.saveLocked(settings)
}

// Bool reads a boolean setting.
func (s *SettingsStore) Bool(key string, fallback bool) bool {
	if v, ok := s.Load()[key].(bool); ok {
		return v
	}
	return fallback
}
