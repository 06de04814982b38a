package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/engine/pkg/models"
)

// maxMessagesPerSession caps each conversation's in-memory history; the
// oldest messages are dropped past the cap.
const maxMessagesPerSession = 1000

// MemoryStore is the in-process Store used for tests and for runs with
// no database configured. Values are cloned on the way in and out so a
// caller mutating a returned Session or Message never reaches the
// stored copy.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	byKey    map[string]string
	messages map[string][]*models.Message
}

// NewMemoryStore builds an empty in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		byKey:    make(map[string]string),
		messages: make(map[string][]*models.Message),
	}
}

func (m *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := cloneSession(session)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = stored.CreatedAt

	// Reflect generated fields back to the caller's copy.
	session.ID = stored.ID
	session.CreatedAt = stored.CreatedAt
	session.UpdatedAt = stored.UpdatedAt

	m.sessions[stored.ID] = stored
	if stored.Key != "" {
		m.byKey[stored.Key] = stored.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(stored), nil
}

func (m *MemoryStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.ID]
	if !ok {
		return ErrSessionNotFound
	}
	stored := cloneSession(session)
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()
	m.sessions[stored.ID] = stored
	if stored.Key != "" {
		m.byKey[stored.Key] = stored.ID
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	if stored.Key != "" {
		delete(m.byKey, stored.Key)
	}
	return nil
}

func (m *MemoryStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, ErrSessionNotFound
	}
	stored, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(stored), nil
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, key string, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[key]; ok {
		if stored, ok := m.sessions[id]; ok {
			return cloneSession(stored), nil
		}
	}

	now := time.Now()
	stored := &models.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Channel:   channel,
		ChannelID: channelID,
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[stored.ID] = stored
	m.byKey[key] = stored.ID
	return cloneSession(stored), nil
}

func (m *MemoryStore) List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	matched := make([]*models.Session, 0, len(m.sessions))
	for _, stored := range m.sessions {
		if agentID != "" && stored.AgentID != agentID {
			continue
		}
		if opts.Channel != "" && stored.Channel != opts.Channel {
			continue
		}
		matched = append(matched, cloneSession(stored))
	}
	m.mu.RUnlock()

	// Newest activity first, matching the SQL store's ordering.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start >= len(matched) {
		return []*models.Session{}, nil
	}
	end := len(matched)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return matched[start:end], nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}

	stored := cloneMessage(msg)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.SessionID = sessionID

	history := append(m.messages[sessionID], stored)
	if excess := len(history) - maxMessagesPerSession; excess > 0 {
		history = history[excess:]
	}
	m.messages[sessionID] = history
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.messages[sessionID]
	start := 0
	if limit > 0 && len(history) > limit {
		start = len(history) - limit
	}
	out := make([]*models.Message, 0, len(history)-start)
	for _, msg := range history[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Metadata = cloneMetadata(s.Metadata)
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	clone.Metadata = cloneMetadata(msg.Metadata)
	clone.Attachments = append([]models.Attachment(nil), msg.Attachments...)
	clone.ToolCalls = append([]models.ToolCall(nil), msg.ToolCalls...)
	clone.ToolResults = append([]models.ToolResult(nil), msg.ToolResults...)
	return &clone
}

// cloneMetadata deep-copies the nested map/slice shapes JSON-ish
// metadata can hold; scalar values copy by assignment.
func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneMetaValue(v)
	}
	return out
}

func cloneMetaValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMetadata(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneMetaValue(item)
		}
		return out
	default:
		return v
	}
}
