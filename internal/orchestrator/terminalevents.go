package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TerminalEventRecord is the persisted shape of one terminal command's
// lifecycle: preview and full output, exit status, and timing, tied to
// the conversation and message index it belongs to.
type TerminalEventRecord struct {
	ID             string
	ConversationID string
	MessageIndex   int
	Command        string
	ExitCode       int
	OutputPreview  string
	FullOutput     string
	Cwd            string
	DurationMs     int64
	TimedOut       bool
	Denied         bool
	PTY            bool
	Background     bool
	CreatedAt      time.Time
}

const (
	outputPreviewHead = 500
	outputPreviewTail = 500
	fullOutputLimit   = 50_000
)

// BuildOutputPreview implements the "first 500 + last 500 of output, or
// full if <=1000" preview rule.
func BuildOutputPreview(output string) string {
	if len(output) <= outputPreviewHead+outputPreviewTail {
		return output
	}
	head := output[:outputPreviewHead]
	tail := output[len(output)-outputPreviewTail:]
	return head + "\n...\n" + tail
}

// TruncateFullOutput caps stored output at the persistence ceiling.
func TruncateFullOutput(output string) string {
	if len(output) <= fullOutputLimit {
		return output
	}
	return output[:fullOutputLimit]
}

// TerminalEventStore persists terminal command lifecycle records.
type TerminalEventStore interface {
	Append(ctx context.Context, rec TerminalEventRecord) error
	ListByConversation(ctx context.Context, conversationID string) ([]TerminalEventRecord, error)
}

// MemoryTerminalEventStore is an in-memory TerminalEventStore for tests
// and for runs with no database configured.
type MemoryTerminalEventStore struct {
	mu      sync.RWMutex
	byConvo map[string][]TerminalEventRecord
}

// NewMemoryTerminalEventStore builds an empty store.
func NewMemoryTerminalEventStore() *MemoryTerminalEventStore {
	return &MemoryTerminalEventStore{byConvo: make(map[string][]TerminalEventRecord)}
}

func (s *MemoryTerminalEventStore) Append(ctx context.Context, rec TerminalEventRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byConvo[rec.ConversationID] = append(s.byConvo[rec.ConversationID], rec)
	return nil
}

func (s *MemoryTerminalEventStore) ListByConversation(ctx context.Context, conversationID string) ([]TerminalEventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TerminalEventRecord, len(s.byConvo[conversationID]))
	copy(out, s.byConvo[conversationID])
	return out, nil
}

// PendingTerminalEvents buffers TerminalEventRecords for a turn whose
// conversation id is not yet assigned. Once a conversation is created,
// Flush stamps every buffered record with that id and persists them in
// order, preserving the total ordering terminal_output events already had
// on the wire.
type PendingTerminalEvents struct {
	mu      sync.Mutex
	pending []TerminalEventRecord
	store   TerminalEventStore
}

// NewPendingTerminalEvents builds a queue backed by store.
func NewPendingTerminalEvents(store TerminalEventStore) *PendingTerminalEvents {
	return &PendingTerminalEvents{store: store}
}

// Queue buffers a record for later flush.
func (p *PendingTerminalEvents) Queue(rec TerminalEventRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, rec)
}

// QueueOrAppend implements the deferred-event ownership rule: if no
// conversation id exists yet, the record is buffered in memory; once a
// conversation exists, later records persist immediately instead of
// waiting for a Flush that will never come again for this turn.
func (p *PendingTerminalEvents) QueueOrAppend(ctx context.Context, conversationID string, rec TerminalEventRecord) error {
	if conversationID == "" {
		p.Queue(rec)
		return nil
	}
	rec.ConversationID = conversationID
	return p.store.Append(ctx, rec)
}

// Flush stamps every queued record with conversationID and persists them,
// clearing the queue. Safe to call with an empty queue.
func (p *PendingTerminalEvents) Flush(ctx context.Context, conversationID string) error {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, rec := range pending {
		rec.ConversationID = conversationID
		if err := p.store.Append(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
