package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLTerminalEventStore persists TerminalEventRecords to the shared
// conversation database's terminal_events table (created by the session
// store's schema init). driver selects placeholder style: "postgres" uses
// $N, anything else uses ?.
type SQLTerminalEventStore struct {
	db     *sql.DB
	driver string
}

// NewSQLTerminalEventStore wraps an open connection.
func NewSQLTerminalEventStore(db *sql.DB, driver string) *SQLTerminalEventStore {
	return &SQLTerminalEventStore{db: db, driver: driver}
}

func (s *SQLTerminalEventStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Append implements TerminalEventStore.
func (s *SQLTerminalEventStore) Append(ctx context.Context, rec TerminalEventRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO terminal_events
			(id, conversation_id, message_index, command, exit_code, output_preview,
			 full_output, cwd, duration_ms, timed_out, denied, pty, background, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.ConversationID, rec.MessageIndex, rec.Command, rec.ExitCode,
		rec.OutputPreview, rec.FullOutput, rec.Cwd, rec.DurationMs,
		rec.TimedOut, rec.Denied, rec.PTY, rec.Background, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append terminal event: %w", err)
	}
	return nil
}

// ListByConversation implements TerminalEventStore.
func (s *SQLTerminalEventStore) ListByConversation(ctx context.Context, conversationID string) ([]TerminalEventRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, conversation_id, message_index, command, exit_code, output_preview,
		       full_output, cwd, duration_ms, timed_out, denied, pty, background, created_at
		FROM terminal_events WHERE conversation_id = ? ORDER BY created_at ASC`),
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list terminal events: %w", err)
	}
	defer rows.Close()

	var out []TerminalEventRecord
	for rows.Next() {
		var rec TerminalEventRecord
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.MessageIndex, &rec.Command,
			&rec.ExitCode, &rec.OutputPreview, &rec.FullOutput, &rec.Cwd, &rec.DurationMs,
			&rec.TimedOut, &rec.Denied, &rec.PTY, &rec.Background, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan terminal event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
