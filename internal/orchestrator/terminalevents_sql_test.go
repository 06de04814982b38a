package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSQLTerminalEventStoreAppend(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	store := NewSQLTerminalEventStore(db, "sqlite")

	mock.ExpectExec(`INSERT INTO terminal_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := TerminalEventRecord{
		ConversationID: "conv-1",
		Command:        "npm install",
		ExitCode:       0,
		OutputPreview:  "added 1 package",
		FullOutput:     "added 1 package",
	}
	if err := store.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLTerminalEventStoreList(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	store := NewSQLTerminalEventStore(db, "sqlite")

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "conversation_id", "message_index", "command", "exit_code", "output_preview",
		"full_output", "cwd", "duration_ms", "timed_out", "denied", "pty", "background", "created_at",
	}).AddRow("ev-1", "conv-1", 0, "rm -rf /tmp/x", -1, "Command denied by user",
		"Command denied by user", "/tmp", int64(0), false, true, false, false, now)
	mock.ExpectQuery(`SELECT .+ FROM terminal_events WHERE conversation_id =`).
		WithArgs("conv-1").
		WillReturnRows(rows)

	events, err := store.ListByConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("ListByConversation() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if !events[0].Denied || events[0].ExitCode != -1 {
		t.Errorf("denied event = %+v", events[0])
	}
}
