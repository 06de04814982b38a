package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nexuscore/engine/pkg/models"
)

func newMockStore(t *testing.T, driver string) (*SQLStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	store := NewSQLStoreFromDB(db, driver)
	return store, mock, func() { _ = db.Close() }
}

func TestSQLStoreRebind(t *testing.T) {
	sqliteStore := NewSQLStoreFromDB(nil, "sqlite")
	if got := sqliteStore.rebind("SELECT ? WHERE x = ?"); got != "SELECT ? WHERE x = ?" {
		t.Errorf("sqlite rebind changed the query: %q", got)
	}
	pgStore := NewSQLStoreFromDB(nil, "postgres")
	if got := pgStore.rebind("SELECT ? WHERE x = ? AND y = ?"); got != "SELECT $1 WHERE x = $2 AND y = $3" {
		t.Errorf("postgres rebind = %q", got)
	}
}

func TestSQLStoreCreateAssignsID(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	mock.ExpectExec(`INSERT INTO sessions`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	session := &models.Session{Channel: models.ChannelDesktop, Title: "first"}
	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if session.ID == "" {
		t.Errorf("Create() must assign an id")
	}
	if session.CreatedAt.IsZero() || session.UpdatedAt.IsZero() {
		t.Errorf("Create() must stamp timestamps")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStoreGet(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "agent_id", "channel", "channel_id", "key", "title", "metadata", "created_at", "updated_at",
	}).AddRow("sess-1", "", "desktop", "", "", "hello…", `{"input_tokens":12}`, now, now)
	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE id =`).
		WithArgs("sess-1").
		WillReturnRows(rows)

	session, err := store.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if session.Title != "hello…" {
		t.Errorf("Title = %q", session.Title)
	}
	if session.Metadata["input_tokens"] != float64(12) {
		t.Errorf("Metadata = %v", session.Metadata)
	}
}

func TestSQLStoreGetNotFound(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE id =`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Get(context.Background(), "missing"); err != ErrSessionNotFound {
		t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSQLStoreUpdateNotFound(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	mock.ExpectExec(`UPDATE sessions SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), &models.Session{ID: "missing"})
	if err != ErrSessionNotFound {
		t.Errorf("Update() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSQLStoreAppendMessageAndHistory(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	mock.ExpectExec(`INSERT INTO messages`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE sessions SET updated_at`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	msg := &models.Message{
		Role:    models.RoleAssistant,
		Content: "42 plus 58 is 100.",
		ToolCalls: []models.ToolCall{
			{ID: "call-1", Name: "add", Input: json.RawMessage(`{"a":42,"b":58}`)},
		},
	}
	if err := store.AppendMessage(context.Background(), "sess-1", msg); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if msg.ID == "" || msg.SessionID != "sess-1" {
		t.Errorf("message not stamped: %+v", msg)
	}

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "session_id", "role", "content", "model", "attachments", "tool_calls", "created_at",
	}).
		AddRow("m1", "sess-1", "user", "What is 42 plus 58?", "", `[]`, `[]`, now).
		AddRow("m2", "sess-1", "assistant", "42 plus 58 is 100.", "claude", `[]`, `[{"id":"call-1","name":"add","input":{"a":42,"b":58}}]`, now)
	mock.ExpectQuery(`SELECT .+ FROM messages WHERE session_id =`).
		WithArgs("sess-1").
		WillReturnRows(rows)

	history, err := store.GetHistory(context.Background(), "sess-1", 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d messages, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("roles = %q, %q", history[0].Role, history[1].Role)
	}
	if len(history[1].ToolCalls) != 1 || history[1].ToolCalls[0].Name != "add" {
		t.Errorf("tool calls = %+v", history[1].ToolCalls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStoreDeleteRemovesMessagesFirst(t *testing.T) {
	store, mock, done := newMockStore(t, "sqlite")
	defer done()

	mock.ExpectExec(`DELETE FROM messages WHERE session_id =`).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM sessions WHERE id =`).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Delete(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStorePostgresPlaceholders(t *testing.T) {
	store, mock, done := newMockStore(t, "postgres")
	defer done()

	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE id = \$1`).
		WithArgs("sess-1").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Get(context.Background(), "sess-1"); err != ErrSessionNotFound {
		t.Errorf("Get() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
