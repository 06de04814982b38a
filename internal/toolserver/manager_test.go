package toolserver

import (
	"context"
	"testing"
)

func TestCallToolUnknownName(t *testing.T) {
	m := NewManager(nil, nil)
	result := m.CallTool(context.Background(), "nope", nil)
	if result != `Error: unknown tool "nope"` {
		t.Fatalf("unexpected result: %q", result)
	}
}

func TestConnectRejectsSpawnFailure(t *testing.T) {
	m := NewManager(nil, nil)
	err := m.Connect(context.Background(), "broken", "/no/such/binary-xyz", nil, nil)
	if err == nil {
		t.Fatal("expected spawn error")
	}
	var spawnErr *SpawnError
	if !asSpawnError(err, &spawnErr) {
		t.Fatalf("expected *SpawnError, got %T: %v", err, err)
	}
}

func asSpawnError(err error, target **SpawnError) bool {
	se, ok := err.(*SpawnError)
	if ok {
		*target = se
	}
	return ok
}

func TestConnectNoOpWhenAlreadyConnected(t *testing.T) {
	m := NewManager(nil, nil)
	m.servers["dup"] = nil // simulate already-connected without a real process
	if err := m.Connect(context.Background(), "dup", "anything", nil, nil); err != nil {
		t.Fatalf("expected no-op, got error: %v", err)
	}
}

func TestDisconnectRemovesOwnedTools(t *testing.T) {
	m := NewManager(nil, nil)
	m.toolOwner["tool_a"] = "srv"
	m.toolOwner["tool_b"] = "other"
	m.servers["srv"] = nil

	m.Disconnect(context.Background(), "srv")

	if _, ok := m.toolOwner["tool_a"]; ok {
		t.Fatal("expected tool_a removed")
	}
	if _, ok := m.toolOwner["tool_b"]; !ok {
		t.Fatal("tool_b from a different server must survive")
	}
}

func TestOnChangeCalledOnDisconnect(t *testing.T) {
	called := false
	m := NewManager(nil, func(context.Context) { called = true })
	m.servers["srv"] = nil
	m.Disconnect(context.Background(), "srv")
	if !called {
		t.Fatal("expected onChange to fire on disconnect")
	}
}

func TestConnectGoogleServersNoTokenFile(t *testing.T) {
	t.Setenv("GOOGLE_TOKEN_FILE", "")
	m := NewManager(nil, nil)
	if err := m.ConnectGoogleServers(context.Background(), "gmail-server", "calendar-server"); err != nil {
		t.Fatalf("expected nil error when no token file configured, got %v", err)
	}
	if m.Connected("gmail") || m.Connected("calendar") {
		t.Fatal("expected no google servers connected without a token file")
	}
}
