package retriever

import (
	"context"
	"sort"
	"testing"
)

func TestSelectUnionAlwaysOnAndTopK(t *testing.T) {
	ctx := context.Background()
	backend := NewHashingFallback(64)
	r := New(backend, Config{TopK: 2, AlwaysOn: []string{"list_directory"}})

	tools := []ToolInfo{
		{Name: "add", Description: "add two numbers"},
		{Name: "divide", Description: "divide two numbers"},
		{Name: "read_file", Description: "read a file from disk"},
		{Name: "list_directory", Description: "list files in a directory"},
		{Name: "search_web", Description: "search the web for information"},
	}
	r.Reembed(ctx, tools)

	subset := r.Select(ctx, "divide 20 by 4", tools)

	found := make(map[string]bool)
	for _, n := range subset {
		found[n] = true
	}
	if !found["list_directory"] {
		t.Fatalf("expected always-on tool in subset, got %v", subset)
	}
	if !found["divide"] {
		t.Fatalf("expected the query's best match in subset, got %v", subset)
	}
	if found["read_file"] || found["search_web"] {
		t.Fatalf("expected dissimilar tools excluded, got %v", subset)
	}
	if len(subset) > 2+1 {
		t.Fatalf("subset too large: %v", subset)
	}
}

func TestSelectDisabledReturnsAll(t *testing.T) {
	r := New(nil, Config{TopK: 2})
	tools := []ToolInfo{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	subset := r.Select(context.Background(), "anything", tools)
	sort.Strings(subset)
	if len(subset) != 3 {
		t.Fatalf("expected all tools when disabled, got %v", subset)
	}
}

func TestSelectZeroNormQueryContributesNothing(t *testing.T) {
	ctx := context.Background()
	r := New(NewHashingFallback(32), Config{TopK: 3, AlwaysOn: []string{"always"}})
	tools := []ToolInfo{{Name: "always", Description: "x"}, {Name: "other", Description: "y"}}
	r.Reembed(ctx, tools)

	subset := r.Select(ctx, "", tools)
	if len(subset) != 1 || subset[0] != "always" {
		t.Fatalf("expected only always-on for empty query, got %v", subset)
	}
}

func TestReembedCacheMatchesToolSet(t *testing.T) {
	ctx := context.Background()
	r := New(NewHashingFallback(16), Config{TopK: 5})
	r.Reembed(ctx, []ToolInfo{{Name: "a", Description: "x"}, {Name: "b", Description: "y"}})

	r.mu.RLock()
	keys := make([]string, 0, len(r.vectors))
	for k := range r.vectors {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("expected cache keys [a b], got %v", keys)
	}

	r.Reembed(ctx, []ToolInfo{{Name: "a", Description: "x"}})
	r.mu.RLock()
	keys = keys[:0]
	for k := range r.vectors {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	if len(keys) != 1 || keys[0] != "a" {
		t.Fatalf("expected cache keys [a] after disconnect, got %v", keys)
	}
}
