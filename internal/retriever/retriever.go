// Package retriever implements the semantic tool filter: given the
// user's query and the full set of currently registered tools, it returns
// the subset the provider adapter should see — the always-on tools plus
// the top-K most similar to the query by embedding cosine similarity.
package retriever

import (
	"context"
	"math"
	"sort"
	"sync"
)

// ToolInfo is the minimal shape the Retriever embeds text for. It mirrors
// the Tool-Server Manager's canonical tool view without importing it, so
// this package stays pure with respect to its inputs.
type ToolInfo struct {
	Name        string
	Description string
}

// Backend embeds text into a fixed-width vector. A nil, zero-length
// return means "could not embed" and the caller should skip that text.
type Backend interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Name identifies the backend for logging/diagnostics.
	Name() string
}

// Config configures top-K selection and the always-on allowlist.
type Config struct {
	TopK     int
	AlwaysOn []string
}

// Retriever ranks tools by cosine similarity to the embedded query and
// returns the union of the always-on set and the top-K matches. It is
// pure with respect to its inputs beyond the embedding vector cache, which
// is rebuilt wholesale on every Reembed call — the Tool-Server Manager
// calls Reembed after every connect/disconnect.
type Retriever struct {
	mu      sync.RWMutex
	backend Backend // nil => disabled, Select returns the full list
	cfg     Config
	vectors map[string][]float32
}

// New constructs a Retriever. backend may be nil, in which case the
// Retriever is disabled and Select always returns every tool.
func New(backend Backend, cfg Config) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Retriever{
		backend: backend,
		cfg:     cfg,
		vectors: make(map[string][]float32),
	}
}

// Enabled reports whether a working embedding backend is configured.
func (r *Retriever) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backend != nil
}

// embedText builds the text a tool is embedded from.
func embedText(t ToolInfo) string {
	return t.Name + ": " + t.Description
}

// Reembed rebuilds the vector cache from the current tool set. It is
// invoked by the Tool-Server Manager on every registration change so the
// cache never drifts from the live tool set (see testable property #2).
func (r *Retriever) Reembed(ctx context.Context, tools []ToolInfo) {
	r.mu.Lock()
	backend := r.backend
	r.mu.Unlock()

	if backend == nil {
		r.mu.Lock()
		r.vectors = make(map[string][]float32)
		r.mu.Unlock()
		return
	}

	next := make(map[string][]float32, len(tools))
	for _, t := range tools {
		vec, err := backend.Embed(ctx, embedText(t))
		if err != nil || len(vec) == 0 {
			continue
		}
		next[t.Name] = vec
	}

	r.mu.Lock()
	r.vectors = next
	r.mu.Unlock()
}

// Select returns the filtered tool-name subset for a query: the union of
// the always-on names and the top-K by cosine similarity. When the
// backend is disabled, the name of every tool in allTools is returned.
func (r *Retriever) Select(ctx context.Context, query string, allTools []ToolInfo) []string {
	r.mu.RLock()
	backend := r.backend
	vectors := r.vectors
	topK := r.cfg.TopK
	alwaysOn := append([]string(nil), r.cfg.AlwaysOn...)
	r.mu.RUnlock()

	if backend == nil {
		names := make([]string, 0, len(allTools))
		for _, t := range allTools {
			names = append(names, t.Name)
		}
		return names
	}

	selected := make(map[string]struct{}, len(alwaysOn)+topK)
	for _, name := range alwaysOn {
		selected[name] = struct{}{}
	}

	qvec, err := backend.Embed(ctx, query)
	if err != nil || norm(qvec) == 0 {
		return setToSlice(selected)
	}

	type scored struct {
		name  string
		score float64
	}
	scores := make([]scored, 0, len(vectors))
	for name, vec := range vectors {
		if _, already := selected[name]; already {
			continue
		}
		scores = append(scores, scored{name: name, score: cosine(qvec, vec)})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score == scores[j].score {
			return scores[i].name < scores[j].name
		}
		return scores[i].score > scores[j].score
	})

	for i := 0; i < topK && i < len(scores); i++ {
		selected[scores[i].name] = struct{}{}
	}

	return setToSlice(selected)
}

func setToSlice(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
