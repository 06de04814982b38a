package retriever

import (
	"context"

	"github.com/nexuscore/engine/internal/memory/embeddings"
	"github.com/nexuscore/engine/internal/memory/embeddings/ollama"
)

// providerBackend adapts an embeddings.Provider to the narrower Backend
// contract the Retriever needs.
type providerBackend struct {
	provider embeddings.Provider
}

// NewProviderBackend wraps any embeddings.Provider as a retriever Backend.
func NewProviderBackend(p embeddings.Provider) Backend {
	return providerBackend{provider: p}
}

func (b providerBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	return b.provider.Embed(ctx, text)
}

func (b providerBackend) Name() string { return b.provider.Name() }

// localEmbeddingModels is the small allowlist of Ollama-served embedding
// models the backend-selection probe will accept, in
// preference order.
var localEmbeddingModels = []string{"nomic-embed-text", "mxbai-embed-large", "all-minilm"}

// SelectBackend implements the backend-selection algorithm:
// probe a local embedding service for any of the allowlisted models; if
// none respond, fallback is returned as is (NewHashingFallback builds
// one). A nil fallback therefore disables retrieval.
func SelectBackend(ctx context.Context, ollamaURL string, fallback Backend) Backend {
	for _, model := range localEmbeddingModels {
		provider, err := ollama.New(ollama.Config{BaseURL: ollamaURL, Model: model})
		if err != nil {
			continue
		}
		probeCtx := ctx
		if _, err := provider.Embed(probeCtx, "probe"); err != nil {
			continue
		}
		return NewProviderBackend(provider)
	}
	return fallback
}
