// Package embeddings defines the embedding-backend contract the
// semantic tool retriever selects over at startup.
package embeddings

import "context"

// Provider turns text into a fixed-width vector. The retriever embeds
// one short tool description at a time, so the contract is deliberately
// minimal — no batching surface.
type Provider interface {
	// Embed returns the vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name identifies the backend for logging and diagnostics.
	Name() string
}
