package elefante

import "context"

// EmbeddingProvider is the core's sole boundary to an embedding model
// (spec.md §2: "pure function text -> dense vector of dimension D.
// External. Deterministic for a fixed model."). The core never selects,
// loads, or calls an LLM itself; it is handed an EmbeddingProvider and
// treats it as a black box.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
