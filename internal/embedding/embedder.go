// Package embedding provides the text embedding boundary: an interface, an
// OpenAI-compatible HTTP client, and a deterministic mock for tests.
package embedding

import "context"

// Embedder produces fixed-dimension vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// emptyInputPlaceholder is substituted for empty or whitespace-only input so
// the embedding service is never called with empty text.
const emptyInputPlaceholder = "empty_input_placeholder"
