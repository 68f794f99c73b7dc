// Package llm provides text generation backends for evaluation runs.
package llm

import "context"

// Generator produces a completion for a prompt. Implementations must be safe
// for concurrent use.
type Generator interface {
	Generate(ctx context.Context, model, prompt string, temperature float64) (string, error)
	ListModels(ctx context.Context) ([]string, error)
}
