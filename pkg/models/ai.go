// Package models contains shared data models used across the script runner.
package models

import "context"

// Describer is the interface all AI integrations implement. Never call a
// specific AI provider directly; inject this interface.
type Describer interface {
	// Describe writes a short summary of a note for its frontmatter.
	Describe(ctx context.Context, title, content string) (string, error)
	// Name returns the provider identifier (e.g., "openai").
	Name() string
	// Model returns the model the provider sends requests to.
	Model() string
}
