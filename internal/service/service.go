// Package service implements the artifact lifecycle and search orchestration.
//
// Services enforce the domain invariants before delegating to the store
// adapter: kind slugs are normalized, token budgets are checked before any
// embedding call, and an embedding is always persisted together with the
// model that produced it.
package service

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/truthd/internal/artifact"
	"github.com/fyrsmithlabs/truthd/internal/store"
)

// Sentinel errors forming the service error taxonomy.
var (
	// ErrNotFound mirrors the store sentinel so callers can check either.
	ErrNotFound = store.ErrNotFound

	// ErrValidation indicates rejected input: an oversized text, a bad
	// kind slug, or a malformed format. Raised before any store or
	// embedding call.
	ErrValidation = errors.New("validation failed")

	// ErrBackend indicates an embedding or store failure.
	ErrBackend = errors.New("backend failure")
)

// validateBudget rejects text whose estimated token count exceeds the
// model's input budget. The estimate is a cheap word-count heuristic so
// oversized content never reaches the embedding backend.
func validateBudget(field, text string, maxTokens int) error {
	estimated := artifact.EstimateTokens(text)
	if estimated > maxTokens {
		return fmt.Errorf("%w: %s is ~%d tokens, model limit is %d", ErrValidation, field, estimated, maxTokens)
	}
	return nil
}
