// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings for runs, import rows, and alerts.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewRunID returns a short run identifier derived from a UUID7.
func (g Generator) NewRunID() (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	return "run-" + id[:8] + id[len(id)-4:], nil
}
