// Package uuid provides run ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 run identifiers.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewRunID returns a UUIDv7.
func (Generator) NewRunID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// Static always returns the same ID. Useful for reproducible runs and tests.
type Static uuid.UUID

// NewRunID implements weather.IDGenerator.
func (s Static) NewRunID() (uuid.UUID, error) {
	if uuid.UUID(s) == uuid.Nil {
		return uuid.Nil, fmt.Errorf("static run id is nil")
	}
	return uuid.UUID(s), nil
}
