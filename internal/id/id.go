// Package id generates the run and embedding-task identifiers.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

// UUID implements crawler.IDGenerator with UUIDv7, so IDs sort by creation
// time in session history and logs.
type UUID struct{}

// NewUUID returns a UUIDv7 generator.
func NewUUID() *UUID {
	return &UUID{}
}

// NewID returns a fresh UUIDv7 string.
func (*UUID) NewID() (string, error) {
	v, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return v.String(), nil
}
