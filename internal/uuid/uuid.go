// Package uuid generates the local identifiers given to records before the
// remote store has assigned them an id.
package uuid

import (
	"github.com/google/uuid"
)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// Ensure returns id unchanged when it is set, otherwise a fresh UUID v4.
func Ensure(id string) string {
	if id != "" {
		return id
	}
	return New()
}
