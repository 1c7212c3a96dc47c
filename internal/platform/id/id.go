// Package id generates opaque identifiers for change entries and other
// server-assigned records.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generator produces identifiers. Rooms take one so tests can pin ids.
type Generator func() (string, error)

// NewID returns a new lowercase base32-encoded UUIDv4.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return Encode(value), nil
}

// Encode renders a UUID in the 26-character identifier form.
func Encode(value uuid.UUID) string {
	return strings.ToLower(encoding.EncodeToString(value[:]))
}
