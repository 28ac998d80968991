// Package idgen generates external-facing identifiers: the 128-bit hex
// externalId default rule, and uuid-shaped surrogate/correlation ids the
// way the teacher repo uses uuid.NewString() throughout internal/domain.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Generator produces externalIds and surrogate ids. It's an interface so
// tests can substitute a deterministic sequence.
type Generator interface {
	ExternalID() (string, error)
	SurrogateID() string
}

type uuidGenerator struct{}

// New returns the production id generator: 128-bit hex externalIds,
// uuid.NewString() surrogate ids.
func New() Generator { return uuidGenerator{} }

func (uuidGenerator) ExternalID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (uuidGenerator) SurrogateID() string {
	return uuid.NewString()
}
