// Package ids generates identifiers for experiments, variants, goals, flags
// and events.
package ids

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator returns a new unique identifier on every call.
type Generator interface {
	NewID() string
}

// UUIDGenerator produces time-ordered UUIDv7 strings.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.NewString()
	}
	return id.String()
}

// Sequential produces "<prefix>-1", "<prefix>-2", ... and is safe for
// concurrent use. Tests use it for stable ids.
type Sequential struct {
	Prefix string
	n      atomic.Uint64
}

func NewSequential(prefix string) *Sequential {
	return &Sequential{Prefix: prefix}
}

func (s *Sequential) NewID() string {
	return fmt.Sprintf("%s-%d", s.Prefix, s.n.Add(1))
}

// Default is the generator used when none is injected.
var Default Generator = UUIDGenerator{}

// OrDefault returns g, or Default when g is nil.
func OrDefault(g Generator) Generator {
	if g == nil {
		return Default
	}
	return g
}
