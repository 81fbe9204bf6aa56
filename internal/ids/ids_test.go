package ids

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDGenerator_Version7(t *testing.T) {
	id := UUIDGenerator{}.NewID()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestUUIDGenerator_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := UUIDGenerator{}.NewID()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestSequential(t *testing.T) {
	g := NewSequential("exp")
	assert.Equal(t, "exp-1", g.NewID())
	assert.Equal(t, "exp-2", g.NewID())
}

func TestSequential_Concurrent(t *testing.T) {
	g := NewSequential("e")
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := g.NewID()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, Default, OrDefault(nil))
	g := NewSequential("x")
	assert.Same(t, g, OrDefault(g))
}
