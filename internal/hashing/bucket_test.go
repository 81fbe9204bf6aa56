package hashing_test

import (
	"fmt"
	"testing"

	"github.com/gkobilansky/goatlab/internal/hashing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBucket_Deterministic(t *testing.T) {
	for i := 0; i < 1000; i++ {
		subject := fmt.Sprintf("user-%d", i)
		first := hashing.Bucket(subject, "exp-checkout")
		for j := 0; j < 3; j++ {
			assert.Equal(t, first, hashing.Bucket(subject, "exp-checkout"))
		}
	}
}

// Pinned values of FNV-1a over "subject:key" followed by fmix32; other
// implementations must reproduce these buckets exactly.
func TestBucket_KnownValues(t *testing.T) {
	tests := []struct {
		subject, key string
		want         int
	}{
		{"user-1", "checkout", 4},
		{"user-2", "checkout", 96},
		{"alice", "new-nav", 95},
		{"", "exp", 8},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hashing.Bucket(tt.subject, tt.key), "%s:%s", tt.subject, tt.key)
	}
}

func TestBucket_DependsOnKey(t *testing.T) {
	differs := 0
	for i := 0; i < 200; i++ {
		subject := fmt.Sprintf("user-%d", i)
		if hashing.Bucket(subject, "exp-a") != hashing.Bucket(subject, "exp-b") {
			differs++
		}
	}
	// Independent keys should reshuffle nearly everyone.
	assert.Greater(t, differs, 150)
}

func TestBucket_Uniform(t *testing.T) {
	const population = 100000
	counts := make([]int, hashing.Buckets)
	for i := 0; i < population; i++ {
		counts[hashing.Bucket(fmt.Sprintf("subject-%d", i), "exp-uniformity")]++
	}

	expected := float64(population) / hashing.Buckets
	chiSquare := 0.0
	for _, c := range counts {
		d := float64(c) - expected
		chiSquare += d * d / expected
	}

	// Critical value for df=99 at alpha=0.01.
	require.Less(t, chiSquare, 134.64, "bucket distribution rejected as uniform (chi-square %f)", chiSquare)
}

func TestBucket_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		subject := rapid.String().Draw(rt, "subject")
		key := rapid.StringMatching(`[a-z0-9-]{1,24}`).Draw(rt, "key")

		b := hashing.Bucket(subject, key)
		if b < 0 || b >= hashing.Buckets {
			rt.Fatalf("bucket %d out of range", b)
		}
		if b != hashing.Bucket(subject, key) {
			rt.Fatalf("bucket not deterministic for %q/%q", subject, key)
		}
	})
}
