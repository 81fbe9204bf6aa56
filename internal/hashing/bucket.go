// Package hashing maps subjects to stable buckets for experiments and flags.
package hashing

import "hash/fnv"

// Buckets is the number of buckets subjects are spread across. Traffic and
// rollout percentages are compared directly against the bucket value.
const Buckets = 100

// Bucket returns a value in [0, Buckets) for the subject and experiment or
// flag id. The same inputs always produce the same bucket.
func Bucket(subjectID, key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(key))

	v := int64(int32(mix(h.Sum32())))
	if v < 0 {
		v = -v
	}
	return int(v % Buckets)
}

// mix is the murmur3 32-bit finalizer. FNV-1a leaves the low-order bits
// poorly mixed for keys that differ only in their last characters.
func mix(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
