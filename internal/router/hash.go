package router

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// HashKind selects which 64-bit hash backs Hash-mapped sharding columns. xxhash is the
// default; the exact function is part of the wire contract (spec §9's Open Question), so
// changing the default for an existing cluster would silently re-shard every row.
type HashKind int

const (
	HashXXHash HashKind = iota
	HashMurmur3
)

// HashFunc maps a canonical byte form of a sharding-key value to a 64-bit hash.
type HashFunc func(b []byte) uint64

// NewHashFunc resolves a HashKind to its HashFunc via a name-to-implementation switch.
func NewHashFunc(kind HashKind) HashFunc {
	switch kind {
	case HashMurmur3:
		return func(b []byte) uint64 {
			h := murmur3.New64()
			h.Write(b)
			return h.Sum64()
		}
	default:
		return xxhash.Sum64
	}
}

// CanonicalBytes converts a sharding-key value (as extracted from SQL text, which is
// always a string token) to the canonical big-endian byte form the hash is computed
// over. Integer-looking values hash as their 8-byte big-endian representation so that
// "42" and the integer 42 route identically regardless of bind format; everything else
// hashes as its raw UTF-8 bytes.
func CanonicalBytes(value string) []byte {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(n))
		return buf[:]
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
		return buf[:]
	}
	return []byte(value)
}

// HashShard returns the shard index for value under fn given shardCount shards.
func HashShard(fn HashFunc, value string, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	h := fn(CanonicalBytes(value))
	return int(h % uint64(shardCount))
}

// centroidDistance is squared Euclidean distance, used by vector-centroid routing to pick
// the nearest of a sharded table's configured centroids.
func centroidDistance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// NearestCentroidShard returns the shard of the centroid closest to vec, restricted to
// the first `probes` centroids sorted by the caller (probes <= 0 means "search all").
func NearestCentroidShard(centroids []CentroidRef, vec []float64, probes int) (int, bool) {
	if len(centroids) == 0 {
		return 0, false
	}
	n := len(centroids)
	if probes > 0 && probes < n {
		n = probes
	}
	best := -1
	bestDist := math.MaxFloat64
	for i := 0; i < n; i++ {
		d := centroidDistance(centroids[i].Vector, vec)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	return centroids[best].Shard, true
}

// CentroidRef is the minimal view hash.go needs of catalog.Centroid, kept local so this
// file has no import-cycle dependency on the catalog package's full schema type.
type CentroidRef struct {
	Vector []float64
	Shard  int
}
