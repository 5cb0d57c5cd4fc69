package router

import (
	"sync/atomic"
	"time"
)

// DefaultIDGenerator returns a snowflake-style IDGenerator: the high 42 bits are a
// millisecond timestamp relative to epoch, the low 22 bits a process-wide atomic
// counter, matching the bit-packing approach §4.8.1's auto-injection and unique_id()
// rewrites were specified against. Collisions are avoided by the counter wrapping only
// after 2^22 IDs within the same millisecond, far beyond any single proxy's throughput.
func DefaultIDGenerator() IDGenerator {
	const epochMillis = 1700000000000 // 2023-11-14, arbitrary fixed epoch
	var counter int64
	return func() int64 {
		n := atomic.AddInt64(&counter, 1) & 0x3FFFFF
		ms := time.Now().UnixMilli() - epochMillis
		return ms<<22 | n
	}
}
