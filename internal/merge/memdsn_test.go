package merge

import (
	"fmt"
	"sync/atomic"
)

var memoryDSNCounter int64

// memoryDSN returns a uniquely named shared-cache in-memory database, so
// every pooled connection of one test sees the same data while tests stay
// isolated from each other.
func memoryDSN(label string) string {
	return fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", label, atomic.AddInt64(&memoryDSNCounter, 1))
}
