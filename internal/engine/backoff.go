package engine

import (
	"math/rand/v2"
	"time"
)

// backoffDelay returns the wait before resume attempt n (1-based):
// base doubled per attempt, capped at limit, plus up to 50% jitter, still
// capped at limit.
func backoffDelay(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt && (limit <= 0 || d < limit); i++ {
		d *= 2
	}
	if limit > 0 && d > limit {
		d = limit
	}
	if half := int64(d / 2); half > 0 {
		d += time.Duration(rand.Int64N(half))
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}
