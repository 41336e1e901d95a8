package priority

import (
	"math/rand"
	"time"
)

// defaultRandFloat and defaultNowMs are package-level vars (not consts) so
// tests can override them, mirroring the teacher's redisTimeNow pattern in
// internal/ratelimit/redis_backend.go.
var defaultRandFloat = rand.Float64

var defaultNowMs = func() int64 {
	return time.Now().UnixMilli()
}
