package common

import (
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// Idem rejects replays of mutating requests that carry an Idempotency-Key
// header. The first request with a given key proceeds; repeats within the TTL
// get a 409.
func Idem(rdb *redis.Client, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" || rdb == nil {
				next.ServeHTTP(w, r)
				return
			}
			redisKey := "idem:" + r.Method + ":" + r.URL.Path + ":" + Sha256Hex(key)
			ok, err := rdb.SetNX(r.Context(), redisKey, "1", ttl).Result()
			if err != nil {
				// Redis being down should not block writes.
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				JSONError(w, http.StatusConflict, "CONFLICT", "duplicate request", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
