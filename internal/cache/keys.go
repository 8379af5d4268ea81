package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// RateLimitKey buckets requests per client and clock minute.
func RateLimitKey(client string, window int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", client, window)
}
