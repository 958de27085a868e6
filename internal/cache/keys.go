package cache

import (
	"fmt"
	"time"
)

// RateLimitKey names the request counter for one API key in the window
// starting at windowStart.
func RateLimitKey(keyPrefix string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", keyPrefix, windowStart.Unix())
}

func BoardPollKey(hostname string) string {
	return fmt.Sprintf("board:poll:%s", hostname)
}
