package cache

import "fmt"

func JobStatusKey(jobID string) string {
	return fmt.Sprintf("hordetrack:job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("hordetrack:ratelimit:%s", keyPrefix)
}
