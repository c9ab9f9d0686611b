package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func ScanStatusKey(scanID uuid.UUID) string {
	return fmt.Sprintf("scan:%s:status", scanID)
}

func RateLimitKey(principal string) string {
	return fmt.Sprintf("ratelimit:%s", principal)
}

func DispatchLeaseKey(queue string) string {
	return fmt.Sprintf("lease:dispatch:%s", queue)
}
