package queue

import (
	"strings"
	"time"

	"github.com/jobvault/jobvault/pkg/health"
)

const defaultStoreHealthCheckName = "queue-store"

// NewStoreHealthChecker creates a standard health checker for a job store.
func NewStoreHealthChecker(name string, store Store, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultStoreHealthCheckName
	}
	return health.NewAdapterChecker(checkName, store, timeout)
}
