package app

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// testModeEnv is set by the blank import of the testing package. The worker
// main skips opening Postgres, Redis and the ops listener while it is "1".
const testModeEnv = "ODYSSEY_TEST_MODE"

var (
	testMode     atomic.Bool
	testModeOnce sync.Once
)

func loadTestMode() {
	testMode.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether process mains should return before touching
// external resources. The environment is read once; see RefreshTestMode.
func InTestMode() bool {
	testModeOnce.Do(loadTestMode)
	return testMode.Load()
}

// RefreshTestMode re-reads ODYSSEY_TEST_MODE after tests change it.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	loadTestMode()
}

// SkipStartup logs and returns true when component must not start because
// the process runs under tests.
func SkipStartup(logger *slog.Logger, component string) bool {
	if !InTestMode() {
		return false
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("test mode detected, skipping startup", slog.String("component", component))
	return true
}
