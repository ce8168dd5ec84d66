// Package testing switches binaries into test mode when imported by a test,
// so main functions return before touching Postgres or Redis.
package testing

import (
	"os"
	"sync"
)

// TestModeEnv is read by app.InTestMode.
const TestModeEnv = "STOCKLEDGER_TEST_MODE"

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		if os.Getenv(TestModeEnv) == "" {
			_ = os.Setenv(TestModeEnv, "1")
		}
	})
}

func init() {
	ensureTestMode()
}
