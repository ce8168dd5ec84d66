package app

import (
	"os"
	"strconv"
	"sync"
)

// testModeEnv switches the binaries into a dry mode: no listeners, no
// database and no request logging. The testing package sets it.
const testModeEnv = "STOCKLEDGER_TEST_MODE"

var testMode struct {
	once sync.Once
	mu   sync.RWMutex
	on   bool
}

func loadTestMode() {
	on, _ := strconv.ParseBool(os.Getenv(testModeEnv))
	testMode.mu.Lock()
	testMode.on = on
	testMode.mu.Unlock()
}

// InTestMode is true when STOCKLEDGER_TEST_MODE is set to a true value.
// The variable is read on first use.
func InTestMode() bool {
	testMode.once.Do(loadTestMode)
	testMode.mu.RLock()
	defer testMode.mu.RUnlock()
	return testMode.on
}

// RefreshTestMode re-reads STOCKLEDGER_TEST_MODE.
func RefreshTestMode() {
	testMode.once.Do(func() {})
	loadTestMode()
}
