package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("PAWSY_TEST_MODE", "1")
		if os.Getenv("CATALOG_PATH") == "" {
			_ = os.Setenv("CATALOG_PATH", os.DevNull)
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
