package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test if the VRAGENT_VM_TEST environment variable is not set.
// This ensures that tests requiring real kernel capabilities (raw sockets,
// ethtool, namespaces) are only run in the proper environment.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("VRAGENT_VM_TEST") == "" {
		t.Skip("Skipping test: requires VRAGENT_VM_TEST environment")
	}
}
