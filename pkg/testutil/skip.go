// Package testutil holds gates shared by test suites, mainly to keep the
// container-backed store tests out of quick local runs.
package testutil

import (
	"os"
	"testing"
)

// SkipIfShort skips the test under -short.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// SkipIfCI skips the test when a CI environment is detected.
func SkipIfCI(t *testing.T) {
	t.Helper()
	if os.Getenv("CI") != "" {
		t.Skip("skipping test in CI environment")
	}
}

// RequireIntegration gates tests that spin up real Redis or Postgres
// containers: they are skipped under -short, and in CI unless
// INTEGRATION_TESTS=1 opts in.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("INTEGRATION_TESTS") == "" && os.Getenv("CI") != "" {
		t.Skip("skipping integration test (set INTEGRATION_TESTS=1 to run)")
	}
}
