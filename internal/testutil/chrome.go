// Package testutil provides fakes and helpers for engine, launcher and CLI tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/tomyan/cdpengine/internal/launcher"
)

// StartChrome launches a real headless Chrome on an OS-assigned port and
// stops it when the test ends. It skips the test in -short mode or when no
// browser is installed.
func StartChrome(t testing.TB) *launcher.Instance {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	path := launcher.LookPath("")
	if path == "" {
		t.Skip("Chrome not found on this system")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	inst, err := launcher.Launch(ctx, launcher.Options{
		ExecPath:    path,
		Headless:    true,
		GracePeriod: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to start Chrome: %v", err)
	}
	t.Cleanup(func() { _ = inst.Stop() })
	return inst
}
