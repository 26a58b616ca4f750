// Package harnesstest starts a harness for the lifetime of a Go test.
package harnesstest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamnative/kop-test-harness/harness"
)

// New creates a harness, runs InternalSetup, and registers InternalCleanup with t.
func New(t testing.TB, opts ...harness.Option) *harness.Harness {
	t.Helper()
	h, err := harness.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := h.InternalCleanup(); err != nil {
			t.Errorf("harness cleanup failed: %s", err)
		}
	})
	require.NoError(t, h.InternalSetup(context.Background()))
	return h
}
