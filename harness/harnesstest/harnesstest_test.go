package harnesstest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/streamnative/kop-test-harness/harness"
)

func TestNewStartsHarness(t *testing.T) {
	var h *harness.Harness
	t.Run("scope", func(t *testing.T) {
		h = New(t, harness.WithTCPLookup(true))
		assert.Equal(t, harness.Running, h.State())
		assert.NoError(t, h.Admin().Healthcheck())
	})
	assert.Equal(t, harness.CleanedUp, h.State(), "cleanup runs when the test finishes")
}
