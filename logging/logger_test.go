package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapturingHookSeesComponentFields(t *testing.T) {
	var capture CapturingLogger
	detach := AddHook(&capture)
	defer detach()

	New("unit").WithField("Ledger", 3).Warn("ledger fenced")

	warnings := capture.Output().AtLevel(logrus.WarnLevel)
	require.Len(t, warnings, 1)
	assert.Equal(t, "ledger fenced", warnings[0].Message)
	assert.Equal(t, "unit", warnings[0].Fields["Component"])
	assert.Equal(t, 3, warnings[0].Fields["Ledger"])
}

func TestDetachedHookStopsCapturing(t *testing.T) {
	var capture CapturingLogger
	detach := AddHook(&capture)
	detach()

	New("unit").Error("not seen")
	assert.Empty(t, capture.Output())
}

func TestCapturedOutputDump(t *testing.T) {
	var capture CapturingLogger
	capture.Printf("hello %d", 1)
	capture.Printf("world")

	var buf bytes.Buffer
	capture.Output().Dump(&buf, "  ")
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), "hello 1")
	assert.Contains(t, string(lines[1]), "world")
}

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Configure(nil, "chatty"))
	require.NoError(t, Configure(nil, "info"))
}
