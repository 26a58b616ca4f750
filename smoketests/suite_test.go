package smoketests

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/kop-test-harness/broker"
	"github.com/streamnative/kop-test-harness/framework"
	"github.com/streamnative/kop-test-harness/harness"
	"github.com/streamnative/kop-test-harness/harness/harnesstest"
)

func runSuite(t *testing.T, h *harness.Harness, filter framework.Filter) framework.Results {
	var out bytes.Buffer
	results := RunTestSuite(h, filter, &framework.ConsoleTestLogger{Out: &out, DebugOutputOnFailure: true})
	if !results.OK() {
		t.Log(out.String())
	}
	return results
}

func skippedIDs(results framework.Results) []string {
	var ret []string
	for _, r := range results.Tests {
		if r.Skipped {
			ret = append(ret, r.TestID.String())
		}
	}
	return ret
}

func TestSuitePasses(t *testing.T) {
	h := harnesstest.New(t)
	results := runSuite(t, h, nil)
	require.True(t, results.OK())
	assert.Equal(t, []string{"kafka/sasl rejects bad credentials"}, skippedIDs(results))
}

func TestSuitePassesWithTCPLookupAndAuthentication(t *testing.T) {
	h := harnesstest.New(t,
		harness.WithTCPLookup(true),
		harness.WithConfig(func(c *broker.Config) {
			c.AuthenticationEnabled = true
			c.SuperUserCredentials = map[string]string{"admin": "secret"}
		}))
	assert.Equal(t, []string{FeatureTLS}, DisabledFeatures(h))

	var filters framework.RegexFilters
	require.NoError(t, filters.MustNotMatch.Set("compression/"))
	results := runSuite(t, h, filters.AsFilter)
	require.True(t, results.OK())
	assert.Contains(t, skippedIDs(results), "kafka/ssl producer")
	assert.Contains(t, skippedIDs(results), "kafka/compression/gzip")
}
