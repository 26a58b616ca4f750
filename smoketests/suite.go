// Package smoketests checks a running harness end to end: the admin and lookup services, Kafka
// clients on every listener, compaction, and broker restarts. The CLI runs it against a fresh
// harness; the package tests run it under "go test".
package smoketests

import (
	"github.com/streamnative/kop-test-harness/framework"
	"github.com/streamnative/kop-test-harness/harness"
)

const (
	FeatureSASL = "sasl"
	FeatureTLS  = "tls"
)

// RunTestSuite runs every smoke test against h, which must be running.
func RunTestSuite(
	h *harness.Harness,
	filter framework.Filter,
	testLogger framework.TestLogger,
) framework.Results {
	return framework.Run(filter, testLogger, func(c *framework.Context) {
		t := newTestScope(c, h)

		t.Run("admin", DoAdminTests)
		t.Run("lookup", DoLookupTests)
		t.Run("kafka", DoKafkaTests)
		t.Run("compaction", DoCompactionTests)
		t.Run("lifecycle", DoLifecycleTests)
	})
}

// DisabledFeatures lists the optional features that h's broker configuration leaves off. Tests
// needing them are skipped.
func DisabledFeatures(h *harness.Harness) []string {
	var ret []string
	conf := h.Config()
	if !conf.AuthenticationEnabled {
		ret = append(ret, FeatureSASL)
	} else {
		// TLS listeners are not SASL-enabled, so they reject everyone once authentication is on.
		ret = append(ret, FeatureTLS)
	}
	return ret
}
