package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/kop-test-harness/broker"
	"github.com/streamnative/kop-test-harness/framework"
	"github.com/streamnative/kop-test-harness/harness"
)

func readParams(t *testing.T, args ...string) (commandParams, bool, string) {
	var params commandParams
	var errOut bytes.Buffer
	ok := params.Read(append([]string{"kop-test-harness"}, args...), &errOut)
	return params, ok, errOut.String()
}

func harnessConfig(t *testing.T, params commandParams) broker.Config {
	h, err := harness.New(params.harnessOptions()...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.InternalCleanup() })
	return h.Config()
}

func TestDefaults(t *testing.T) {
	params, ok, _ := readParams(t)
	require.True(t, ok)
	assert.Equal(t, "localhost", params.host)
	assert.False(t, params.tcpLookup)
	assert.False(t, params.serve)
	assert.False(t, params.filters.IsDefined())

	conf := harnessConfig(t, params)
	assert.Equal(t, "warn", conf.LogLevel)
	assert.False(t, conf.AuthenticationEnabled)
}

func TestFlags(t *testing.T) {
	params, ok, _ := readParams(t, "-host", "10.1.2.3", "-tcp-lookup", "-auth", "admin:secret",
		"-run", "kafka", "-skip", "ssl", "-debug-all")
	require.True(t, ok)
	assert.Equal(t, "10.1.2.3", params.host)
	assert.True(t, params.tcpLookup)
	assert.True(t, params.debugAll)
	assert.True(t, params.filters.AsFilter(framework.TestID{Path: []string{"kafka", "produce"}}))
	assert.False(t, params.filters.AsFilter(framework.TestID{Path: []string{"kafka", "ssl producer"}}))

	user, pass, err := params.credentials()
	require.NoError(t, err)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "secret", pass)

	conf := harnessConfig(t, params)
	assert.Equal(t, "10.1.2.3", conf.AdvertisedAddress)
	assert.Equal(t, "debug", conf.LogLevel)
	assert.True(t, conf.AuthenticationEnabled)
	assert.Equal(t, map[string]string{"admin": "secret"}, conf.SuperUserCredentials)
}

func TestInvalidFlags(t *testing.T) {
	for name, args := range map[string][]string{
		"bad auth":       {"-auth", "nopassword"},
		"empty user":     {"-auth", ":secret"},
		"missing config": {"-config", filepath.Join(t.TempDir(), "missing.yaml")},
		"filtered serve": {"-serve", "-run", "kafka"},
		"bad regex":      {"-run", "("},
		"unknown flag":   {"-bogus"},
	} {
		t.Run(name, func(t *testing.T) {
			_, ok, errOut := readParams(t, args...)
			assert.False(t, ok)
			assert.NotEmpty(t, errOut)
		})
	}
}

func TestConfigFileIsOverlaid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("clusterName: from-file\n"), 0o600))
	params, ok, _ := readParams(t, "-config", path)
	require.True(t, ok)
	assert.Equal(t, "from-file", harnessConfig(t, params).ClusterName)
}

func TestConfigFileKeepsAllocatedEndpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
clusterName: from-file
webServicePort: 1
brokerServicePort: 2
listeners: PLAINTEXT://example.com:3
tlsCertificateFilePath: /nowhere/cert.pem
`), 0o600))
	params, ok, _ := readParams(t, "-config", path)
	require.True(t, ok)
	require.NoError(t, os.Remove(path))

	h, err := harness.New(params.harnessOptions()...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.InternalCleanup() })
	conf := h.Config()
	assert.Equal(t, "from-file", conf.ClusterName, "the file is read once, during flag validation")
	assert.Equal(t, h.Ports().WebService, conf.WebServicePort)
	assert.Equal(t, h.Ports().BrokerService, conf.BrokerServicePort)
	assert.NotContains(t, conf.Listeners, "example.com")
	assert.Equal(t, h.TLSMaterial().CertificatePath, conf.TLSCertificateFilePath)

	require.NoError(t, h.ResetConfig())
	assert.Equal(t, "from-file", h.Config().ClusterName)
}

func TestCommandBuilderQuotes(t *testing.T) {
	var b commandBuilder
	b.add("kafka-console-producer.sh", "--producer-property", `sasl.jaas.config=x username="a b";`)
	assert.Equal(t, `kafka-console-producer.sh --producer-property 'sasl.jaas.config=x username="a b";'`, b.String())
}
