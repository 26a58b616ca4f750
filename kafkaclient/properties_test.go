package kafkaclient

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/kop-test-harness/codec"
	"github.com/streamnative/kop-test-harness/logging"
)

func TestProducerProperties(t *testing.T) {
	props := ProducerProperties(ProducerParams{Topic: "t", Port: 9092})
	assert.Equal(t, Properties{
		BootstrapServersConfig:  "localhost:9092",
		ClientIDConfig:          DefaultProducerClientID,
		KeySerializerConfig:     codec.IntegerSerializerClass,
		ValueSerializerConfig:   codec.StringSerializerClass,
		EnableIdempotenceConfig: "false",
	}, props)

	props = ProducerProperties(ProducerParams{Host: "10.0.0.1", Port: 9093, Username: "alice", Password: "pw", Compression: "zstd"})
	assert.Equal(t, "10.0.0.1:9093", props[BootstrapServersConfig])
	assert.Equal(t, SecurityProtocolSASLPlaintext, props[SecurityProtocolConfig])
	assert.Equal(t, MechanismPlain, props[SASLMechanismConfig])
	assert.Equal(t,
		`org.apache.kafka.common.security.plain.PlainLoginModule required username="alice" password="pw";`,
		props[SASLJAASConfig])
	assert.Equal(t, "zstd", props[CompressionTypeConfig])

	props = ProducerProperties(ProducerParams{Port: 1, Username: "alice"})
	assert.NotContains(t, props, SASLJAASConfig, "credentials need both a username and a password")
}

func TestSSLProducerProperties(t *testing.T) {
	props := SSLProducerProperties("", 9443, "/tmp/ca.pem")
	assert.Equal(t, "localhost:9443", props[BootstrapServersConfig])
	assert.Equal(t, DefaultSSLClientID, props[ClientIDConfig])
	assert.Equal(t, SecurityProtocolSSL, props[SecurityProtocolConfig])
	assert.Equal(t, "/tmp/ca.pem", props[SSLTrustStoreLocationConfig])
	endpoint, ok := props[SSLEndpointIdentification]
	assert.True(t, ok)
	assert.Equal(t, "", endpoint)
}

func TestConsumerProperties(t *testing.T) {
	props := ConsumerProperties(ConsumerParams{Topic: "t", Port: 9092})
	assert.Equal(t, Properties{
		BootstrapServersConfig:  "localhost:9092",
		GroupIDConfig:           DefaultConsumerGroup,
		AutoOffsetResetConfig:   "earliest",
		EnableAutoCommitConfig:  "false",
		SessionTimeoutMsConfig:  "30000",
		KeyDeserializerConfig:   codec.IntegerDeserializerClass,
		ValueDeserializerConfig: codec.StringDeserializerClass,
	}, props)

	props = ConsumerProperties(ConsumerParams{Port: 9092, AutoCommit: true, Group: "g", Username: "u", Password: "p"})
	assert.Equal(t, "true", props[EnableAutoCommitConfig])
	assert.Equal(t, "1000", props[AutoCommitIntervalMsConfig])
	assert.Equal(t, "g", props[GroupIDConfig])
	assert.Equal(t, SecurityProtocolSASLPlaintext, props[SecurityProtocolConfig])
}

func TestPropertiesCloneIsIndependent(t *testing.T) {
	props := ConsumerProperties(ConsumerParams{Port: 1})
	clone := props.Clone()
	clone[GroupIDConfig] = "changed"
	assert.Equal(t, DefaultConsumerGroup, props[GroupIDConfig])
}

func TestOptionsAcceptsDriverProperties(t *testing.T) {
	for name, props := range map[string]Properties{
		"producer":      ProducerProperties(ProducerParams{Port: 9092, Compression: "lz4"}),
		"sasl producer": ProducerProperties(ProducerParams{Port: 9092, Username: "u", Password: "p"}),
		"consumer":      ConsumerProperties(ConsumerParams{Port: 9092, AutoCommit: true}),
	} {
		t.Run(name, func(t *testing.T) {
			opts, err := Options(props)
			require.NoError(t, err)
			assert.NotEmpty(t, opts)
		})
	}
}

func TestOptionsRejectsBadValues(t *testing.T) {
	base := func(extra Properties) Properties {
		props := Properties{BootstrapServersConfig: "localhost:9092"}
		for k, v := range extra {
			props[k] = v
		}
		return props
	}
	for name, props := range map[string]Properties{
		"no bootstrap":       {},
		"offset reset":       base(Properties{AutoOffsetResetConfig: "middle"}),
		"auto commit":        base(Properties{EnableAutoCommitConfig: "sometimes"}),
		"commit interval":    base(Properties{AutoCommitIntervalMsConfig: "soon"}),
		"session timeout":    base(Properties{SessionTimeoutMsConfig: "-5"}),
		"compression":        base(Properties{CompressionTypeConfig: "brotli"}),
		"serializer":         base(Properties{KeySerializerConfig: "com.example.Serializer"}),
		"protocol":           base(Properties{SecurityProtocolConfig: "CARRIER_PIGEON"}),
		"mechanism":          base(Properties{SecurityProtocolConfig: SecurityProtocolSASLPlaintext, SASLMechanismConfig: "SCRAM-SHA-256"}),
		"jaas":               base(Properties{SecurityProtocolConfig: SecurityProtocolSASLPlaintext, SASLMechanismConfig: MechanismPlain}),
		"missing truststore": base(Properties{SecurityProtocolConfig: SecurityProtocolSSL}),
		"unreadable store":   base(Properties{SecurityProtocolConfig: SecurityProtocolSSL, SSLTrustStoreLocationConfig: "/does/not/exist.pem"}),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Options(props)
			assert.Error(t, err)
		})
	}
}

func TestTrustStoreMustHoldCertificates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))
	_, err := Options(SSLProducerProperties("localhost", 9443, path))
	assert.Error(t, err)
}

func TestParseJAAS(t *testing.T) {
	auth, err := parseJAAS(ProducerProperties(ProducerParams{Username: "bob", Password: "s3cret"})[SASLJAASConfig])
	require.NoError(t, err)
	assert.Equal(t, "bob", auth.User)
	assert.Equal(t, "s3cret", auth.Pass)

	_, err = parseJAAS(`PlainLoginModule required username="bob";`)
	assert.Error(t, err)
}

func TestCompletionCallbackSuccess(t *testing.T) {
	logger := &logging.CapturingLogger{}
	cb := NewCompletionCallback(42, "hello", logger)
	assert.Zero(t, cb.Elapsed())

	cb.OnCompletion(&RecordMetadata{Topic: "t", Partition: 3, Offset: 17}, nil)
	cb.OnCompletion(nil, errors.New("ignored"))

	md, err := cb.Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, int64(17), md.Offset)
	output := logger.Output()
	require.Len(t, output, 1)
	assert.Contains(t, output[0].Message, "message(42, hello) sent to partition(3), offset(17) in ")
}

func TestCompletionCallbackFailure(t *testing.T) {
	logger := &logging.CapturingLogger{}
	cb := NewCompletionCallback(1, "x", logger)
	cb.OnCompletion(&RecordMetadata{}, errors.New("broker said no"))

	md, err := cb.Wait(testContext(t))
	assert.Nil(t, md, "metadata is dropped when there is an error")
	assert.EqualError(t, err, "broker said no")
	output := logger.Output()
	require.Len(t, output, 1)
	assert.Contains(t, output[0].Message, "broker said no")
	assert.NotContains(t, output[0].Message, "partition")
}

func TestCompletionCallbackWithoutOutcome(t *testing.T) {
	cb := NewCompletionCallback(1, "x", nil)
	cb.OnCompletion(nil, nil)
	_, err := cb.Wait(testContext(t))
	assert.Equal(t, errNoOutcome, err)
}
