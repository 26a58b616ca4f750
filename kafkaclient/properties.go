// Package kafkaclient contains the producer and consumer drivers tests use against a running
// broker. Each driver is described by a Properties map using the usual Kafka client keys, which
// Options turns into franz-go client options.
package kafkaclient

import (
	"fmt"
	"net"
	"strconv"

	"github.com/streamnative/kop-test-harness/codec"
)

// Properties is a Kafka client configuration keyed by the standard property names.
type Properties map[string]string

const (
	BootstrapServersConfig      = "bootstrap.servers"
	ClientIDConfig              = "client.id"
	KeySerializerConfig         = "key.serializer"
	ValueSerializerConfig       = "value.serializer"
	KeyDeserializerConfig       = "key.deserializer"
	ValueDeserializerConfig     = "value.deserializer"
	GroupIDConfig               = "group.id"
	AutoOffsetResetConfig       = "auto.offset.reset"
	EnableAutoCommitConfig      = "enable.auto.commit"
	AutoCommitIntervalMsConfig  = "auto.commit.interval.ms"
	SessionTimeoutMsConfig      = "session.timeout.ms"
	EnableIdempotenceConfig     = "enable.idempotence"
	CompressionTypeConfig       = "compression.type"
	SASLJAASConfig              = "sasl.jaas.config"
	SecurityProtocolConfig      = "security.protocol"
	SASLMechanismConfig         = "sasl.mechanism"
	SSLTrustStoreLocationConfig = "ssl.truststore.location"
	SSLTrustStorePasswordConfig = "ssl.truststore.password"
	SSLEndpointIdentification   = "ssl.endpoint.identification.algorithm"
)

const (
	SecurityProtocolPlaintext     = "PLAINTEXT"
	SecurityProtocolSSL           = "SSL"
	SecurityProtocolSASLPlaintext = "SASL_PLAINTEXT"
	SecurityProtocolSASLSSL       = "SASL_SSL"

	MechanismPlain = "PLAIN"
)

const (
	DefaultHost             = "localhost"
	DefaultProducerClientID = "kop-harness-producer"
	DefaultSSLClientID      = "kop-harness-producer-ssl"
	DefaultConsumerGroup    = "kop-harness-consumer"

	// DefaultTrustStorePassword is recorded for completeness; PEM trust stores have no password.
	DefaultTrustStorePassword = "111111"

	defaultSessionTimeoutMs   = "30000"
	defaultAutoCommitInterval = "1000"

	jaasTemplate = `org.apache.kafka.common.security.plain.PlainLoginModule required username="%s" password="%s";`
)

// ProducerParams describes a plaintext producer, optionally authenticating with SASL/PLAIN.
type ProducerParams struct {
	Topic string
	// Host defaults to DefaultHost.
	Host  string
	Port  int
	Async bool
	// Username and Password enable SASL/PLAIN when both are set.
	Username string
	Password string
	// Compression is an optional compression.type value.
	Compression string
}

// ConsumerParams describes a consumer subscribed to one topic.
type ConsumerParams struct {
	Topic      string
	Host       string
	Port       int
	AutoCommit bool
	Username   string
	Password   string
	// Group defaults to DefaultConsumerGroup.
	Group string
}

func bootstrap(host string, port int) string {
	if host == "" {
		host = DefaultHost
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func addSASL(props Properties, username, password string) {
	if username == "" || password == "" {
		return
	}
	props[SASLJAASConfig] = fmt.Sprintf(jaasTemplate, username, password)
	props[SecurityProtocolConfig] = SecurityProtocolSASLPlaintext
	props[SASLMechanismConfig] = MechanismPlain
}

// ProducerProperties builds the configuration of a producer with integer keys and string values.
func ProducerProperties(params ProducerParams) Properties {
	props := Properties{
		BootstrapServersConfig:  bootstrap(params.Host, params.Port),
		ClientIDConfig:          DefaultProducerClientID,
		KeySerializerConfig:     codec.IntegerSerializerClass,
		ValueSerializerConfig:   codec.StringSerializerClass,
		EnableIdempotenceConfig: "false",
	}
	addSASL(props, params.Username, params.Password)
	if params.Compression != "" {
		props[CompressionTypeConfig] = params.Compression
	}
	return props
}

// SSLProducerProperties builds the configuration of a producer that connects over TLS, trusting the
// CA certificates in trustStorePath and skipping hostname verification.
func SSLProducerProperties(host string, port int, trustStorePath string) Properties {
	return Properties{
		BootstrapServersConfig:      bootstrap(host, port),
		ClientIDConfig:              DefaultSSLClientID,
		KeySerializerConfig:         codec.IntegerSerializerClass,
		ValueSerializerConfig:       codec.StringSerializerClass,
		EnableIdempotenceConfig:     "false",
		SecurityProtocolConfig:      SecurityProtocolSSL,
		SSLTrustStoreLocationConfig: trustStorePath,
		SSLTrustStorePasswordConfig: DefaultTrustStorePassword,
		SSLEndpointIdentification:   "",
	}
}

// ConsumerProperties builds the configuration of a consumer that starts from the earliest offset.
func ConsumerProperties(params ConsumerParams) Properties {
	group := params.Group
	if group == "" {
		group = DefaultConsumerGroup
	}
	props := Properties{
		BootstrapServersConfig:  bootstrap(params.Host, params.Port),
		GroupIDConfig:           group,
		AutoOffsetResetConfig:   "earliest",
		SessionTimeoutMsConfig:  defaultSessionTimeoutMs,
		KeyDeserializerConfig:   codec.IntegerDeserializerClass,
		ValueDeserializerConfig: codec.StringDeserializerClass,
	}
	if params.AutoCommit {
		props[EnableAutoCommitConfig] = "true"
		props[AutoCommitIntervalMsConfig] = defaultAutoCommitInterval
	} else {
		props[EnableAutoCommitConfig] = "false"
	}
	addSASL(props, params.Username, params.Password)
	return props
}

// Clone returns a copy of p.
func (p Properties) Clone() Properties {
	ret := make(Properties, len(p))
	for k, v := range p {
		ret[k] = v
	}
	return ret
}
