package kafkaclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/streamnative/kop-test-harness/codec"
)

var (
	jaasUsername = regexp.MustCompile(`username="([^"]*)"`)
	jaasPassword = regexp.MustCompile(`password="([^"]*)"`)
)

// Options translates props into franz-go client options. Keys it does not know are ignored; known
// keys with values it cannot honor are an error.
func Options(props Properties) ([]kgo.Opt, error) {
	var opts []kgo.Opt
	servers := props[BootstrapServersConfig]
	if servers == "" {
		return nil, fmt.Errorf("%s is required", BootstrapServersConfig)
	}
	opts = append(opts, kgo.SeedBrokers(strings.Split(servers, ",")...))
	if id := props[ClientIDConfig]; id != "" {
		opts = append(opts, kgo.ClientID(id))
	}
	if err := checkCodecs(props); err != nil {
		return nil, err
	}
	if group := props[GroupIDConfig]; group != "" {
		opts = append(opts, kgo.ConsumerGroup(group))
	}

	switch reset := props[AutoOffsetResetConfig]; reset {
	case "":
	case "earliest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		return nil, fmt.Errorf("unsupported %s %q", AutoOffsetResetConfig, reset)
	}

	autoCommit, err := boolProperty(props, EnableAutoCommitConfig, true)
	if err != nil {
		return nil, err
	}
	if !autoCommit {
		opts = append(opts, kgo.DisableAutoCommit())
	} else if interval, ok, err := millisProperty(props, AutoCommitIntervalMsConfig); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, kgo.AutoCommitInterval(interval))
	}
	if timeout, ok, err := millisProperty(props, SessionTimeoutMsConfig); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, kgo.SessionTimeout(timeout))
	}

	idempotent, err := boolProperty(props, EnableIdempotenceConfig, true)
	if err != nil {
		return nil, err
	}
	if !idempotent {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}
	if compression := props[CompressionTypeConfig]; compression != "" {
		c, err := compressionCodec(compression)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.ProducerBatchCompression(c))
	}

	securityOpts, err := securityOptions(props)
	if err != nil {
		return nil, err
	}
	return append(opts, securityOpts...), nil
}

func checkCodecs(props Properties) error {
	known := map[string]bool{
		codec.IntegerSerializerClass:   true,
		codec.StringSerializerClass:    true,
		codec.IntegerDeserializerClass: true,
		codec.StringDeserializerClass:  true,
	}
	for _, key := range []string{KeySerializerConfig, ValueSerializerConfig, KeyDeserializerConfig, ValueDeserializerConfig} {
		if class, ok := props[key]; ok && !known[class] {
			return fmt.Errorf("unsupported %s %q", key, class)
		}
	}
	return nil
}

func boolProperty(props Properties, key string, defaultValue bool) (bool, error) {
	value, ok := props[key]
	if !ok || value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", key, value)
	}
	return b, nil
}

func millisProperty(props Properties, key string) (time.Duration, bool, error) {
	value, ok := props[key]
	if !ok || value == "" {
		return 0, false, nil
	}
	ms, err := strconv.Atoi(value)
	if err != nil || ms < 0 {
		return 0, false, fmt.Errorf("invalid %s %q", key, value)
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

func compressionCodec(name string) (kgo.CompressionCodec, error) {
	switch strings.ToLower(name) {
	case "none":
		return kgo.NoCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	default:
		return kgo.NoCompression(), fmt.Errorf("unsupported %s %q", CompressionTypeConfig, name)
	}
}

func securityOptions(props Properties) ([]kgo.Opt, error) {
	protocol := props[SecurityProtocolConfig]
	var opts []kgo.Opt
	switch protocol {
	case "", SecurityProtocolPlaintext:
		return nil, nil
	case SecurityProtocolSSL, SecurityProtocolSASLPlaintext, SecurityProtocolSASLSSL:
	default:
		return nil, fmt.Errorf("unsupported %s %q", SecurityProtocolConfig, protocol)
	}
	if protocol == SecurityProtocolSSL || protocol == SecurityProtocolSASLSSL {
		tlsConfig, err := clientTLSConfig(props)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.DialTLSConfig(tlsConfig))
	}
	if protocol == SecurityProtocolSASLPlaintext || protocol == SecurityProtocolSASLSSL {
		if mechanism := props[SASLMechanismConfig]; mechanism != MechanismPlain {
			return nil, fmt.Errorf("unsupported %s %q", SASLMechanismConfig, mechanism)
		}
		auth, err := parseJAAS(props[SASLJAASConfig])
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(auth.AsMechanism()))
	}
	return opts, nil
}

func parseJAAS(jaas string) (plain.Auth, error) {
	user := jaasUsername.FindStringSubmatch(jaas)
	pass := jaasPassword.FindStringSubmatch(jaas)
	if user == nil || pass == nil {
		return plain.Auth{}, fmt.Errorf("%s must contain a username and a password", SASLJAASConfig)
	}
	return plain.Auth{User: user[1], Pass: pass[1]}, nil
}

// clientTLSConfig trusts the PEM certificates at the trust store location. An empty endpoint
// identification algorithm keeps chain verification but skips the hostname check.
func clientTLSConfig(props Properties) (*tls.Config, error) {
	path := props[SSLTrustStoreLocationConfig]
	if path == "" {
		return nil, fmt.Errorf("%s is required for SSL", SSLTrustStoreLocationConfig)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trust store: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no PEM certificates in trust store %s", path)
	}
	conf := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if algorithm, ok := props[SSLEndpointIdentification]; ok && algorithm == "" {
		conf.InsecureSkipVerify = true
		conf.VerifyPeerCertificate = verifyChainOnly(pool)
	}
	return conf, nil
}

func verifyChainOnly(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("server presented no certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs = append(certs, cert)
		}
		intermediates := x509.NewCertPool()
		for _, c := range certs[1:] {
			intermediates.AddCert(c)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates})
		return err
	}
}

// kgoLogger sends franz-go's client logs to logrus. Client info messages are chatty, so they are
// logged at debug level.
type kgoLogger struct {
	entry *logrus.Entry
}

func (l kgoLogger) Level() kgo.LogLevel {
	switch l.entry.Logger.GetLevel() {
	case logrus.TraceLevel:
		return kgo.LogLevelDebug
	case logrus.DebugLevel:
		return kgo.LogLevelInfo
	default:
		return kgo.LogLevelWarn
	}
}

func (l kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...interface{}) {
	fields := make(logrus.Fields, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		fields[fmt.Sprint(keyvals[i])] = keyvals[i+1]
	}
	entry := l.entry.WithFields(fields)
	switch level {
	case kgo.LogLevelError:
		entry.Error(msg)
	case kgo.LogLevelWarn:
		entry.Warn(msg)
	case kgo.LogLevelInfo:
		entry.Debug(msg)
	default:
		entry.Trace(msg)
	}
}
