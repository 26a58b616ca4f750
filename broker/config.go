package broker

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ListenerPlaintext = "PLAINTEXT"
	ListenerSSL       = "SSL"

	TopicTypeNonPartitioned = "non-partitioned"
	TopicTypePartitioned    = "partitioned"

	MechanismPlain = "PLAIN"
)

// Config is the broker configuration. It is a plain value: a Service keeps the copy it was
// created with.
type Config struct {
	ClusterName       string `yaml:"clusterName"`
	AdvertisedAddress string `yaml:"advertisedAddress"`
	BrokerServicePort int    `yaml:"brokerServicePort"`
	WebServicePort    int    `yaml:"webServicePort"`
	WebServicePortTLS int    `yaml:"webServicePortTls"`
	// Listeners is a comma-separated list of PROTOCOL://host:port entries.
	Listeners string `yaml:"listeners"`

	ManagedLedgerCacheSizeMB              int    `yaml:"managedLedgerCacheSizeMB"`
	ActiveConsumerFailoverDelayTimeMillis int    `yaml:"activeConsumerFailoverDelayTimeMillis"`
	DefaultNumberOfNamespaceBundles       int    `yaml:"defaultNumberOfNamespaceBundles"`
	ZookeeperServers                      string `yaml:"zookeeperServers"`
	ConfigurationStoreServers             string `yaml:"configurationStoreServers"`

	EnableGroupCoordinator    bool `yaml:"enableGroupCoordinator"`
	OffsetsTopicNumPartitions int  `yaml:"offsetsTopicNumPartitions"`

	AuthenticationEnabled bool              `yaml:"authenticationEnabled"`
	AuthorizationEnabled  bool              `yaml:"authorizationEnabled"`
	SASLAllowedMechanisms []string          `yaml:"saslAllowedMechanisms"`
	SuperUserCredentials  map[string]string `yaml:"superUserCredentials"`

	AllowAutoTopicCreation     bool   `yaml:"allowAutoTopicCreation"`
	AllowAutoTopicCreationType string `yaml:"allowAutoTopicCreationType"`
	DefaultNumPartitions       int    `yaml:"defaultNumPartitions"`

	BrokerDeleteInactiveTopicsEnabled   bool          `yaml:"brokerDeleteInactiveTopicsEnabled"`
	BrokerDeleteInactiveTopicsFrequency time.Duration `yaml:"brokerDeleteInactiveTopicsFrequency"`

	TLSCertificateFilePath string `yaml:"tlsCertificateFilePath"`
	TLSKeyFilePath         string `yaml:"tlsKeyFilePath"`

	LogLevel string `yaml:"logLevel"`
}

// DefaultConfig returns the settings a standalone broker would use.
func DefaultConfig() Config {
	return Config{
		ClusterName:                         "test",
		AdvertisedAddress:                   "localhost",
		BrokerServicePort:                   6650,
		WebServicePort:                      8080,
		ManagedLedgerCacheSizeMB:            8,
		DefaultNumberOfNamespaceBundles:     1,
		ZookeeperServers:                    "localhost:2181",
		ConfigurationStoreServers:           "localhost:3181",
		EnableGroupCoordinator:              true,
		OffsetsTopicNumPartitions:           1,
		SASLAllowedMechanisms:               []string{MechanismPlain},
		AllowAutoTopicCreation:              true,
		AllowAutoTopicCreationType:          TopicTypeNonPartitioned,
		DefaultNumPartitions:                1,
		BrokerDeleteInactiveTopicsFrequency: time.Minute,
		LogLevel:                            "info",
	}
}

// LoadConfig reads a YAML file and overlays it on DefaultConfig.
func LoadConfig(path string) (Config, error) {
	conf := DefaultConfig()
	if err := conf.OverlayFile(path); err != nil {
		return conf, err
	}
	return conf, conf.Validate()
}

// OverlayFile replaces the fields set in a YAML file, leaving the others alone.
func (c *Config) OverlayFile(path string) error {
	o, err := ReadConfigOverlay(path)
	if err != nil {
		return err
	}
	return o.Apply(c)
}

// ConfigOverlay is a YAML config file parsed once so it can be applied to many configs.
type ConfigOverlay struct {
	path string
	doc  yaml.Node
}

// ReadConfigOverlay parses a YAML file and checks that it decodes onto a Config.
func ReadConfigOverlay(path string) (*ConfigOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading broker config: %w", err)
	}
	o := &ConfigOverlay{path: path}
	if err := yaml.Unmarshal(data, &o.doc); err != nil {
		return nil, fmt.Errorf("parsing broker config %s: %w", path, err)
	}
	scratch := DefaultConfig()
	if err := o.Apply(&scratch); err != nil {
		return nil, err
	}
	return o, nil
}

// Path is the file the overlay was read from.
func (o *ConfigOverlay) Path() string { return o.path }

// Apply replaces the fields set in the overlay, leaving the others alone.
func (o *ConfigOverlay) Apply(c *Config) error {
	if o.doc.Kind == 0 {
		return nil
	}
	if err := o.doc.Decode(c); err != nil {
		return fmt.Errorf("parsing broker config %s: %w", o.path, err)
	}
	return nil
}

// Clone returns a copy that shares no maps or slices with c.
func (c Config) Clone() Config {
	ret := c
	if c.SASLAllowedMechanisms != nil {
		ret.SASLAllowedMechanisms = append([]string(nil), c.SASLAllowedMechanisms...)
	}
	if c.SuperUserCredentials != nil {
		ret.SuperUserCredentials = make(map[string]string, len(c.SuperUserCredentials))
		for k, v := range c.SuperUserCredentials {
			ret.SuperUserCredentials[k] = v
		}
	}
	return ret
}

// Validate checks the settings a broker cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.ClusterName == "" {
		errs = append(errs, errors.New("clusterName is required"))
	}
	if c.AdvertisedAddress == "" {
		errs = append(errs, errors.New("advertisedAddress is required"))
	}
	listeners, err := c.ParseListeners()
	if err != nil {
		errs = append(errs, err)
	}
	for _, l := range listeners {
		if l.Protocol == ListenerSSL && (c.TLSCertificateFilePath == "" || c.TLSKeyFilePath == "") {
			errs = append(errs, errors.New("SSL listener requires tlsCertificateFilePath and tlsKeyFilePath"))
		}
	}
	switch c.AllowAutoTopicCreationType {
	case TopicTypeNonPartitioned, TopicTypePartitioned:
	default:
		errs = append(errs, fmt.Errorf("unknown allowAutoTopicCreationType %q", c.AllowAutoTopicCreationType))
	}
	if c.AuthenticationEnabled {
		for _, m := range c.SASLAllowedMechanisms {
			if m != MechanismPlain {
				errs = append(errs, fmt.Errorf("unsupported SASL mechanism %q", m))
			}
		}
	}
	return errors.Join(errs...)
}

// ListenerConfig is one parsed entry of Config.Listeners.
type ListenerConfig struct {
	Protocol string
	Host     string
	Port     int
}

func (l ListenerConfig) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

func (l ListenerConfig) String() string {
	return l.Protocol + "://" + l.Address()
}

// ParseListeners splits Config.Listeners into its entries.
func (c Config) ParseListeners() ([]ListenerConfig, error) {
	var ret []ListenerConfig
	for _, item := range strings.Split(c.Listeners, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		protocol, addr, ok := strings.Cut(item, "://")
		if !ok {
			return nil, fmt.Errorf("malformed listener %q", item)
		}
		protocol = strings.ToUpper(protocol)
		if protocol != ListenerPlaintext && protocol != ListenerSSL {
			return nil, fmt.Errorf("unsupported listener protocol %q", protocol)
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("malformed listener %q: %w", item, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("malformed listener port in %q", item)
		}
		ret = append(ret, ListenerConfig{Protocol: protocol, Host: host, Port: port})
	}
	if len(ret) == 0 {
		return nil, errors.New("at least one listener is required")
	}
	return ret, nil
}
