// Package harness stands up a broker backed by in-memory coordination and log stores, and tears
// it down again.
//
// A Harness owns one mock coordination store and one mock log store for its whole life. Brokers
// started and stopped through it all receive those same stores, so data written before a restart
// is still there afterwards. InternalCleanup releases everything.
//
//	h, err := harness.New()
//	...
//	if err := h.InternalSetup(ctx); err != nil { ... }
//	defer h.InternalCleanup()
package harness

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/streamnative/kop-test-harness/adminclient"
	"github.com/streamnative/kop-test-harness/broker"
	"github.com/streamnative/kop-test-harness/coordination"
	"github.com/streamnative/kop-test-harness/executor"
	"github.com/streamnative/kop-test-harness/logging"
	"github.com/streamnative/kop-test-harness/logstore"
	"github.com/streamnative/kop-test-harness/lookup"
	"github.com/streamnative/kop-test-harness/servicedef"
)

const (
	defaultAdvertisedAddress = "localhost"
	defaultAdminTimeout      = 10 * time.Second
	logStoreExecutorName     = "mock-log-store"
)

type options struct {
	advertisedAddress string
	tcpLookup         bool
	bookieAddress     string
	adminTimeout      time.Duration
	configure         []func(*broker.Config)
	logger            *logrus.Entry
}

// Option customizes a Harness.
type Option func(*options)

// WithTCPLookup makes the lookup client use the broker service port instead of the web service.
func WithTCPLookup(tcp bool) Option {
	return func(o *options) { o.tcpLookup = tcp }
}

// WithAdvertisedAddress sets the host the listeners bind to and advertise. The default is
// localhost.
func WithAdvertisedAddress(host string) Option {
	return func(o *options) { o.advertisedAddress = host }
}

// WithBookieAddress sets the placement record seeded into the coordination store.
func WithBookieAddress(addr string) Option {
	return func(o *options) { o.bookieAddress = addr }
}

// WithAdminTimeout bounds how long setup waits for the admin service to become healthy.
func WithAdminTimeout(timeout time.Duration) Option {
	return func(o *options) { o.adminTimeout = timeout }
}

// WithConfig adjusts the configuration every time ResetConfig builds it.
func WithConfig(fn func(*broker.Config)) Option {
	return func(o *options) { o.configure = append(o.configure, fn) }
}

// WithLogger replaces the harness logger. The default is the "harness" component logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(o *options) { o.logger = logger }
}

// Harness drives the lifecycle of one mock-backed broker. Its methods are meant to be called
// sequentially from a single test goroutine.
type Harness struct {
	opts   options
	id     string
	state  State
	logger *logrus.Entry

	ports Ports
	tls   TLSMaterial
	conf  broker.Config

	orderedExecutor  *executor.SameThreadOrdered
	logStoreExecutor *executor.SingleThread
	coord            *coordination.Store
	logStore         *logstore.NonClosable

	svc        *broker.Service
	brokerConf broker.Config
	namespaces *InterceptingNamespaceService
	compactor  *RecordingCompactor

	brokerURL    string
	brokerURLTLS string
	lookupURL    string
	admin        *adminclient.Client
	lookupClient *lookup.Client
}

// New allocates the harness's ports, generates its TLS material, and builds the default
// configuration.
func New(opts ...Option) (*Harness, error) {
	o := options{
		advertisedAddress: defaultAdvertisedAddress,
		bookieAddress:     coordination.DefaultBookieAddress,
		adminTimeout:      defaultAdminTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	id := uuid.NewString()
	logger := o.logger
	if logger == nil {
		logger = logging.New("harness")
	}
	h := &Harness{
		opts:   o,
		id:     id,
		logger: logger.WithField("Harness", id[:8]),
	}
	ports, err := allocatePorts()
	if err != nil {
		return nil, fmt.Errorf("allocating ports: %w", err)
	}
	h.ports = ports
	material, err := generateTLSMaterial(o.advertisedAddress)
	if err != nil {
		return nil, err
	}
	h.tls = material
	if err := h.ResetConfig(); err != nil {
		_ = material.remove()
		return nil, err
	}
	return h, nil
}

// ResetConfig rebuilds the configuration from the allocated ports and the default settings. Before
// the mock stores exist it moves the harness to Configured; afterwards only the configuration is
// replaced, and it takes effect on the next StartBroker.
func (h *Harness) ResetConfig() error {
	if err := h.requireState("reset config", Uninitialized, Configured, MocksReady, Running, Stopped); err != nil {
		return err
	}
	conf := broker.DefaultConfig()
	conf.ClusterName = "test"
	conf.AdvertisedAddress = h.opts.advertisedAddress
	conf.BrokerServicePort = h.ports.BrokerService
	conf.WebServicePort = h.ports.WebService
	conf.WebServicePortTLS = h.ports.WebServiceTLS
	conf.Listeners = fmt.Sprintf("%s://%s,%s://%s",
		broker.ListenerPlaintext, h.hostPort(h.ports.Kafka),
		broker.ListenerSSL, h.hostPort(h.ports.KafkaTLS))
	conf.ManagedLedgerCacheSizeMB = 8
	conf.ActiveConsumerFailoverDelayTimeMillis = 0
	conf.DefaultNumberOfNamespaceBundles = 1
	conf.ZookeeperServers = "localhost:2181"
	conf.ConfigurationStoreServers = "localhost:3181"
	conf.EnableGroupCoordinator = true
	conf.OffsetsTopicNumPartitions = 1
	conf.AuthenticationEnabled = false
	conf.AuthorizationEnabled = false
	conf.AllowAutoTopicCreation = true
	conf.AllowAutoTopicCreationType = broker.TopicTypeNonPartitioned
	conf.BrokerDeleteInactiveTopicsEnabled = false
	conf.TLSCertificateFilePath = h.tls.CertificatePath
	conf.TLSKeyFilePath = h.tls.KeyPath
	for _, fn := range h.opts.configure {
		fn(&conf)
	}
	h.conf = conf
	if h.state == Uninitialized {
		h.state = Configured
	}
	return nil
}

func (h *Harness) hostPort(port int) string {
	return net.JoinHostPort(h.opts.advertisedAddress, strconv.Itoa(port))
}

// Config returns a copy of the configuration the next StartBroker will use by default.
func (h *Harness) Config() broker.Config {
	return h.conf.Clone()
}

// UpdateConfig changes the configuration. It is refused while a broker is running; restart the
// broker through StopBroker and StartBroker to apply changes.
func (h *Harness) UpdateConfig(fn func(*broker.Config)) error {
	if err := h.requireState("update config", Configured, MocksReady, Stopped); err != nil {
		return err
	}
	conf := h.conf.Clone()
	fn(&conf)
	h.conf = conf
	return nil
}

// Init creates the executors and the mock stores.
func (h *Harness) Init() error {
	if err := h.requireState("init", Configured); err != nil {
		return err
	}
	h.orderedExecutor = executor.NewSameThreadOrdered()
	h.logStoreExecutor = executor.NewSingleThread(logStoreExecutorName, executor.LogPanics(h.logger))

	coord, err := coordination.NewSeeded(h.opts.bookieAddress)
	if err != nil {
		return fmt.Errorf("creating mock coordination store: %w", err)
	}
	h.coord = coord
	store, err := logstore.New(coord, h.logStoreExecutor)
	if err != nil {
		return fmt.Errorf("creating mock log store: %w", err)
	}
	h.logStore = logstore.NewNonClosable(store)
	h.state = MocksReady
	h.logger.Debug("Mock stores ready")
	return nil
}

// SetupBrokerMocks gives a broker the harness's mock stores, its same-thread executor, and an
// intercepting namespace service.
func (h *Harness) SetupBrokerMocks(svc *broker.Service) error {
	if h.coord == nil || h.logStore == nil {
		return fmt.Errorf("%w: mock stores have not been created", ErrInvalidState)
	}
	return svc.SetDependencies(broker.Dependencies{
		CoordinationFactory: coordination.StaticFactory{Store: h.coord},
		LogStoreFactory:     logstore.StaticFactory{Client: h.logStore},
		OrderedExecutor:     h.orderedExecutor,
		NamespaceServiceProvider: func(s *broker.Service) broker.NamespaceService {
			h.namespaces = NewInterceptingNamespaceService(broker.NewDefaultNamespaceService(s))
			return h.namespaces
		},
	})
}

// StartBroker starts a new broker with conf. On failure the harness stays in its previous state.
func (h *Harness) StartBroker(ctx context.Context, conf broker.Config) (*broker.Service, error) {
	if err := h.requireState("start broker", MocksReady, Stopped); err != nil {
		return nil, err
	}
	svc := broker.NewService(conf)
	if err := h.SetupBrokerMocks(svc); err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting broker: %w", err)
	}
	h.compactor = NewRecordingCompactor(svc.Compactor())
	svc.SetCompactor(h.compactor)
	h.svc = svc
	h.brokerConf = conf.Clone()
	h.state = Running
	h.logger.WithField("Broker", svc.InstanceID()[:8]).Info("Broker started")
	return svc, nil
}

// StopBroker closes the running broker. The mock stores are kept.
func (h *Harness) StopBroker() error {
	if err := h.requireState("stop broker", Running); err != nil {
		return err
	}
	err := h.svc.Close()
	h.state = Stopped
	if err != nil {
		return fmt.Errorf("closing broker: %w", err)
	}
	return nil
}

// RestartBroker stops the broker and starts a new one with the configuration the stopped one used.
func (h *Harness) RestartBroker(ctx context.Context) error {
	if err := h.StopBroker(); err != nil {
		return err
	}
	_, err := h.StartBroker(ctx, h.brokerConf)
	return err
}

// InternalSetup creates the mocks, starts a broker with the current configuration, and opens the
// admin and lookup clients.
func (h *Harness) InternalSetup(ctx context.Context) error {
	if err := h.Init(); err != nil {
		return err
	}
	if _, err := h.StartBroker(ctx, h.conf); err != nil {
		return err
	}
	h.brokerURL = "http://" + h.hostPort(h.conf.WebServicePort)
	h.brokerURLTLS = "https://" + h.hostPort(h.conf.WebServicePortTLS)
	h.lookupURL = h.brokerURL
	if h.opts.tcpLookup {
		h.lookupURL = servicedef.LookupURLScheme + "://" + h.hostPort(h.conf.BrokerServicePort)
	}

	admin, err := adminclient.New(h.brokerURL, h.opts.adminTimeout, nil, h.logger)
	if err != nil {
		return fmt.Errorf("creating admin client: %w", err)
	}
	h.admin = admin
	lc, err := lookup.New(h.lookupURL, h.logger)
	if err != nil {
		return fmt.Errorf("creating lookup client: %w", err)
	}
	h.lookupClient = lc
	return nil
}

// InternalCleanup releases everything the harness created, in order: lookup client, admin client,
// broker, log store, coordination store, executors, TLS material. Every step is attempted even if
// an earlier one fails; the failures are logged and returned together.
func (h *Harness) InternalCleanup() error {
	if h.state == CleanedUp {
		return nil
	}
	var errs []error
	fail := func(what string, err error) {
		if err != nil {
			h.logger.WithError(err).Warnf("Failed to clean up %s", what)
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
		}
	}
	if h.lookupClient != nil {
		fail("lookup client", h.lookupClient.Close())
	}
	if h.admin != nil {
		fail("admin client", h.admin.Close())
	}
	if h.svc != nil {
		fail("broker", h.svc.Close())
	}
	if h.logStore != nil {
		h.logStore.ReallyShutdown()
	}
	if h.coord != nil {
		h.coord.Shutdown()
	}
	if h.orderedExecutor != nil {
		h.orderedExecutor.Shutdown()
	}
	if h.logStoreExecutor != nil {
		h.logStoreExecutor.Shutdown()
		h.logStoreExecutor.AwaitTermination()
	}
	fail("TLS material", h.tls.remove())
	h.state = CleanedUp
	h.logger.Debug("Harness cleaned up")
	return errors.Join(errs...)
}

func (h *Harness) ID() string { return h.id }

func (h *Harness) State() State { return h.state }

func (h *Harness) Ports() Ports { return h.ports }

// Broker returns the most recently started broker, which may have been stopped since.
func (h *Harness) Broker() *broker.Service { return h.svc }

func (h *Harness) MockCoordination() *coordination.Store { return h.coord }

func (h *Harness) MockLogStore() *logstore.NonClosable { return h.logStore }

func (h *Harness) BrokerURL() string { return h.brokerURL }

func (h *Harness) BrokerURLTLS() string { return h.brokerURLTLS }

func (h *Harness) LookupURL() string { return h.lookupURL }

func (h *Harness) Admin() *adminclient.Client { return h.admin }

func (h *Harness) LookupClient() *lookup.Client { return h.lookupClient }

func (h *Harness) KafkaPort() int { return h.ports.Kafka }

func (h *Harness) KafkaPortTLS() int { return h.ports.KafkaTLS }

// KafkaAddress is the plaintext Kafka listener as host:port.
func (h *Harness) KafkaAddress() string { return h.hostPort(h.ports.Kafka) }

func (h *Harness) AdvertisedAddress() string { return h.opts.advertisedAddress }

// TrustStorePath is the PEM file holding the CA that signed the broker's certificate.
func (h *Harness) TrustStorePath() string { return h.tls.TrustStorePath }

func (h *Harness) TLSMaterial() TLSMaterial { return h.tls }

// ClientTLSConfig trusts the broker's certificate.
func (h *Harness) ClientTLSConfig() (*tls.Config, error) { return h.tls.ClientTLSConfig() }

// Compactor records compactions on the running broker.
func (h *Harness) Compactor() *RecordingCompactor { return h.compactor }

// NamespaceService records lookups on the running broker.
func (h *Harness) NamespaceService() *InterceptingNamespaceService { return h.namespaces }
