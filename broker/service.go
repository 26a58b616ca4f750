// Package broker is a small in-process broker that speaks the Kafka wire protocol and stores its
// data in a coordination store and a log store reached only through injected factories.
//
// A Service is configured with a Config value, given its Dependencies, and started once. It
// serves the Kafka protocol on every configured listener, an admin web service (with Prometheus
// metrics) on the web ports, and a topic lookup RPC on the broker service port.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/streamnative/kop-test-harness/coordination"
	"github.com/streamnative/kop-test-harness/executor"
	"github.com/streamnative/kop-test-harness/logging"
	"github.com/streamnative/kop-test-harness/logstore"
	"github.com/streamnative/kop-test-harness/servicedef"
)

var (
	ErrAlreadyStarted        = errors.New("broker has already been started")
	ErrNotRunning            = errors.New("broker is not running")
	ErrNoCoordinationService = errors.New("no coordination service is configured")
	ErrNoLogStore            = errors.New("no log store is configured")
)

const defaultSessionTimeout = 30 * time.Second

// NamespaceService decides which broker serves a topic and reports namespace bundles.
type NamespaceService interface {
	Lookup(ctx context.Context, topic TopicName) (servicedef.LookupData, error)
	BundleFor(topic TopicName) string
	Namespaces() []string
}

// NamespaceServiceProvider builds the namespace service for a starting broker.
type NamespaceServiceProvider func(*Service) NamespaceService

// Dependencies are the collaborators a broker obtains at startup. A nil CoordinationFactory or
// LogStoreFactory makes Start fail, since the broker has no real backends of its own.
type Dependencies struct {
	CoordinationFactory      coordination.Factory
	LogStoreFactory          logstore.Factory
	OrderedExecutor          executor.Ordered
	NamespaceServiceProvider NamespaceServiceProvider
}

// Service is one broker instance.
type Service struct {
	conf       Config
	deps       Dependencies
	instanceID string
	logger     *logrus.Entry

	lock    sync.Mutex
	started bool
	closed  bool

	coord     *coordination.Store
	logStore  logstore.Client
	exec      executor.Ordered
	namespace NamespaceService
	compactor Compactor
	groups    *groupCoordinator

	topics     *xsync.Map
	topicsLock sync.Mutex
	cache      *entryCache
	metrics    *metrics

	dataLock    sync.Mutex
	dataCh      chan struct{}
	producerIDs int64

	tlsConfig      *tls.Config
	kafkaListeners []*kafkaListener
	httpServers    []*http.Server
	grpcServer     *grpc.Server
	conns          *xsync.Map
	connWG         sync.WaitGroup
	cancel         context.CancelFunc
	group          *errgroup.Group
	closeOnce      sync.Once
	closeErr       error
}

// NewService creates a broker that has not been started.
func NewService(conf Config) *Service {
	conf = conf.Clone()
	id := uuid.NewString()
	cache := newEntryCache(conf.ManagedLedgerCacheSizeMB)
	return &Service{
		conf:       conf,
		instanceID: id,
		logger:     logging.New("broker").WithField("Broker", id[:8]),
		topics:     xsync.NewMap(),
		conns:      xsync.NewMap(),
		cache:      cache,
		metrics:    newMetrics(cache),
		dataCh:     make(chan struct{}),
	}
}

// Config returns a copy of the broker's configuration.
func (s *Service) Config() Config {
	return s.conf.Clone()
}

// InstanceID is a random identifier for this broker instance.
func (s *Service) InstanceID() string {
	return s.instanceID
}

// SetDependencies replaces the broker's collaborators. It is only allowed before Start.
func (s *Service) SetDependencies(deps Dependencies) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started || s.closed {
		return ErrAlreadyStarted
	}
	s.deps = deps
	return nil
}

// Dependencies returns what SetDependencies last applied.
func (s *Service) Dependencies() Dependencies {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.deps
}

// Coordination returns the coordination store the broker obtained at startup.
func (s *Service) Coordination() *coordination.Store {
	return s.coord
}

// LogStore returns the log-store client the broker obtained at startup.
func (s *Service) LogStore() logstore.Client {
	return s.logStore
}

// NamespaceService returns the namespace service built at startup.
func (s *Service) NamespaceService() NamespaceService {
	return s.namespace
}

// Compactor returns the broker's topic compactor.
func (s *Service) Compactor() Compactor {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.compactor
}

// SetCompactor replaces the compactor used by the admin API.
func (s *Service) SetCompactor(c Compactor) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.compactor = c
}

// Registry exposes the broker's Prometheus metrics.
func (s *Service) Registry() *prometheus.Registry {
	return s.metrics.registry
}

func (s *Service) ledgerConfig() logstore.ClientConfig {
	return logstore.ClientConfig{EnsembleSize: 1, WriteQuorum: 1, AckQuorum: 1}
}

// signalData wakes every fetch that is waiting for new data.
func (s *Service) signalData() {
	s.dataLock.Lock()
	close(s.dataCh)
	s.dataCh = make(chan struct{})
	s.dataLock.Unlock()
}

func (s *Service) dataSignal() <-chan struct{} {
	s.dataLock.Lock()
	defer s.dataLock.Unlock()
	return s.dataCh
}

// Start obtains the broker's dependencies, loads its topics, binds every listener, and begins
// serving. Listeners are bound before Start returns, so a returned nil error means the broker is
// accepting connections.
func (s *Service) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started || s.closed {
		return ErrAlreadyStarted
	}
	if err := s.conf.Validate(); err != nil {
		return fmt.Errorf("invalid broker configuration: %w", err)
	}
	if err := s.setup(ctx); err != nil {
		s.closed = true
		s.closeOnce.Do(func() { s.closeErr = s.teardown() })
		return err
	}
	s.started = true
	s.logger.WithField("Listeners", s.conf.Listeners).Info("Broker started")
	return nil
}

func (s *Service) setup(ctx context.Context) error {
	deps := s.deps
	if deps.CoordinationFactory == nil {
		return fmt.Errorf("%w for %s", ErrNoCoordinationService, s.conf.ZookeeperServers)
	}
	if deps.LogStoreFactory == nil {
		return ErrNoLogStore
	}
	if deps.OrderedExecutor == nil {
		deps.OrderedExecutor = executor.NewSameThreadOrdered()
	}
	if deps.NamespaceServiceProvider == nil {
		deps.NamespaceServiceProvider = NewDefaultNamespaceService
	}

	coord, err := deps.CoordinationFactory.Create(ctx, s.conf.ZookeeperServers, defaultSessionTimeout)
	if err != nil {
		return fmt.Errorf("connecting to coordination service %s: %w", s.conf.ZookeeperServers, err)
	}
	s.coord = coord
	store, err := deps.LogStoreFactory.Create(s.ledgerConfig(), coord, "", nil)
	if err != nil {
		return fmt.Errorf("creating log store client: %w", err)
	}
	s.logStore = store
	s.exec = deps.OrderedExecutor
	s.namespace = deps.NamespaceServiceProvider(s)
	if s.compactor == nil {
		s.compactor = &topicCompactor{svc: s}
	}
	if err := s.loadTopics(ctx); err != nil {
		return fmt.Errorf("loading topics: %w", err)
	}
	if s.conf.EnableGroupCoordinator {
		s.groups = newGroupCoordinator(s)
	}

	if s.conf.TLSCertificateFilePath != "" && s.conf.TLSKeyFilePath != "" {
		cert, err := tls.LoadX509KeyPair(s.conf.TLSCertificateFilePath, s.conf.TLSKeyFilePath)
		if err != nil {
			return fmt.Errorf("loading TLS key pair: %w", err)
		}
		s.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, runCtx = errgroup.WithContext(runCtx)
	if err := s.startKafkaListeners(runCtx); err != nil {
		return err
	}
	if err := s.startWebServices(); err != nil {
		return err
	}
	if err := s.startLookupService(); err != nil {
		return err
	}
	if s.groups != nil {
		s.group.Go(func() error {
			s.groups.expireSessionsLoop(runCtx)
			return nil
		})
	}
	if s.conf.BrokerDeleteInactiveTopicsEnabled && s.conf.BrokerDeleteInactiveTopicsFrequency > 0 {
		s.group.Go(func() error {
			ticker := time.NewTicker(s.conf.BrokerDeleteInactiveTopicsFrequency)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return nil
				case <-ticker.C:
					s.sweepInactiveTopics(runCtx, s.conf.BrokerDeleteInactiveTopicsFrequency)
				}
			}
		})
	}
	return nil
}

func (s *Service) listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}
	return l, nil
}

func (s *Service) webAddress(port int) string {
	return net.JoinHostPort(s.conf.AdvertisedAddress, strconv.Itoa(port))
}

// IsRunning reports whether Start has succeeded and Close has not been called.
func (s *Service) IsRunning() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.started && !s.closed
}

// Close stops every listener, waits for connections to finish, and seals the ledgers being
// written. The log-store client is closed; the coordination store belongs to its factory and is
// left alone. Calling Close more than once is harmless.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.lock.Lock()
		s.closed = true
		s.lock.Unlock()
		s.closeErr = s.teardown()
		s.logger.Info("Broker closed")
	})
	return s.closeErr
}

func (s *Service) teardown() error {
	if s.cancel != nil {
		s.cancel()
	}
	for _, l := range s.kafkaListeners {
		_ = l.listener.Close()
	}
	s.conns.Range(func(key string, value interface{}) bool {
		_ = value.(net.Conn).Close()
		return true
	})
	for _, srv := range s.httpServers {
		_ = srv.Close()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	var errs []error
	if s.group != nil {
		errs = append(errs, s.group.Wait())
	}
	s.connWG.Wait()
	if s.groups != nil {
		s.groups.close()
	}
	for _, t := range s.allTopics() {
		for _, p := range t.partitions {
			p.close()
		}
	}
	if s.logStore != nil {
		errs = append(errs, s.logStore.Close())
	}
	if s.deps.LogStoreFactory != nil {
		s.deps.LogStoreFactory.Close()
	}
	return errors.Join(errs...)
}
