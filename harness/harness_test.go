package harness

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/streamnative/kop-test-harness/broker"
	"github.com/streamnative/kop-test-harness/coordination"
	"github.com/streamnative/kop-test-harness/logging"
	"github.com/streamnative/kop-test-harness/logstore"
	"github.com/streamnative/kop-test-harness/servicedef"
)

const testTimeout = 15 * time.Second

func newKafkaClient(t *testing.T, h *Harness, opts ...kgo.Opt) *kgo.Client {
	opts = append([]kgo.Opt{
		kgo.SeedBrokers(h.KafkaAddress()),
		kgo.DisableIdempotentWrite(),
	}, opts...)
	cl, err := kgo.NewClient(opts...)
	require.NoError(t, err)
	return cl
}

func newTestHarness(t *testing.T, opts ...Option) *Harness {
	h, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, h.InternalCleanup()) })
	require.NoError(t, h.InternalSetup(context.Background()))
	return h
}

func TestNewIsConfigured(t *testing.T) {
	h, err := New()
	require.NoError(t, err)
	defer h.InternalCleanup()

	assert.Equal(t, Configured, h.State())
	conf := h.Config()
	ports := h.Ports()
	assert.Equal(t, "test", conf.ClusterName)
	assert.Equal(t, ports.WebService, conf.WebServicePort)
	assert.Equal(t, ports.BrokerService, conf.BrokerServicePort)
	listeners, err := conf.ParseListeners()
	require.NoError(t, err)
	require.Len(t, listeners, 2)
	assert.Equal(t, ports.Kafka, listeners[0].Port)
	assert.Equal(t, broker.ListenerSSL, listeners[1].Protocol)
	assert.Equal(t, ports.KafkaTLS, listeners[1].Port)
	assert.True(t, conf.EnableGroupCoordinator)
	assert.Equal(t, broker.TopicTypeNonPartitioned, conf.AllowAutoTopicCreationType)
	assert.FileExists(t, h.TrustStorePath())
	assert.FileExists(t, conf.TLSCertificateFilePath)

	seen := map[int]bool{}
	for _, p := range []int{ports.Kafka, ports.KafkaTLS, ports.WebService, ports.WebServiceTLS, ports.BrokerService} {
		assert.False(t, seen[p], "port %d allocated twice", p)
		seen[p] = true
	}
}

func TestResetConfigUndoesUpdates(t *testing.T) {
	h, err := New(WithConfig(func(c *broker.Config) { c.DefaultNumPartitions = 3 }))
	require.NoError(t, err)
	defer h.InternalCleanup()

	require.NoError(t, h.UpdateConfig(func(c *broker.Config) { c.AuthenticationEnabled = true }))
	assert.True(t, h.Config().AuthenticationEnabled)
	require.NoError(t, h.ResetConfig())
	assert.False(t, h.Config().AuthenticationEnabled)
	assert.Equal(t, 3, h.Config().DefaultNumPartitions)
	assert.Equal(t, Configured, h.State())
}

func TestLifecycleTransitions(t *testing.T) {
	h, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.StartBroker(ctx, h.Config())
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.True(t, errors.Is(h.StopBroker(), ErrInvalidState))

	require.NoError(t, h.InternalSetup(ctx))
	assert.Equal(t, Running, h.State())
	assert.True(t, h.Broker().IsRunning())
	assert.Equal(t, "http://"+h.hostPort(h.Ports().WebService), h.BrokerURL())
	assert.Equal(t, "https://"+h.hostPort(h.Ports().WebServiceTLS), h.BrokerURLTLS())
	assert.Equal(t, h.BrokerURL(), h.LookupURL())
	require.NoError(t, h.Admin().Healthcheck())

	assert.True(t, errors.Is(h.Init(), ErrInvalidState))
	assert.True(t, errors.Is(h.UpdateConfig(func(*broker.Config) {}), ErrInvalidState))
	_, err = h.StartBroker(ctx, h.Config())
	assert.True(t, errors.Is(err, ErrInvalidState), "only one broker runs at a time")

	first := h.Broker()
	require.NoError(t, h.RestartBroker(ctx))
	assert.Equal(t, Running, h.State())
	assert.NotSame(t, first, h.Broker())
	assert.False(t, first.IsRunning())

	require.NoError(t, h.StopBroker())
	assert.Equal(t, Stopped, h.State())
	assert.True(t, errors.Is(h.StopBroker(), ErrInvalidState))
	require.NoError(t, h.UpdateConfig(func(c *broker.Config) { c.DefaultNumPartitions = 2 }))
	_, err = h.StartBroker(ctx, h.Config())
	require.NoError(t, err)
	assert.Equal(t, 2, h.Broker().Config().DefaultNumPartitions)

	require.NoError(t, h.InternalCleanup())
	assert.Equal(t, CleanedUp, h.State())
	assert.False(t, h.Broker().IsRunning())
	assert.True(t, h.MockCoordination().IsShutdown())
	assert.NoFileExists(t, h.TrustStorePath())
	require.NoError(t, h.InternalCleanup())
	assert.True(t, errors.Is(h.ResetConfig(), ErrInvalidState))
}

func TestStartFailureKeepsState(t *testing.T) {
	h, err := New()
	require.NoError(t, err)
	defer h.InternalCleanup()
	require.NoError(t, h.Init())

	conf := h.Config()
	conf.Listeners = "GOPHER://localhost:1"
	_, err = h.StartBroker(context.Background(), conf)
	assert.Error(t, err)
	assert.Equal(t, MocksReady, h.State())

	_, err = h.StartBroker(context.Background(), h.Config())
	require.NoError(t, err)
	assert.Equal(t, Running, h.State())
}

func TestCleanupAfterPartialInit(t *testing.T) {
	h, err := New(WithBookieAddress("bad//address"))
	require.NoError(t, err)

	err = h.Init()
	require.Error(t, err)
	assert.Equal(t, Configured, h.State())
	assert.Nil(t, h.MockCoordination())
	assert.Nil(t, h.MockLogStore())

	require.NoError(t, h.InternalCleanup())
	assert.Equal(t, CleanedUp, h.State())
	assert.Error(t, h.logStoreExecutor.Execute(func() {}), "executors are released even though init failed")
	assert.Error(t, h.orderedExecutor.Execute(func() {}))
}

type failingLogStore struct {
	logstore.Client
}

func (failingLogStore) Close() error { return errors.New("boom") }

func TestCleanupContinuesAfterFailure(t *testing.T) {
	var capture logging.CapturingLogger
	detach := logging.AddHook(&capture)
	defer detach()

	h, err := New()
	require.NoError(t, err)
	require.NoError(t, h.InternalSetup(context.Background()))
	coord, logStore := h.MockCoordination(), h.MockLogStore()
	require.NoError(t, SetFieldValue(h.Broker(), "logStore", failingLogStore{Client: logStore}))

	err = h.InternalCleanup()
	assert.EqualError(t, err, "broker: boom")
	assert.Equal(t, CleanedUp, h.State())
	assert.True(t, logStore.Store().IsShutdown(), "log store is released after the broker fails to close")
	assert.True(t, coord.IsShutdown())
	assert.Error(t, h.logStoreExecutor.Execute(func() {}))
	assert.Error(t, h.orderedExecutor.Execute(func() {}))
	assert.NoFileExists(t, h.TrustStorePath())

	var logged []string
	for _, m := range capture.Output().AtLevel(logrus.WarnLevel) {
		logged = append(logged, m.Message)
	}
	assert.Contains(t, logged, "Failed to clean up broker")

	assert.NoError(t, h.InternalCleanup())
}

func TestMockStoresAreSharedAcrossBrokers(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	first := h.Broker()
	assert.Same(t, h.MockCoordination(), first.Coordination())
	assert.Same(t, h.MockLogStore(), first.LogStore())

	require.NoError(t, h.RestartBroker(ctx))
	second := h.Broker()
	assert.Same(t, h.MockCoordination(), second.Coordination())
	assert.Same(t, h.MockLogStore(), second.LogStore())

	factory := first.Dependencies().CoordinationFactory
	again, err := factory.Create(ctx, "elsewhere:2181", time.Second)
	require.NoError(t, err)
	assert.Same(t, h.MockCoordination(), again)

	store, err := second.Dependencies().LogStoreFactory.Create(logstore.ClientConfig{}, nil, "", nil)
	require.NoError(t, err)
	assert.Same(t, h.MockLogStore(), store)
	assert.False(t, h.MockLogStore().Store().IsShutdown(), "stopping a broker does not release the log store")

	exists, err := h.MockCoordination().Exists(coordination.LayoutPath)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRestartPreservesData(t *testing.T) {
	h := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	producer := newKafkaClient(t, h, kgo.AllowAutoTopicCreation())
	for _, v := range []string{"before-1", "before-2"} {
		require.NoError(t, producer.ProduceSync(ctx, &kgo.Record{Topic: "durable", Value: []byte(v)}).FirstErr())
	}
	producer.Close()

	require.NoError(t, h.RestartBroker(ctx))

	consumer := newKafkaClient(t, h,
		kgo.ConsumeTopics("durable"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	defer consumer.Close()
	var got []string
	for len(got) < 2 {
		fetches := consumer.PollFetches(ctx)
		require.NoError(t, ctx.Err())
		fetches.EachRecord(func(r *kgo.Record) { got = append(got, string(r.Value)) })
	}
	assert.Equal(t, []string{"before-1", "before-2"}, got)
}

func TestTCPLookupMode(t *testing.T) {
	h := newTestHarness(t, WithTCPLookup(true))
	assert.Equal(t, "broker://"+h.hostPort(h.Ports().BrokerService), h.LookupURL())

	data, err := h.LookupClient().Lookup(context.Background(), "routed")
	require.NoError(t, err)
	assert.Equal(t, "PLAINTEXT://"+h.KafkaAddress(), data.KafkaURL)
	assert.Equal(t, "SSL://"+h.hostPort(h.KafkaPortTLS()), data.KafkaURLTLS)

	lookups := h.NamespaceService().Lookups()
	require.Len(t, lookups, 1)
	assert.Equal(t, "routed", lookups[0].Local)
}

func TestLookupHookOverridesResult(t *testing.T) {
	h := newTestHarness(t)
	h.NamespaceService().SetLookupHook(func(ctx context.Context, topic broker.TopicName) (*servicedef.LookupData, error) {
		if topic.Local == "elsewhere" {
			return &servicedef.LookupData{BrokerURL: "broker://other:6650", HTTPURL: "http://other:8080"}, nil
		}
		return nil, nil
	})

	data, err := h.LookupClient().Lookup(context.Background(), "elsewhere")
	require.NoError(t, err)
	assert.Equal(t, "broker://other:6650", data.BrokerURL)

	data, err = h.LookupClient().Lookup(context.Background(), "here")
	require.NoError(t, err)
	assert.Equal(t, "PLAINTEXT://"+h.KafkaAddress(), data.KafkaURL)
}

func TestCompactionsAreRecorded(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.Admin().CreateTopic("compact-me", servicedef.CreateTopicParams{}))

	status, err := h.Admin().TriggerCompaction("compact-me")
	require.NoError(t, err)
	assert.Equal(t, servicedef.CompactionStatusSuccess, status.Status)

	h.Compactor().FailNext(errors.New("disk on fire"))
	status, err = h.Admin().TriggerCompaction("compact-me")
	require.Error(t, err)
	assert.Equal(t, servicedef.CompactionStatusError, status.Status)
	assert.Equal(t, "disk on fire", status.LastError)

	calls := h.Compactor().Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "persistent://public/default/compact-me", calls[0].Topic)
	assert.NoError(t, calls[0].Err)
	assert.EqualError(t, calls[1].Err, "disk on fire")
}

func TestTLSWebService(t *testing.T) {
	h := newTestHarness(t)
	conf, err := h.ClientTLSConfig()
	require.NoError(t, err)
	conn, err := tls.Dial("tcp", h.hostPort(h.Ports().WebServiceTLS), conf)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Handshake())
	assert.Equal(t, "localhost", conn.ConnectionState().PeerCertificates[0].DNSNames[0])
}
