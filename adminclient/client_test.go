package adminclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"

	"github.com/streamnative/kop-test-harness/broker"
	"github.com/streamnative/kop-test-harness/coordination"
	"github.com/streamnative/kop-test-harness/executor"
	"github.com/streamnative/kop-test-harness/logging"
	"github.com/streamnative/kop-test-harness/logstore"
	"github.com/streamnative/kop-test-harness/servicedef"
)

func healthy() http.Handler {
	return httphelpers.HandlerWithResponse(200, nil, []byte(servicedef.BrokerHealthy))
}

func TestNewWaitsForHealthyService(t *testing.T) {
	handler := httphelpers.SequentialHandler(
		httphelpers.HandlerWithStatus(503),
		httphelpers.HandlerWithStatus(503),
		healthy(),
	)
	rh, requestsCh := httphelpers.RecordingHandler(handler)
	httphelpers.WithServer(rh, func(server *httptest.Server) {
		logger := &logging.CapturingLogger{}
		c, err := New(server.URL, time.Second*5, nil, logger)
		require.NoError(t, err)
		defer c.Close()

		assert.Equal(t, 3, len(requestsCh))
		r := <-requestsCh
		assert.Equal(t, "/admin/v2/brokers/health", r.Request.URL.Path)
		output := logger.Output()
		require.NotEmpty(t, output)
		assert.Contains(t, output[len(output)-1].Message, "is healthy")
	})
}

func TestNewTimesOut(t *testing.T) {
	httphelpers.WithServer(httphelpers.HandlerWithStatus(503), func(server *httptest.Server) {
		_, err := New(server.URL, time.Millisecond*100, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})
}

func TestStatusErrorCarriesReason(t *testing.T) {
	body, _ := json.Marshal(servicedef.ErrorResponse{Reason: "topic not found"})
	handler := httphelpers.SequentialHandler(healthy(), httphelpers.HandlerWithResponse(404, nil, body))
	httphelpers.WithServer(handler, func(server *httptest.Server) {
		c, err := New(server.URL, time.Second, nil, nil)
		require.NoError(t, err)

		_, err = c.TopicStats("persistent://public/default/missing")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
		assert.Contains(t, err.Error(), "topic not found")
		assert.False(t, IsNotFound(fmt.Errorf("other")))
	})
}

func TestCreateTopicSendsParams(t *testing.T) {
	handler := httphelpers.SequentialHandler(healthy(), httphelpers.HandlerWithStatus(204))
	rh, requestsCh := httphelpers.RecordingHandler(handler)
	httphelpers.WithServer(rh, func(server *httptest.Server) {
		c, err := New(server.URL, time.Second, nil, nil)
		require.NoError(t, err)
		<-requestsCh

		require.NoError(t, c.CreateTopic("my-topic", servicedef.CreateTopicParams{Partitions: ldvalue.NewOptionalInt(4)}))
		r := <-requestsCh
		assert.Equal(t, http.MethodPut, r.Request.Method)
		assert.Equal(t, "/admin/v2/persistent/public/default/my-topic", r.Request.URL.Path)
		assert.JSONEq(t, `{"partitions":4}`, string(r.Body))

		assert.Error(t, c.CreateTopic("a/b", servicedef.CreateTopicParams{}))
	})
}

func TestClosedClientRefusesCalls(t *testing.T) {
	httphelpers.WithServer(healthy(), func(server *httptest.Server) {
		c, err := New(server.URL, time.Second, nil, nil)
		require.NoError(t, err)
		require.NoError(t, c.Close())
		require.NoError(t, c.Close())
		assert.Equal(t, ErrClosed, c.Healthcheck())
	})
}

func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startBroker(t *testing.T) *broker.Service {
	coord, err := coordination.NewSeeded("")
	require.NoError(t, err)
	store, err := logstore.New(coord, executor.Direct{})
	require.NoError(t, err)
	client := logstore.NewNonClosable(store)

	conf := broker.DefaultConfig()
	conf.AdvertisedAddress = "127.0.0.1"
	conf.BrokerServicePort = freePort(t)
	conf.WebServicePort = freePort(t)
	conf.Listeners = fmt.Sprintf("PLAINTEXT://127.0.0.1:%d", freePort(t))
	s := broker.NewService(conf)
	require.NoError(t, s.SetDependencies(broker.Dependencies{
		CoordinationFactory: coordination.StaticFactory{Store: coord},
		LogStoreFactory:     logstore.StaticFactory{Client: client},
	}))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		client.ReallyShutdown()
		coord.Shutdown()
	})
	return s
}

func TestAgainstBroker(t *testing.T) {
	s := startBroker(t)
	c, err := New(fmt.Sprintf("http://127.0.0.1:%d/", s.Config().WebServicePort), time.Second*5, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	clusters, err := c.Clusters()
	require.NoError(t, err)
	assert.Equal(t, []string{s.Config().ClusterName}, clusters)

	brokers, err := c.Brokers(s.Config().ClusterName)
	require.NoError(t, err)
	assert.Len(t, brokers, 1)

	require.NoError(t, c.CreateTopic("persistent://acme/ops/audit", servicedef.CreateTopicParams{}))
	topics, err := c.Topics("acme", "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"persistent://acme/ops/audit"}, topics)

	namespaces, err := c.Namespaces()
	require.NoError(t, err)
	assert.Contains(t, namespaces, "acme/ops")

	stats, err := c.TopicStats("persistent://acme/ops/audit")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Partitions)

	result, err := c.TriggerCompaction("persistent://acme/ops/audit")
	require.NoError(t, err)
	assert.Equal(t, servicedef.CompactionStatusSuccess, result.Status)

	metrics, err := c.Metrics()
	require.NoError(t, err)
	assert.Contains(t, metrics, "kop_topics 1")

	require.NoError(t, c.DeleteTopic("persistent://acme/ops/audit"))
	err = c.DeleteTopic("persistent://acme/ops/audit")
	assert.True(t, IsNotFound(err))
}
