package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http/httptest"
	"testing"

	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/kop-test-harness/broker"
	"github.com/streamnative/kop-test-harness/coordination"
	"github.com/streamnative/kop-test-harness/executor"
	"github.com/streamnative/kop-test-harness/logstore"
	"github.com/streamnative/kop-test-harness/servicedef"
)

func TestModeFromScheme(t *testing.T) {
	c, err := New("http://localhost:8080", nil)
	require.NoError(t, err)
	assert.Equal(t, ModeHTTP, c.Mode())
	require.NoError(t, c.Close())

	c, err = New("broker://localhost:6650", nil)
	require.NoError(t, err)
	assert.Equal(t, ModeTCP, c.Mode())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = New("ftp://localhost", nil)
	assert.Error(t, err)
}

func TestHTTPLookupRequest(t *testing.T) {
	expected := servicedef.LookupData{BrokerURL: "broker://host:1", HTTPURL: "http://host:2", KafkaURL: "PLAINTEXT://host:3"}
	body, _ := json.Marshal(expected)
	rh, requestsCh := httphelpers.RecordingHandler(httphelpers.HandlerWithResponse(200, nil, body))
	httphelpers.WithServer(rh, func(server *httptest.Server) {
		c, err := New(server.URL, nil)
		require.NoError(t, err)
		defer c.Close()

		data, err := c.Lookup(context.Background(), "orders")
		require.NoError(t, err)
		assert.Equal(t, expected, data)
		r := <-requestsCh
		assert.Equal(t, "/lookup/v2/topic/persistent/public/default/orders", r.Request.URL.Path)

		_, err = c.Lookup(context.Background(), "not/valid")
		assert.Error(t, err)
	})
}

func TestHTTPLookupError(t *testing.T) {
	body, _ := json.Marshal(servicedef.ErrorResponse{Reason: "topic not found"})
	httphelpers.WithServer(httphelpers.HandlerWithResponse(404, nil, body), func(server *httptest.Server) {
		c, err := New(server.URL, nil)
		require.NoError(t, err)
		defer c.Close()

		_, err = c.Lookup(context.Background(), "orders")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "topic not found")
	})
}

func TestClosedClientRefusesLookup(t *testing.T) {
	c, err := New("http://localhost:1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	_, err = c.Lookup(context.Background(), "orders")
	assert.Equal(t, ErrClosed, err)
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

func TestBothModesAgreeAgainstBroker(t *testing.T) {
	s := startBroker(t)
	conf := s.Config()

	httpClient, err := New(fmt.Sprintf("http://127.0.0.1:%d", conf.WebServicePort), nil)
	require.NoError(t, err)
	defer httpClient.Close()
	tcpClient, err := New(fmt.Sprintf("broker://127.0.0.1:%d", conf.BrokerServicePort), nil)
	require.NoError(t, err)
	defer tcpClient.Close()

	ctx := context.Background()
	viaHTTP, err := httpClient.Lookup(ctx, "persistent://public/default/both")
	require.NoError(t, err)
	viaTCP, err := tcpClient.Lookup(ctx, "both")
	require.NoError(t, err)

	assert.Equal(t, viaHTTP, viaTCP)
	assert.Equal(t, fmt.Sprintf("broker://127.0.0.1:%d", conf.BrokerServicePort), viaTCP.BrokerURL)
	assert.Contains(t, viaTCP.KafkaURL, "PLAINTEXT://127.0.0.1:")
}
