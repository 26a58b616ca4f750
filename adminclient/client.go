// Package adminclient talks to a broker's administrative web service.
package adminclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/streamnative/kop-test-harness/broker"
	"github.com/streamnative/kop-test-harness/logging"
	"github.com/streamnative/kop-test-harness/servicedef"
)

const pollInterval = time.Millisecond * 20

var ErrClosed = errors.New("admin client is closed")

// StatusError is returned when the admin service answers with a non-2xx status.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Reason     string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s %s returned HTTP status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s returned HTTP status %d: %s", e.Method, e.URL, e.StatusCode, e.Reason)
}

// IsNotFound reports whether err is a 404 from the admin service.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Client manages communication with one broker's admin web service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
	closeOnce  sync.Once
	lock       sync.Mutex
	closed     bool
}

// New creates a Client, and verifies that the admin service is responding by polling its health
// resource until it succeeds or the timeout elapses. A nil httpClient means http.DefaultClient.
func New(baseURL string, timeout time.Duration, httpClient *http.Client, logger logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.NullLogger()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
	deadline := time.Now().Add(timeout)
	for {
		err := c.Healthcheck()
		if err == nil {
			logger.Printf("Admin service at %s is healthy", c.baseURL)
			return c, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("admin service at %s did not become healthy, result of last query was: %w", c.baseURL, err)
		}
		time.Sleep(pollInterval)
	}
}

// BaseURL is the admin service URL this client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close marks the client closed; later calls fail with ErrClosed. Calling it again does nothing.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.lock.Lock()
		c.closed = true
		c.lock.Unlock()
		c.httpClient.CloseIdleConnections()
		c.logger.Printf("Admin client closed")
	})
	return nil
}

func (c *Client) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

func (c *Client) do(method, path string, body interface{}, out interface{}) error {
	if c.isClosed() {
		return ErrClosed
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewBuffer(data)
	}
	url := c.baseURL + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode}
		var er servicedef.ErrorResponse
		if json.Unmarshal(data, &er) == nil {
			se.Reason = er.Reason
		}
		if out != nil {
			// some failures, like compaction errors, still describe the outcome
			_ = json.Unmarshal(data, out)
		}
		return se
	}
	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		*s = string(data)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("malformed response from %s: %s", url, string(data))
	}
	return nil
}

func topicPath(topic string) (string, error) {
	name, err := broker.ParseTopicName(topic)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/admin/v2/%s/%s/%s/%s", servicedef.TopicDomain, name.Tenant, name.Namespace, name.Local), nil
}

// Healthcheck succeeds if the broker reports itself healthy.
func (c *Client) Healthcheck() error {
	var body string
	if err := c.do(http.MethodGet, "/admin/v2/brokers/health", nil, &body); err != nil {
		return err
	}
	if body != servicedef.BrokerHealthy {
		return fmt.Errorf("unexpected health status %q", body)
	}
	return nil
}

func (c *Client) Clusters() ([]string, error) {
	var ret []string
	err := c.do(http.MethodGet, "/admin/v2/clusters", nil, &ret)
	return ret, err
}

// Brokers lists the web service addresses of a cluster's active brokers.
func (c *Client) Brokers(cluster string) ([]string, error) {
	var ret []string
	err := c.do(http.MethodGet, "/admin/v2/brokers/"+cluster, nil, &ret)
	return ret, err
}

func (c *Client) Namespaces() ([]string, error) {
	var ret []string
	err := c.do(http.MethodGet, "/admin/v2/namespaces", nil, &ret)
	return ret, err
}

// Topics lists the fully qualified names of the topics in a namespace.
func (c *Client) Topics(tenant, namespace string) ([]string, error) {
	var ret []string
	err := c.do(http.MethodGet, fmt.Sprintf("/admin/v2/%s/%s/%s", servicedef.TopicDomain, tenant, namespace), nil, &ret)
	return ret, err
}

// CreateTopic creates a topic. Without params.Partitions the topic is non-partitioned.
func (c *Client) CreateTopic(topic string, params servicedef.CreateTopicParams) error {
	path, err := topicPath(topic)
	if err != nil {
		return err
	}
	return c.do(http.MethodPut, path, params, nil)
}

func (c *Client) DeleteTopic(topic string) error {
	path, err := topicPath(topic)
	if err != nil {
		return err
	}
	return c.do(http.MethodDelete, path, nil, nil)
}

func (c *Client) TopicStats(topic string) (servicedef.TopicStats, error) {
	var ret servicedef.TopicStats
	path, err := topicPath(topic)
	if err != nil {
		return ret, err
	}
	err = c.do(http.MethodGet, path, nil, &ret)
	return ret, err
}

// TriggerCompaction compacts a topic and reports the outcome. A failed compaction returns both the
// status and a StatusError.
func (c *Client) TriggerCompaction(topic string) (servicedef.CompactionStatus, error) {
	var ret servicedef.CompactionStatus
	path, err := topicPath(topic)
	if err != nil {
		return ret, err
	}
	err = c.do(http.MethodPut, path+"/compaction", nil, &ret)
	return ret, err
}

// Metrics returns the broker's Prometheus metrics in text format.
func (c *Client) Metrics() (string, error) {
	var ret string
	err := c.do(http.MethodGet, "/metrics", nil, &ret)
	return ret, err
}
