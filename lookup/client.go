// Package lookup resolves topics to the broker that serves them. A lookup URL with an http or
// https scheme is resolved through the broker's web service; a broker:// URL is resolved with the
// lookup RPC on the broker service port.
package lookup

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/streamnative/kop-test-harness/broker"
	"github.com/streamnative/kop-test-harness/logging"
	"github.com/streamnative/kop-test-harness/servicedef"
)

type Mode string

const (
	ModeHTTP Mode = "http"
	ModeTCP  Mode = "tcp"
)

var ErrClosed = errors.New("lookup client is closed")

type Option func(*Client)

// WithTLSConfig is used for https lookup URLs.
func WithTLSConfig(conf *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = conf }
}

// WithHTTPClient replaces the client used for http lookups. It takes precedence over
// WithTLSConfig.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client looks up topics against one broker.
type Client struct {
	lookupURL  string
	mode       Mode
	logger     logging.Logger
	tlsConfig  *tls.Config
	httpClient *http.Client
	conn       *grpc.ClientConn
	closeOnce  sync.Once
	lock       sync.Mutex
	closed     bool
}

// New creates a lookup client. No connection is made until the first lookup.
func New(lookupURL string, logger logging.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = logging.NullLogger()
	}
	u, err := url.Parse(lookupURL)
	if err != nil {
		return nil, fmt.Errorf("invalid lookup URL %q: %w", lookupURL, err)
	}
	c := &Client{
		lookupURL: strings.TrimSuffix(lookupURL, "/"),
		logger:    logger,
	}
	for _, o := range opts {
		o(c)
	}
	switch u.Scheme {
	case "http", "https":
		c.mode = ModeHTTP
		if c.httpClient == nil {
			c.httpClient = &http.Client{Transport: &http.Transport{TLSClientConfig: c.tlsConfig}}
		}
	case servicedef.LookupURLScheme:
		c.mode = ModeTCP
		creds := insecure.NewCredentials()
		if c.tlsConfig != nil {
			creds = credentials.NewTLS(c.tlsConfig)
		}
		c.conn, err = grpc.NewClient(u.Host, grpc.WithTransportCredentials(creds))
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported lookup URL scheme %q", u.Scheme)
	}
	logger.Printf("Using %s lookup at %s", c.mode, c.lookupURL)
	return c, nil
}

func (c *Client) Mode() Mode {
	return c.mode
}

func (c *Client) URL() string {
	return c.lookupURL
}

// Lookup resolves a topic, which may be a short Kafka topic name or a fully qualified name.
func (c *Client) Lookup(ctx context.Context, topic string) (servicedef.LookupData, error) {
	c.lock.Lock()
	closed := c.closed
	c.lock.Unlock()
	if closed {
		return servicedef.LookupData{}, ErrClosed
	}
	name, err := broker.ParseTopicName(topic)
	if err != nil {
		return servicedef.LookupData{}, err
	}
	var data servicedef.LookupData
	if c.mode == ModeTCP {
		data, err = c.lookupRPC(ctx, name)
	} else {
		data, err = c.lookupHTTP(ctx, name)
	}
	if err != nil {
		return data, fmt.Errorf("lookup of %s failed: %w", name, err)
	}
	c.logger.Printf("Looked up %s: %s", name, data.KafkaURL)
	return data, nil
}

func (c *Client) lookupHTTP(ctx context.Context, name broker.TopicName) (servicedef.LookupData, error) {
	var data servicedef.LookupData
	target := fmt.Sprintf("%s/lookup/v2/topic/%s/%s/%s/%s", c.lookupURL, servicedef.TopicDomain,
		name.Tenant, name.Namespace, name.Local)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return data, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return data, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return data, err
	}
	if resp.StatusCode != http.StatusOK {
		var er servicedef.ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Reason != "" {
			return data, fmt.Errorf("HTTP status %d: %s", resp.StatusCode, er.Reason)
		}
		return data, fmt.Errorf("HTTP status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return data, fmt.Errorf("malformed lookup response: %s", string(body))
	}
	return data, nil
}

func (c *Client) lookupRPC(ctx context.Context, name broker.TopicName) (servicedef.LookupData, error) {
	var data servicedef.LookupData
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, servicedef.LookupTopicFullMethod, wrapperspb.String(name.String()), out); err != nil {
		return data, err
	}
	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return data, err
	}
	err = json.Unmarshal(raw, &data)
	return data, err
}

// Close releases the RPC connection if there is one. Calling it again does nothing.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.lock.Lock()
		c.closed = true
		c.lock.Unlock()
		if c.conn != nil {
			err = c.conn.Close()
		}
		if c.httpClient != nil {
			c.httpClient.CloseIdleConnections()
		}
	})
	return err
}
