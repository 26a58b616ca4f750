package kafkaclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/streamnative/kop-test-harness/codec"
	"github.com/streamnative/kop-test-harness/logging"
)

// ErrClosed is returned by a driver that has been closed.
var ErrClosed = errors.New("client is closed")

// RecordMetadata describes where a produced record was stored.
type RecordMetadata struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Producer sends integer-keyed string records to one topic.
type Producer struct {
	client    *kgo.Client
	topic     string
	async     bool
	props     Properties
	logger    *logrus.Entry
	lock      sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewProducer creates a plaintext producer, authenticating when the params carry credentials.
func NewProducer(params ProducerParams) (*Producer, error) {
	return newProducer(params.Topic, params.Async, ProducerProperties(params), "producer")
}

func newProducer(topic string, async bool, props Properties, component string) (*Producer, error) {
	logger := logging.New(component).WithField("Topic", topic)
	opts, err := Options(props)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
		kgo.WithLogger(kgoLogger{entry: logger}))
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &Producer{
		client: client,
		topic:  topic,
		async:  async,
		props:  props,
		logger: logger,
	}, nil
}

func (p *Producer) Topic() string { return p.topic }

// IsAsync reports whether Produce sends without waiting.
func (p *Producer) IsAsync() bool { return p.async }

// Properties returns a copy of the configuration the producer was built from.
func (p *Producer) Properties() Properties { return p.props.Clone() }

// Client is the underlying franz-go client.
func (p *Producer) Client() *kgo.Client { return p.client }

func (p *Producer) record(key int32, value string) *kgo.Record {
	return &kgo.Record{
		Topic: p.topic,
		Key:   codec.SerializeInt(&key),
		Value: codec.SerializeString(&value),
	}
}

func metadataOf(r *kgo.Record) *RecordMetadata {
	return &RecordMetadata{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset, Timestamp: r.Timestamp}
}

// Send produces one record and waits for it to be acknowledged.
func (p *Producer) Send(ctx context.Context, key int32, value string) (RecordMetadata, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.closed {
		return RecordMetadata{}, ErrClosed
	}
	r, err := p.client.ProduceSync(ctx, p.record(key, value)).First()
	if err != nil {
		return RecordMetadata{}, err
	}
	return *metadataOf(r), nil
}

// SendAsync produces one record and calls cb when it is acknowledged or fails. Exactly one of
// cb's arguments is non-nil.
func (p *Producer) SendAsync(ctx context.Context, key int32, value string, cb func(*RecordMetadata, error)) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.closed {
		cb(nil, ErrClosed)
		return
	}
	p.client.Produce(ctx, p.record(key, value), func(r *kgo.Record, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		cb(metadataOf(r), nil)
	})
}

// Produce sends with a CompletionCallback when the producer is asynchronous, and with Send
// otherwise. The returned callback is nil for a synchronous producer.
func (p *Producer) Produce(ctx context.Context, key int32, value string) (*CompletionCallback, error) {
	if !p.async {
		_, err := p.Send(ctx, key, value)
		return nil, err
	}
	cb := NewCompletionCallback(key, value, p.logger)
	p.SendAsync(ctx, key, value, cb.OnCompletion)
	return cb, nil
}

// Flush waits for every buffered record to be acknowledged.
func (p *Producer) Flush(ctx context.Context) error {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return p.client.Flush(ctx)
}

// Close releases the client. Later calls do nothing.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		p.lock.Lock()
		p.closed = true
		p.lock.Unlock()
		p.client.Close()
		p.logger.Debug("Producer closed")
	})
}

// SSLProducer is a Producer that connects to a TLS listener.
type SSLProducer struct {
	*Producer
}

// NewSSLProducer creates a producer for the TLS listener at host:port, trusting the PEM CA
// certificates in trustStorePath.
func NewSSLProducer(topic, host string, port int, trustStorePath string) (*SSLProducer, error) {
	p, err := newProducer(topic, false, SSLProducerProperties(host, port, trustStorePath), "ssl-producer")
	if err != nil {
		return nil, err
	}
	return &SSLProducer{Producer: p}, nil
}
