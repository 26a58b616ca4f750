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

// ConsumedRecord is a decoded record.
type ConsumedRecord struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       *int32
	Value     *string
	Timestamp time.Time
}

// Consumer reads integer-keyed string records from one topic as a member of a consumer group.
type Consumer struct {
	client    *kgo.Client
	topic     string
	group     string
	props     Properties
	logger    *logrus.Entry
	closeOnce sync.Once
}

// NewConsumer creates a consumer subscribed to params.Topic.
func NewConsumer(params ConsumerParams) (*Consumer, error) {
	props := ConsumerProperties(params)
	logger := logging.New("consumer").WithField("Topic", params.Topic)
	opts, err := Options(props)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.ConsumeTopics(params.Topic),
		kgo.AllowAutoTopicCreation(),
		kgo.WithLogger(kgoLogger{entry: logger}))
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		client: client,
		topic:  params.Topic,
		group:  props[GroupIDConfig],
		props:  props,
		logger: logger,
	}, nil
}

func (c *Consumer) Topic() string { return c.topic }

func (c *Consumer) Group() string { return c.group }

func (c *Consumer) Properties() Properties { return c.props.Clone() }

func (c *Consumer) Client() *kgo.Client { return c.client }

// Poll waits for the next batch of records or for ctx to end. An ended context is not an error:
// Poll then returns whatever it has, possibly nothing.
func (c *Consumer) Poll(ctx context.Context) ([]ConsumedRecord, error) {
	fetches := c.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	var errs []error
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
			continue
		}
		c.logger.WithError(fe.Err).Warnf("Fetch error on partition %d", fe.Partition)
		errs = append(errs, fe.Err)
	}
	var records []ConsumedRecord
	fetches.EachRecord(func(r *kgo.Record) {
		key, err := codec.DeserializeInt(r.Key)
		if err != nil {
			errs = append(errs, err)
			return
		}
		records = append(records, ConsumedRecord{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       key,
			Value:     codec.DeserializeString(r.Value),
			Timestamp: r.Timestamp,
		})
	})
	return records, errors.Join(errs...)
}

// PollN polls until it has n records or ctx ends. It returns what it collected either way, with
// ctx's error if it ran out of time.
func (c *Consumer) PollN(ctx context.Context, n int) ([]ConsumedRecord, error) {
	var ret []ConsumedRecord
	for len(ret) < n {
		records, err := c.Poll(ctx)
		ret = append(ret, records...)
		if err != nil {
			return ret, err
		}
		if ctx.Err() != nil && len(ret) < n {
			return ret, ctx.Err()
		}
	}
	return ret, nil
}

// Commit commits the offsets of everything polled so far.
func (c *Consumer) Commit(ctx context.Context) error {
	return c.client.CommitUncommittedOffsets(ctx)
}

// Close leaves the group and releases the client. Later calls do nothing.
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		c.client.Close()
		c.logger.Debug("Consumer closed")
	})
}
