package kafkaclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/kop-test-harness/broker"
	"github.com/streamnative/kop-test-harness/harness"
	"github.com/streamnative/kop-test-harness/harness/harnesstest"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestProducer(t *testing.T, params ProducerParams) *Producer {
	p, err := NewProducer(params)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func newTestConsumer(t *testing.T, params ConsumerParams) *Consumer {
	c, err := NewConsumer(params)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestProduceAndConsume(t *testing.T) {
	h := harnesstest.New(t)
	ctx := testContext(t)

	producer := newTestProducer(t, ProducerParams{Topic: "greetings", Host: h.AdvertisedAddress(), Port: h.KafkaPort()})
	md, err := producer.Send(ctx, 42, "hello")
	require.NoError(t, err)
	assert.Equal(t, "greetings", md.Topic)
	assert.Equal(t, int64(0), md.Offset)

	consumer := newTestConsumer(t, ConsumerParams{Topic: "greetings", Host: h.AdvertisedAddress(), Port: h.KafkaPort()})
	records, err := consumer.PollN(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Key)
	require.NotNil(t, records[0].Value)
	assert.Equal(t, int32(42), *records[0].Key)
	assert.Equal(t, "hello", *records[0].Value)
	assert.Equal(t, DefaultConsumerGroup, consumer.Group())
}

func TestAsyncProducerCallsBack(t *testing.T) {
	h := harnesstest.New(t)
	ctx := testContext(t)

	producer := newTestProducer(t, ProducerParams{Topic: "async", Port: h.KafkaPort(), Async: true, Compression: "snappy"})
	assert.True(t, producer.IsAsync())

	var callbacks []*CompletionCallback
	for i := 0; i < 3; i++ {
		cb, err := producer.Produce(ctx, int32(i), "value")
		require.NoError(t, err)
		require.NotNil(t, cb)
		callbacks = append(callbacks, cb)
	}
	require.NoError(t, producer.Flush(ctx))
	for i, cb := range callbacks {
		md, err := cb.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(i), md.Offset)
	}
}

func TestSyncProduceReturnsNoCallback(t *testing.T) {
	h := harnesstest.New(t)
	producer := newTestProducer(t, ProducerParams{Topic: "sync", Port: h.KafkaPort()})
	cb, err := producer.Produce(testContext(t), 1, "one")
	require.NoError(t, err)
	assert.Nil(t, cb)
}

func TestSASLClients(t *testing.T) {
	h := harnesstest.New(t, harness.WithConfig(func(c *broker.Config) {
		c.AuthenticationEnabled = true
		c.SuperUserCredentials = map[string]string{"admin": "secret"}
	}))
	ctx := testContext(t)

	producer := newTestProducer(t, ProducerParams{Topic: "secured", Port: h.KafkaPort(), Username: "admin", Password: "secret"})
	_, err := producer.Send(ctx, 7, "authenticated")
	require.NoError(t, err)

	consumer := newTestConsumer(t, ConsumerParams{Topic: "secured", Port: h.KafkaPort(), Username: "admin", Password: "secret"})
	records, err := consumer.PollN(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "authenticated", *records[0].Value)

	t.Run("wrong password", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		intruder := newTestProducer(t, ProducerParams{Topic: "secured", Port: h.KafkaPort(), Username: "admin", Password: "guess"})
		_, err := intruder.Send(ctx, 1, "nope")
		assert.Error(t, err)
	})
}

func TestSSLProducer(t *testing.T) {
	h := harnesstest.New(t)
	ctx := testContext(t)

	producer, err := NewSSLProducer("encrypted", "localhost", h.KafkaPortTLS(), h.TrustStorePath())
	require.NoError(t, err)
	t.Cleanup(producer.Close)
	assert.Equal(t, SecurityProtocolSSL, producer.Properties()[SecurityProtocolConfig])

	_, err = producer.Send(ctx, 5, "over tls")
	require.NoError(t, err)

	consumer := newTestConsumer(t, ConsumerParams{Topic: "encrypted", Port: h.KafkaPort()})
	records, err := consumer.PollN(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int32(5), *records[0].Key)
}

func TestCommittedGroupResumes(t *testing.T) {
	h := harnesstest.New(t)
	ctx := testContext(t)

	producer := newTestProducer(t, ProducerParams{Topic: "resumable", Port: h.KafkaPort()})
	for i, v := range []string{"a", "b"} {
		_, err := producer.Send(ctx, int32(i), v)
		require.NoError(t, err)
	}

	params := ConsumerParams{Topic: "resumable", Port: h.KafkaPort(), Group: "resumers"}
	first, err := NewConsumer(params)
	require.NoError(t, err)
	records, err := first.PollN(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NoError(t, first.Commit(ctx))
	first.Close()

	_, err = producer.Send(ctx, 2, "c")
	require.NoError(t, err)

	second := newTestConsumer(t, params)
	records, err = second.PollN(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "c", *records[0].Value)
	assert.Equal(t, int64(2), records[0].Offset)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := harnesstest.New(t)
	ctx := testContext(t)

	producer, err := NewProducer(ProducerParams{Topic: "closing", Port: h.KafkaPort()})
	require.NoError(t, err)
	producer.Close()
	producer.Close()
	_, err = producer.Send(ctx, 1, "late")
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, ErrClosed, producer.Flush(ctx))

	var asyncErr error
	producer.SendAsync(ctx, 1, "late", func(_ *RecordMetadata, err error) { asyncErr = err })
	assert.Equal(t, ErrClosed, asyncErr)

	consumer, err := NewConsumer(ConsumerParams{Topic: "closing", Port: h.KafkaPort()})
	require.NoError(t, err)
	consumer.Close()
	consumer.Close()
	_, err = consumer.Poll(ctx)
	assert.Equal(t, ErrClosed, err)
}
