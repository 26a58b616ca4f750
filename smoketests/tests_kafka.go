package smoketests

import (
	"context"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/kop-test-harness/kafkaclient"
)

var compressionTypes = []string{"none", "gzip", "snappy", "lz4", "zstd"}

func DoKafkaTests(t *T) {
	t.Run("produce and consume", func(t *T) {
		topic := t.UniqueTopic("greetings")
		md, err := t.NewProducer(topic).Send(t.OperationContext(), 42, "hello")
		require.NoError(t, err)
		t.Debug("Sent to %s partition %d offset %d", md.Topic, md.Partition, md.Offset)

		records := t.Consume(topic, 1)
		require.NotNil(t, records[0].Key)
		require.NotNil(t, records[0].Value)
		assert.Equal(t, int32(42), *records[0].Key)
		assert.Equal(t, "hello", *records[0].Value)
	})

	t.Run("async producer completes every send", func(t *T) {
		topic := t.UniqueTopic("async")
		producer := t.NewProducer(topic, func(p *kafkaclient.ProducerParams) { p.Async = true })
		ctx := t.OperationContext()

		var callbacks []*kafkaclient.CompletionCallback
		for i := 0; i < 5; i++ {
			cb, err := producer.Produce(ctx, int32(i), "value")
			require.NoError(t, err)
			callbacks = append(callbacks, cb)
		}
		require.NoError(t, producer.Flush(ctx))
		for i, cb := range callbacks {
			md, err := cb.Wait(ctx)
			require.NoError(t, err, "send %d", i)
			assert.Equal(t, int64(i), md.Offset)
		}
		assert.Len(t, t.Consume(topic, 5), 5)
	})

	t.Run("compression", func(t *T) {
		for _, compression := range compressionTypes {
			compression := compression
			t.Run(compression, func(t *T) {
				topic := t.UniqueTopic("compressed-" + compression)
				producer := t.NewProducer(topic, func(p *kafkaclient.ProducerParams) { p.Compression = compression })
				for i, v := range []string{"one", "two", "three"} {
					_, err := producer.Send(t.OperationContext(), int32(i), v)
					require.NoError(t, err)
				}
				records := t.Consume(topic, 3)
				assert.Equal(t, "three", *records[2].Value)
			})
		}
	})

	t.Run("consumer group resumes from its commit", func(t *T) {
		topic := t.UniqueTopic("resumable")
		group := t.UniqueTopic("resumers")
		inGroup := func(p *kafkaclient.ConsumerParams) { p.Group = group }
		producer := t.NewProducer(topic)
		ctx := t.OperationContext()
		for i, v := range []string{"a", "b"} {
			_, err := producer.Send(ctx, int32(i), v)
			require.NoError(t, err)
		}

		first := t.NewConsumer(topic, inGroup)
		_, err := first.PollN(ctx, 2)
		require.NoError(t, err)
		require.NoError(t, first.Commit(ctx))
		first.Close()

		_, err = producer.Send(ctx, 2, "c")
		require.NoError(t, err)
		records, err := t.NewConsumer(topic, inGroup).PollN(ctx, 1)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "c", *records[0].Value)
	})

	t.Run("ssl producer", func(t *T) {
		t.RequireFeature(FeatureTLS)
		h := t.Harness()
		topic := t.UniqueTopic("encrypted")
		producer, err := kafkaclient.NewSSLProducer(topic, h.AdvertisedAddress(), h.KafkaPortTLS(), h.TrustStorePath())
		require.NoError(t, err)
		t.Defer(producer.Close)

		_, err = producer.Send(t.OperationContext(), 5, "over tls")
		require.NoError(t, err)
		records := t.Consume(topic, 1)
		assert.Equal(t, "over tls", *records[0].Value)
	})

	t.Run("sasl rejects bad credentials", func(t *T) {
		t.RequireFeature(FeatureSASL)
		producer := t.NewProducer(t.UniqueTopic("secured"), func(p *kafkaclient.ProducerParams) {
			p.Password += "-wrong"
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := producer.Send(ctx, 1, "nope")
		assert.Error(t, err)
	})
}
