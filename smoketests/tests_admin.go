package smoketests

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"

	"github.com/streamnative/kop-test-harness/adminclient"
	"github.com/streamnative/kop-test-harness/servicedef"
)

func DoAdminTests(t *T) {
	t.Run("healthcheck", func(t *T) {
		require.NoError(t, t.Harness().Admin().Healthcheck())
	})

	t.Run("cluster metadata", func(t *T) {
		admin := t.Harness().Admin()
		clusters, err := admin.Clusters()
		require.NoError(t, err)
		assert.Equal(t, []string{t.Harness().Config().ClusterName}, clusters)

		brokers, err := admin.Brokers(clusters[0])
		require.NoError(t, err)
		assert.Len(t, brokers, 1)
	})

	t.Run("topic lifecycle", func(t *T) {
		admin := t.Harness().Admin()
		topic := "persistent://" + servicedef.DefaultTenant + "/" + servicedef.DefaultNamespace + "/" +
			t.UniqueTopic("admin")

		require.NoError(t, admin.CreateTopic(topic, servicedef.CreateTopicParams{Partitions: ldvalue.NewOptionalInt(3)}))
		topics, err := admin.Topics(servicedef.DefaultTenant, servicedef.DefaultNamespace)
		require.NoError(t, err)
		assert.Contains(t, topics, topic)

		stats, err := admin.TopicStats(topic)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Partitions)
		assert.Len(t, stats.PartitionStats, 3)

		require.NoError(t, admin.DeleteTopic(topic))
		err = admin.DeleteTopic(topic)
		assert.True(t, adminclient.IsNotFound(err), "second delete should be 404, got %v", err)
	})

	t.Run("topic stats count produced records", func(t *T) {
		topic := t.UniqueTopic("counted")
		producer := t.NewProducer(topic)
		for i, v := range []string{"a", "b"} {
			_, err := producer.Send(t.OperationContext(), int32(i), v)
			require.NoError(t, err)
		}

		stats, err := t.Harness().Admin().TopicStats(topic)
		require.NoError(t, err)
		t.Debug("Stats for %s: %+v", topic, stats)
		assert.Equal(t, topic, stats.KafkaTopic)
		assert.Equal(t, int64(2), stats.MsgInCounter)
		require.Len(t, stats.PartitionStats, 1)
		assert.Equal(t, int64(2), stats.PartitionStats[0].HighWatermark)
	})

	t.Run("metrics", func(t *T) {
		metrics, err := t.Harness().Admin().Metrics()
		require.NoError(t, err)
		assert.Contains(t, metrics, "kop_topics")
	})
}
