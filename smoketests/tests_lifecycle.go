package smoketests

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/kop-test-harness/harness"
)

func DoLifecycleTests(t *T) {
	t.Run("restart keeps data and mocks", func(t *T) {
		h := t.Harness()
		topic := t.UniqueTopic("durable")
		producer := t.NewProducer(topic)
		for i, v := range []string{"before-1", "before-2"} {
			_, err := producer.Send(t.OperationContext(), int32(i), v)
			require.NoError(t, err)
		}
		producer.Close()

		coord, logStore := h.MockCoordination(), h.MockLogStore()
		require.NoError(t, h.RestartBroker(t.OperationContext()))
		assert.Equal(t, harness.Running, h.State())
		assert.Same(t, coord, h.Broker().Coordination())
		assert.Same(t, logStore, h.Broker().LogStore())

		records := t.Consume(topic, 2)
		assert.Equal(t, "before-1", *records[0].Value)
		assert.Equal(t, "before-2", *records[1].Value)
		require.NoError(t, h.Admin().Healthcheck())
	})
}
