package smoketests

import (
	"errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/kop-test-harness/servicedef"
)

func DoCompactionTests(t *T) {
	t.Run("keeps the latest value of each key", func(t *T) {
		topic := t.UniqueTopic("compacted")
		producer := t.NewProducer(topic)
		for _, v := range []string{"1", "2", "3"} {
			_, err := producer.Send(t.OperationContext(), 7, v)
			require.NoError(t, err)
		}

		status, err := t.Harness().Admin().TriggerCompaction(topic)
		require.NoError(t, err)
		assert.Equal(t, servicedef.CompactionStatusSuccess, status.Status)
		assert.Equal(t, 3, status.RecordsBefore)
		assert.Equal(t, 1, status.RecordsAfter)

		calls := t.Harness().Compactor().Calls()
		require.NotEmpty(t, calls)
		assert.Equal(t, "persistent://"+servicedef.DefaultTenant+"/"+servicedef.DefaultNamespace+"/"+topic,
			calls[len(calls)-1].Topic)
	})

	t.Run("reports a failed compaction", func(t *T) {
		topic := t.UniqueTopic("doomed")
		_, err := t.NewProducer(topic).Send(t.OperationContext(), 1, "x")
		require.NoError(t, err)

		t.Harness().Compactor().FailNext(errors.New("injected failure"))
		status, err := t.Harness().Admin().TriggerCompaction(topic)
		require.Error(t, err)
		assert.Equal(t, servicedef.CompactionStatusError, status.Status)
		assert.Equal(t, "injected failure", status.LastError)
	})
}
