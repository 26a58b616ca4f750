package smoketests

import (
	"context"
	"errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/kop-test-harness/broker"
	"github.com/streamnative/kop-test-harness/servicedef"
)

func DoLookupTests(t *T) {
	t.Run("lookup returns the broker listeners", func(t *T) {
		h := t.Harness()
		topic := t.UniqueTopic("located")
		data, err := h.LookupClient().Lookup(t.OperationContext(), topic)
		require.NoError(t, err)
		t.Debug("Lookup of %s via %s returned %+v", topic, h.LookupURL(), data)

		assert.Equal(t, h.BrokerURL(), data.HTTPURL)
		assert.Equal(t, "PLAINTEXT://"+h.KafkaAddress(), data.KafkaURL)
		assert.NotEmpty(t, data.KafkaURLTLS)
		assert.NotEmpty(t, data.Bundle)

		lookups := h.NamespaceService().Lookups()
		require.NotEmpty(t, lookups)
		last := lookups[len(lookups)-1]
		assert.Equal(t, servicedef.DefaultTenant, last.Tenant)
		assert.Equal(t, topic, last.Local)
	})

	t.Run("lookup hook overrides the result", func(t *T) {
		ns := t.Harness().NamespaceService()
		ns.SetLookupHook(func(_ context.Context, topic broker.TopicName) (*servicedef.LookupData, error) {
			if topic.Local == "elsewhere" {
				return &servicedef.LookupData{BrokerURL: "pulsar://elsewhere:6650"}, nil
			}
			if topic.Local == "nowhere" {
				return nil, errors.New("no owner")
			}
			return nil, nil
		})
		t.Defer(func() { ns.SetLookupHook(nil) })

		client := t.Harness().LookupClient()
		data, err := client.Lookup(t.OperationContext(), "elsewhere")
		require.NoError(t, err)
		assert.Equal(t, "pulsar://elsewhere:6650", data.BrokerURL)

		_, err = client.Lookup(t.OperationContext(), "nowhere")
		assert.Error(t, err)

		data, err = client.Lookup(t.OperationContext(), t.UniqueTopic("untouched"))
		require.NoError(t, err)
		assert.Equal(t, t.Harness().BrokerURL(), data.HTTPURL)
	})
}
