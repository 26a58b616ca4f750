package broker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBareTopicName(t *testing.T) {
	name, err := ParseTopicName("orders")
	require.NoError(t, err)
	assert.Equal(t, TopicName{Tenant: "public", Namespace: "default", Local: "orders"}, name)
	assert.True(t, name.IsDefaultNamespace())
	assert.Equal(t, "persistent://public/default/orders", name.String())
	assert.Equal(t, "orders", name.KafkaName())
	assert.Equal(t, "public/default", name.NamespaceName())
	assert.Equal(t, "persistent://public/default/orders-partition-2", name.PartitionName(2))
	assert.Equal(t, "/managed-ledgers/public/default/persistent/orders", name.storePath())
}

func TestParseQualifiedTopicName(t *testing.T) {
	name, err := ParseTopicName("persistent://acme/payments/ledger")
	require.NoError(t, err)
	assert.Equal(t, TopicName{Tenant: "acme", Namespace: "payments", Local: "ledger"}, name)
	assert.False(t, name.IsDefaultNamespace())
	assert.Equal(t, "persistent://acme/payments/ledger", name.KafkaName())

	roundTrip, err := ParseTopicName(name.String())
	require.NoError(t, err)
	assert.Equal(t, name, roundTrip)
}

func TestParseInvalidTopicNames(t *testing.T) {
	for _, bad := range []string{
		"",
		"a/b",
		"non-persistent://public/default/x",
		"persistent://public/default",
		"persistent://public//x",
		"persistent://a/b/c/d",
	} {
		_, err := ParseTopicName(bad)
		assert.True(t, errors.Is(err, ErrInvalidTopicName), bad)
	}
}
