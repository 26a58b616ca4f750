package smoketests

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/kop-test-harness/framework"
	"github.com/streamnative/kop-test-harness/harness"
	"github.com/streamnative/kop-test-harness/kafkaclient"
)

const defaultOperationTimeout = time.Second * 20

type environment struct {
	harness  *harness.Harness
	username string
	password string
	disabled map[string]bool
}

// T is the test API the smoke tests are written against. It can be passed to assert and require.
type T struct {
	*framework.Context
	env *environment
}

func newTestScope(c *framework.Context, h *harness.Harness) *T {
	env := &environment{harness: h, disabled: make(map[string]bool)}
	for _, f := range DisabledFeatures(h) {
		env.disabled[f] = true
	}
	if conf := h.Config(); conf.AuthenticationEnabled {
		for user, pass := range conf.SuperUserCredentials {
			env.username, env.password = user, pass
			break
		}
	}
	return &T{Context: c, env: env}
}

func (t *T) Run(name string, action func(*T)) {
	t.Context.Run(name, func(c *framework.Context) {
		action(&T{Context: c, env: t.env})
	})
}

func (t *T) Harness() *harness.Harness {
	return t.env.harness
}

// RequireFeature skips the test unless the broker has feature enabled.
func (t *T) RequireFeature(feature string) {
	if t.env.disabled[feature] {
		t.SkipWithReason(feature + " is not enabled")
	}
}

// OperationContext returns a context that ends when the test does or after a generous timeout.
func (t *T) OperationContext() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), defaultOperationTimeout)
	t.Defer(cancel)
	return ctx
}

// UniqueTopic returns a topic name no other test uses.
func (t *T) UniqueTopic(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// NewProducer creates a producer for topic on the plaintext listener, authenticating when the
// broker requires it. It is closed when the test ends.
func (t *T) NewProducer(topic string, configure ...func(*kafkaclient.ProducerParams)) *kafkaclient.Producer {
	params := kafkaclient.ProducerParams{
		Topic:    topic,
		Host:     t.env.harness.AdvertisedAddress(),
		Port:     t.env.harness.KafkaPort(),
		Username: t.env.username,
		Password: t.env.password,
	}
	for _, fn := range configure {
		fn(&params)
	}
	p, err := kafkaclient.NewProducer(params)
	require.NoError(t, err)
	t.Defer(p.Close)
	t.Debug("Created producer for %s with properties %v", topic, redacted(p.Properties()))
	return p
}

// NewConsumer creates a consumer for topic in a group of its own. It is closed when the test
// ends.
func (t *T) NewConsumer(topic string, configure ...func(*kafkaclient.ConsumerParams)) *kafkaclient.Consumer {
	params := kafkaclient.ConsumerParams{
		Topic:    topic,
		Host:     t.env.harness.AdvertisedAddress(),
		Port:     t.env.harness.KafkaPort(),
		Username: t.env.username,
		Password: t.env.password,
		Group:    t.UniqueTopic("group"),
	}
	for _, fn := range configure {
		fn(&params)
	}
	c, err := kafkaclient.NewConsumer(params)
	require.NoError(t, err)
	t.Defer(c.Close)
	t.Debug("Created consumer for %s in group %s", topic, params.Group)
	return c
}

// Consume reads n records from topic with a new consumer.
func (t *T) Consume(topic string, n int) []kafkaclient.ConsumedRecord {
	records, err := t.NewConsumer(topic).PollN(t.OperationContext(), n)
	require.NoError(t, err)
	require.Len(t, records, n)
	return records
}

func redacted(props kafkaclient.Properties) kafkaclient.Properties {
	ret := props.Clone()
	if _, ok := ret[kafkaclient.SASLJAASConfig]; ok {
		ret[kafkaclient.SASLJAASConfig] = "<redacted>"
	}
	return ret
}
