package natsjs

import (
	"context"
	"testing"
	"time"

	"github.com/jhump/protoreflect/dynamic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curtail-control/internal/bus/embeddednats"
	"curtail-control/internal/events"
)

// Round trip against a real embedded broker: publish an audit envelope,
// pull it back through a durable consumer and decode it.
func TestPublishFetchRoundTrip(t *testing.T) {
	srv, err := embeddednats.Start(embeddednats.Config{
		Host:     "127.0.0.1",
		Port:     14322,
		HTTPPort: 18322,
		StoreDir: t.TempDir(),
	})
	require.NoError(t, err)
	defer srv.Shutdown()

	c, err := Connect(Config{
		URL:     "nats://127.0.0.1:14322",
		Prefix:  "curtailtest",
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.EnsureStreams())

	schema, err := events.LoadSchema()
	require.NoError(t, err)

	env := schema.NewEnvelope(events.AuditDataFetch)
	df := dynamic.NewMessage(schema.DataFetch)
	df.SetFieldByName("source", "coingecko")
	df.SetFieldByName("metric", "price")
	df.SetFieldByName("status", "ok")
	df.SetFieldByName("latency_ms", int64(42))
	df.SetFieldByName("details", "")
	env.SetFieldByName("data_fetch", df)
	b, err := events.Marshal(env)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Publish(ctx, events.AuditDataFetch, b))

	consumer, err := c.NewPullConsumer("audit-tail", events.DomainAudit+".*", 128)
	require.NoError(t, err)
	msgs, err := consumer.Fetch(ctx, 16, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	got, err := events.UnmarshalEnvelope(schema, msgs[0].Data())
	require.NoError(t, err)
	assert.Equal(t, events.AuditDataFetch, got.GetFieldByName("subject").(string))
	assert.NotEmpty(t, got.GetFieldByName("id").(string))

	payload := got.GetFieldByName("data_fetch").(*dynamic.Message)
	assert.Equal(t, "coingecko", payload.GetFieldByName("source").(string))
	assert.Equal(t, "price", payload.GetFieldByName("metric").(string))
	assert.Equal(t, int64(42), payload.GetFieldByName("latency_ms").(int64))
	require.NoError(t, msgs[0].Ack())
}
