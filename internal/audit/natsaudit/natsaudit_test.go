package natsaudit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"curtail-control/internal/events"
)

// blockingPub holds every publish until released, to verify the recorder
// never blocks its caller on a slow broker.
type blockingPub struct {
	release  chan struct{}
	subjects chan string
}

func (p *blockingPub) Publish(ctx context.Context, subject string, data []byte) error {
	<-p.release
	p.subjects <- subject
	return nil
}

func TestRecordDoesNotBlockOnSlowBroker(t *testing.T) {
	schema, err := events.LoadSchema()
	require.NoError(t, err)

	pub := &blockingPub{release: make(chan struct{}), subjects: make(chan string, 4)}
	rec := New(zap.NewNop(), schema)
	rec.SetPublisher(pub)

	start := time.Now()
	rec.RecordCommand("m1", "set_power_limit", "ops", "ok", "")
	assert.Less(t, time.Since(start), 500*time.Millisecond, "record must return before the broker accepts")

	close(pub.release)
	select {
	case subject := <-pub.subjects:
		assert.Equal(t, events.AuditCommand, subject)
	case <-time.After(2 * time.Second):
		t.Fatal("publish never reached the broker after release")
	}
}

func TestRecordWithoutPublisherIsNoop(t *testing.T) {
	schema, err := events.LoadSchema()
	require.NoError(t, err)

	rec := New(zap.NewNop(), schema)
	rec.RecordDataFetch("coingecko", "price", "ok", time.Millisecond, "")
	rec.RecordPlanTransition("p1", "EXECUTED", "ops", 3, 0)
}
