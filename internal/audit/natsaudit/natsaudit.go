package natsaudit

import (
	"context"
	"sync"
	"time"

	"github.com/jhump/protoreflect/dynamic"
	"go.uber.org/zap"

	"curtail-control/internal/bus"
	"curtail-control/internal/events"
)

// Recorder publishes audit entries to the event bus. Publishing is
// best-effort: a down broker is logged at debug and never propagates.
type Recorder struct {
	log    *zap.Logger
	schema *events.Schema

	mu  sync.RWMutex
	pub bus.Publisher // nil while disconnected
}

func New(log *zap.Logger, schema *events.Schema) *Recorder {
	return &Recorder{log: log.Named("natsaudit"), schema: schema}
}

// SetPublisher swaps the live connection; the reconnect loop in cmd/core
// calls it with nil on disconnect.
func (r *Recorder) SetPublisher(p bus.Publisher) {
	r.mu.Lock()
	r.pub = p
	r.mu.Unlock()
}

func (r *Recorder) publish(subject string, env *dynamic.Message) {
	r.mu.RLock()
	p := r.pub
	r.mu.RUnlock()
	if p == nil {
		return
	}
	b, err := events.Marshal(env)
	if err != nil {
		r.log.Debug("marshal audit event", zap.Error(err))
		return
	}
	// Publish off the caller's goroutine; a degraded broker must not add
	// latency to the operation being recorded.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.Publish(ctx, subject, b); err != nil {
			r.log.Debug("publish audit event", zap.String("subject", subject), zap.Error(err))
		}
	}()
}

func (r *Recorder) RecordDataFetch(source, metric, status string, latency time.Duration, details string) {
	env := r.schema.NewEnvelope(events.AuditDataFetch)
	df := dynamic.NewMessage(r.schema.DataFetch)
	df.SetFieldByName("source", source)
	df.SetFieldByName("metric", metric)
	df.SetFieldByName("status", status)
	df.SetFieldByName("latency_ms", latency.Milliseconds())
	df.SetFieldByName("details", details)
	env.SetFieldByName("data_fetch", df)
	r.publish(events.AuditDataFetch, env)
}

func (r *Recorder) RecordCommand(minerID, command, actor, status, details string) {
	env := r.schema.NewEnvelope(events.AuditCommand)
	cm := dynamic.NewMessage(r.schema.Command)
	cm.SetFieldByName("miner_id", minerID)
	cm.SetFieldByName("command", command)
	cm.SetFieldByName("actor", actor)
	cm.SetFieldByName("status", status)
	cm.SetFieldByName("details", details)
	env.SetFieldByName("command", cm)
	r.publish(events.AuditCommand, env)
}

// RecordPlanTransition publishes a curtailment plan status change.
func (r *Recorder) RecordPlanTransition(planID, status, actor string, stepsTotal, stepsFailed int) {
	env := r.schema.NewEnvelope(events.CurtailPlanExecuted)
	subject := events.CurtailPlanExecuted
	if status == "ROLLED_BACK" {
		subject = events.CurtailPlanRolledBack
		env.SetFieldByName("subject", subject)
	}
	pt := dynamic.NewMessage(r.schema.PlanTransition)
	pt.SetFieldByName("plan_id", planID)
	pt.SetFieldByName("status", status)
	pt.SetFieldByName("actor", actor)
	pt.SetFieldByName("steps_total", int32(stepsTotal))
	pt.SetFieldByName("steps_failed", int32(stepsFailed))
	env.SetFieldByName("plan_transition", pt)
	r.publish(subject, env)
}
