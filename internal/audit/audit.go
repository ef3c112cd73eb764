package audit

import (
	"time"

	"go.uber.org/zap"
)

// Recorder is the audit collaborator consumed by the core. Both methods are
// fire-and-forget: implementations must never fail or block the primary
// operation.
type Recorder interface {
	RecordDataFetch(source, metric, status string, latency time.Duration, details string)
	RecordCommand(minerID, command, actor, status, details string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordDataFetch(string, string, string, time.Duration, string) {}
func (Nop) RecordCommand(string, string, string, string, string)          {}

// Log records audit entries to the process log.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log.Named("audit")}
}

func (l *Log) RecordDataFetch(source, metric, status string, latency time.Duration, details string) {
	l.log.Info("data_fetch",
		zap.String("source", source),
		zap.String("metric", metric),
		zap.String("status", status),
		zap.Int64("latency_ms", latency.Milliseconds()),
		zap.String("details", details),
	)
}

func (l *Log) RecordCommand(minerID, command, actor, status, details string) {
	l.log.Info("command",
		zap.String("miner_id", minerID),
		zap.String("command", command),
		zap.String("actor", actor),
		zap.String("status", status),
		zap.String("details", details),
	)
}

// Multi fans an audit record out to several recorders.
type Multi []Recorder

func (m Multi) RecordDataFetch(source, metric, status string, latency time.Duration, details string) {
	for _, r := range m {
		r.RecordDataFetch(source, metric, status, latency, details)
	}
}

func (m Multi) RecordCommand(minerID, command, actor, status, details string) {
	for _, r := range m {
		r.RecordCommand(minerID, command, actor, status, details)
	}
}

// RecordPlanTransition forwards to members that record plan transitions.
func (m Multi) RecordPlanTransition(planID, status, actor string, stepsTotal, stepsFailed int) {
	for _, r := range m {
		if tr, ok := r.(interface {
			RecordPlanTransition(planID, status, actor string, stepsTotal, stepsFailed int)
		}); ok {
			tr.RecordPlanTransition(planID, status, actor, stepsTotal, stepsFailed)
		}
	}
}
