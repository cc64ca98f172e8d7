package logging

import (
	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
	"github.com/gonzaloobispo/Bioengine-v3/internal/utils"
)

// Sink receives gateway events. Record must not block.
type Sink interface {
	Record(ev models.GatewayEvent)
}

// LogSink turns gateway events into structured log lines
type LogSink struct {
	logger *utils.Logger
}

func NewLogSink(logger *utils.Logger) *LogSink {
	if logger == nil {
		logger = utils.NewLogger("ModelGateway")
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ev models.GatewayEvent) {
	keyvals := []interface{}{
		"event", string(ev.Type),
		"provider", ev.Provider,
		"model", ev.Model,
	}
	if ev.Attempt > 0 {
		keyvals = append(keyvals, "attempt", ev.Attempt)
	}
	if ev.DelayMs > 0 {
		keyvals = append(keyvals, "delay_ms", ev.DelayMs)
	}
	if ev.From != "" {
		keyvals = append(keyvals, "from", ev.From)
	}
	if ev.Reason != "" {
		keyvals = append(keyvals, "reason", ev.Reason)
	}
	if ev.Error != "" {
		keyvals = append(keyvals, "error", ev.Error)
	}

	switch ev.Type {
	case models.EventError, models.EventExhausted, models.EventInterrupted:
		s.logger.Error("Gateway event", keyvals...)
	case models.EventRetry, models.EventSwitch, models.EventCostWarning:
		s.logger.Warn("Gateway event", keyvals...)
	case models.EventSkip:
		s.logger.Info("Gateway event", keyvals...)
	default:
		s.logger.Debug("Gateway event", keyvals...)
	}
}

// MultiSink fans an event out to several sinks
type MultiSink []Sink

func (m MultiSink) Record(ev models.GatewayEvent) {
	for _, s := range m {
		s.Record(ev)
	}
}

// NoopSink discards events
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Record(ev models.GatewayEvent) {}
