package workerrt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/northbridge-io/taskgrid/internal/broker"
	"github.com/northbridge-io/taskgrid/internal/outbox"
	"github.com/northbridge-io/taskgrid/internal/platform/logger"
)

// publishStatus sends one status envelope, buffering it into the outbox
// when the broker is unreachable so the syncer can deliver it later. The
// scheduler applies status updates idempotently, so an envelope that was
// in fact published but whose confirm was lost is harmless to replay.
func (r *Runtime) publishStatus(ctx context.Context, su broker.StatusUpdate) {
	su.MessageTimestamp = time.Now().UTC()
	err := r.broker.PublishStatusUpdate(ctx, su)
	if err == nil {
		return
	}
	r.log.Warn("status publish failed, buffering to outbox",
		"correlation_id", su.CorrelationID, "status", su.Status, "error", err)
	r.buffer(ctx, "status", su.CorrelationID, su)
}

// publishJobLog sends one structured log line for a running occurrence,
// with the same outbox fallback as status updates.
func (r *Runtime) publishJobLog(ctx context.Context, msg broker.Message, level, message string, data any) {
	var raw json.RawMessage
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			raw = b
		}
	}
	lm := broker.LogMessage{
		CorrelationID: msg.CorrelationID,
		WorkerID:      r.opts.WorkerID,
		Log: broker.LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     level,
			Message:   message,
			Data:      raw,
		},
		MessageTimestamp: time.Now().UTC(),
	}
	err := r.broker.PublishLog(ctx, lm)
	if err == nil {
		return
	}
	r.log.Warn("log publish failed, buffering to outbox",
		"correlation_id", msg.CorrelationID, "error", err)
	r.buffer(ctx, "log", msg.CorrelationID, lm)
}

func (r *Runtime) buffer(ctx context.Context, kind, correlationID string, envelope any) {
	if r.outbox == nil {
		return
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		r.log.Error("marshal outbox envelope failed", "kind", kind, "correlation_id", correlationID, "error", err)
		return
	}
	if err := r.outbox.Enqueue(ctx, outbox.Entry{
		OccurrenceID: correlationID,
		Kind:         kind,
		Payload:      string(payload),
	}); err != nil {
		r.log.Error("outbox enqueue failed, envelope lost", "kind", kind, "correlation_id", correlationID, "error", err)
	}
}

// EnvelopePublisher is the broker surface the outbox syncer needs to
// re-send already-marshaled envelopes.
type EnvelopePublisher interface {
	PublishBody(ctx context.Context, routingKey string, body []byte) error
}

// BrokerSink adapts the broker into an outbox.Sink: buffered status and
// log envelopes are re-published onto their queues verbatim. Entries of
// unknown kind are logged and treated as delivered so one bad record can't
// wedge the pipeline.
func BrokerSink(pub EnvelopePublisher, log *logger.Logger) outbox.Sink {
	return func(ctx context.Context, e outbox.Entry) error {
		var routingKey string
		switch e.Kind {
		case "status":
			routingKey = broker.StatusRoutingKey
		case "log":
			routingKey = broker.LogsRoutingKey
		default:
			log.Warn("skipping outbox entry of unknown kind", "kind", e.Kind, "occurrence_id", e.OccurrenceID)
			return nil
		}
		return pub.PublishBody(ctx, routingKey, []byte(e.Payload))
	}
}
