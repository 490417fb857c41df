package occurrence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/northbridge-io/taskgrid/internal/broker"
	"github.com/northbridge-io/taskgrid/internal/domain"
	"github.com/northbridge-io/taskgrid/internal/platform/dbctx"
	"github.com/northbridge-io/taskgrid/internal/platform/logger"
)

// Deliveries is the broker surface the consumer needs: a manual-ack
// delivery stream per queue.
type Deliveries interface {
	Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error)
}

// Consumer drains the status-update and worker-log queues into the state
// machine. Status envelopes apply the transition named by their status
// field; log envelopes append to the occurrence's log list keyed by
// correlation id. Envelopes that cannot be parsed are dropped with a nack
// (poisoned); state violations inside the machine are logged there and the
// delivery is still acked, because redelivering an illegal transition can
// never make it legal.
type Consumer struct {
	machine *Machine
	broker  Deliveries
	log     *logger.Logger
}

func NewConsumer(m *Machine, b Deliveries, log *logger.Logger) *Consumer {
	return &Consumer{machine: m, broker: b, log: log.With("component", "status-consumer")}
}

// RunStatusUpdates blocks, applying status envelopes until ctx is canceled.
func (c *Consumer) RunStatusUpdates(ctx context.Context) error {
	deliveries, err := c.broker.Consume(ctx, broker.StatusUpdatesQueue, "taskgrid-status-consumer")
	if err != nil {
		return fmt.Errorf("occurrence: consume status updates: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := c.applyStatus(ctx, d.Body); err != nil {
				c.log.Error("drop unusable status update", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// RunLogs blocks, appending log envelopes until ctx is canceled.
func (c *Consumer) RunLogs(ctx context.Context) error {
	deliveries, err := c.broker.Consume(ctx, broker.WorkerLogsQueue, "taskgrid-logs-consumer")
	if err != nil {
		return fmt.Errorf("occurrence: consume logs: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := c.applyLog(ctx, d.Body); err != nil {
				c.log.Error("drop unusable log message", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *Consumer) applyStatus(ctx context.Context, body []byte) error {
	var su broker.StatusUpdate
	if err := json.Unmarshal(body, &su); err != nil {
		return fmt.Errorf("unmarshal status update: %w", err)
	}
	id, err := uuid.Parse(su.CorrelationID)
	if err != nil {
		return fmt.Errorf("invalid correlation id %q: %w", su.CorrelationID, err)
	}
	dc := dbctx.Context{Ctx: ctx}
	switch domain.OccurrenceStatus(su.Status) {
	case domain.OccurrenceRunning:
		return c.machine.Start(dc, id, su.WorkerID)
	case domain.OccurrenceSucceeded:
		return c.machine.Succeed(dc, id, []byte(su.Result))
	case domain.OccurrenceFailed:
		return c.machine.Fail(dc, id, su.Exception, domain.FailureType(su.FailureType))
	case domain.OccurrenceTimedOut:
		return c.machine.TimeOut(dc, id, su.Exception)
	case domain.OccurrenceCanceled:
		return c.machine.Cancel(dc, id, su.Exception)
	default:
		return fmt.Errorf("status update with unexpected status %q", su.Status)
	}
}

func (c *Consumer) applyLog(ctx context.Context, body []byte) error {
	var lm broker.LogMessage
	if err := json.Unmarshal(body, &lm); err != nil {
		return fmt.Errorf("unmarshal log message: %w", err)
	}
	id, err := uuid.Parse(lm.CorrelationID)
	if err != nil {
		return fmt.Errorf("invalid correlation id %q: %w", lm.CorrelationID, err)
	}
	ts := lm.Log.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return c.machine.AppendLog(dbctx.Context{Ctx: ctx}, &domain.OccurrenceLog{
		OccurrenceID:  id,
		WorkerID:      lm.WorkerID,
		Timestamp:     ts,
		Level:         lm.Log.Level,
		Message:       lm.Log.Message,
		Data:          []byte(lm.Log.Data),
		Category:      lm.Log.Category,
		ExceptionType: lm.Log.ExceptionType,
	})
}
