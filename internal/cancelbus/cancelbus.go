// Package cancelbus is the cancellation pub/sub used to tell a worker
// instance to abort an in-flight occurrence. Every worker subscribes;
// whichever instance is running the named occurrence cancels its scope
// and reports the outcome as a status update.
package cancelbus

import (
	"context"
	"fmt"

	"github.com/northbridge-io/taskgrid/internal/kv"
	"github.com/northbridge-io/taskgrid/internal/platform/logger"
)

// Bus publishes and forwards occurrence cancellation requests.
type Bus interface {
	Publish(ctx context.Context, occurrenceID string) error
	StartForwarder(ctx context.Context, onCancel func(occurrenceID string)) error
}

type bus struct {
	kv  *kv.Client
	log *logger.Logger
}

// New returns a Bus backed by the given KV client's cancel pub/sub channel.
func New(kvClient *kv.Client, log *logger.Logger) Bus {
	return &bus{kv: kvClient, log: log.With("component", "cancelbus")}
}

func (b *bus) Publish(ctx context.Context, occurrenceID string) error {
	if b == nil || b.kv == nil {
		return fmt.Errorf("cancelbus not initialized")
	}
	return b.kv.PublishCancel(ctx, occurrenceID)
}

// StartForwarder subscribes to the cancellation channel and invokes onCancel
// for every message received, until ctx is canceled. It blocks until the
// subscription is confirmed, then forwards in a background goroutine.
func (b *bus) StartForwarder(ctx context.Context, onCancel func(occurrenceID string)) error {
	if b == nil || b.kv == nil {
		return fmt.Errorf("cancelbus not initialized")
	}
	if onCancel == nil {
		return fmt.Errorf("onCancel callback required")
	}

	sub := b.kv.SubscribeCancel(ctx)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("cancelbus: subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				onCancel(m.Payload)
			}
		}
	}()

	return nil
}
