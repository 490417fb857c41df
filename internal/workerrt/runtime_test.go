package workerrt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/northbridge-io/taskgrid/internal/broker"
	"github.com/northbridge-io/taskgrid/internal/domain"
	"github.com/northbridge-io/taskgrid/internal/jobcore"
	"github.com/northbridge-io/taskgrid/internal/outbox"
	"github.com/northbridge-io/taskgrid/internal/platform/logger"
)

type fakeTransport struct {
	mu            sync.Mutex
	statuses      []broker.StatusUpdate
	logs          []broker.LogMessage
	heartbeats    []broker.Heartbeat
	registrations []broker.Registration
	publishErr    error
}

func (f *fakeTransport) Consume(context.Context, string, string) (<-chan amqp.Delivery, error) {
	ch := make(chan amqp.Delivery)
	close(ch)
	return ch, nil
}

func (f *fakeTransport) PublishStatusUpdate(_ context.Context, su broker.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.statuses = append(f.statuses, su)
	return nil
}

func (f *fakeTransport) PublishLog(_ context.Context, lm broker.LogMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.logs = append(f.logs, lm)
	return nil
}

func (f *fakeTransport) PublishHeartbeat(_ context.Context, hb broker.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, hb)
	return nil
}

func (f *fakeTransport) PublishRegistration(_ context.Context, reg broker.Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations = append(f.registrations, reg)
	return nil
}

func (f *fakeTransport) statusList() []broker.StatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.StatusUpdate(nil), f.statuses...)
}

func newRuntimeFixture(t *testing.T, ob *outbox.Outbox) (*Runtime, *fakeTransport, *Registry) {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	ft := &fakeTransport{}
	reg := NewRegistry()
	rt := New(Options{WorkerID: "worker-test", Prefetch: 2, DefaultTimeout: time.Minute}, ft, reg, ob, nil, log)
	return rt, ft, reg
}

func delivery(t *testing.T, msg broker.Message) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return amqp.Delivery{Body: body}
}

func testMessage(name string, payload string) broker.Message {
	return broker.Message{
		JobID:         "0a1b2c3d-4e5f-6a7b-8c9d-0e1f2a3b4c5d",
		CorrelationID: "7f8a3c1e-0b2d-4e5f-8a9b-1c2d3e4f5a6b",
		JobName:       name,
		JobData:       json.RawMessage(payload),
		JobVersion:    1,
		Attempt:       1,
		PublishedAt:   time.Now().UTC(),
	}
}

func TestHandle_SuccessPublishesRunningThenSucceeded(t *testing.T) {
	rt, ft, reg := newRuntimeFixture(t, nil)
	reg.Register("echo", func(ctx context.Context, jc *JobContext) (any, error) {
		jc.Heartbeat()
		jc.Log("info", "working", nil)
		return map[string]string{"ok": "yes"}, nil
	})

	rt.handle(context.Background(), delivery(t, testMessage("echo", `{}`)))

	statuses := ft.statusList()
	require.Len(t, statuses, 2)
	require.Equal(t, string(domain.OccurrenceRunning), statuses[0].Status)
	require.Equal(t, "worker-test", statuses[0].WorkerID)
	require.NotNil(t, statuses[0].StartTime)

	terminal := statuses[1]
	require.Equal(t, string(domain.OccurrenceSucceeded), terminal.Status)
	require.JSONEq(t, `{"ok":"yes"}`, terminal.Result)
	require.NotNil(t, terminal.EndTime)
	require.NotNil(t, terminal.DurationMs)
	require.Equal(t, terminal.EndTime.Sub(*terminal.StartTime).Milliseconds(), *terminal.DurationMs)

	require.Len(t, ft.logs, 1)
	require.Equal(t, "working", ft.logs[0].Log.Message)
	require.Equal(t, statuses[0].CorrelationID, ft.logs[0].CorrelationID)
}

func TestHandle_UnknownHandlerFailsPermanent(t *testing.T) {
	rt, ft, _ := newRuntimeFixture(t, nil)

	rt.handle(context.Background(), delivery(t, testMessage("nobody-home", `{}`)))

	statuses := ft.statusList()
	require.Len(t, statuses, 2)
	terminal := statuses[1]
	require.Equal(t, string(domain.OccurrenceFailed), terminal.Status)
	require.Equal(t, string(domain.FailurePermanent), terminal.FailureType)
	require.Contains(t, terminal.Exception, "no handler")
}

func TestHandle_HandlerErrorClassifiedByKind(t *testing.T) {
	rt, ft, reg := newRuntimeFixture(t, nil)
	reg.Register("poison", func(ctx context.Context, jc *JobContext) (any, error) {
		return nil, jobcore.E(jobcore.KindPoisoned, "unparseable input")
	})
	reg.Register("flaky", func(ctx context.Context, jc *JobContext) (any, error) {
		return nil, errors.New("connection reset")
	})

	rt.handle(context.Background(), delivery(t, testMessage("poison", `{}`)))
	rt.handle(context.Background(), delivery(t, testMessage("flaky", `{}`)))

	statuses := ft.statusList()
	require.Len(t, statuses, 4)
	require.Equal(t, string(domain.FailurePoisonPill), statuses[1].FailureType)
	require.Equal(t, string(domain.FailureTransient), statuses[3].FailureType)
}

func TestHandle_TimeoutEndsAsTimedOut(t *testing.T) {
	rt, ft, reg := newRuntimeFixture(t, nil)
	reg.Register("slow", func(ctx context.Context, jc *JobContext) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	msg := testMessage("slow", `{}`)
	msg.ExecutionTimeoutSec = 1
	rt.handle(context.Background(), delivery(t, msg))

	statuses := ft.statusList()
	require.Len(t, statuses, 2)
	require.Equal(t, string(domain.OccurrenceTimedOut), statuses[1].Status)
}

func TestHandle_PanicIsCaughtAndFailed(t *testing.T) {
	rt, ft, reg := newRuntimeFixture(t, nil)
	reg.Register("boom", func(ctx context.Context, jc *JobContext) (any, error) {
		panic("unexpected nil")
	})

	rt.handle(context.Background(), delivery(t, testMessage("boom", `{}`)))

	statuses := ft.statusList()
	require.Len(t, statuses, 2)
	require.Equal(t, string(domain.OccurrenceFailed), statuses[1].Status)
	require.Contains(t, statuses[1].Exception, "panic")
}

func TestPublishStatus_BuffersToOutboxOnBrokerFailure(t *testing.T) {
	log, err := logger.New("test")
	require.NoError(t, err)
	ob, err := outbox.Open(outbox.Options{Path: ":memory:", MaxAttempts: 3}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ob.Close() })

	rt, ft, _ := newRuntimeFixture(t, ob)
	ft.publishErr = errors.New("broker down")

	rt.publishStatus(context.Background(), broker.StatusUpdate{
		CorrelationID: "7f8a3c1e-0b2d-4e5f-8a9b-1c2d3e4f5a6b",
		Status:        string(domain.OccurrenceSucceeded),
	})

	// The envelope sits in the outbox; once the broker heals, the sink
	// replays it onto the status queue verbatim.
	ft.publishErr = nil
	published := 0
	delivered, dropped, err := ob.Flush(context.Background(), BrokerSink(publishBodyFunc(func(ctx context.Context, routingKey string, body []byte) error {
		published++
		require.Equal(t, broker.StatusRoutingKey, routingKey)
		var su broker.StatusUpdate
		require.NoError(t, json.Unmarshal(body, &su))
		require.Equal(t, string(domain.OccurrenceSucceeded), su.Status)
		return nil
	}), rt.log))
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	require.Equal(t, 0, dropped)
	require.Equal(t, 1, published)
}

type publishBodyFunc func(ctx context.Context, routingKey string, body []byte) error

func (f publishBodyFunc) PublishBody(ctx context.Context, routingKey string, body []byte) error {
	return f(ctx, routingKey, body)
}

func TestRegister_AdvertisesHandlers(t *testing.T) {
	rt, ft, reg := newRuntimeFixture(t, nil)
	reg.Register("report", func(ctx context.Context, jc *JobContext) (any, error) { return nil, nil })

	require.NoError(t, rt.Register(context.Background()))

	require.Len(t, ft.registrations, 1)
	r := ft.registrations[0]
	require.Equal(t, "worker-test", r.WorkerID)
	require.NotEmpty(t, r.InstanceID)
	require.Len(t, r.Handlers, 1)
	require.Equal(t, "report", r.Handlers[0].Name)
	require.Equal(t, "job.report", r.Handlers[0].RoutingPattern)
	require.Equal(t, 2, r.Handlers[0].MaxParallelJobs)
}
