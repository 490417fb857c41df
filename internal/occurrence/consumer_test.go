package occurrence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/northbridge-io/taskgrid/internal/broker"
	"github.com/northbridge-io/taskgrid/internal/domain"
)

func newTestConsumer(t *testing.T) (*Consumer, *Machine, *domain.JobOccurrence) {
	t.Helper()
	m, s, _ := newTestMachine(t)
	job := seedJob(t, s)
	occ := create(t, m, job)
	log := m.log
	return NewConsumer(m, nil, log), m, occ
}

func statusBody(t *testing.T, su broker.StatusUpdate) []byte {
	t.Helper()
	body, err := json.Marshal(su)
	require.NoError(t, err)
	return body
}

func TestApplyStatus_RunningThenSucceeded(t *testing.T) {
	c, m, occ := newTestConsumer(t)
	ctx := context.Background()

	require.NoError(t, c.applyStatus(ctx, statusBody(t, broker.StatusUpdate{
		CorrelationID: occ.CorrelationID.String(),
		JobID:         occ.JobID.String(),
		WorkerID:      "worker-1",
		Status:        string(domain.OccurrenceRunning),
	})))
	require.NoError(t, c.applyStatus(ctx, statusBody(t, broker.StatusUpdate{
		CorrelationID: occ.CorrelationID.String(),
		JobID:         occ.JobID.String(),
		WorkerID:      "worker-1",
		Status:        string(domain.OccurrenceSucceeded),
		Result:        `{"ok":true}`,
	})))

	got, err := m.store.GetOccurrence(dc(), occ.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OccurrenceSucceeded, got.Status)
	require.Equal(t, "worker-1", got.WorkerID)
	require.JSONEq(t, `{"ok":true}`, string(got.Result))
}

func TestApplyStatus_FailedCarriesClassification(t *testing.T) {
	c, m, occ := newTestConsumer(t)
	ctx := context.Background()

	require.NoError(t, c.applyStatus(ctx, statusBody(t, broker.StatusUpdate{
		CorrelationID: occ.CorrelationID.String(),
		Status:        string(domain.OccurrenceRunning),
		WorkerID:      "worker-1",
	})))
	require.NoError(t, c.applyStatus(ctx, statusBody(t, broker.StatusUpdate{
		CorrelationID: occ.CorrelationID.String(),
		Status:        string(domain.OccurrenceFailed),
		Exception:     "downstream 503",
		FailureType:   string(domain.FailureTransient),
	})))

	got, err := m.store.GetOccurrence(dc(), occ.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OccurrenceFailed, got.Status)
	require.Equal(t, "downstream 503", got.Error)
	require.Equal(t, domain.FailureTransient, got.FailureType)
}

func TestApplyStatus_RejectsGarbage(t *testing.T) {
	c, _, occ := newTestConsumer(t)
	ctx := context.Background()

	require.Error(t, c.applyStatus(ctx, []byte(`{not json`)))
	require.Error(t, c.applyStatus(ctx, statusBody(t, broker.StatusUpdate{
		CorrelationID: "not-a-uuid",
		Status:        string(domain.OccurrenceRunning),
	})))
	require.Error(t, c.applyStatus(ctx, statusBody(t, broker.StatusUpdate{
		CorrelationID: occ.CorrelationID.String(),
		Status:        "levitating",
	})))
}

func TestApplyLog_AppendsEnvelope(t *testing.T) {
	c, m, occ := newTestConsumer(t)
	ctx := context.Background()

	lm := broker.LogMessage{
		CorrelationID: occ.CorrelationID.String(),
		WorkerID:      "worker-1",
		Log: broker.LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     "warn",
			Message:   "slow downstream",
			Data:      json.RawMessage(`{"latency_ms":1400}`),
			Category:  "http",
		},
		MessageTimestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(lm)
	require.NoError(t, err)
	require.NoError(t, c.applyLog(ctx, body))

	logs, err := m.Logs(dc(), occ.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "warn", logs[0].Level)
	require.Equal(t, "slow downstream", logs[0].Message)
	require.Equal(t, "http", logs[0].Category)
	require.JSONEq(t, `{"latency_ms":1400}`, string(logs[0].Data))
}

func TestApplyLog_RejectsGarbage(t *testing.T) {
	c, _, _ := newTestConsumer(t)
	require.Error(t, c.applyLog(context.Background(), []byte(`{broken`)))
}
