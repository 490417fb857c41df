package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbridge-io/taskgrid/internal/jobcore"
	"github.com/northbridge-io/taskgrid/internal/workerrt"
)

func TestRegister_InstallsBuiltins(t *testing.T) {
	reg := workerrt.NewRegistry()
	Register(reg)
	assert.ElementsMatch(t, []string{"default", "sleep"}, reg.JobTypes())
}

func TestEcho_ReturnsMessage(t *testing.T) {
	jc := &workerrt.JobContext{Payload: json.RawMessage(`{"message":"ping"}`)}
	res, err := Echo(context.Background(), jc)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"echo": "ping"}, res)
}

func TestEcho_InvalidPayloadIsPermanent(t *testing.T) {
	jc := &workerrt.JobContext{Payload: json.RawMessage(`{broken`)}
	_, err := Echo(context.Background(), jc)
	require.Error(t, err)
	assert.True(t, jobcore.IsPermanent(err))
}

func TestSleep_CompletesShortSleep(t *testing.T) {
	jc := &workerrt.JobContext{Payload: json.RawMessage(`{"duration":"10ms"}`)}
	res, err := Sleep(context.Background(), jc)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"slept": "10ms"}, res)
}

func TestSleep_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	jc := &workerrt.JobContext{Payload: json.RawMessage(`{"duration":"30s"}`)}

	done := make(chan error, 1)
	go func() {
		_, err := Sleep(ctx, jc)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep handler ignored cancellation")
	}
}

func TestSleep_RejectsBadDuration(t *testing.T) {
	for _, payload := range []string{`{"duration":"banana"}`, `{"duration":"-5s"}`, `{}`} {
		jc := &workerrt.JobContext{Payload: json.RawMessage(payload)}
		_, err := Sleep(context.Background(), jc)
		require.Error(t, err, "payload %s", payload)
		assert.True(t, jobcore.IsPermanent(err))
	}
}
