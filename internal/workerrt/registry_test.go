package workerrt

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register("report", func(ctx context.Context, jc *JobContext) (any, error) {
		return "done", nil
	})

	h, err := reg.Lookup("report")
	require.NoError(t, err)
	require.NotNil(t, h)

	_, err = reg.Lookup("missing")
	assert.Error(t, err)
}

func TestRegistry_ReplaceBinding(t *testing.T) {
	reg := NewRegistry()
	reg.Register("x", func(ctx context.Context, jc *JobContext) (any, error) { return 1, nil })
	reg.Register("x", func(ctx context.Context, jc *JobContext) (any, error) { return 2, nil })

	h, err := reg.Lookup("x")
	require.NoError(t, err)
	res, err := h(context.Background(), &JobContext{})
	require.NoError(t, err)
	assert.Equal(t, 2, res)
}

func TestRegistry_JobTypes(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", func(ctx context.Context, jc *JobContext) (any, error) { return nil, nil })
	reg.Register("b", func(ctx context.Context, jc *JobContext) (any, error) { return nil, nil })
	assert.ElementsMatch(t, []string{"a", "b"}, reg.JobTypes())
}

func TestJobContext_BindPayload(t *testing.T) {
	jc := &JobContext{Payload: json.RawMessage(`{"name":"n","count":7}`)}
	var dst struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, jc.BindPayload(&dst))
	assert.Equal(t, "n", dst.Name)
	assert.Equal(t, 7, dst.Count)
}

func TestJobContext_BindPayload_EmptyIsNoop(t *testing.T) {
	jc := &JobContext{}
	var dst map[string]any
	require.NoError(t, jc.BindPayload(&dst))
	assert.Nil(t, dst)
}

func TestJobContext_BindPayload_InvalidJSON(t *testing.T) {
	jc := &JobContext{Payload: json.RawMessage(`{not json`)}
	var dst map[string]any
	assert.Error(t, jc.BindPayload(&dst))
}
