package compute

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelframe/keel/internal/model"
	"github.com/keelframe/keel/internal/schedule"
)

func identityConfig(t *testing.T) *model.Config {
	t.Helper()
	cfg := &model.Config{
		Name:         "identity",
		MaxBatchSize: 8,
		Inputs: []model.TensorSpec{
			{Name: "x", Datatype: model.FP32, Shape: []int64{2}},
		},
		Outputs: []model.TensorSpec{
			{Name: "x", Datatype: model.FP32, Shape: []int64{2}},
			{Name: "aux", Datatype: model.INT32, Shape: []int64{-1}},
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func payloadFor(id string, batch int64) *schedule.Payload {
	return schedule.NewPayload(&model.InferenceRequest{
		ID:        id,
		BatchSize: int(batch),
		Inputs: []model.Tensor{{
			Name:     "x",
			Datatype: model.FP32,
			Shape:    []int64{batch, 2},
			Data:     []byte{1, 2, 3, 4, 5, 6, 7, 8},
		}},
	}, nil)
}

func TestReferenceEngineEchoesInputs(t *testing.T) {
	engine := NewReferenceEngine(identityConfig(t), nil)
	require.NoError(t, engine.InitRunner(context.Background(), 0))

	p := payloadFor("echo", 1)
	batch := &schedule.Batch{Payloads: []*schedule.Payload{p}, Size: 1}
	require.NoError(t, engine.Execute(context.Background(), 0, batch))

	require.NoError(t, p.ExecError())
	resp := p.Response()
	require.NotNil(t, resp)
	assert.Equal(t, "echo", resp.ID)
	require.Len(t, resp.Outputs, 2)

	assert.Equal(t, "x", resp.Outputs[0].Name)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, resp.Outputs[0].Data)

	// aux has no matching input: zero-filled, dynamic dim pinned to 1.
	assert.Equal(t, "aux", resp.Outputs[1].Name)
	assert.Equal(t, []int64{1, 1}, resp.Outputs[1].Shape)
	assert.Equal(t, make([]byte, 4), resp.Outputs[1].Data)
}

func TestReferenceEngineHonorsRequestedOutputs(t *testing.T) {
	engine := NewReferenceEngine(identityConfig(t), nil)
	require.NoError(t, engine.InitRunner(context.Background(), 0))

	p := payloadFor("subset", 1)
	p.Request().Outputs = []string{"x"}
	batch := &schedule.Batch{Payloads: []*schedule.Payload{p}, Size: 1}
	require.NoError(t, engine.Execute(context.Background(), 0, batch))

	resp := p.Response()
	require.NotNil(t, resp)
	require.Len(t, resp.Outputs, 1)
	assert.Equal(t, "x", resp.Outputs[0].Name)
}

func TestReferenceEnginePartialFailure(t *testing.T) {
	engine := NewReferenceEngine(identityConfig(t), nil)
	require.NoError(t, engine.InitRunner(context.Background(), 0))

	good := payloadFor("good", 1)
	bad := payloadFor("bad", 1)
	bad.Request().Outputs = []string{"bogus"}

	batch := &schedule.Batch{Payloads: []*schedule.Payload{bad, good}, Size: 2}
	require.NoError(t, engine.Execute(context.Background(), 0, batch))

	assert.ErrorIs(t, bad.ExecError(), ErrEngineExec)
	assert.Nil(t, bad.Response())
	assert.NoError(t, good.ExecError())
	assert.NotNil(t, good.Response())
}

func TestReferenceEngineRequiresInit(t *testing.T) {
	engine := NewReferenceEngine(identityConfig(t), nil)
	batch := &schedule.Batch{Payloads: []*schedule.Payload{payloadFor("r", 1)}, Size: 1}
	err := engine.Execute(context.Background(), 3, batch)
	assert.ErrorIs(t, err, ErrEngineUnavailable)

	require.NoError(t, engine.InitRunner(context.Background(), 1))
	assert.Error(t, engine.InitRunner(context.Background(), 1))
}

func TestShapeKeySeparatesShapeTensorValues(t *testing.T) {
	cfg := &model.Config{
		Name:         "shaped",
		MaxBatchSize: 4,
		Inputs: []model.TensorSpec{
			{Name: "x", Datatype: model.FP32, Shape: []int64{2}},
			{Name: "dims", Datatype: model.INT32, Shape: []int64{1}, IsShapeTensor: true},
		},
		Outputs: []model.TensorSpec{
			{Name: "x", Datatype: model.FP32, Shape: []int64{2}},
		},
	}
	require.NoError(t, cfg.Validate())

	mk := func(dims []byte) *schedule.Payload {
		return schedule.NewPayload(&model.InferenceRequest{
			ID:        "s",
			BatchSize: 1,
			Inputs: []model.Tensor{
				{Name: "x", Datatype: model.FP32, Shape: []int64{1, 2}, Data: make([]byte, 8)},
				{Name: "dims", Datatype: model.INT32, Shape: []int64{1, 1}, Data: dims},
			},
		}, nil)
	}

	a := ShapeKey(cfg, mk([]byte{7, 0, 0, 0}))
	b := ShapeKey(cfg, mk([]byte{7, 0, 0, 0}))
	c := ShapeKey(cfg, mk([]byte{9, 0, 0, 0}))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEmpty(t, a)

	plain := identityConfig(t)
	assert.Empty(t, ShapeKey(plain, payloadFor("p", 1)))
}
