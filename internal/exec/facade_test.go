package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaypath/pipeflow/internal/config"
	"github.com/relaypath/pipeflow/internal/minidsl"
	"github.com/relaypath/pipeflow/internal/pferrors"
	"github.com/relaypath/pipeflow/internal/pipelinestore"
	"github.com/relaypath/pipeflow/internal/suspension"
)

func newTestFacade(t *testing.T) *Facade {
	store, err := pipelinestore.New(config.Store{MirrorDir: t.TempDir()}, zap.NewNop(), nil)
	require.NoError(t, err)
	suspStore := suspension.New(100, nil)
	return New(store, suspStore, minidsl.NewEngine(), minidsl.New(), nil, false, zap.NewNop())
}

func TestCompileDoesNotExecute(t *testing.T) {
	f := newTestFacade(t)
	resp, err := f.Compile(context.Background(), "in x: Int\nout x", "passthrough")
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "passthrough", resp.Name)
	require.NotEmpty(t, resp.StructuralHash)

	outcome, err := f.Execute(context.Background(), "passthrough", map[string]interface{}{"x": float64(7)})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, outcome.Status)
	require.Equal(t, int64(7), outcome.Outputs["x"])
}

func TestCompileWithoutNameDoesNotAlias(t *testing.T) {
	f := newTestFacade(t)
	resp, err := f.Compile(context.Background(), "in x: Int\nout x", "")
	require.NoError(t, err)
	require.Empty(t, resp.Name)

	_, err = f.Execute(context.Background(), "passthrough", nil)
	require.True(t, pferrors.Is(err, pferrors.KindNotFound))
}

func TestRunCompilesAndExecutesInOneCall(t *testing.T) {
	f := newTestFacade(t)
	outcome, err := f.Run(context.Background(), "in x: Int\nout x", map[string]interface{}{"x": float64(9)})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, outcome.Status)
	require.Equal(t, int64(9), outcome.Outputs["x"])
}

func TestSuspendThenResumeRoundTrip(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.Compile(context.Background(), "in x: Int\nin y: Int\nout x", "two-input")
	require.NoError(t, err)

	outcome, err := f.Execute(context.Background(), "two-input", map[string]interface{}{"x": float64(5)})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, outcome.Status)
	require.Contains(t, outcome.MissingInputs, "y")

	rec, ok := f.Get(outcome.ExecutionID)
	require.True(t, ok)
	firstCreatedAt := rec.CreatedAt
	require.False(t, firstCreatedAt.IsZero())

	resumed, err := f.Resume(context.Background(), outcome.ExecutionID, map[string]interface{}{"y": float64(7)}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, resumed.Status)
	require.Equal(t, int64(5), resumed.Outputs["x"])
	require.Equal(t, 1, resumed.ResumptionCount)

	require.Empty(t, f.List())
}

// TestResumePreservesCreatedAt reproduces a suspend/resume/resume chain and
// checks CreatedAt never moves, since §5's oldest-first eviction depends on
// it reflecting the record's true age rather than its last touch.
func TestResumePreservesCreatedAt(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.Compile(context.Background(), "in x: Int\nin y: Int\nout x", "two-input")
	require.NoError(t, err)

	outcome, err := f.Execute(context.Background(), "two-input", nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, outcome.Status)

	rec, ok := f.Get(outcome.ExecutionID)
	require.True(t, ok)
	originalCreatedAt := rec.CreatedAt
	require.False(t, originalCreatedAt.IsZero())

	resumed, err := f.Resume(context.Background(), outcome.ExecutionID, map[string]interface{}{"x": float64(1)}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, resumed.Status)

	recAfterFirstResume, ok := f.Get(outcome.ExecutionID)
	require.True(t, ok)
	require.Equal(t, originalCreatedAt, recAfterFirstResume.CreatedAt)

	final, err := f.Resume(context.Background(), outcome.ExecutionID, map[string]interface{}{"y": float64(2)}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
}
