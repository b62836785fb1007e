package minidsl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScenarioS1CompileExecute pins spec.md's first worked example: a
// single declared input passed straight through to the same-named output.
func TestScenarioS1CompileExecute(t *testing.T) {
	c := New()
	e := NewEngine()

	result, err := c.Compile(context.Background(), "in x: Int\nout x")
	require.NoError(t, err)
	require.NotNil(t, result.Image)

	run, err := e.Run(context.Background(), result.Image, map[string]interface{}{"x": 42}, nil)
	require.NoError(t, err)
	require.True(t, run.Complete(result.Image))
	require.Equal(t, 42, run.Outputs["x"])
}

// TestScenarioS3SuspensionRoundTrip pins spec.md's suspend/resume example:
// a pipeline that declares two inputs but only emits one of them still
// suspends until every declared input arrives.
func TestScenarioS3SuspensionRoundTrip(t *testing.T) {
	c := New()
	e := NewEngine()

	result, err := c.Compile(context.Background(), "in x: Int\nin y: Int\nout x")
	require.NoError(t, err)

	first, err := e.Run(context.Background(), result.Image, map[string]interface{}{"x": 5}, nil)
	require.NoError(t, err)
	require.False(t, first.Complete(result.Image))
	require.Contains(t, first.MissingInputs, "y")

	second, err := e.Run(context.Background(), result.Image, map[string]interface{}{"x": 5, "y": 7}, first.ResolvedNodes)
	require.NoError(t, err)
	require.True(t, second.Complete(result.Image))
	require.Equal(t, 5, second.Outputs["x"])
}
