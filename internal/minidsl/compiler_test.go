package minidsl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaypath/pipeflow/internal/pipeline"
)

func TestCompilePassthrough(t *testing.T) {
	c := New()
	result, err := c.Compile(context.Background(), "in x: Int\nout x")
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.NotNil(t, result.Image)
	require.Equal(t, []string{"x"}, result.Image.DeclaredOutputs)
	require.Equal(t, pipeline.KindInt, result.Image.DeclaredInputs["x"].Kind)
}

func TestCompileSameSignatureSameStructuralHash(t *testing.T) {
	c := New()
	a, err := c.Compile(context.Background(), "in x: Int\nout x")
	require.NoError(t, err)
	b, err := c.Compile(context.Background(), "in x: Int\n\nout x\n")
	require.NoError(t, err)
	require.Equal(t, a.Image.StructuralHash, b.Image.StructuralHash)
}

func TestCompileDifferentSignatureDifferentStructuralHash(t *testing.T) {
	c := New()
	h1, err := c.Compile(context.Background(), "in x: Int\nout x")
	require.NoError(t, err)
	h2, err := c.Compile(context.Background(), "in x: Int\nin y: Int\nout x")
	require.NoError(t, err)
	require.NotEqual(t, h1.Image.StructuralHash, h2.Image.StructuralHash)
}

func TestCompileUnknownOutputIsDiagnostic(t *testing.T) {
	c := New()
	result, err := c.Compile(context.Background(), "in x: Int\nout y")
	require.NoError(t, err)
	require.Nil(t, result.Image)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0].Message, "y")
}

func TestCompileNoOutputsIsDiagnostic(t *testing.T) {
	c := New()
	result, err := c.Compile(context.Background(), "in x: Int")
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
}

func TestSyntacticHashIgnoresWhitespace(t *testing.T) {
	c := New()
	require.Equal(t, c.SyntacticHash("in x: Int\nout x"), c.SyntacticHash("  in x: Int  \n\n  out x  "))
	require.NotEqual(t, c.SyntacticHash("in x: Int\nout x"), c.SyntacticHash("in y: Int\nout y"))
}
