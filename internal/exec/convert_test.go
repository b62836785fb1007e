package exec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaypath/pipeflow/internal/pferrors"
	"github.com/relaypath/pipeflow/internal/pipeline"
)

func TestConvertInputsPrimitives(t *testing.T) {
	declared := map[string]pipeline.TypeDescriptor{
		"x": {Kind: pipeline.KindInt},
		"y": {Kind: pipeline.KindString},
		"z": {Kind: pipeline.KindBool},
	}
	out, err := ConvertInputs(declared, map[string]interface{}{
		"x": float64(42),
		"y": "hi",
		"z": true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(42), out["x"])
	require.Equal(t, "hi", out["y"])
	require.Equal(t, true, out["z"])
}

func TestConvertInputsIntMismatch(t *testing.T) {
	declared := map[string]pipeline.TypeDescriptor{"x": {Kind: pipeline.KindInt}}
	_, err := ConvertInputs(declared, map[string]interface{}{"x": "not a number"})
	require.True(t, pferrors.Is(err, pferrors.KindInputTypeMismatch))
}

func TestConvertInputsNonIntegralFloatRejectedAsInt(t *testing.T) {
	declared := map[string]pipeline.TypeDescriptor{"x": {Kind: pipeline.KindInt}}
	_, err := ConvertInputs(declared, map[string]interface{}{"x": 1.5})
	require.True(t, pferrors.Is(err, pferrors.KindInputTypeMismatch))
}

func TestConvertInputsOptionalAcceptsNull(t *testing.T) {
	intType := pipeline.TypeDescriptor{Kind: pipeline.KindInt}
	declared := map[string]pipeline.TypeDescriptor{
		"x": {Kind: pipeline.KindOptional, Elem: &intType},
	}
	out, err := ConvertInputs(declared, map[string]interface{}{"x": nil})
	require.NoError(t, err)
	require.Nil(t, out["x"])
}

func TestConvertInputsList(t *testing.T) {
	intType := pipeline.TypeDescriptor{Kind: pipeline.KindInt}
	declared := map[string]pipeline.TypeDescriptor{
		"xs": {Kind: pipeline.KindList, Elem: &intType},
	}
	out, err := ConvertInputs(declared, map[string]interface{}{
		"xs": []interface{}{float64(1), float64(2), float64(3)},
	})
	require.NoError(t, err)
	require.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, out["xs"])
}

func TestConvertInputsRecord(t *testing.T) {
	declared := map[string]pipeline.TypeDescriptor{
		"point": {
			Kind: pipeline.KindRecord,
			Fields: map[string]pipeline.TypeDescriptor{
				"x": {Kind: pipeline.KindInt},
				"y": {Kind: pipeline.KindInt},
			},
		},
	}
	out, err := ConvertInputs(declared, map[string]interface{}{
		"point": map[string]interface{}{"x": float64(1), "y": float64(2)},
	})
	require.NoError(t, err)
	record := out["point"].(map[string]interface{})
	require.Equal(t, int64(1), record["x"])
	require.Equal(t, int64(2), record["y"])
}

func TestConvertInputsUnionTriesEachVariant(t *testing.T) {
	declared := map[string]pipeline.TypeDescriptor{
		"v": {Kind: pipeline.KindUnion, Variants: []pipeline.TypeDescriptor{
			{Kind: pipeline.KindInt},
			{Kind: pipeline.KindString},
		}},
	}
	out, err := ConvertInputs(declared, map[string]interface{}{"v": "hello"})
	require.NoError(t, err)
	require.Equal(t, "hello", out["v"])
}
