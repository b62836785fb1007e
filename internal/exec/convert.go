// Package exec implements the execution façade (§4.6 first half):
// JSON-to-typed-value conversion, lenient-mode engine invocation, and
// Completed/Suspended/Failed classification.
package exec

import (
	"fmt"

	"github.com/relaypath/pipeflow/internal/pferrors"
	"github.com/relaypath/pipeflow/internal/pipeline"
)

// ConvertInputs converts a raw JSON-decoded input map against the image's
// declared input descriptors. Unconverted (missing) names are simply
// absent from the result map — lenient mode never fails on missing
// inputs, only on type mismatches for inputs that ARE present.
func ConvertInputs(declared map[string]pipeline.TypeDescriptor, raw map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(raw))
	for name, value := range raw {
		descriptor, known := declared[name]
		if !known {
			// Unknown inputs are passed through; the engine is the
			// authority on whether a name it doesn't recognize matters.
			out[name] = value
			continue
		}
		converted, err := convertValue(descriptor, value, name)
		if err != nil {
			return nil, err
		}
		out[name] = converted
	}
	return out, nil
}

// convertValue is the table-driven "convert by descriptor variant"
// function over the closed sum type Primitive | List | Record | Optional
// | Map | Union (§9 design notes).
func convertValue(d pipeline.TypeDescriptor, v interface{}, field string) (interface{}, error) {
	if v == nil {
		if d.Kind == pipeline.KindOptional {
			return nil, nil
		}
		return nil, pferrors.InputTypeMismatch(field, fmt.Sprintf("expected %s, got null", d.Kind))
	}

	switch d.Kind {
	case pipeline.KindInt:
		return asInt(v, field)
	case pipeline.KindFloat:
		return asFloat(v, field)
	case pipeline.KindString:
		s, ok := v.(string)
		if !ok {
			return nil, pferrors.InputTypeMismatch(field, "expected String")
		}
		return s, nil
	case pipeline.KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, pferrors.InputTypeMismatch(field, "expected Bool")
		}
		return b, nil
	case pipeline.KindOptional:
		if d.Elem == nil {
			return nil, pferrors.InputTypeMismatch(field, "Optional descriptor missing element type")
		}
		return convertValue(*d.Elem, v, field)
	case pipeline.KindList:
		arr, ok := v.([]interface{})
		if !ok {
			return nil, pferrors.InputTypeMismatch(field, "expected List")
		}
		if d.Elem == nil {
			return nil, pferrors.InputTypeMismatch(field, "List descriptor missing element type")
		}
		out := make([]interface{}, len(arr))
		for i, item := range arr {
			converted, err := convertValue(*d.Elem, item, fmt.Sprintf("%s[%d]", field, i))
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	case pipeline.KindMap:
		obj, ok := v.(map[string]interface{})
		if !ok {
			return nil, pferrors.InputTypeMismatch(field, "expected Map")
		}
		if d.Elem == nil {
			return nil, pferrors.InputTypeMismatch(field, "Map descriptor missing value type")
		}
		out := make(map[string]interface{}, len(obj))
		for k, item := range obj {
			converted, err := convertValue(*d.Elem, item, fmt.Sprintf("%s.%s", field, k))
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case pipeline.KindRecord:
		obj, ok := v.(map[string]interface{})
		if !ok {
			return nil, pferrors.InputTypeMismatch(field, "expected Record")
		}
		out := make(map[string]interface{}, len(d.Fields))
		for fieldName, fieldDescriptor := range d.Fields {
			fieldValue, present := obj[fieldName]
			if !present {
				continue
			}
			converted, err := convertValue(fieldDescriptor, fieldValue, field+"."+fieldName)
			if err != nil {
				return nil, err
			}
			out[fieldName] = converted
		}
		return out, nil
	case pipeline.KindUnion:
		var lastErr error
		for _, variant := range d.Variants {
			converted, err := convertValue(variant, v, field)
			if err == nil {
				return converted, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = pferrors.InputTypeMismatch(field, "Union descriptor has no variants")
		}
		return nil, lastErr
	default:
		return nil, pferrors.InputTypeMismatch(field, fmt.Sprintf("unknown type kind %q", d.Kind))
	}
}

func asInt(v interface{}, field string) (interface{}, error) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return nil, pferrors.InputTypeMismatch(field, "expected Int, got non-integral number")
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return nil, pferrors.InputTypeMismatch(field, "expected Int")
	}
}

func asFloat(v interface{}, field string) (interface{}, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return nil, pferrors.InputTypeMismatch(field, "expected Float")
	}
}
