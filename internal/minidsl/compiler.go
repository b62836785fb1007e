// Package minidsl is the minimal reference compiler and engine for the
// tiny declare-and-passthrough DSL used throughout spec.md's worked
// examples (`in x: Int` / `out x`). The real DSL compiler and execution
// engine are explicitly out of scope (spec.md §1 Non-goals); this package
// exists only so cmd/pipeflowd has something real to run end to end — it
// is not meant to be a general-purpose language.
//
// Grammar, one statement per line:
//
//	in <name>: <Type>
//	out <name>
//
// Type is one of Int, Float, String, Bool. An `out` line names a
// previously declared input; its value is passed through unchanged.
package minidsl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/relaypath/pipeflow/internal/engine"
	"github.com/relaypath/pipeflow/internal/pipeline"
)

const (
	prefixIn  = "in "
	prefixOut = "out "
)

// Compiler implements engine.Compiler for the passthrough DSL.
type Compiler struct{}

func New() *Compiler {
	return &Compiler{}
}

// SyntacticHash hashes the source text after trimming and dropping blank
// lines, so whitespace-only edits don't defeat the loader's dedup index.
func (c *Compiler) SyntacticHash(source string) string {
	sum := sha256.Sum256([]byte(normalize(source)))
	return hex.EncodeToString(sum[:])
}

func normalize(source string) string {
	lines := strings.Split(source, "\n")
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, "\n")
}

// parseResult holds the declared inputs, their declaration order, and the
// declared outputs of a successfully parsed source.
type parseResult struct {
	inputs  map[string]pipeline.TypeDescriptor
	order   []string // declaration order, for a stable structural hash
	outputs []string
}

func parse(source string) (*parseResult, []diagnosticError) {
	result := &parseResult{inputs: map[string]pipeline.TypeDescriptor{}}
	var diags []diagnosticError

	for i, raw := range strings.Split(source, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, prefixIn):
			name, desc, err := parseInLine(strings.TrimPrefix(line, prefixIn))
			if err != nil {
				diags = append(diags, diagnosticError{Line: i + 1, Message: err.Error()})
				continue
			}
			if _, dup := result.inputs[name]; dup {
				diags = append(diags, diagnosticError{Line: i + 1, Message: fmt.Sprintf("duplicate input %q", name)})
				continue
			}
			result.inputs[name] = desc
			result.order = append(result.order, name)
		case strings.HasPrefix(line, prefixOut):
			name := strings.TrimSpace(strings.TrimPrefix(line, prefixOut))
			if _, ok := result.inputs[name]; !ok {
				diags = append(diags, diagnosticError{Line: i + 1, Message: fmt.Sprintf("output %q has no matching input", name)})
				continue
			}
			result.outputs = append(result.outputs, name)
		default:
			diags = append(diags, diagnosticError{Line: i + 1, Message: fmt.Sprintf("unrecognized statement: %q", line)})
		}
	}

	if len(result.outputs) == 0 && len(diags) == 0 {
		diags = append(diags, diagnosticError{Line: 0, Message: "pipeline declares no outputs"})
	}

	return result, diags
}

type diagnosticError struct {
	Line    int
	Message string
}

func parseInLine(rest string) (string, pipeline.TypeDescriptor, error) {
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return "", pipeline.TypeDescriptor{}, fmt.Errorf("expected \"name: Type\", got %q", rest)
	}
	name := strings.TrimSpace(parts[0])
	typeName := strings.TrimSpace(parts[1])
	if name == "" {
		return "", pipeline.TypeDescriptor{}, fmt.Errorf("empty input name")
	}

	kind, err := parseKind(typeName)
	if err != nil {
		return "", pipeline.TypeDescriptor{}, err
	}
	return name, pipeline.TypeDescriptor{Kind: kind}, nil
}

func parseKind(typeName string) (pipeline.TypeKind, error) {
	switch typeName {
	case "Int":
		return pipeline.KindInt, nil
	case "Float":
		return pipeline.KindFloat, nil
	case "String":
		return pipeline.KindString, nil
	case "Bool":
		return pipeline.KindBool, nil
	default:
		return "", fmt.Errorf("unknown type %q", typeName)
	}
}

// structuralHash hashes the canonical (sorted) input/output signature, so
// two sources that declare the same inputs and outputs in a different
// order or under different whitespace compile to the same identity, while
// any change to the declared signature changes it.
func structuralHash(r *parseResult) string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "in:%s:%s;", name, r.inputs[name].Kind)
	}
	outs := append([]string(nil), r.outputs...)
	sort.Strings(outs)
	for _, name := range outs {
		fmt.Fprintf(&b, "out:%s;", name)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// graphPayload is the opaque Image.Graph this compiler produces — just
// enough for Engine (in this package) to replay the passthrough mapping.
type graphPayload struct {
	Outputs []string `json:"outputs"`
}

// Compile implements engine.Compiler. Diagnostics are returned as
// engine.CompileError entries rather than a Go error; a Go error return is
// reserved for failures outside the source text itself (none occur here).
func (c *Compiler) Compile(ctx context.Context, source string) (*engine.CompileResult, error) {
	parsed, diags := parse(source)
	if len(diags) > 0 {
		errs := make([]engine.CompileError, 0, len(diags))
		for _, d := range diags {
			errs = append(errs, engine.CompileError{Line: d.Line, Code: "minidsl", Message: d.Message})
		}
		return &engine.CompileResult{Errors: errs}, nil
	}

	graph, err := json.Marshal(graphPayload{Outputs: parsed.outputs})
	if err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}

	img := &pipeline.Image{
		StructuralHash:  structuralHash(parsed),
		SyntacticHash:   c.SyntacticHash(source),
		CompiledAt:      time.Now(),
		DeclaredInputs:  parsed.inputs,
		DeclaredOutputs: parsed.outputs,
		ModuleCount:     1,
		Graph:           graph,
	}

	return &engine.CompileResult{Image: img}, nil
}
