// Package engine declares the contracts the core consumes from the two
// external collaborators spec.md places out of scope: the DSL compiler and
// the graph execution engine. Neither is implemented here; this package
// exists so internal/exec, internal/loader, and internal/reload have a
// stable interface to depend on and to fake in tests.
package engine

import (
	"context"

	"github.com/relaypath/pipeflow/internal/pipeline"
)

// CompileError carries one compiler diagnostic.
type CompileError struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CompileResult is what the compiler returns for one source text.
type CompileResult struct {
	Image  *pipeline.Image
	Errors []CompileError
}

// Compiler compiles DSL source text into a PipelineImage. Implementations
// are expected to be pure functions of the normalized source text plus
// whatever standard-library/stdlib-function catalog is linked in — neither
// concern is modeled here.
type Compiler interface {
	Compile(ctx context.Context, source string) (*CompileResult, error)
	// SyntacticHash derives the syntactic hash of a source text without a
	// full compile, used by the loader and reload coordinator to
	// short-circuit recompilation via PipelineStore.LookupSyntactic.
	SyntacticHash(source string) string
}

// Value is an already-typed value produced by converting JSON input
// against a pipeline.TypeDescriptor (see internal/exec/convert.go). The
// engine never sees raw JSON.
type Value = interface{}

// RunResult is what the engine returns for one (image, inputs) invocation
// in lenient mode: it may complete every declared output, or it may report
// a subset of nodes it could not evaluate along with the inputs it still
// needs to make progress.
type RunResult struct {
	Outputs        map[string]Value                    `json:"outputs"`
	ResolvedNodes  map[string]Value                     `json:"resolved_nodes"`
	MissingInputs  map[string]pipeline.TypeDescriptor    `json:"missing_inputs"`
	PendingOutputs []string                              `json:"pending_outputs"`
}

// Complete reports whether every declared output of img was produced.
func (r *RunResult) Complete(img *pipeline.Image) bool {
	if r == nil {
		return false
	}
	for _, name := range img.DeclaredOutputs {
		if _, ok := r.Outputs[name]; !ok {
			return false
		}
	}
	return true
}

// Engine walks a compiled graph given a (possibly partial) input map and
// a set of already-resolved node values carried over from a prior
// suspension. Lenient mode means: converted inputs are passed, missing
// ones are simply absent, and the engine is expected to make as much
// progress as it can rather than failing outright.
type Engine interface {
	Run(ctx context.Context, img *pipeline.Image, inputs map[string]Value, resolvedNodes map[string]Value) (*RunResult, error)
}
