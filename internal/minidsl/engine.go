package minidsl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaypath/pipeflow/internal/engine"
	"github.com/relaypath/pipeflow/internal/pipeline"
)

// Engine implements engine.Engine for the passthrough DSL. Every output
// the graph declares shares the same single node: it requires every
// declared input to be present before it can resolve any of them, which
// is what makes two-input pipelines with a single output still suspend
// on a missing unrelated input (the graph has no way to know an output
// doesn't need an input it wasn't told to ignore).
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) Run(ctx context.Context, img *pipeline.Image, inputs map[string]engine.Value, resolvedNodes map[string]engine.Value) (*engine.RunResult, error) {
	var graph graphPayload
	if err := json.Unmarshal(img.Graph, &graph); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}

	missing := make(map[string]pipeline.TypeDescriptor)
	for name, desc := range img.DeclaredInputs {
		if _, ok := inputs[name]; !ok {
			missing[name] = desc
		}
	}

	if len(missing) > 0 {
		return &engine.RunResult{
			ResolvedNodes:  resolvedNodes,
			MissingInputs:  missing,
			PendingOutputs: graph.Outputs,
		}, nil
	}

	outputs := make(map[string]engine.Value, len(graph.Outputs))
	for _, name := range graph.Outputs {
		outputs[name] = inputs[name]
	}

	return &engine.RunResult{Outputs: outputs}, nil
}
