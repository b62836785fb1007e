// Package suspension implements the SuspensionStore (§4.6 second half): a
// durable, bounded map from execution id to a resumable execution record.
package suspension

import (
	"time"

	"github.com/relaypath/pipeflow/internal/pipeline"
)

// Record is a SuspensionRecord (§3). Identity is ExecutionID; immutable
// except for the mutation rules applied by the execution façade on resume.
type Record struct {
	ExecutionID     string                              `json:"execution_id"`
	StructuralHash  string                              `json:"structural_hash"`
	CreatedAt       time.Time                            `json:"created_at"`
	LastTouchedAt   time.Time                            `json:"last_touched_at"`
	ResumptionCount int                                  `json:"resumption_count"`
	ProvidedInputs  map[string]interface{}                `json:"provided_inputs"`
	ResolvedNodes   map[string]interface{}                `json:"resolved_nodes"`
	MissingInputs   map[string]pipeline.TypeDescriptor    `json:"missing_inputs"`
	PendingOutputs  []string                              `json:"pending_outputs"`
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.ProvidedInputs = cloneMap(r.ProvidedInputs)
	out.ResolvedNodes = cloneMap(r.ResolvedNodes)
	out.MissingInputs = make(map[string]pipeline.TypeDescriptor, len(r.MissingInputs))
	for k, v := range r.MissingInputs {
		out.MissingInputs[k] = v
	}
	out.PendingOutputs = append([]string(nil), r.PendingOutputs...)
	return &out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Backend is the pluggable persistence layer behind Store: in-memory by
// default, or one of two Redis client generations (mirroring the dual
// go-redis/v8 and redis/go-redis/v9 split already present across the rest
// of the dependency surface this module carries).
type Backend interface {
	Upsert(rec *Record) error
	Get(id string) (*Record, bool)
	List() []*Record
	Delete(id string) bool
}
