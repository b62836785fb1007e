package exec

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/relaypath/pipeflow/internal/canary"
	"github.com/relaypath/pipeflow/internal/engine"
	"github.com/relaypath/pipeflow/internal/obs"
	"github.com/relaypath/pipeflow/internal/pferrors"
	"github.com/relaypath/pipeflow/internal/pipeline"
	"github.com/relaypath/pipeflow/internal/pipelinestore"
	"github.com/relaypath/pipeflow/internal/refresolver"
	"github.com/relaypath/pipeflow/internal/suspension"
)

// OutcomeStatus is the classification of one execute/run/resume call.
type OutcomeStatus string

const (
	StatusCompleted OutcomeStatus = "completed"
	StatusSuspended OutcomeStatus = "suspended"
)

// Outcome is the tagged result of execute/run/resume: exactly one of
// Completed or Suspended is meaningful, selected by Status. Failed
// outcomes are reported as errors, not as an Outcome (§4.6).
type Outcome struct {
	Status          OutcomeStatus          `json:"status"`
	StructuralHash  string                 `json:"structural_hash"`
	ExecutionID     string                 `json:"execution_id"`
	ResumptionCount int                    `json:"resumption_count"`
	Outputs         map[string]interface{} `json:"outputs,omitempty"`
	MissingInputs   map[string]pipeline.TypeDescriptor `json:"missing_inputs,omitempty"`
	PendingOutputs  []string               `json:"pending_outputs,omitempty"`
}

// Facade is the execution façade. It never holds a core lock while
// calling the compiler or engine (§5).
type Facade struct {
	store      *pipelinestore.Store
	suspension *suspension.Store
	engine     engine.Engine
	compiler   engine.Compiler
	canaries   *canary.Router
	tracing    bool
	log        *zap.Logger
}

// New constructs a Facade. suspensionStore may be nil to disable
// suspend/resume (a Suspended outcome is then still returned, but no
// record is persisted for a later resume). canaries may be nil to disable
// canary-aware routing entirely (every ref then resolves straight
// through its alias).
func New(store *pipelinestore.Store, suspensionStore *suspension.Store, eng engine.Engine, compiler engine.Compiler, canaries *canary.Router, tracing bool, log *zap.Logger) *Facade {
	return &Facade{store: store, suspension: suspensionStore, engine: eng, compiler: compiler, canaries: canaries, tracing: tracing, log: log}
}

// Execute resolves ref, converts inputs, and runs the image. Per §2's
// execute control flow, when ref names a pipeline with an active
// canary, traffic is split via CanaryRouter.SelectVersion before the
// image lookup, and the outcome is fed back via RecordResult so the
// autopilot rules (§4.3.1) actually observe real executions.
func (f *Facade) Execute(ctx context.Context, ref string, rawInputs map[string]interface{}) (*Outcome, error) {
	start := time.Now()
	defer func() { obs.ExecutionDuration.Observe(time.Since(start).Seconds()) }()

	if f.tracing {
		var span trace.Span
		ctx, span = obs.StartExecutionSpan(ctx, "execute", ref)
		defer span.End()
	}

	img, canaryName, canaryHash, err := f.resolveForExecute(ref)
	if err != nil {
		obs.ExecutionsTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}

	outcome, err := f.runImage(ctx, img, rawInputs, nil, uuid.NewString(), 0, time.Time{})
	f.recordCanaryResult(canaryName, canaryHash, start, outcome, err)
	return outcome, err
}

// resolveForExecute resolves ref, consulting the canary router first
// when ref names an alias with an Observing canary. canaryName and
// canaryHash are non-empty only when traffic was actually routed
// through an active canary, signalling the caller to report the
// outcome back via RecordResult.
func (f *Facade) resolveForExecute(ref string) (img *pipeline.Image, canaryName, canaryHash string, err error) {
	if f.canaries != nil {
		if parsed, perr := refresolver.Parse(ref); perr == nil && parsed.Kind == refresolver.KindAlias {
			if hash, ok := f.canaries.SelectVersion(parsed.Name); ok {
				routedImg, found := f.store.Get(hash)
				if !found {
					return nil, "", "", pferrors.NotFound("pipeline", hash)
				}
				return routedImg, parsed.Name, hash, nil
			}
		}
	}

	img, err = refresolver.Resolve(f.store, ref)
	return img, "", "", err
}

// recordCanaryResult reports one execution's outcome back to the
// canary router, classifying success as "completed without error" —
// a suspended execution has neither succeeded nor failed yet, so it is
// not recorded as an observation.
func (f *Facade) recordCanaryResult(name, hash string, start time.Time, outcome *Outcome, execErr error) {
	if f.canaries == nil || name == "" {
		return
	}
	if execErr == nil && outcome != nil && outcome.Status == StatusSuspended {
		return
	}
	success := execErr == nil && outcome != nil && outcome.Status == StatusCompleted
	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)
	f.canaries.RecordResult(name, hash, success, latencyMs)
}

// Run compiles source, stores the resulting image, then behaves as
// Execute against the freshly minted structural hash. Run always
// targets the structural hash it just compiled, never an aliased
// canary, so no canary routing applies here.
func (f *Facade) Run(ctx context.Context, source string, rawInputs map[string]interface{}) (*Outcome, error) {
	img, err := f.compileAndStore(ctx, source)
	if err != nil {
		return nil, err
	}

	return f.runImage(ctx, img, rawInputs, nil, uuid.NewString(), 0, time.Time{})
}

// CompileResponse is the result of a compile-only call: the pipeline is
// stored but not executed.
type CompileResponse struct {
	Success        bool   `json:"success"`
	StructuralHash string `json:"structural_hash"`
	SyntacticHash  string `json:"syntactic_hash"`
	Name           string `json:"name,omitempty"`
}

// Compile compiles source, stores the resulting image, and — if name is
// non-empty — points that alias at it. It never runs the pipeline.
func (f *Facade) Compile(ctx context.Context, source, name string) (*CompileResponse, error) {
	img, err := f.compileAndStore(ctx, source)
	if err != nil {
		return nil, err
	}

	if name != "" {
		if err := f.store.Alias(name, img.StructuralHash); err != nil {
			return nil, err
		}
	}

	return &CompileResponse{
		Success:        true,
		StructuralHash: img.StructuralHash,
		SyntacticHash:  img.SyntacticHash,
		Name:           name,
	}, nil
}

func (f *Facade) compileAndStore(ctx context.Context, source string) (*pipeline.Image, error) {
	result, err := f.compiler.Compile(ctx, source)
	if err != nil || len(result.Errors) > 0 {
		return nil, compileErrorFrom(err, result)
	}

	if err := f.store.Store(ctx, result.Image); err != nil {
		return nil, err
	}

	return result.Image, nil
}

// Resume looks up a SuspensionRecord, merges additional inputs and
// resolved nodes, and re-invokes the engine.
func (f *Facade) Resume(ctx context.Context, executionID string, additionalInputs map[string]interface{}, resolvedNodes map[string]interface{}) (*Outcome, error) {
	if f.suspension == nil {
		return nil, pferrors.NotFound("execution", executionID)
	}

	rec, ok := f.suspension.Get(executionID)
	if !ok {
		return nil, pferrors.NotFound("execution", executionID)
	}

	img, ok := f.store.Get(rec.StructuralHash)
	if !ok {
		return nil, pferrors.NotFound("pipeline", rec.StructuralHash)
	}

	converted, err := ConvertInputs(img.DeclaredInputs, additionalInputs)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]interface{}, len(rec.ProvidedInputs)+len(converted))
	for k, v := range rec.ProvidedInputs {
		merged[k] = v
	}
	for k, v := range converted {
		merged[k] = v
	}

	mergedNodes := make(map[string]interface{}, len(rec.ResolvedNodes)+len(resolvedNodes))
	for k, v := range rec.ResolvedNodes {
		mergedNodes[k] = v
	}
	for k, v := range resolvedNodes {
		mergedNodes[k] = v
	}

	return f.runImage(ctx, img, nil, mergedNodes, executionID, rec.ResumptionCount+1, rec.CreatedAt, merged)
}

// Delete removes a suspension record, returning whether one existed.
func (f *Facade) Delete(executionID string) bool {
	if f.suspension == nil {
		return false
	}
	return f.suspension.Delete(executionID)
}

// List returns every current suspension record.
func (f *Facade) List() []*suspension.Record {
	if f.suspension == nil {
		return nil
	}
	return f.suspension.List()
}

// Get returns one suspension record by id.
func (f *Facade) Get(executionID string) (*suspension.Record, bool) {
	if f.suspension == nil {
		return nil, false
	}
	return f.suspension.Get(executionID)
}

// runImage converts rawInputs (if any preConverted isn't supplied),
// invokes the engine in lenient mode, classifies the result, and persists
// or deletes the suspension record. createdAt, when non-zero, is the
// original suspension record's CreatedAt, preserved across a resume so
// that §5's oldest-first eviction keeps using the record's true age
// instead of restamping it on every resume.
func (f *Facade) runImage(ctx context.Context, img *pipeline.Image, rawInputs map[string]interface{}, resolvedNodes map[string]interface{}, executionID string, resumptionCount int, createdAt time.Time, preConverted ...map[string]interface{}) (*Outcome, error) {
	var converted map[string]interface{}
	var err error

	if len(preConverted) > 0 {
		converted = preConverted[0]
	} else {
		converted, err = ConvertInputs(img.DeclaredInputs, rawInputs)
		if err != nil {
			obs.ExecutionsTotal.WithLabelValues("type_mismatch").Inc()
			return nil, err
		}
	}

	result, err := f.engine.Run(ctx, img, converted, resolvedNodes)
	if err != nil {
		obs.ExecutionsTotal.WithLabelValues("engine_error").Inc()
		return nil, pferrors.EngineError(err)
	}

	if result.Complete(img) {
		if f.suspension != nil {
			f.suspension.Delete(executionID)
		}
		obs.ExecutionsTotal.WithLabelValues("completed").Inc()
		return &Outcome{
			Status:          StatusCompleted,
			StructuralHash:  img.StructuralHash,
			ExecutionID:     executionID,
			ResumptionCount: resumptionCount,
			Outputs:         result.Outputs,
		}, nil
	}

	if f.suspension != nil {
		rec := &suspension.Record{
			ExecutionID:     executionID,
			StructuralHash:  img.StructuralHash,
			CreatedAt:       createdAt,
			ResumptionCount: resumptionCount,
			ProvidedInputs:  converted,
			ResolvedNodes:   result.ResolvedNodes,
			MissingInputs:   result.MissingInputs,
			PendingOutputs:  result.PendingOutputs,
		}
		if err := f.suspension.Upsert(rec); err != nil {
			return nil, err
		}
	}

	obs.ExecutionsTotal.WithLabelValues("suspended").Inc()
	return &Outcome{
		Status:          StatusSuspended,
		StructuralHash:  img.StructuralHash,
		ExecutionID:     executionID,
		ResumptionCount: resumptionCount,
		MissingInputs:   result.MissingInputs,
		PendingOutputs:  result.PendingOutputs,
	}, nil
}

func compileErrorFrom(err error, result *engine.CompileResult) error {
	if err != nil {
		return pferrors.CompileError(err.Error())
	}
	msg := "compile failed"
	if len(result.Errors) > 0 {
		msg = result.Errors[0].Message
	}
	e := pferrors.CompileError(msg)
	for i, ce := range result.Errors {
		e = e.WithDetail(indexKey(i), ce.Message)
	}
	return e
}

func indexKey(i int) string {
	return "error_" + strconv.Itoa(i)
}

// ValidateAgainstSchema runs an optional structural pre-validation of raw
// JSON input against a JSON Schema document, ahead of the typed
// conversion above. No handler or façade method calls it; the schema is
// supplied by the caller.
func ValidateAgainstSchema(schemaJSON, documentJSON []byte) error {
	schemaLoader := gojsonschema.NewBytesLoader(schemaJSON)
	docLoader := gojsonschema.NewBytesLoader(documentJSON)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return pferrors.InvalidInput(err.Error())
	}
	if !result.Valid() {
		e := pferrors.InvalidInput("input failed schema validation")
		for i, re := range result.Errors() {
			e = e.WithDetail(indexKey(i), re.String())
		}
		return e
	}
	return nil
}
