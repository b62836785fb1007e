package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaypath/pipeflow/internal/canary"
	"github.com/relaypath/pipeflow/internal/config"
	"github.com/relaypath/pipeflow/internal/engine"
	"github.com/relaypath/pipeflow/internal/exec"
	"github.com/relaypath/pipeflow/internal/pipeline"
	"github.com/relaypath/pipeflow/internal/pipelinestore"
	"github.com/relaypath/pipeflow/internal/reload"
	"github.com/relaypath/pipeflow/internal/suspension"
	"github.com/relaypath/pipeflow/internal/versionstore"
)

type fakeCompiler struct{}

func (c *fakeCompiler) SyntacticHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return "synt-" + hex.EncodeToString(sum[:])[:16]
}

func (c *fakeCompiler) Compile(ctx context.Context, source string) (*engine.CompileResult, error) {
	sum := sha256.Sum256([]byte("structural:" + source))
	return &engine.CompileResult{
		Image: &pipeline.Image{
			StructuralHash:  hex.EncodeToString(sum[:]),
			SyntacticHash:   c.SyntacticHash(source),
			CompiledAt:      time.Now(),
			DeclaredInputs:  map[string]pipeline.TypeDescriptor{"x": {Kind: pipeline.KindInt}},
			DeclaredOutputs: []string{"x"},
			ModuleCount:     1,
			Graph:           []byte(`{}`),
		},
	}, nil
}

// fakeEngine always completes immediately, echoing converted inputs as
// outputs of the same name, which is enough to exercise the façade's
// Completed path from an HTTP handler.
type fakeEngine struct{}

func (e *fakeEngine) Run(ctx context.Context, img *pipeline.Image, inputs map[string]engine.Value, resolvedNodes map[string]engine.Value) (*engine.RunResult, error) {
	outputs := make(map[string]engine.Value)
	for _, name := range img.DeclaredOutputs {
		if v, ok := inputs[name]; ok {
			outputs[name] = v
		} else {
			outputs[name] = nil
		}
	}
	return &engine.RunResult{Outputs: outputs}, nil
}

// failingEngine errors on every run, simulating a newly rolled-out pipeline
// version that crashes in production — used to drive the canary autopilot's
// rollback rule (R1) through real /execute traffic instead of a manual
// rollback call.
type failingEngine struct{}

func (e *failingEngine) Run(ctx context.Context, img *pipeline.Image, inputs map[string]engine.Value, resolvedNodes map[string]engine.Value) (*engine.RunResult, error) {
	return nil, errors.New("simulated engine failure")
}

type harness struct {
	handler  *Handler
	store    *pipelinestore.Store
	versions *versionstore.Store
	canaries *canary.Router
	router   *mux.Router
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithEngine(t, &fakeEngine{})
}

// newHarnessWithEngine builds a harness around a caller-supplied engine, so
// tests can drive failures through real /execute traffic (the only way the
// canary autopilot's rollback rule ever actually observes anything).
func newHarnessWithEngine(t *testing.T, eng engine.Engine) *harness {
	store, err := pipelinestore.New(config.Store{MirrorDir: t.TempDir()}, zap.NewNop(), nil)
	require.NoError(t, err)
	versions := versionstore.New()
	suspStore := suspension.New(100, nil)

	var coord *reload.Coordinator
	canaryRouter := canary.New(64, func(name, hash string) error {
		return coord.OnCanaryComplete(name, hash)
	}, zap.NewNop())
	coord = reload.New(store, versions, canaryRouter, &fakeCompiler{}, nil, zap.NewNop())

	facade := exec.New(store, suspStore, eng, &fakeCompiler{}, canaryRouter, false, zap.NewNop())

	h := New(store, versions, canaryRouter, facade, coord, zap.NewNop())
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	return &harness{handler: h, store: store, versions: versions, canaries: canaryRouter, router: router}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestCompileAndRunOutcome(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/api/v1/run", runRequest{Source: "hello world", Inputs: map[string]interface{}{"x": float64(1)}})
	require.Equal(t, http.StatusOK, rec.Code)

	var outcome exec.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	require.Equal(t, exec.StatusCompleted, outcome.Status)
}

func TestGetPipelineNotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "GET", "/api/v1/pipelines/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReloadThenGetPipelineByAlias(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/api/v1/pipelines/demo/reload", reloadRequest{Source: "demo source"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "GET", "/api/v1/pipelines/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRollbackWithoutPriorVersionIsNotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/api/v1/pipelines/demo/reload", reloadRequest{Source: "demo source"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "POST", "/api/v1/pipelines/demo/rollback", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCanaryLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/api/v1/pipelines/demo/reload", reloadRequest{Source: "v1 source"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "POST", "/api/v1/pipelines/demo/reload", reloadRequest{
		Source: "v2 source",
		Canary: &canary.Config{InitialWeight: 0.1, PromotionSteps: []float64{1.0}, ErrorThreshold: 0.5, MinRequests: 1000},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "GET", "/api/v1/pipelines/demo/canary", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "POST", "/api/v1/pipelines/demo/canary/promote", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot canary.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.Equal(t, canary.StatusComplete, snapshot.Status)
}

func TestSelectProjection(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/api/v1/pipelines/demo/reload", reloadRequest{Source: "demo source"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "GET", "/api/v1/pipelines/demo?select=$.version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCompileWithNameAliasesPipeline(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/api/v1/compile", compileRequest{Source: "in x: Int\nout x", Name: "passthrough"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp exec.CompileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Equal(t, "passthrough", resp.Name)

	rec = h.do(t, "POST", "/api/v1/execute", executeRequest{Ref: "passthrough", Inputs: map[string]interface{}{"x": float64(42)}})
	require.Equal(t, http.StatusOK, rec.Code)

	var outcome exec.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	require.Equal(t, exec.StatusCompleted, outcome.Status)
}

func TestExecuteUnknownRefIsNotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/api/v1/execute", executeRequest{Ref: "missing"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// TestCanaryAutopromotesFromExecuteTraffic reproduces S2: a single
// POST /execute routed through an Observing canary satisfies R3 and the
// canary autopromotes to Complete, with no manual /canary/promote call.
func TestCanaryAutopromotesFromExecuteTraffic(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/api/v1/pipelines/demo/reload", reloadRequest{Source: "v1 source"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "POST", "/api/v1/pipelines/demo/reload", reloadRequest{
		Source: "v2 source",
		Canary: &canary.Config{
			InitialWeight:  1.0,
			PromotionSteps: []float64{1.0},
			ErrorThreshold: 0.5,
			MinRequests:    1,
			AutoPromote:    true,
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "POST", "/api/v1/execute", executeRequest{Ref: "demo"})
	require.Equal(t, http.StatusOK, rec.Code)

	snapshot, ok := h.canaries.GetState("demo")
	require.True(t, ok)
	require.Equal(t, canary.StatusComplete, snapshot.Status)
}

// TestCanaryRollsBackFromExecuteTraffic reproduces S5: two failed
// /execute calls against the new side push the error rate over
// ErrorThreshold and R1 rolls the canary back, with no manual
// /canary/rollback call.
func TestCanaryRollsBackFromExecuteTraffic(t *testing.T) {
	h := newHarnessWithEngine(t, &failingEngine{})
	rec := h.do(t, "POST", "/api/v1/pipelines/demo/reload", reloadRequest{Source: "v1 source"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "POST", "/api/v1/pipelines/demo/reload", reloadRequest{
		Source: "v2 source",
		Canary: &canary.Config{
			InitialWeight:  1.0,
			PromotionSteps: []float64{1.0},
			ErrorThreshold: 0.5,
			MinRequests:    2,
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	for i := 0; i < 2; i++ {
		rec = h.do(t, "POST", "/api/v1/execute", executeRequest{Ref: "demo"})
		require.Equal(t, http.StatusInternalServerError, rec.Code)
	}

	snapshot, ok := h.canaries.GetState("demo")
	require.True(t, ok)
	require.Equal(t, canary.StatusRolledBack, snapshot.Status)
}
