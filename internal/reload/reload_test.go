package reload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaypath/pipeflow/internal/canary"
	"github.com/relaypath/pipeflow/internal/config"
	"github.com/relaypath/pipeflow/internal/engine"
	"github.com/relaypath/pipeflow/internal/notify"
	"github.com/relaypath/pipeflow/internal/pferrors"
	"github.com/relaypath/pipeflow/internal/pipeline"
	"github.com/relaypath/pipeflow/internal/pipelinestore"
	"github.com/relaypath/pipeflow/internal/versionstore"
)

type fakeNotifier struct {
	events []notify.Event
}

func (n *fakeNotifier) Publish(event notify.Event) {
	n.events = append(n.events, event)
}

type fakeCompiler struct {
	fail bool
}

func (c *fakeCompiler) SyntacticHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return "synt-" + hex.EncodeToString(sum[:])[:16]
}

func (c *fakeCompiler) Compile(ctx context.Context, source string) (*engine.CompileResult, error) {
	if c.fail {
		return &engine.CompileResult{Errors: []engine.CompileError{{Message: "bad syntax"}}}, nil
	}
	sum := sha256.Sum256([]byte("structural:" + source))
	hash := hex.EncodeToString(sum[:])
	return &engine.CompileResult{
		Image: &pipeline.Image{
			StructuralHash:  hash,
			SyntacticHash:   c.SyntacticHash(source),
			CompiledAt:      time.Now(),
			DeclaredInputs:  map[string]pipeline.TypeDescriptor{},
			DeclaredOutputs: []string{"out"},
			ModuleCount:     1,
			Graph:           []byte(`{}`),
		},
	}, nil
}

type testHarness struct {
	store    *pipelinestore.Store
	versions *versionstore.Store
	router   *canary.Router
	coord    *Coordinator
	compiler *fakeCompiler
}

func newHarness(t *testing.T) *testHarness {
	store, err := pipelinestore.New(config.Store{MirrorDir: t.TempDir()}, zap.NewNop(), nil)
	require.NoError(t, err)
	versions := versionstore.New()
	compiler := &fakeCompiler{}

	h := &testHarness{store: store, versions: versions, compiler: compiler}
	h.router = canary.New(64, func(name, hash string) error {
		return h.coord.OnCanaryComplete(name, hash)
	}, zap.NewNop())
	h.coord = New(store, versions, h.router, compiler, nil, zap.NewNop())
	return h
}

func TestReloadFirstVersionRepointsAliasImmediately(t *testing.T) {
	h := newHarness(t)
	result, err := h.coord.Reload(context.Background(), "pipe", "v1 source", nil)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, 1, result.Version)

	img, ok := h.store.GetByName("pipe")
	require.True(t, ok)
	require.Equal(t, result.NewHash, img.StructuralHash)

	active, ok := h.versions.ActiveVersion("pipe")
	require.True(t, ok)
	require.Equal(t, 1, active)
}

func TestReloadNoOpWhenHashUnchanged(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Reload(context.Background(), "pipe", "same source", nil)
	require.NoError(t, err)

	result, err := h.coord.Reload(context.Background(), "pipe", "same source", nil)
	require.NoError(t, err)
	require.False(t, result.Changed)
	require.Equal(t, 0, result.Version)
}

func TestReloadNoOpWithCanaryIsConflict(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Reload(context.Background(), "pipe", "same source", nil)
	require.NoError(t, err)

	_, err = h.coord.Reload(context.Background(), "pipe", "same source", &canary.Config{InitialWeight: 0.1})
	require.True(t, pferrors.Is(err, pferrors.KindConflict))
}

func TestReloadCompileErrorLeavesNoStateChange(t *testing.T) {
	h := newHarness(t)
	h.compiler.fail = true
	_, err := h.coord.Reload(context.Background(), "pipe", "bad source", nil)
	require.True(t, pferrors.Is(err, pferrors.KindCompileError))

	_, ok := h.store.GetByName("pipe")
	require.False(t, ok)
}

func TestReloadWithCanaryDefersAliasRepoint(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Reload(context.Background(), "pipe", "v1 source", nil)
	require.NoError(t, err)

	result, err := h.coord.Reload(context.Background(), "pipe", "v2 source", &canary.Config{
		InitialWeight:     0.1,
		PromotionSteps:    []float64{1.0},
		ObservationWindow: time.Hour,
		ErrorThreshold:    0.5,
		MinRequests:       1000,
	})
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.NotNil(t, result.CanaryState)
	require.Equal(t, canary.StatusObserving, result.CanaryState.Status)

	img, ok := h.store.GetByName("pipe")
	require.True(t, ok)
	require.NotEqual(t, result.NewHash, img.StructuralHash, "alias must not repoint until canary completes")

	active, _ := h.versions.ActiveVersion("pipe")
	require.Equal(t, 1, active, "active version must not advance until canary completes")
}

func TestCanaryCompletionRepointsAliasAndAdvancesActive(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Reload(context.Background(), "pipe", "v1 source", nil)
	require.NoError(t, err)

	result, err := h.coord.Reload(context.Background(), "pipe", "v2 source", &canary.Config{
		InitialWeight:  0.5,
		PromotionSteps: []float64{1.0},
		ErrorThreshold: 0.5,
		MinRequests:    1000,
	})
	require.NoError(t, err)

	_, ok := h.router.Promote("pipe")
	require.True(t, ok)

	img, ok := h.store.GetByName("pipe")
	require.True(t, ok)
	require.Equal(t, result.NewHash, img.StructuralHash)

	active, _ := h.versions.ActiveVersion("pipe")
	require.Equal(t, 2, active)
}

func TestRollbackToPreviousVersion(t *testing.T) {
	h := newHarness(t)
	first, err := h.coord.Reload(context.Background(), "pipe", "v1 source", nil)
	require.NoError(t, err)
	_, err = h.coord.Reload(context.Background(), "pipe", "v2 source", nil)
	require.NoError(t, err)

	result, err := h.coord.Rollback("pipe", nil)
	require.NoError(t, err)
	require.Equal(t, first.NewHash, result.NewHash)

	img, ok := h.store.GetByName("pipe")
	require.True(t, ok)
	require.Equal(t, first.NewHash, img.StructuralHash)
}

func TestRollbackToExplicitVersion(t *testing.T) {
	h := newHarness(t)
	first, err := h.coord.Reload(context.Background(), "pipe", "v1 source", nil)
	require.NoError(t, err)
	_, err = h.coord.Reload(context.Background(), "pipe", "v2 source", nil)
	require.NoError(t, err)
	_, err = h.coord.Reload(context.Background(), "pipe", "v3 source", nil)
	require.NoError(t, err)

	v := 1
	result, err := h.coord.Rollback("pipe", &v)
	require.NoError(t, err)
	require.Equal(t, first.NewHash, result.NewHash)
}

func TestRollbackNotFoundWhenNoPriorVersion(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Reload(context.Background(), "pipe", "v1 source", nil)
	require.NoError(t, err)

	_, err = h.coord.Rollback("pipe", nil)
	require.True(t, pferrors.Is(err, pferrors.KindNotFound))
}

func TestReloadNoSourceWithoutRememberedPath(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Reload(context.Background(), "pipe", "", nil)
	require.True(t, pferrors.Is(err, pferrors.KindNoSource))
}

func TestReloadPublishesLifecycleEventToNotifier(t *testing.T) {
	h := newHarness(t)
	notifier := &fakeNotifier{}
	h.coord.WithNotifier(notifier)

	_, err := h.coord.Reload(context.Background(), "pipe", "v1 source", nil)
	require.NoError(t, err)

	require.Len(t, notifier.events, 1)
	require.Equal(t, "reload", notifier.events[0].Kind)
	require.Equal(t, "pipe", notifier.events[0].Name)
}

func TestReloadRereadsRememberedSourceFile(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "pipe.pf")
	require.NoError(t, os.WriteFile(path, []byte("file source v1"), 0o644))
	h.coord.RememberSource("pipe", path)

	result, err := h.coord.Reload(context.Background(), "pipe", "", nil)
	require.NoError(t, err)
	require.True(t, result.Changed)

	require.NoError(t, os.WriteFile(path, []byte("file source v2"), 0o644))
	result2, err := h.coord.Reload(context.Background(), "pipe", "", nil)
	require.NoError(t, err)
	require.True(t, result2.Changed)
	require.NotEqual(t, result.NewHash, result2.NewHash)
}
