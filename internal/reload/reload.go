// Package reload implements the reload coordinator (§4.5): atomically
// replacing what a pipeline name means, optionally behind a canary, plus
// rollback to a prior version.
package reload

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaypath/pipeflow/internal/canary"
	"github.com/relaypath/pipeflow/internal/engine"
	"github.com/relaypath/pipeflow/internal/notify"
	"github.com/relaypath/pipeflow/internal/pferrors"
	"github.com/relaypath/pipeflow/internal/pipelinestore"
	"github.com/relaypath/pipeflow/internal/versionstore"
)

// Recorder is the narrow audit-trail surface the coordinator writes
// lifecycle events through. Implemented by *audit.Trail; nil disables
// auditing entirely.
type Recorder interface {
	Record(kind, name string, details map[string]string)
}

// Notifier is the narrow event-publication surface the coordinator fires
// lifecycle events through. Implemented by *notify.Publisher; nil (or a
// nil *notify.Publisher passed as this interface) disables publication.
type Notifier interface {
	Publish(event notify.Event)
}

// Result is what one Reload call reports (§4.5).
type Result struct {
	Changed      bool            `json:"changed"`
	PreviousHash string          `json:"previous_hash,omitempty"`
	NewHash      string          `json:"new_hash"`
	Version      int             `json:"version"`
	CanaryState  *canary.Snapshot `json:"canary_state,omitempty"`
}

// Coordinator serializes reload/rollback/alias-repoint/canary lifecycle
// operations per pipeline name; different names proceed fully in parallel.
type Coordinator struct {
	store    *pipelinestore.Store
	versions *versionstore.Store
	canaries *canary.Router
	compiler engine.Compiler
	audit    Recorder
	notifier Notifier
	log      *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	sourcesMu sync.Mutex
	sources   map[string]string // name -> remembered file path, for re-reads
}

func New(store *pipelinestore.Store, versions *versionstore.Store, canaries *canary.Router, compiler engine.Compiler, audit Recorder, log *zap.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		versions: versions,
		canaries: canaries,
		compiler: compiler,
		audit:    audit,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
		sources:  make(map[string]string),
	}
}

// WithNotifier attaches an optional lifecycle-event publisher. Returns c
// for chaining at construction time.
func (c *Coordinator) WithNotifier(n Notifier) *Coordinator {
	c.notifier = n
	return c
}

func (c *Coordinator) notify(kind, name string, details map[string]string) {
	if c.notifier == nil {
		return
	}
	c.notifier.Publish(notify.Event{Kind: kind, Name: name, Timestamp: time.Now(), Details: details})
}

// RememberSource associates name with a source file path that Reload may
// re-read when called without an explicit source text.
func (c *Coordinator) RememberSource(name, path string) {
	c.sourcesMu.Lock()
	defer c.sourcesMu.Unlock()
	c.sources[name] = path
}

func (c *Coordinator) lockFor(name string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[name]
	if !ok {
		l = &sync.Mutex{}
		c.locks[name] = l
	}
	return l
}

// Reload replaces what name means. source, if non-empty, is compiled
// directly; otherwise the coordinator re-reads whatever file path was
// last remembered for name via RememberSource, failing NoSource if none
// exists. canaryCfg, if non-nil, routes the new version through a canary
// instead of repointing the alias immediately.
func (c *Coordinator) Reload(ctx context.Context, name string, source string, canaryCfg *canary.Config) (*Result, error) {
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	sourceText, err := c.resolveSource(name, source)
	if err != nil {
		return nil, err
	}

	compileResult, err := c.compiler.Compile(ctx, sourceText)
	if err != nil {
		return nil, pferrors.CompileError(err.Error())
	}
	if len(compileResult.Errors) > 0 {
		e := pferrors.CompileError(compileResult.Errors[0].Message)
		for i, ce := range compileResult.Errors {
			e = e.WithDetail(fmt.Sprintf("error_%d", i), ce.Message)
		}
		return nil, e
	}

	img := compileResult.Image
	previousHash, hadPrevious := c.store.Resolve(name)
	if !hadPrevious {
		previousHash, hadPrevious = "", false
	}

	if hadPrevious && img.StructuralHash == previousHash {
		if canaryCfg != nil {
			return nil, pferrors.Conflict("reload is a no-op against the active version; refusing to start a canary")
		}
		c.recordAudit("reload_noop", name, map[string]string{"hash": img.StructuralHash})
		return &Result{Changed: false, PreviousHash: previousHash, NewHash: img.StructuralHash}, nil
	}

	if err := c.store.Store(ctx, img); err != nil {
		return nil, err
	}
	if err := c.store.IndexSyntactic(img.SyntacticHash, img.StructuralHash); err != nil {
		return nil, err
	}

	// Fetched before RecordVersion, which unconditionally advances active —
	// the canary branch below reverts it so active only moves when the
	// canary itself completes (§4.5.6b).
	oldVersion, hadOldVersion := c.versions.ActiveVersion(name)

	version := c.versions.RecordVersion(name, img.StructuralHash, sourceText)

	if canaryCfg == nil {
		if err := c.store.Alias(name, img.StructuralHash); err != nil {
			return nil, err
		}
		c.recordAudit("reload", name, map[string]string{
			"previous_hash": previousHash,
			"new_hash":      img.StructuralHash,
			"version":       fmt.Sprintf("%d", version.Version),
		})
		return &Result{Changed: true, PreviousHash: previousHash, NewHash: img.StructuralHash, Version: version.Version}, nil
	}

	if hadOldVersion {
		c.versions.SetActiveVersion(name, oldVersion)
	}
	snapshot, err := c.canaries.StartCanary(name, oldVersion, version.Version, previousHash, img.StructuralHash, *canaryCfg)
	if err != nil {
		return nil, err
	}

	c.recordAudit("canary_start", name, map[string]string{
		"previous_hash": previousHash,
		"new_hash":      img.StructuralHash,
		"version":       fmt.Sprintf("%d", version.Version),
	})

	return &Result{Changed: true, PreviousHash: previousHash, NewHash: img.StructuralHash, Version: version.Version, CanaryState: snapshot}, nil
}

// Rollback repoints name to a prior version: the immediate previous
// version when v is nil, or the explicit version number otherwise.
func (c *Coordinator) Rollback(name string, v *int) (*Result, error) {
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	var target struct {
		Version int
		Hash    string
	}

	if v == nil {
		prev, ok := c.versions.PreviousVersion(name)
		if !ok {
			return nil, pferrors.NotFound("version", name+": previous")
		}
		target.Version, target.Hash = prev.Version, prev.StructuralHash
	} else {
		ver, ok := c.versions.GetVersion(name, *v)
		if !ok {
			return nil, pferrors.NotFound("version", fmt.Sprintf("%s@%d", name, *v))
		}
		target.Version, target.Hash = ver.Version, ver.StructuralHash
	}

	previousHash, _ := c.store.Resolve(name)

	if err := c.store.Alias(name, target.Hash); err != nil {
		return nil, err
	}
	if !c.versions.SetActiveVersion(name, target.Version) {
		return nil, pferrors.NotFound("version", fmt.Sprintf("%s@%d", name, target.Version))
	}

	c.recordAudit("rollback", name, map[string]string{
		"previous_hash": previousHash,
		"new_hash":      target.Hash,
		"version":       fmt.Sprintf("%d", target.Version),
	})

	return &Result{Changed: true, PreviousHash: previousHash, NewHash: target.Hash, Version: target.Version}, nil
}

// OnCanaryComplete is the canary.AliasUpdater wired into the Router at
// construction time — it performs the deferred alias repoint and active
// version switch for a canary that just reached Complete (§4.3.1, §4.5.6b).
func (c *Coordinator) OnCanaryComplete(name, hash string) error {
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if err := c.store.Alias(name, hash); err != nil {
		return err
	}
	for _, ver := range c.versions.ListVersions(name) {
		if ver.StructuralHash == hash {
			c.versions.SetActiveVersion(name, ver.Version)
			break
		}
	}
	c.recordAudit("canary_complete", name, map[string]string{"new_hash": hash})
	return nil
}

func (c *Coordinator) resolveSource(name, source string) (string, error) {
	if source != "" {
		return source, nil
	}

	c.sourcesMu.Lock()
	path, ok := c.sources[name]
	c.sourcesMu.Unlock()
	if !ok {
		return "", pferrors.NoSource()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", pferrors.Wrap(pferrors.KindNoSource, "failed to re-read remembered source", err)
	}
	return string(raw), nil
}

func (c *Coordinator) recordAudit(kind, name string, details map[string]string) {
	if c.audit != nil {
		c.audit.Record(kind, name, details)
	}
	c.notify(kind, name, details)
}
