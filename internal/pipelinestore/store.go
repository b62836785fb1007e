// Package pipelinestore implements the content-addressed PipelineStore
// (§4.1): an in-memory map of structural hash to Image, an alias map, and
// a syntactic-hash dedup index, each optionally mirrored to a directory.
package pipelinestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/relaypath/pipeflow/internal/config"
	"github.com/relaypath/pipeflow/internal/obs"
	"github.com/relaypath/pipeflow/internal/pferrors"
	"github.com/relaypath/pipeflow/internal/pipeline"
)

// hashShape matches the exact lowercase-hex structural-hash shape used to
// keep alias names unambiguous from hashes in the ref resolver (§4.1 edge
// cases, §6 ref grammar).
var hashShape = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Archiver is the optional, best-effort off-box mirror of stored images
// (§13 of SPEC_FULL.md). It is never authoritative: failures here are
// logged, not surfaced to the caller of Store.
type Archiver interface {
	Archive(ctx context.Context, img *pipeline.Image) error
}

// Store is the authoritative in-memory PipelineStore, optionally mirrored
// to a filesystem directory and an Archiver.
type Store struct {
	mu sync.RWMutex

	images    map[string]*pipeline.Image // structuralHash -> image
	aliases   map[string]string          // name -> structuralHash
	syntactic map[string]string          // syntacticHash -> structuralHash

	mirrorDir          string
	compressAboveBytes int
	archiver           Archiver

	log *zap.Logger
}

// New constructs a Store. If cfg.MirrorDir is non-empty, the store loads
// any existing persisted state from it and mirrors future writes there.
func New(cfg config.Store, log *zap.Logger, archiver Archiver) (*Store, error) {
	s := &Store{
		images:             make(map[string]*pipeline.Image),
		aliases:            make(map[string]string),
		syntactic:          make(map[string]string),
		mirrorDir:          cfg.MirrorDir,
		compressAboveBytes: cfg.CompressAboveBytes,
		archiver:           archiver,
		log:                log,
	}
	if s.mirrorDir != "" {
		if err := s.loadFromDisk(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func isHashShape(s string) bool {
	return hashShape.MatchString(s)
}

// Store inserts img if absent (idempotent by StructuralHash, I.e. images
// are immutable and never overwritten).
func (s *Store) Store(ctx context.Context, img *pipeline.Image) error {
	if img == nil || img.StructuralHash == "" {
		return pferrors.InvalidInput("image must have a structural hash")
	}

	s.mu.Lock()
	if _, exists := s.images[img.StructuralHash]; exists {
		s.mu.Unlock()
		return nil
	}
	s.images[img.StructuralHash] = img.Clone()
	s.mu.Unlock()

	if s.mirrorDir != "" {
		if err := s.persistImage(img); err != nil {
			s.mu.Lock()
			delete(s.images, img.StructuralHash)
			s.mu.Unlock()
			return pferrors.PersistenceError("store", err)
		}
	}

	obs.PipelinesStored.Inc()

	if s.archiver != nil {
		go func() {
			if err := s.archiver.Archive(context.Background(), img); err != nil && s.log != nil {
				s.log.Warn("archival mirror failed", obs.String("hash", img.StructuralHash), obs.Err(err))
			}
		}()
	}

	return nil
}

// Get performs an O(1) hash lookup.
func (s *Store) Get(hash string) (*pipeline.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[hash]
	if !ok {
		return nil, false
	}
	return img.Clone(), true
}

// GetByName resolves an alias then fetches the image, both under the same
// lock so the pair is a consistent snapshot (§5).
func (s *Store) GetByName(name string) (*pipeline.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.aliases[name]
	if !ok {
		return nil, false
	}
	img, ok := s.images[hash]
	if !ok {
		return nil, false
	}
	return img.Clone(), true
}

// Resolve performs an alias-only lookup.
func (s *Store) Resolve(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.aliases[name]
	return hash, ok
}

// Alias sets aliases[name] = hash, failing if hash is not present.
// Persistence happens inside the same critical section as the in-memory
// update, per the concurrency model's alias/version ordering rule.
func (s *Store) Alias(name, hash string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return pferrors.InvalidInput("alias name must not be blank")
	}
	if isHashShape(name) {
		return pferrors.InvalidInput("alias name must not look like a structural hash")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.images[hash]; !ok {
		return pferrors.NotFound("image", hash)
	}

	prev := s.aliases[name]
	s.aliases[name] = hash

	if s.mirrorDir != "" {
		if err := s.persistAliasesLocked(); err != nil {
			if prev == "" {
				delete(s.aliases, name)
			} else {
				s.aliases[name] = prev
			}
			return pferrors.PersistenceError("alias", err)
		}
	}
	return nil
}

// Unalias removes an alias, returning whether one existed.
func (s *Store) Unalias(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.aliases[name]
	if !existed {
		return false, nil
	}
	delete(s.aliases, name)

	if s.mirrorDir != "" {
		if err := s.persistAliasesLocked(); err != nil {
			s.aliases[name] = prev
			return false, pferrors.PersistenceError("unalias", err)
		}
	}
	return true, nil
}

// referenced reports whether hash is named by any caller-supplied
// predicate set -- the store itself only knows about aliases; version,
// canary, and suspension references are checked by the caller (via
// ReferenceChecker) before Remove proceeds, per I7.
type ReferenceChecker func(hash string) bool

// Remove deletes the image iff no alias references it and extraRefs(hash)
// reports false (i.e. no version entry, canary, or suspension references
// it either). Returns true if removed, false if referenced or absent.
func (s *Store) Remove(hash string, extraRefs ReferenceChecker) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.aliases {
		if h == hash {
			return false, nil
		}
	}
	if extraRefs != nil && extraRefs(hash) {
		return false, nil
	}
	if _, ok := s.images[hash]; !ok {
		return false, nil
	}

	delete(s.images, hash)
	for synt, h := range s.syntactic {
		if h == hash {
			delete(s.syntactic, synt)
		}
	}

	if s.mirrorDir != "" {
		path := filepath.Join(s.mirrorDir, "images", hash+".json")
		_ = os.Remove(path)
		_ = os.Remove(path + ".gz")
		if err := s.persistSyntacticLocked(); err != nil {
			return true, pferrors.PersistenceError("remove", err)
		}
	}
	return true, nil
}

// ListImages returns the listing projection for every stored image.
func (s *Store) ListImages() []pipeline.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	aliasesByHash := make(map[string][]string)
	for name, hash := range s.aliases {
		aliasesByHash[hash] = append(aliasesByHash[hash], name)
	}

	out := make([]pipeline.Summary, 0, len(s.images))
	for hash, img := range s.images {
		names := append([]string(nil), aliasesByHash[hash]...)
		sort.Strings(names)
		out = append(out, pipeline.Summary{
			StructuralHash:  img.StructuralHash,
			SyntacticHash:   img.SyntacticHash,
			Aliases:         names,
			CompiledAt:      img.CompiledAt,
			ModuleCount:     img.ModuleCount,
			DeclaredOutputs: append([]string(nil), img.DeclaredOutputs...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StructuralHash < out[j].StructuralHash })
	return out
}

// IndexSyntactic records a syntacticHash -> structuralHash mapping.
func (s *Store) IndexSyntactic(syntacticHash, structuralHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.syntactic[syntacticHash]
	s.syntactic[syntacticHash] = structuralHash

	if s.mirrorDir != "" {
		if err := s.persistSyntacticLocked(); err != nil {
			if existed {
				s.syntactic[syntacticHash] = prev
			} else {
				delete(s.syntactic, syntacticHash)
			}
			return pferrors.PersistenceError("index_syntactic", err)
		}
	}
	return nil
}

// LookupSyntactic returns the structural hash indexed under syntacticHash.
func (s *Store) LookupSyntactic(syntacticHash string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.syntactic[syntacticHash]
	return h, ok
}

// --- persistence ---

func (s *Store) persistImage(img *pipeline.Image) error {
	dir := filepath.Join(s.mirrorDir, "images")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(img)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, img.StructuralHash+".json")
	if s.compressAboveBytes > 0 && len(data) > s.compressAboveBytes {
		return writeGzipAtomic(path+".gz", data)
	}
	return writeFileAtomic(path, data)
}

func (s *Store) persistAliasesLocked() error {
	if err := os.MkdirAll(s.mirrorDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.aliases, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.mirrorDir, "aliases.json"), data)
}

func (s *Store) persistSyntacticLocked() error {
	if err := os.MkdirAll(s.mirrorDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.syntactic, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.mirrorDir, "syntactic-index.json"), data)
}

// writeFileAtomic writes data to path via a temp file in the same
// directory followed by rename, so a crash never leaves a partial file
// visible under the final name.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func writeGzipAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	gz := gzip.NewWriter(tmp)
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// loadFromDisk reconstructs in-memory state from the mirror directory.
// Corrupt JSON is logged and skipped; the directory is never repaired as
// a side effect of loading (§6).
func (s *Store) loadFromDisk() error {
	imagesDir := filepath.Join(s.mirrorDir, "images")
	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(imagesDir, entry.Name())
		data, err := readPossiblyGzipped(path)
		if err != nil {
			s.logSkip(path, err)
			continue
		}
		var img pipeline.Image
		if err := json.Unmarshal(data, &img); err != nil {
			s.logSkip(path, err)
			continue
		}
		s.images[img.StructuralHash] = &img
	}

	if data, err := os.ReadFile(filepath.Join(s.mirrorDir, "aliases.json")); err == nil {
		var aliases map[string]string
		if err := json.Unmarshal(data, &aliases); err != nil {
			s.logSkip("aliases.json", err)
		} else {
			s.aliases = aliases
		}
	}

	if data, err := os.ReadFile(filepath.Join(s.mirrorDir, "syntactic-index.json")); err == nil {
		var idx map[string]string
		if err := json.Unmarshal(data, &idx); err != nil {
			s.logSkip("syntactic-index.json", err)
		} else {
			s.syntactic = idx
		}
	}

	return nil
}

func readPossiblyGzipped(path string) ([]byte, error) {
	if strings.HasSuffix(path, ".gz") {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		buf := make([]byte, 0, 4096)
		chunk := make([]byte, 4096)
		for {
			n, err := gz.Read(chunk)
			buf = append(buf, chunk[:n]...)
			if err != nil {
				break
			}
		}
		return buf, nil
	}
	return os.ReadFile(path)
}

func (s *Store) logSkip(path string, err error) {
	if s.log != nil {
		s.log.Warn("skipping corrupt persisted file on load",
			obs.String("path", path), obs.Err(err))
	}
}
