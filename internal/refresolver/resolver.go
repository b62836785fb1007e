// Package refresolver parses and arbitrates pipeline references (§6 ref
// grammar, §4.1 edge cases): a ref is a pure-hex structural hash, a
// "sha256:"-prefixed hash, or an alias.
package refresolver

import (
	"regexp"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/relaypath/pipeflow/internal/pferrors"
	"github.com/relaypath/pipeflow/internal/pipeline"
)

const hashHexLength = 64
const maxAliasLength = 255

var hexShape = regexp.MustCompile(`^[0-9a-f]+$`)

// Kind classifies a parsed ref.
type Kind int

const (
	KindHash Kind = iota
	KindAlias
)

// Parsed is the result of parsing a ref string.
type Parsed struct {
	Kind Kind
	Hash string // populated when Kind == KindHash
	Name string // populated when Kind == KindAlias
}

// Parse implements the ref grammar: `HEX{64} | "sha256:" HEX{64} | ALIAS`,
// where ALIAS matches `[^\s]{1,255}` and is not a pure hex string of hash
// length. Blank refs are InvalidRef.
func Parse(ref string) (Parsed, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return Parsed{}, pferrors.InvalidRef(ref)
	}

	if strings.HasPrefix(trimmed, "sha256:") {
		hex := strings.TrimPrefix(trimmed, "sha256:")
		if len(hex) != hashHexLength || !hexShape.MatchString(hex) {
			return Parsed{}, pferrors.InvalidRef(ref)
		}
		return Parsed{Kind: KindHash, Hash: hex}, nil
	}

	if len(trimmed) == hashHexLength && hexShape.MatchString(trimmed) {
		return Parsed{Kind: KindHash, Hash: trimmed}, nil
	}

	if len(trimmed) > maxAliasLength || strings.ContainsAny(trimmed, " \t\n\r") {
		return Parsed{}, pferrors.InvalidRef(ref)
	}

	return Parsed{Kind: KindAlias, Name: trimmed}, nil
}

// Store is the subset of PipelineStore the resolver arbitrates over.
type Store interface {
	Get(hash string) (*pipeline.Image, bool)
	GetByName(name string) (*pipeline.Image, bool)
	ListImages() []pipeline.Summary
}

// Resolve looks up ref against store. A ref that parses as hash shape but
// isn't present is NotFound without falling through to alias lookup, per
// §6's "avoids ambiguous diagnostics" rule. On an alias miss, the error is
// enriched with a "did you mean" suggestion when a close alias exists.
func Resolve(store Store, ref string) (*pipeline.Image, error) {
	parsed, err := Parse(ref)
	if err != nil {
		return nil, err
	}

	switch parsed.Kind {
	case KindHash:
		img, ok := store.Get(parsed.Hash)
		if !ok {
			return nil, pferrors.NotFound("pipeline", ref)
		}
		return img, nil
	default:
		img, ok := store.GetByName(parsed.Name)
		if ok {
			return img, nil
		}
		return nil, notFoundWithSuggestion(store, ref, parsed.Name)
	}
}

func notFoundWithSuggestion(store Store, ref, name string) error {
	e := pferrors.NotFound("pipeline", ref)
	if suggestion := suggestAlias(store, name); suggestion != "" {
		e = e.WithDetail("did_you_mean", suggestion)
	}
	return e
}

// suggestAlias finds the closest known alias to name, purely as a
// diagnostic enrichment — it never changes the NotFound result itself.
func suggestAlias(store Store, name string) string {
	best := ""
	bestRank := -1
	for _, summary := range store.ListImages() {
		for _, alias := range summary.Aliases {
			rank := fuzzy.RankMatch(name, alias)
			if rank < 0 {
				continue
			}
			if bestRank == -1 || rank < bestRank {
				bestRank = rank
				best = alias
			}
		}
	}
	return best
}
