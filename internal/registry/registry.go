// Package registry holds the stage schema registry: the immutable graph of
// screening stages, their field schemas, and the branch predicates between
// them. A Registry is built once at startup and is safe for concurrent reads.
package registry

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownStage is returned for identifiers that are not registered.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrInvalidRegistry marks structural defects in a registry document.
	ErrInvalidRegistry = errors.New("invalid stage registry")
	// ErrAmbiguousRoute marks branch predicates that overlap.
	ErrAmbiguousRoute = errors.New("ambiguous route")
	// ErrUncoveredRoute marks branch predicates that leave values unrouted.
	ErrUncoveredRoute = errors.New("uncovered route")
)

//go:embed pathway.yaml
var defaultPathway []byte

// Document is the on-disk registry format.
type Document struct {
	Version int               `yaml:"version"`
	Pathway string            `yaml:"pathway"`
	Stages  []StageDefinition `yaml:"stages"`
}

// Registry is the checked, read-only stage graph.
type Registry struct {
	pathway string
	order   []string
	stages  map[string]*StageDefinition
	initial string
}

// Default returns the built-in vision-screening pathway.
func Default() (*Registry, error) {
	return Load(defaultPathway)
}

// LoadFile reads and checks a registry document from disk.
func LoadFile(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stage registry: %w", err)
	}
	return Load(b)
}

// Load parses a YAML registry document and runs every load-time check.
func Load(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse: %v", ErrInvalidRegistry, err)
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported registry version: %d", ErrInvalidRegistry, doc.Version)
	}
	return build(doc)
}

// Pathway returns the registry's pathway name.
func (r *Registry) Pathway() string { return r.pathway }

// Initial returns the stage every episode starts in.
func (r *Registry) Initial() string { return r.initial }

// Stages returns stage identifiers in declaration order.
func (r *Registry) Stages() []string {
	return append([]string(nil), r.order...)
}

// Definition returns the definition of stageID.
func (r *Registry) Definition(stageID string) (*StageDefinition, error) {
	def, ok := r.stages[stageID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stageID)
	}
	return def, nil
}

// LegalSuccessors returns every stage reachable in one step from stageID,
// across all branches, in declaration order.
func (r *Registry) LegalSuccessors(stageID string) ([]string, error) {
	def, err := r.Definition(stageID)
	if err != nil {
		return nil, err
	}
	var out []string
	seen := make(map[string]struct{})
	for _, b := range def.Branches {
		for _, to := range b.To {
			if _, ok := seen[to]; ok {
				continue
			}
			seen[to] = struct{}{}
			out = append(out, to)
		}
	}
	return out, nil
}

// JoinTarget returns the AND-join stage that the fork members feed, if any.
func (r *Registry) JoinTarget(member string) (string, bool) {
	def, ok := r.stages[member]
	if !ok || len(def.Branches) == 0 {
		return "", false
	}
	target, ok := r.stages[def.Branches[0].To[0]]
	if !ok || !target.IsJoin() {
		return "", false
	}
	return target.ID, true
}
