package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Payload carries executor input for a feature. The distribution engine never
// interprets it.
type Payload map[string]any

// Clone returns a shallow copy of the payload map.
func (p Payload) Clone() Payload {
	if len(p) == 0 {
		return nil
	}
	clone := make(Payload, len(p))
	for key, value := range p {
		clone[key] = value
	}
	return clone
}

// Feature is a single unit of distributable work.
type Feature struct {
	ID          string   `json:"id" yaml:"id" toml:"id"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Capability  string   `json:"capability,omitempty" yaml:"capability,omitempty" toml:"capability,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty" toml:"depends_on,omitempty"`
	Payload     Payload  `json:"payload,omitempty" yaml:"payload,omitempty" toml:"payload,omitempty"`
	// ContinueOnError overrides the run-level policy for this feature only.
	ContinueOnError *bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty" toml:"continue_on_error,omitempty"`
}

// Clone returns a deep copy of the feature.
func (f Feature) Clone() Feature {
	clone := Feature{
		ID:          f.ID,
		Name:        f.Name,
		Description: f.Description,
		Capability:  f.Capability,
		DependsOn:   cloneStringSlice(f.DependsOn),
		Payload:     f.Payload.Clone(),
	}
	if f.ContinueOnError != nil {
		value := *f.ContinueOnError
		clone.ContinueOnError = &value
	}
	return clone
}

// Label returns the display name, falling back to the ID.
func (f Feature) Label() string {
	if name := strings.TrimSpace(f.Name); name != "" {
		return name
	}
	return f.ID
}

// Validate checks the feature in isolation. Cross-feature checks (unknown
// dependencies, cycles) belong to the resolver.
func (f Feature) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("workflow: feature id is required")
	}
	deps := append([]string{}, f.DependsOn...)
	sort.Strings(deps)
	for i, dep := range deps {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("workflow: feature %s has an empty dependency", f.ID)
		}
		if i > 0 && deps[i] == deps[i-1] {
			return fmt.Errorf("workflow: feature %s has duplicate dependency on %s", f.ID, dep)
		}
	}
	return nil
}

// CloneFeatures deep-copies a feature slice.
func CloneFeatures(features []Feature) []Feature {
	if len(features) == 0 {
		return nil
	}
	out := make([]Feature, len(features))
	for i, feature := range features {
		out[i] = feature.Clone()
	}
	return out
}

// RuntimeConfig holds per-set execution preferences. Nil pointers defer to the
// project configuration.
type RuntimeConfig struct {
	Sequential      bool  `json:"sequential,omitempty" yaml:"sequential,omitempty" toml:"sequential,omitempty"`
	MaxRetries      *int  `json:"max_retries,omitempty" yaml:"max_retries,omitempty" toml:"max_retries,omitempty"`
	ContinueOnError *bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty" toml:"continue_on_error,omitempty"`
}

func (cfg RuntimeConfig) validate() error {
	if cfg.MaxRetries != nil && *cfg.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	return nil
}

// FeatureSet is a submission file: a named group of features plus runtime
// preferences.
type FeatureSet struct {
	ID          string        `json:"id" yaml:"id" toml:"id"`
	Name        string        `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Features    []Feature     `json:"features" yaml:"features" toml:"features"`
	Runtime     RuntimeConfig `json:"runtime,omitempty" yaml:"runtime,omitempty" toml:"runtime,omitempty"`
}

// Clone returns a deep copy of the feature set.
func (s FeatureSet) Clone() FeatureSet {
	clone := FeatureSet{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Features:    CloneFeatures(s.Features),
		Runtime:     s.Runtime,
	}
	if s.Runtime.MaxRetries != nil {
		value := *s.Runtime.MaxRetries
		clone.Runtime.MaxRetries = &value
	}
	if s.Runtime.ContinueOnError != nil {
		value := *s.Runtime.ContinueOnError
		clone.Runtime.ContinueOnError = &value
	}
	return clone
}

// Validate ensures the set is structurally sound.
func (s FeatureSet) Validate() error {
	if len(s.Features) == 0 {
		return fmt.Errorf("workflow %s: at least one feature is required", s.label())
	}
	seen := map[string]struct{}{}
	for idx, feature := range s.Features {
		if err := feature.Validate(); err != nil {
			return fmt.Errorf("workflow %s feature[%d]: %w", s.label(), idx, err)
		}
		if _, exists := seen[feature.ID]; exists {
			return fmt.Errorf("workflow %s: duplicate feature id %s", s.label(), feature.ID)
		}
		seen[feature.ID] = struct{}{}
	}
	if err := s.Runtime.validate(); err != nil {
		return fmt.Errorf("workflow %s runtime: %w", s.label(), err)
	}
	return nil
}

// Normalized trims identifiers, fills the set ID and validates the result.
func (s FeatureSet) Normalized() (FeatureSet, error) {
	clone := s.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	for i := range clone.Features {
		f := &clone.Features[i]
		f.ID = strings.TrimSpace(f.ID)
		f.Capability = strings.TrimSpace(f.Capability)
		for j, dep := range f.DependsOn {
			f.DependsOn[j] = strings.TrimSpace(dep)
		}
	}
	if err := clone.Validate(); err != nil {
		return FeatureSet{}, err
	}
	return clone, nil
}

// FeatureIDs returns identifiers in declaration order.
func (s FeatureSet) FeatureIDs() []string {
	ids := make([]string, 0, len(s.Features))
	for _, feature := range s.Features {
		ids = append(ids, feature.ID)
	}
	return ids
}

func (s FeatureSet) label() string {
	if s.ID != "" {
		return s.ID
	}
	return "(unnamed)"
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}
