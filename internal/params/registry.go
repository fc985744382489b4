package params

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Complexity tiers attached to execution context.
const (
	ComplexitySimple  = "simple"
	ComplexityMedium  = "medium"
	ComplexityComplex = "complex"
)

// Context carries the coarse execution context the heuristics act on.
type Context struct {
	Complexity string  `json:"complexity,omitempty"`
	Domain     string  `json:"domain,omitempty"`
	Preference Vector  `json:"preference,omitempty"` // caller-stated overrides
	MaxLatency float64 `json:"maxLatencyMs,omitempty"`
}

// Registry holds the parameter space for each task category.
type Registry struct {
	mu     sync.RWMutex
	spaces map[string]*Space
}

// NewRegistry creates a registry seeded with the built-in spaces.
func NewRegistry() *Registry {
	r := &Registry{spaces: make(map[string]*Space)}
	for _, s := range builtinSpaces() {
		r.spaces[s.Category] = s
	}
	return r
}

// LoadFile merges space definitions from a YAML file into the registry.
// File entries override built-ins for the same category.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read spaces file: %w", err)
	}

	var doc struct {
		Spaces []*Space `yaml:"spaces"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse spaces file: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range doc.Spaces {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("invalid space: %w", err)
		}
		r.spaces[s.Category] = s
	}
	return nil
}

// Space returns the space for a category, falling back to a generic space
// for categories that were never declared.
func (r *Registry) Space(category string) *Space {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.spaces[category]; ok {
		return s
	}
	return genericSpace(category)
}

// Heuristic returns the seeded default vector for a category adjusted by
// coarse context rules. Used whenever the optimizer has too little history
// or its model fails.
func (r *Registry) Heuristic(category string, ctx Context) Vector {
	space := r.Space(category)
	v := space.Defaults()

	switch ctx.Complexity {
	case ComplexityComplex:
		if _, ok := v["max_tokens"]; ok {
			v["max_tokens"] *= 1.5
		}
	case ComplexitySimple:
		if _, ok := v["max_tokens"]; ok {
			v["max_tokens"] *= 0.5
		}
	}

	// Technical domains run colder, expressive domains warmer.
	switch ctx.Domain {
	case "code", "data", "legal":
		if _, ok := v["temperature"]; ok {
			v["temperature"] -= 0.1
		}
	case "marketing", "fiction":
		if _, ok := v["temperature"]; ok {
			v["temperature"] += 0.1
		}
	}

	for k, val := range ctx.Preference {
		v[k] = val
	}

	return space.Clamp(v)
}

// builtinSpaces mirrors the sampling surface of the model providers the
// tuner sits in front of.
func builtinSpaces() []*Space {
	base := []Dimension{
		{Name: "temperature", Min: 0.0, Max: 2.0, Default: 0.7},
		{Name: "max_tokens", Min: 64, Max: 8192, Default: 1024, Discrete: true, Step: 64},
		{Name: "top_p", Min: 0.1, Max: 1.0, Default: 0.9},
		{Name: "frequency_penalty", Min: -2.0, Max: 2.0, Default: 0.0},
		{Name: "presence_penalty", Min: -2.0, Max: 2.0, Default: 0.0},
	}

	withTemp := func(category string, temp float64) *Space {
		dims := make([]Dimension, len(base))
		copy(dims, base)
		dims[0].Default = temp
		return &Space{Category: category, Dimensions: dims}
	}

	return []*Space{
		withTemp("code_generation", 0.2),
		withTemp("question_answering", 0.3),
		withTemp("text_analysis", 0.3),
		withTemp("creative_writing", 0.9),
		withTemp("data_processing", 0.1),
		withTemp("planning", 0.5),
		withTemp("research", 0.4),
		withTemp("translation", 0.3),
		withTemp("summarization", 0.3),
		withTemp("classification", 0.1),
	}
}

func genericSpace(category string) *Space {
	s := builtinSpaces()[1] // question_answering defaults
	return &Space{Category: category, Dimensions: s.Dimensions}
}
