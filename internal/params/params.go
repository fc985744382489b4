// Package params models the tunable parameter vectors attached to AI task
// executions, their deterministic signatures, and the per-category parameter
// spaces that bound what the optimizer may propose.
package params

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Vector is a named set of tunable settings for one task execution.
// Values are float64 even for discrete dimensions; Space.Clamp rounds
// discrete dimensions back to their step grid.
type Vector map[string]float64

// Clone returns an independent copy of the vector.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// canonical returns the vector as JSON with keys in sorted order so that
// equal vectors always serialize identically.
func (v Vector) canonical() []byte {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type kv struct {
		K string  `json:"k"`
		V float64 `json:"v"`
	}
	pairs := make([]kv, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, kv{K: k, V: v[k]})
	}
	data, _ := json.Marshal(pairs)
	return data
}

// Signature returns the deterministic fingerprint used to group executions
// into cohorts: base64 of the first 16 bytes of a blake2b-256 digest over
// the canonical encoding.
func (v Vector) Signature() string {
	sum := blake2b.Sum256(v.canonical())
	return base64.RawURLEncoding.EncodeToString(sum[:16])
}

// Dimension describes one axis of a parameter space.
type Dimension struct {
	Name     string  `yaml:"name" json:"name"`
	Min      float64 `yaml:"min" json:"min"`
	Max      float64 `yaml:"max" json:"max"`
	Default  float64 `yaml:"default" json:"default"`
	Discrete bool    `yaml:"discrete,omitempty" json:"discrete,omitempty"`
	Step     float64 `yaml:"step,omitempty" json:"step,omitempty"`
}

// Space is the set of dimensions a category's parameters may move within.
type Space struct {
	Category   string      `yaml:"category" json:"category"`
	Dimensions []Dimension `yaml:"dimensions" json:"dimensions"`
}

// Defaults returns the seeded default vector for the space.
func (s *Space) Defaults() Vector {
	v := make(Vector, len(s.Dimensions))
	for _, d := range s.Dimensions {
		v[d.Name] = d.Default
	}
	return v
}

// Dimension looks up a dimension by name.
func (s *Space) Dimension(name string) (Dimension, bool) {
	for _, d := range s.Dimensions {
		if d.Name == name {
			return d, true
		}
	}
	return Dimension{}, false
}

// Clamp forces every known dimension of v into its declared bounds and
// snaps discrete dimensions to their step grid. Unknown keys pass through.
func (s *Space) Clamp(v Vector) Vector {
	out := v.Clone()
	for _, d := range s.Dimensions {
		val, ok := out[d.Name]
		if !ok {
			continue
		}
		if d.Discrete && d.Step > 0 {
			val = math.Round(val/d.Step) * d.Step
		}
		if val < d.Min {
			val = d.Min
		}
		if val > d.Max {
			val = d.Max
		}
		out[d.Name] = val
	}
	return out
}

// Contains reports whether every known dimension of v is within bounds.
func (s *Space) Contains(v Vector) bool {
	for _, d := range s.Dimensions {
		if val, ok := v[d.Name]; ok {
			if val < d.Min || val > d.Max {
				return false
			}
		}
	}
	return true
}

// Validate checks the space definition itself.
func (s *Space) Validate() error {
	if s.Category == "" {
		return fmt.Errorf("space category required")
	}
	if len(s.Dimensions) == 0 {
		return fmt.Errorf("space %s has no dimensions", s.Category)
	}
	for _, d := range s.Dimensions {
		if d.Name == "" {
			return fmt.Errorf("space %s: dimension without a name", s.Category)
		}
		if d.Min > d.Max {
			return fmt.Errorf("space %s: dimension %s has min > max", s.Category, d.Name)
		}
		if d.Default < d.Min || d.Default > d.Max {
			return fmt.Errorf("space %s: dimension %s default out of bounds", s.Category, d.Name)
		}
	}
	return nil
}
