// Package stats owns the aggregate state broadcast to admins and the
// broadcaster that perturbs it on every tick.
package stats

import (
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

var (
	ErrEmptyMetricName     = errors.New("metric name is empty")
	ErrDuplicateMetricName = errors.New("duplicate metric name")
	ErrNegativeBound       = errors.New("metric bound is negative")
)

// Definition describes one metric: where it starts and how far a single
// tick may move it in either direction.
type Definition struct {
	Name    string  `toml:"name" yaml:"name" json:"name"`
	Initial float64 `toml:"initial" yaml:"initial" json:"initial"`
	Bound   float64 `toml:"bound" yaml:"bound" json:"bound"`
}

// DefaultDefinitions are used when no metrics are configured.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: "traceability", Initial: 101, Bound: 1},
		{Name: "contradiction", Initial: 599, Bound: 2},
	}
}

func ValidateDefinitions(definitions []Definition) error {
	seen := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		name := strings.TrimSpace(definition.Name)
		if name == "" {
			return ErrEmptyMetricName
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateMetricName, name)
		}
		if definition.Bound < 0 {
			return fmt.Errorf("%w: %s", ErrNegativeBound, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// State is the mutable aggregate record. Only the broadcaster mutates values.
type State struct {
	mu      sync.RWMutex
	order   []string
	values  map[string]float64
	bounds  map[string]float64
	random  *rand.Rand
	updated time.Time
}

// NewState builds state from definitions. A nil random source is seeded
// from the runtime.
func NewState(definitions []Definition, random *rand.Rand) (*State, error) {
	if len(definitions) == 0 {
		definitions = DefaultDefinitions()
	}
	if err := ValidateDefinitions(definitions); err != nil {
		return nil, err
	}
	if random == nil {
		random = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	state := &State{
		values: make(map[string]float64, len(definitions)),
		bounds: make(map[string]float64, len(definitions)),
		random: random,
	}
	state.applyLocked(definitions)
	return state, nil
}

// Perturb moves every metric by an independent uniform draw within its
// bound and returns the applied deltas.
func (state *State) Perturb(now time.Time) map[string]float64 {
	state.mu.Lock()
	defer state.mu.Unlock()

	deltas := make(map[string]float64, len(state.order))
	for _, name := range state.order {
		bound := state.bounds[name]
		delta := (state.random.Float64()*2 - 1) * bound
		state.values[name] += delta
		deltas[name] = delta
	}
	state.updated = now
	return deltas
}

// Snapshot returns a copy of the current values.
func (state *State) Snapshot() map[string]float64 {
	state.mu.RLock()
	defer state.mu.RUnlock()
	snapshot := make(map[string]float64, len(state.order))
	for _, name := range state.order {
		snapshot[name] = state.values[name]
	}
	return snapshot
}

func (state *State) Names() []string {
	state.mu.RLock()
	defer state.mu.RUnlock()
	return append([]string(nil), state.order...)
}

func (state *State) Bound(name string) (float64, bool) {
	state.mu.RLock()
	defer state.mu.RUnlock()
	bound, ok := state.bounds[name]
	return bound, ok
}

func (state *State) UpdatedAt() time.Time {
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.updated
}

// Reconfigure applies new definitions without resetting values: existing
// metrics keep their current value and take the new bound, new metrics start
// at their initial value, and metrics no longer defined stop being reported.
func (state *State) Reconfigure(definitions []Definition) error {
	if err := ValidateDefinitions(definitions); err != nil {
		return err
	}
	if len(definitions) == 0 {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.applyLocked(definitions)
	return nil
}

func (state *State) applyLocked(definitions []Definition) {
	previous := maps.Clone(state.values)
	state.order = state.order[:0]
	state.values = make(map[string]float64, len(definitions))
	state.bounds = make(map[string]float64, len(definitions))
	for _, definition := range definitions {
		name := strings.TrimSpace(definition.Name)
		state.order = append(state.order, name)
		if value, ok := previous[name]; ok {
			state.values[name] = value
		} else {
			state.values[name] = definition.Initial
		}
		state.bounds[name] = definition.Bound
	}
}
