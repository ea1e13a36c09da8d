// Package analyzer implements the rule analyzers that score one concern of
// a transaction each. Every analyzer returns a risk score in [0,1] and
// maintains its own bounded per-entity state; the score always reflects
// state as it existed before the transaction being scored.
package analyzer

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/reference"
)

// Analyzer scores one concern of a transaction. Analyze mutates the
// analyzer's own state store as a side effect and must be safe for
// concurrent calls with different entity keys.
type Analyzer interface {
	// Name returns the rule name the analyzer serves.
	Name() string

	// Analyze returns a risk score in [0,1] for the transaction.
	Analyze(ctx context.Context, tx *domain.Transaction) (float64, error)
}

// Registry is the closed set of analyzers built at startup. Registration
// happens once during construction; lookups are read-only afterward.
type Registry struct {
	mu        sync.RWMutex
	analyzers map[string]Analyzer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{analyzers: make(map[string]Analyzer)}
}

// Register adds an analyzer. Registering a duplicate name is a
// configuration error.
func (r *Registry) Register(a Analyzer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.analyzers[a.Name()]; exists {
		return &domain.ConfigError{Rule: a.Name(), Reason: "analyzer already registered"}
	}
	r.analyzers[a.Name()] = a
	return nil
}

// Get returns the analyzer for a rule name.
func (r *Registry) Get(name string) (Analyzer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.analyzers[name]
	return a, ok
}

// Names returns all registered analyzer names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.analyzers))
	for name := range r.analyzers {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry builds the full builtin analyzer set with stock
// configuration, wired against the given reference table.
func DefaultRegistry(ref *reference.Table) (*Registry, error) {
	velocity := NewVelocity(DefaultVelocityConfig())
	amount := NewAmount(DefaultAmountConfig(), ref)
	location := NewLocation(DefaultLocationConfig(), ref)
	device := NewDevice(DefaultDeviceConfig())
	tod := NewTimeOfDay(DefaultTimeConfig())
	merchant := NewMerchant(DefaultMerchantConfig())
	network := NewNetwork(DefaultNetworkConfig(), ref)
	behavioral := NewBehavioral(DefaultBehavioralConfig())
	ml := NewML(DefaultMLConfig(), MLInputs{
		Velocity:   velocity,
		Device:     device,
		Merchant:   merchant,
		Network:    network,
		Behavioral: behavioral,
		Reference:  ref,
	})

	reg := NewRegistry()
	for _, a := range []Analyzer{
		velocity, amount, location, device, tod,
		merchant, network, behavioral, ml,
	} {
		if err := reg.Register(a); err != nil {
			return nil, fmt.Errorf("failed to build analyzer registry: %w", err)
		}
	}
	return reg, nil
}

// keyedLock provides a fixed pool of mutexes keyed by entity ID, so that
// transactions for different entities proceed in parallel while
// read-modify-write on one entity's state serializes. Memory stays bounded
// regardless of how many keys are seen, at the cost of occasional false
// sharing between keys that hash to the same shard.
type keyedLock struct {
	shards [128]sync.Mutex
}

// lock acquires the mutex for the given key and returns an unlock function.
func (k *keyedLock) lock(key string) func() {
	mu := k.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (k *keyedLock) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &k.shards[h.Sum32()%uint32(len(k.shards))]
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
