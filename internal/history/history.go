// Package history keeps a fixed-capacity ring of observations per asset.
package history

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"oracle-engine/internal/observation"
)

var (
	// ErrInvalidCapacity indicates a zero ring capacity.
	ErrInvalidCapacity = errors.New("history: capacity must be positive")
	// ErrCapacityImmutable indicates an attempt to change the capacity of a registered asset.
	ErrCapacityImmutable = errors.New("history: capacity cannot change once set")
	// ErrUnknownAsset indicates an asset with no ring and no default capacity.
	ErrUnknownAsset = errors.New("history: unknown asset")
	// ErrInsufficientData indicates fewer stored observations than requested.
	ErrInsufficientData = errors.New("history: insufficient data")
	// ErrInvalidWindow indicates a zero window amount or increment.
	ErrInvalidWindow = errors.New("history: invalid window")
)

type ring struct {
	entries []observation.Observation
	// next is the slot the following Push writes.
	next  int
	count int
}

func (r *ring) push(obs observation.Observation) {
	r.entries[r.next] = obs
	r.next = (r.next + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
}

func (r *ring) get(indexFromNewest int) observation.Observation {
	slot := (r.next - 1 - indexFromNewest) % len(r.entries)
	if slot < 0 {
		slot += len(r.entries)
	}
	return r.entries[slot]
}

// Store holds one ring per asset. Assets pushed without registration get the default capacity.
type Store struct {
	defaultCapacity int

	mu    sync.RWMutex
	rings map[common.Address]*ring
}

// NewStore constructs a Store. A defaultCapacity of zero requires explicit registration.
func NewStore(defaultCapacity int) *Store {
	if defaultCapacity < 0 {
		defaultCapacity = 0
	}
	return &Store{defaultCapacity: defaultCapacity, rings: make(map[common.Address]*ring)}
}

// Register creates the ring for asset. Registering again with the same capacity is a no-op.
func (s *Store) Register(asset common.Address, capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rings[asset]; ok {
		if len(r.entries) != capacity {
			return fmt.Errorf("%w: %s has %d, requested %d", ErrCapacityImmutable, asset.Hex(), len(r.entries), capacity)
		}
		return nil
	}
	s.rings[asset] = &ring{entries: make([]observation.Observation, capacity)}
	return nil
}

// Push appends obs as the newest entry for asset, overwriting the oldest once full.
func (s *Store) Push(asset common.Address, obs observation.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[asset]
	if !ok {
		if s.defaultCapacity == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
		}
		r = &ring{entries: make([]observation.Observation, s.defaultCapacity)}
		s.rings[asset] = r
	}
	r.push(obs)
	return nil
}

// Get returns the observation indexFromNewest positions back; zero is the newest.
func (s *Store) Get(asset common.Address, indexFromNewest int) (observation.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rings[asset]
	if !ok {
		return observation.Observation{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	if indexFromNewest < 0 || indexFromNewest >= r.count {
		return observation.Observation{}, fmt.Errorf("%w: index %d of %d", ErrInsufficientData, indexFromNewest, r.count)
	}
	return r.get(indexFromNewest), nil
}

// Latest returns the newest observation for asset.
func (s *Store) Latest(asset common.Address) (observation.Observation, error) {
	return s.Get(asset, 0)
}

// Count returns how many slots of asset's ring are populated.
func (s *Store) Count(asset common.Address) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rings[asset]; ok {
		return r.count
	}
	return 0
}

// Capacity returns the ring size of asset, zero when it has none.
func (s *Store) Capacity(asset common.Address) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rings[asset]; ok {
		return len(r.entries)
	}
	return 0
}

// Required returns how many observations a window of amount entries starting offset
// positions back with the given increment needs.
func Required(amount, offset, increment int) int {
	return offset + (amount-1)*increment + 1
}

// Window returns amount observations newest-first at indices offset, offset+increment, ...
func (s *Store) Window(asset common.Address, amount, offset, increment int) ([]observation.Observation, error) {
	if amount <= 0 || increment <= 0 || offset < 0 {
		return nil, fmt.Errorf("%w: amount=%d offset=%d increment=%d", ErrInvalidWindow, amount, offset, increment)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rings[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	if need := Required(amount, offset, increment); r.count < need {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, r.count, need)
	}
	out := make([]observation.Observation, amount)
	for i := range out {
		out[i] = r.get(offset + i*increment)
	}
	return out, nil
}

// Assets returns every asset with a ring, sorted by address.
func (s *Store) Assets() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Address, 0, len(s.rings))
	for a := range s.rings {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
