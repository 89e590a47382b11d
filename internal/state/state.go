// Package state holds the daemon's in-memory deduplication state. Nothing here
// is safe for concurrent use: both stores are owned by the dispatcher loop and
// mutated only from it. State is not persisted and is rebuilt from live
// observations after a restart.
package state

import (
	"net/netip"

	"nasnotifier/internal/models"
)

// KnownAddresses records, per user, the source addresses previously seen on a
// successful login
type KnownAddresses struct {
	byUser map[string]map[netip.Addr]struct{}

	// trusted for every user, from configuration
	global map[netip.Addr]struct{}

	size int
}

// NewKnownAddresses creates a store. Addresses in trusted are treated as known
// for every user.
func NewKnownAddresses(trusted ...netip.Addr) *KnownAddresses {
	k := &KnownAddresses{
		byUser: make(map[string]map[netip.Addr]struct{}),
		global: make(map[netip.Addr]struct{}, len(trusted)),
	}
	for _, addr := range trusted {
		k.global[addr.Unmap()] = struct{}{}
	}
	return k
}

// IsNew reports whether addr has not been recorded for user
func (k *KnownAddresses) IsNew(user string, addr netip.Addr) bool {
	addr = addr.Unmap()
	if _, ok := k.global[addr]; ok {
		return false
	}
	_, ok := k.byUser[user][addr]
	return !ok
}

// Record marks addr as known for user. Recording an address twice has no
// further effect.
func (k *KnownAddresses) Record(user string, addr netip.Addr) {
	addr = addr.Unmap()
	set, ok := k.byUser[user]
	if !ok {
		set = make(map[netip.Addr]struct{})
		k.byUser[user] = set
	}
	if _, ok := set[addr]; ok {
		return
	}
	set[addr] = struct{}{}
	k.size++
}

// Len returns the number of recorded (user, address) pairs, excluding the
// trusted addresses
func (k *KnownAddresses) Len() int { return k.size }

// PoolHealthTable keeps the last reported health of every pool seen
type PoolHealthTable struct {
	pools map[string]models.PoolHealthSnapshot
}

// NewPoolHealthTable creates an empty table
func NewPoolHealthTable() *PoolHealthTable {
	return &PoolHealthTable{pools: make(map[string]models.PoolHealthSnapshot)}
}

// Update stores the snapshot and returns a transition when the pool was
// already known with a different health. Two unrecognised codes differ when
// zpool printed different text for them. The first snapshot of a pool is
// stored without a transition since there is nothing to compare it with.
func (t *PoolHealthTable) Update(s models.PoolHealthSnapshot) (models.Transition, bool) {
	prev, known := t.pools[s.Pool]
	t.pools[s.Pool] = s
	if !known || prev.Label() == s.Label() {
		return models.Transition{}, false
	}
	return models.Transition{
		Pool:   s.Pool,
		Old:    prev.Health,
		New:    s.Health,
		OldRaw: prev.Raw,
		NewRaw: s.Raw,
	}, true
}

// Get returns the recorded code for pool
func (t *PoolHealthTable) Get(pool string) (models.HealthCode, bool) {
	s, ok := t.pools[pool]
	return s.Health, ok
}

// Len returns the number of pools with a recorded code
func (t *PoolHealthTable) Len() int { return len(t.pools) }
