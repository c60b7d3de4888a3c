// Package cluster tracks copycat's membership view: the active (voting)
// and passive (learner) member sets, and the local member's own
// identity, a stable hash of its address.
//
// The view is mutated only by applying a committed ConfigurationEntry,
// never directly by a join/leave/promote/demote request, which must
// first go through the log.
package cluster

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/ctrimble/copycat/internal/entry"
)

// MemberID is the stable identity of a cluster member: a hash of its
// address.
type MemberID uint64

// MemberIDOf derives the stable id for an address.
func MemberIDOf(addr entry.Address) MemberID {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d", addr.Host, addr.Port)
	return MemberID(h.Sum64())
}

// View is the current membership: active (voting) and passive (learner)
// member sets, keyed by MemberID. Safe for concurrent reads while a
// single executor thread applies mutations.
type View struct {
	mu      sync.RWMutex
	active  map[MemberID]entry.Address
	passive map[MemberID]entry.Address
	self    entry.Address
	selfID  MemberID
}

// New returns a View seeded with a single active member: the local
// node, bootstrapping a brand-new cluster of one.
func New(self entry.Address) *View {
	id := MemberIDOf(self)
	return &View{
		active:  map[MemberID]entry.Address{id: self},
		passive: map[MemberID]entry.Address{},
		self:    self,
		selfID:  id,
	}
}

// Self returns the local member's address and id.
func (v *View) Self() (entry.Address, MemberID) {
	return v.self, v.selfID
}

// IsActive reports whether id is currently a voting member.
func (v *View) IsActive(id MemberID) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.active[id]
	return ok
}

// IsPassive reports whether id is currently a non-voting learner.
func (v *View) IsPassive(id MemberID) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.passive[id]
	return ok
}

// ActiveMembers returns a stable-ordered snapshot of voting member
// addresses, including self.
func (v *View) ActiveMembers() []entry.Address {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return sortedAddresses(v.active)
}

// PassiveMembers returns a stable-ordered snapshot of learner addresses.
func (v *View) PassiveMembers() []entry.Address {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return sortedAddresses(v.passive)
}

func sortedAddresses(m map[MemberID]entry.Address) []entry.Address {
	out := make([]entry.Address, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ActiveCount returns the number of voting members, used to compute the
// commit quorum.
func (v *View) ActiveCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.active)
}

// Quorum returns floor(N/2)+1 for the current active member count.
func (v *View) Quorum() int {
	n := v.ActiveCount()
	return n/2 + 1
}

// Snapshot builds the ConfigurationEntry payload reflecting the current
// view, appended whenever membership changes and handed to a newly
// registered session.
func (v *View) Snapshot() *entry.ConfigurationEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return &entry.ConfigurationEntry{
		Active:  sortedAddresses(v.active),
		Passive: sortedAddresses(v.passive),
	}
}

// Apply mutates the view to match a committed ConfigurationEntry. Only
// the log-committed entry is trusted as the source of truth; a
// join/leave/promote/demote request merely proposes one of these.
func (v *View) Apply(e *entry.ConfigurationEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	active := make(map[MemberID]entry.Address, len(e.Active))
	for _, a := range e.Active {
		active[MemberIDOf(a)] = a
	}
	passive := make(map[MemberID]entry.Address, len(e.Passive))
	for _, a := range e.Passive {
		passive[MemberIDOf(a)] = a
	}
	v.active = active
	v.passive = passive
}

// Propose* build the next ConfigurationEntry for a requested membership
// change without mutating the view; the caller must append it, wait for
// commit, and Apply it like any other committed entry. This keeps the
// view itself a pure function of what raft has committed.

// ProposeJoin adds addr as a new passive (learner) member.
func (v *View) ProposeJoin(addr entry.Address) *entry.ConfigurationEntry {
	return v.proposeWith(addr, func(active, passive map[MemberID]entry.Address) {
		passive[MemberIDOf(addr)] = addr
	})
}

// ProposeLeave removes addr from whichever set currently holds it.
func (v *View) ProposeLeave(addr entry.Address) *entry.ConfigurationEntry {
	id := MemberIDOf(addr)
	return v.proposeWith(addr, func(active, passive map[MemberID]entry.Address) {
		delete(active, id)
		delete(passive, id)
	})
}

// ProposePromote moves addr from passive to active.
func (v *View) ProposePromote(addr entry.Address) *entry.ConfigurationEntry {
	id := MemberIDOf(addr)
	return v.proposeWith(addr, func(active, passive map[MemberID]entry.Address) {
		delete(passive, id)
		active[id] = addr
	})
}

// ProposeDemote moves addr from active to passive.
func (v *View) ProposeDemote(addr entry.Address) *entry.ConfigurationEntry {
	id := MemberIDOf(addr)
	return v.proposeWith(addr, func(active, passive map[MemberID]entry.Address) {
		delete(active, id)
		passive[id] = addr
	})
}

func (v *View) proposeWith(addr entry.Address, mutate func(active, passive map[MemberID]entry.Address)) *entry.ConfigurationEntry {
	v.mu.RLock()
	active := cloneAddresses(v.active)
	passive := cloneAddresses(v.passive)
	v.mu.RUnlock()

	mutate(active, passive)
	return &entry.ConfigurationEntry{
		Active:  sortedAddresses(active),
		Passive: sortedAddresses(passive),
	}
}

func cloneAddresses(m map[MemberID]entry.Address) map[MemberID]entry.Address {
	out := make(map[MemberID]entry.Address, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
