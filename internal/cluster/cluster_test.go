package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ctrimble/copycat/internal/entry"
)

func addr(host string, port int) entry.Address { return entry.Address{Host: host, Port: port} }

func TestNewSeedsSingleActiveMember(t *testing.T) {
	self := addr("node-1", 8001)
	v := New(self)

	assert.Equal(t, 1, v.ActiveCount())
	assert.True(t, v.IsActive(MemberIDOf(self)))
	gotSelf, gotID := v.Self()
	assert.Equal(t, self, gotSelf)
	assert.Equal(t, MemberIDOf(self), gotID)
}

func TestQuorumMatchesFloorNPlus1(t *testing.T) {
	v := New(addr("node-1", 8001))
	assert.Equal(t, 1, v.Quorum())

	cfg := &entry.ConfigurationEntry{
		Active: []entry.Address{addr("node-1", 8001), addr("node-2", 8002), addr("node-3", 8003)},
	}
	v.Apply(cfg)
	assert.Equal(t, 3, v.ActiveCount())
	assert.Equal(t, 2, v.Quorum())

	cfg.Active = append(cfg.Active, addr("node-4", 8004))
	v.Apply(cfg)
	assert.Equal(t, 4, v.ActiveCount())
	assert.Equal(t, 3, v.Quorum())
}

func TestProposeJoinAddsPassiveWithoutMutatingView(t *testing.T) {
	v := New(addr("node-1", 8001))
	joiner := addr("node-2", 8002)

	cfg := v.ProposeJoin(joiner)
	assert.False(t, v.IsPassive(MemberIDOf(joiner)), "proposing must not mutate the view directly")
	assert.Contains(t, cfg.Passive, joiner)

	v.Apply(cfg)
	assert.True(t, v.IsPassive(MemberIDOf(joiner)))
	assert.False(t, v.IsActive(MemberIDOf(joiner)))
}

func TestProposePromoteMovesPassiveToActive(t *testing.T) {
	v := New(addr("node-1", 8001))
	joiner := addr("node-2", 8002)
	v.Apply(v.ProposeJoin(joiner))
	assert.True(t, v.IsPassive(MemberIDOf(joiner)))

	v.Apply(v.ProposePromote(joiner))
	assert.True(t, v.IsActive(MemberIDOf(joiner)))
	assert.False(t, v.IsPassive(MemberIDOf(joiner)))
}

func TestProposeDemoteMovesActiveToPassive(t *testing.T) {
	v := New(addr("node-1", 8001))
	member := addr("node-2", 8002)
	v.Apply(v.ProposeJoin(member))
	v.Apply(v.ProposePromote(member))

	v.Apply(v.ProposeDemote(member))
	assert.True(t, v.IsPassive(MemberIDOf(member)))
	assert.False(t, v.IsActive(MemberIDOf(member)))
}

func TestProposeLeaveRemovesFromEitherSet(t *testing.T) {
	v := New(addr("node-1", 8001))
	member := addr("node-2", 8002)
	v.Apply(v.ProposeJoin(member))

	v.Apply(v.ProposeLeave(member))
	assert.False(t, v.IsPassive(MemberIDOf(member)))
	assert.False(t, v.IsActive(MemberIDOf(member)))
}

func TestSnapshotReflectsCurrentView(t *testing.T) {
	v := New(addr("node-1", 8001))
	v.Apply(v.ProposeJoin(addr("node-2", 8002)))

	snap := v.Snapshot()
	assert.Len(t, snap.Active, 1)
	assert.Len(t, snap.Passive, 1)
}

func TestMemberIDOfIsStableAndAddressSensitive(t *testing.T) {
	a := addr("node-1", 8001)
	b := addr("node-1", 8001)
	c := addr("node-1", 8002)

	assert.Equal(t, MemberIDOf(a), MemberIDOf(b))
	assert.NotEqual(t, MemberIDOf(a), MemberIDOf(c))
}
