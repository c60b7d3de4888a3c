package raft

import (
	"github.com/ctrimble/copycat/internal/transport"
)

// passiveRole is a non-voting learner: it replicates the log exactly
// like a Follower so it can be promoted with no catch-up lag, but it
// never starts an election, never grants a vote, and never accepts a
// poll. Promotion happens when a committed ConfigurationEntry moves
// this server's address into the active set; the executor notices the
// move and transitions the role itself.
type passiveRole struct {
	baseRole
}

func (p *passiveRole) name() string { return "passive" }

func (p *passiveRole) enter() {}
func (p *passiveRole) leave() {}

// handleAppend shares Follower's log-reconciliation logic via
// appendEntries; the two roles accept replication identically and
// only differ in whether they may contest an election. A promotion
// (this server's address moving into the active set) is picked up
// right after applying the batch that committed it.
func (p *passiveRole) handleAppend(req *transport.AppendRequest) *transport.AppendResponse {
	resp := appendEntries(p.s.ctx, req)
	if p.s.ctx.view.IsActive(p.s.ctx.selfID) {
		p.s.transitionTo(&followerRole{baseRole: baseRole{s: p.s}})
	}
	return resp
}

// handleInstallSnapshot shares Follower's installSnapshot logic; a
// Passive learner catching up from a snapshot is exactly as common as a
// Follower doing so.
func (p *passiveRole) handleInstallSnapshot(req *transport.InstallSnapshotRequest) *transport.InstallSnapshotResponse {
	return installSnapshot(p.s.ctx, req)
}
