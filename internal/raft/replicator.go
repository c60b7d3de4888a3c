package raft

import (
	"context"
	"sort"

	"github.com/ctrimble/copycat/internal/cluster"
	"github.com/ctrimble/copycat/internal/entry"
	"github.com/ctrimble/copycat/internal/transport"
)

// replicator drives AppendRequest traffic to one peer: it tracks
// nextIndex/matchIndex the way the paper describes, pipelines a batch up
// to maxBatchSize bytes per round, and retries immediately (from the
// corrected nextIndex) on a rejection instead of waiting for the next
// heartbeat tick.
type replicator struct {
	addr       entry.Address
	peer       transport.Peer
	nextIndex  uint64
	matchIndex uint64
	inFlight   bool
}

func newReplicator(s *Server, addr entry.Address) *replicator {
	ctx := s.ctx
	return &replicator{
		addr:      addr,
		peer:      ctx.cfg.Transport.Peer(addr),
		nextIndex: ctx.log.LastIndex() + 1,
	}
}

// replicate sends the next AppendRequest to this peer if one isn't
// already outstanding. The response is delivered back onto the
// executor goroutine via onAppendResponse.
func (r *replicator) replicate(s *Server) {
	if r.inFlight {
		return
	}
	ctx := s.ctx
	prevIndex := r.nextIndex - 1

	if prevIndex > 0 && prevIndex < ctx.log.FirstIndex() {
		// The entries this peer needs have already been compacted away on
		// the leader. Ship a point-in-time snapshot instead and resume normal replication
		// from just past it once the peer confirms.
		r.sendSnapshot(s)
		return
	}

	var prevTerm uint64
	if prevIndex > 0 {
		prevTerm, _ = ctx.log.TermAt(prevIndex)
	}

	entries, kinds := r.collectBatch(ctx, prevIndex)

	req := &transport.AppendRequest{
		Term:         ctx.term,
		Leader:       ctx.self,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		Kinds:        kinds,
		CommitIndex:  ctx.commitIndex,
		GlobalIndex:  ctx.globalIndex,
	}

	r.inFlight = true
	addr := r.addr
	go func() {
		rpcCtx, cancel := context.WithTimeout(context.Background(), ctx.cfg.HeartbeatInterval*4)
		defer cancel()
		resp, err := r.peer.Append(rpcCtx, req)
		s.exec.post(func() {
			r.inFlight = false
			if err != nil {
				raftLogger.Debug().Str("peer", addr.String()).Err(err).Msg("append rpc failed")
				return
			}
			s.onAppendResponse(r, resp)
		})
	}()
}

// sendSnapshot ships the leader's current state-machine snapshot to this
// peer, asynchronously, re-posting the result onto the executor exactly
// like replicate does for a normal AppendRequest.
func (r *replicator) sendSnapshot(s *Server) {
	ctx := s.ctx
	index := ctx.log.FirstIndex() - 1
	term, _ := ctx.log.TermAt(index)
	data, err := ctx.apply.Snapshot()
	if err != nil {
		raftLogger.Error().Err(err).Str("peer", r.addr.String()).Msg("state machine snapshot failed")
		return
	}

	req := &transport.InstallSnapshotRequest{
		Term:         ctx.term,
		Leader:       ctx.self,
		Index:        index,
		SnapshotTerm: term,
		Data:         data,
	}

	r.inFlight = true
	addr := r.addr
	go func() {
		rpcCtx, cancel := context.WithTimeout(context.Background(), ctx.cfg.HeartbeatInterval*8)
		defer cancel()
		resp, err := r.peer.InstallSnapshot(rpcCtx, req)
		s.exec.post(func() {
			r.inFlight = false
			if err != nil {
				raftLogger.Debug().Str("peer", addr.String()).Err(err).Msg("install snapshot rpc failed")
				return
			}
			s.onSnapshotResponse(r, index, resp)
		})
	}()
}

// collectBatch gathers entries starting at prevIndex+1 up to
// maxBatchSize bytes (always including at least one entry if any are
// available, so a single oversized entry still makes progress).
func (r *replicator) collectBatch(ctx *raftContext, prevIndex uint64) ([][]byte, []entry.Kind) {
	last := ctx.log.LastIndex()
	var entries [][]byte
	var kinds []entry.Kind
	size := 0
	for idx := prevIndex + 1; idx <= last; idx++ {
		h, err := ctx.log.Get(idx)
		if err != nil {
			break
		}
		body, encErr := entry.Encode(h.Entry)
		kind := h.Entry.Kind()
		h.Release()
		if encErr != nil {
			break
		}
		if len(entries) > 0 && size+len(body) > maxBatchSize {
			break
		}
		entries = append(entries, body)
		kinds = append(kinds, kind)
		size += len(body)
	}
	return entries, kinds
}

// quorumMatchIndex computes the highest index acknowledged by a quorum
// of the active membership, counting the leader's own log as implicitly
// matched at its last index (decision: the leader never sends itself an
// AppendRequest, so it never appears as a peer replicator).
func quorumMatchIndex(ctx *raftContext, replicators map[cluster.MemberID]*replicator) uint64 {
	matches := make([]uint64, 0, len(replicators)+1)
	matches = append(matches, ctx.log.LastIndex())
	for id, r := range replicators {
		// Passive members replicate but never vote toward commitment.
		if !ctx.view.IsActive(id) {
			continue
		}
		matches = append(matches, r.matchIndex)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	quorum := ctx.view.Quorum()
	if quorum > len(matches) {
		return 0
	}
	return matches[quorum-1]
}

// minMatchIndex is the lower bound across every known replica, the
// global index up to which the compactor may safely discard entries.
func minMatchIndex(ctx *raftContext, replicators map[cluster.MemberID]*replicator) uint64 {
	global := ctx.log.LastIndex()
	for _, r := range replicators {
		if r.matchIndex < global {
			global = r.matchIndex
		}
	}
	return global
}
