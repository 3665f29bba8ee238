package metacache

import (
	"context"
	"sync"

	"github.com/jshonwang/kudu-metacache/pkg/cacheerrors"
)

// ServerPicker selects which replica of a tablet an RPC should target and
// records the outcome, mirroring meta_cache.cc's ServerPicker: it always
// prefers the sticky leader, remembers replicas that have locally rejected
// leadership for the lifetime of one RPC's retries, and preemptively
// promotes a new believed leader without waiting for a master round trip
// (spec section 4.6).
type ServerPicker struct {
	mu        sync.Mutex
	cache     *MetaCache
	tablet    *RemoteTablet
	relookup  func(ctx context.Context) (*RemoteTablet, error)
	followers map[*RemoteTabletServer]bool
}

// NewServerPicker returns a ServerPicker over tablet's current replica set.
// relookup re-resolves the tablet from the master and is invoked, with the
// follower-rejection set cleared, once every known replica has been tried
// and rejected as leader (spec section 4.6 step 5). Callers should not
// build this directly; use MetaCache.PickerForKey or PickerForID, which
// bind relookup to the original lookup's arguments.
func NewServerPicker(cache *MetaCache, tablet *RemoteTablet, relookup func(ctx context.Context) (*RemoteTablet, error)) *ServerPicker {
	return &ServerPicker{
		cache:     cache,
		tablet:    tablet,
		relookup:  relookup,
		followers: make(map[*RemoteTabletServer]bool),
	}
}

// PickerForKey returns a ServerPicker for tablet that re-resolves via
// LookupTabletByKey(tableID, partitionKey) once every replica has been
// rejected as leader.
func (m *MetaCache) PickerForKey(tablet *RemoteTablet, tableID string, partitionKey []byte) *ServerPicker {
	return NewServerPicker(m, tablet, func(ctx context.Context) (*RemoteTablet, error) {
		return m.LookupTabletByKey(ctx, tableID, partitionKey)
	})
}

// PickerForID returns a ServerPicker for tablet that re-resolves via
// LookupTabletByID(tabletID) once every replica has been rejected as
// leader.
func (m *MetaCache) PickerForID(tablet *RemoteTablet, tabletID string) *ServerPicker {
	return NewServerPicker(m, tablet, func(ctx context.Context) (*RemoteTablet, error) {
		return m.LookupTabletByID(ctx, tabletID)
	})
}

// PickLeader returns a tablet server to send the next RPC to, implementing
// ServerPicker::PickLeader's state machine:
//
//  0. if the tablet is already stale, skip local replica selection
//     entirely and go straight to 3;
//  1. if the tablet's believed leader has not been locally rejected this
//     round, use it;
//  2. otherwise scan the non-failed replica list, skip any replica already
//     rejected as leader, and preemptively promote the first survivor via
//     MarkTServerAsLeader -- a belief update made ahead of any master
//     confirmation, so the very next PickLeader call sees it as leader;
//  3. if every known replica has been rejected, or the tablet was already
//     stale, force a fresh master lookup, clear the rejection set, and
//     retry against whatever the master returns.
func (p *ServerPicker) PickLeader(ctx context.Context) (*RemoteTabletServer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tablet.IsStale() {
		return p.relookupLocked(ctx)
	}

	if leader, err := p.tablet.LeaderTServer(); err == nil && !p.followers[leader] {
		return leader, nil
	}

	for _, ts := range p.tablet.GetRemoteTabletServers() {
		if p.followers[ts] {
			continue
		}
		p.tablet.MarkTServerAsLeader(ts)
		return ts, nil
	}

	p.tablet.MarkStale()
	return p.relookupLocked(ctx)
}

// relookupLocked forces a fresh master lookup and clears the local
// rejection set, retrying against whatever replica set the master
// returns. p.mu must be held.
func (p *ServerPicker) relookupLocked(ctx context.Context) (*RemoteTabletServer, error) {
	p.followers = make(map[*RemoteTabletServer]bool)
	tablet, err := p.relookup(ctx)
	if err != nil {
		return nil, err
	}
	p.tablet = tablet
	return p.tablet.LeaderTServer()
}

// MarkServerFailed records ts as failed for this tablet after an RPC to it
// could not be completed (connection refused, timeout). If ts was the
// believed leader, the tablet is also marked stale so the next lookup
// revalidates against the master rather than sticking to a dead leader.
func (p *ServerPicker) MarkServerFailed(ts *RemoteTabletServer, err error) {
	leader, lerr := p.tablet.LeaderTServer()
	p.tablet.MarkReplicaFailed(ts, err)
	if lerr == nil && leader == ts {
		p.tablet.MarkStale()
	}
}

// MarkReplicaNotLeader records that ts replied it is not (or is no longer)
// the tablet's leader: ts is demoted to FOLLOWER and added to this picker's
// local rejection set, so the next PickLeader call within the same RPC's
// retries skips it in favor of a different replica instead of retrying it.
func (p *ServerPicker) MarkReplicaNotLeader(ts *RemoteTabletServer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tablet.MarkTServerAsFollower(ts)
	p.followers[ts] = true
}

// MarkResourceNotFound records that ts reported it no longer hosts this
// tablet at all (e.g. after a tablet split or move), which also marks the
// tablet stale.
func (p *ServerPicker) MarkResourceNotFound(ts *RemoteTabletServer) {
	p.tablet.MarkReplicaFailed(ts, cacheerrors.NotFound("replica reported TABLET_NOT_FOUND", p.tablet.DebugString()))
	p.tablet.MarkStale()
}
