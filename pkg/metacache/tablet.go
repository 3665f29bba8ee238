package metacache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jshonwang/kudu-metacache/pkg/cacheerrors"
	"github.com/jshonwang/kudu-metacache/pkg/masterrpc"
)

// RemoteReplica pairs a tablet server with the role it holds for one
// particular tablet, plus a locally-observed failure flag (spec section
// "RemoteTablet", FailedServers equivalent).
type RemoteReplica struct {
	Server *RemoteTabletServer
	Role   masterrpc.ReplicaRole
	Failed bool
}

// RemoteTablet is the client's view of one tablet: its key range and the
// replicas currently believed to host it. Grounded on meta_cache.cc's
// RemoteTablet, including its per-tablet spinlock (here a sync.RWMutex) that
// is always acquired after the cache's own lock and never held across an
// RPC or DNS suspension point.
type RemoteTablet struct {
	mu         sync.RWMutex
	id         string
	partition  masterrpc.Partition
	replicas   []*RemoteReplica
	stale      bool
	expiration time.Time
}

// NewRemoteTablet constructs a RemoteTablet with no known replicas yet.
func NewRemoteTablet(id string, partition masterrpc.Partition) *RemoteTablet {
	return &RemoteTablet{id: id, partition: partition}
}

// ID returns the tablet's identifier.
func (t *RemoteTablet) ID() string { return t.id }

// Partition returns the tablet's key-range bounds.
func (t *RemoteTablet) Partition() masterrpc.Partition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partition
}

// IsStale reports whether the tablet was marked stale since its last
// Refresh, meaning the next lookup against it must bypass the fast path.
func (t *RemoteTablet) IsStale() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stale
}

// MarkStale flags the tablet so the next lookup consults the master,
// mirroring RemoteTablet::MarkStale (used after a replica reports it no
// longer hosts the tablet).
func (t *RemoteTablet) MarkStale() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stale = true
}

// Refresh installs a fresh replica list from a master response and clears
// the stale flag, mirroring RemoteTablet::Refresh.
func (t *RemoteTablet) Refresh(replicas []*RemoteReplica) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replicas = replicas
	t.stale = false
}

// SetExpiration records the wall-clock instant, derived from
// ClientTabletLocationsByIDTTL at the time this tablet's location was last
// resolved by the master, past which the by-id fast path must not trust it
// regardless of staleness (spec section 3, section 8 property 3).
func (t *RemoteTablet) SetExpiration(exp time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expiration = exp
}

// IsExpired reports whether now has reached or passed the tablet's
// expiration. A zero expiration never expires.
func (t *RemoteTablet) IsExpired(now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.expiration.IsZero() && !now.Before(t.expiration)
}

// LeaderTServer returns the replica currently believed to be LEADER, or
// cacheerrors.NotFound if none is known.
func (t *RemoteTablet) LeaderTServer() (*RemoteTabletServer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.replicas {
		if r.Role == masterrpc.RoleLeader && !r.Failed {
			return r.Server, nil
		}
	}
	return nil, cacheerrors.NotFound(fmt.Sprintf("no LEADER known for tablet %s", t.id), "")
}

// GetRemoteTabletServers returns every non-failed replica's server handle,
// in the original replica order.
func (t *RemoteTablet) GetRemoteTabletServers() []*RemoteTabletServer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*RemoteTabletServer, 0, len(t.replicas))
	for _, r := range t.replicas {
		if !r.Failed {
			out = append(out, r.Server)
		}
	}
	return out
}

// MarkTServerAsLeader promotes ts to LEADER and demotes any other replica
// that currently claims LEADER, mirroring RemoteTablet::MarkTServerAsLeader
// -- the cache always believes at most one leader per tablet.
func (t *RemoteTablet) MarkTServerAsLeader(ts *RemoteTabletServer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.replicas {
		switch {
		case r.Server == ts:
			r.Role = masterrpc.RoleLeader
			r.Failed = false
		case r.Role == masterrpc.RoleLeader:
			r.Role = masterrpc.RoleFollower
		}
	}
}

// MarkTServerAsFollower demotes ts to FOLLOWER, used when a replica replies
// NOT_THE_LEADER for a request the cache believed it could serve as leader.
func (t *RemoteTablet) MarkTServerAsFollower(ts *RemoteTabletServer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.replicas {
		if r.Server == ts {
			r.Role = masterrpc.RoleFollower
		}
	}
}

// MarkReplicaFailed flags ts as failed for this tablet so PickLeader and
// GetRemoteTabletServers skip it until the next Refresh, mirroring
// RemoteTablet::MarkReplicaFailed. err is neither stored nor logged here;
// MetaCache.MarkTSFailed logs the failures it records.
func (t *RemoteTablet) MarkReplicaFailed(ts *RemoteTabletServer, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.replicas {
		if r.Server == ts {
			r.Failed = true
		}
	}
}

// NumFailedReplicas returns how many replicas are currently marked failed,
// mirroring RemoteTablet::GetNumFailedReplicas -- callers use this to decide
// whether a tablet has become unserviceable.
func (t *RemoteTablet) NumFailedReplicas() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, r := range t.replicas {
		if r.Failed {
			n++
		}
	}
	return n
}

// ReplicasAsString renders the replica set for diagnostics, mirroring
// RemoteTablet::ReplicasAsString (used in throttled failure log lines).
func (t *RemoteTablet) ReplicasAsString() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	parts := make([]string, 0, len(t.replicas))
	for _, r := range t.replicas {
		state := "ok"
		if r.Failed {
			state = "failed"
		}
		parts = append(parts, fmt.Sprintf("%s(%s,%s)", r.Server.UUID(), r.Role, state))
	}
	return strings.Join(parts, ",")
}

// DebugString describes the tablet's key range for NotFound error messages.
func (t *RemoteTablet) DebugString() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fmt.Sprintf("tablet %s [%x, %x)", t.id, t.partition.Start, t.partition.End)
}
