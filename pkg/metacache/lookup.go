package metacache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jshonwang/kudu-metacache/pkg/cacheerrors"
	"github.com/jshonwang/kudu-metacache/pkg/masterrpc"
	"github.com/jshonwang/kudu-metacache/pkg/metrics"
)

// newLookupBackoff returns the exponential backoff policy used while a
// master RPC keeps reporting ServiceUnavailable. MaxElapsedTime is left at
// zero (never gives up on its own) since the retry loop is instead bounded
// by the caller's ctx/deadline, per spec section 5's cancellation rules.
func newLookupBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// waitBackoff sleeps for bo's next interval or returns early if ctx is
// done, whichever comes first.
func waitBackoff(ctx context.Context, bo backoff.BackOff) error {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return cacheerrors.TimedOut("exhausted retry backoff waiting on the master")
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return cacheerrors.TimedOut("lookup cancelled while backing off")
	}
}

// lookupRpc is the async state machine backing a cache-miss lookup by
// partition key: acquire a permit, ask the master, ingest its answer, then
// re-run the fast path -- retrying on a stale master leader and, with
// backoff, on a transient ServiceUnavailable -- mirroring meta_cache.cc's
// LookupRpc.
type lookupRpc struct {
	cache        *MetaCache
	tableID      string
	partitionKey []byte
	maxReturned  int32
	visibility   masterrpc.ReplicaFilter
}

// describe renders this lookup's identity for CloneAndPrepend, so a
// terminal error names the request that produced it (spec section 7).
func (l *lookupRpc) describe() string {
	return fmt.Sprintf("lookup(table=%s, key=%x)", l.tableID, l.partitionKey)
}

func (l *lookupRpc) fail(err error) error {
	return cacheerrors.CloneAndPrepend(err, l.describe())
}

func (l *lookupRpc) run(ctx context.Context) (*RemoteTablet, error) {
	release, err := l.cache.acquirePermit(ctx)
	if err != nil {
		return nil, l.fail(err)
	}
	defer release()

	l.cache.metrics.IncCounter(metrics.MasterLookupIssued, map[string]string{"table": l.tableID}, 1)

	req := masterrpc.GetTableLocationsRequest{
		TableID:              l.tableID,
		PartitionKeyStart:    l.partitionKey,
		MaxReturnedLocations: l.maxReturned,
		InternTSInfos:        true,
		ReplicaTypeFilter:    l.visibility,
	}

	bo := newLookupBackoff()
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, l.fail(cacheerrors.TimedOut("lookup cancelled while contacting master"))
		default:
		}

		resp, err := l.cache.master.GetTableLocations(ctx, req)
		if err != nil {
			if isMasterLeaderChanged(err) && attempt == 0 {
				l.cache.metrics.IncCounter(metrics.MasterLookupRetried, map[string]string{"table": l.tableID}, 1)
				if eerr := l.cache.master.EnsureLeader(ctx); eerr != nil {
					return nil, l.fail(cacheerrors.NetworkError("re-resolving master leader: %v", eerr))
				}
				continue
			}
			if isServiceUnavailable(err) {
				l.cache.metrics.IncCounter(metrics.MasterLookupRetried, map[string]string{"table": l.tableID}, 1)
				if werr := waitBackoff(ctx, bo); werr != nil {
					return nil, l.fail(werr)
				}
				continue
			}
			return nil, l.fail(cacheerrors.RemoteError(err))
		}

		if err := l.cache.ProcessGetTableLocationsResponse(l.tableID, l.partitionKey, l.maxReturned, resp); err != nil {
			return nil, l.fail(err)
		}
		break
	}

	tablet, err := l.cache.fastPathByKey(l.tableID, l.partitionKey)
	if cacheerrors.IsIncomplete(err) {
		return nil, l.fail(cacheerrors.Corruption("master response for table %s did not cover the requested key", l.tableID))
	}
	if err != nil {
		return nil, l.fail(err)
	}
	return tablet, nil
}

// lookupRpcByID is the id-based analogue of lookupRpc, mirroring
// meta_cache.cc's LookupRpcById.
type lookupRpcByID struct {
	cache    *MetaCache
	tabletID string
}

func (l *lookupRpcByID) describe() string {
	return fmt.Sprintf("lookup(tablet_id=%s)", l.tabletID)
}

func (l *lookupRpcByID) fail(err error) error {
	return cacheerrors.CloneAndPrepend(err, l.describe())
}

func (l *lookupRpcByID) run(ctx context.Context) (*RemoteTablet, error) {
	release, err := l.cache.acquirePermit(ctx)
	if err != nil {
		return nil, l.fail(err)
	}
	defer release()

	l.cache.metrics.IncCounter(metrics.MasterLookupIssued, map[string]string{"tablet_id": l.tabletID}, 1)

	req := masterrpc.GetTabletLocationsRequest{TabletIDs: []string{l.tabletID}, InternTSInfos: true}

	bo := newLookupBackoff()
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, l.fail(cacheerrors.TimedOut("lookup cancelled while contacting master"))
		default:
		}

		resp, err := l.cache.master.GetTabletLocations(ctx, req)
		if err != nil {
			if isMasterLeaderChanged(err) && attempt == 0 {
				l.cache.metrics.IncCounter(metrics.MasterLookupRetried, map[string]string{"tablet_id": l.tabletID}, 1)
				if eerr := l.cache.master.EnsureLeader(ctx); eerr != nil {
					return nil, l.fail(cacheerrors.NetworkError("re-resolving master leader: %v", eerr))
				}
				continue
			}
			if isServiceUnavailable(err) {
				l.cache.metrics.IncCounter(metrics.MasterLookupRetried, map[string]string{"tablet_id": l.tabletID}, 1)
				if werr := waitBackoff(ctx, bo); werr != nil {
					return nil, l.fail(werr)
				}
				continue
			}
			return nil, l.fail(cacheerrors.RemoteError(err))
		}
		if len(resp.TabletLocations) == 0 {
			return nil, l.fail(cacheerrors.NotFound("master has no record of tablet "+l.tabletID, ""))
		}
		if err := l.cache.ProcessGetTabletLocationsResponse(resp); err != nil {
			return nil, l.fail(err)
		}
		break
	}

	tablet, err := l.cache.fastPathByID(l.tabletID)
	if cacheerrors.IsIncomplete(err) {
		return nil, l.fail(cacheerrors.Corruption("master response for tablet %s was not ingested", l.tabletID))
	}
	if err != nil {
		return nil, l.fail(err)
	}
	return tablet, nil
}

func isMasterLeaderChanged(err error) bool {
	return errors.Is(err, masterrpc.ErrMasterLeaderChanged)
}

func isServiceUnavailable(err error) bool {
	return errors.Is(err, masterrpc.ErrServiceUnavailable)
}
