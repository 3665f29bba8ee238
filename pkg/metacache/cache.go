// Package metacache is the client-side metadata cache and leader-selection
// core: it answers "which tablet server should serve this partition key (or
// this tablet id) right now" from a local cache whenever possible, and
// falls back to the master cluster -- and back-fills the cache from its
// answer -- when it cannot. Grounded throughout on
// _examples/original_source/src/kudu/client/meta_cache.cc.
package metacache

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jshonwang/kudu-metacache/pkg/cacheerrors"
	"github.com/jshonwang/kudu-metacache/pkg/clock"
	"github.com/jshonwang/kudu-metacache/pkg/masterrpc"
	"github.com/jshonwang/kudu-metacache/pkg/metrics"
	"github.com/jshonwang/kudu-metacache/pkg/tserverproxy"
)

// MetaCache is the top-level object described by the specification: a
// client-side cache of table partitioning and tablet-server location
// information, with master-cluster fallback and sticky-leader selection.
// Lock ordering, cache-wide mutex before any per-tablet or per-server lock,
// mirrors meta_cache.cc's MetaCache::lock_.
type MetaCache struct {
	mu          sync.RWMutex
	ranges      map[string]*RangeMap     // by table id
	tabletsByID map[string]*RemoteTablet // global, spec section 4.2

	registry *TabletServerRegistry
	master   masterrpc.Client
	resolver tserverproxy.Resolver
	proxyOpt tserverproxy.BuildOptions

	clock   clock.Clock
	metrics metrics.Collector
	logger  *slog.Logger
	failLog *Throttle

	permits              chan struct{}
	fetchTabletsPerRange int32
	fetchTabletsPerPoint int32
	visibility           masterrpc.ReplicaFilter
	idTTL                time.Duration
}

// Option configures a MetaCache at construction time.
type Option func(*MetaCache)

// WithClock overrides the time source (default clock.System{}).
func WithClock(c clock.Clock) Option { return func(m *MetaCache) { m.clock = c } }

// WithMetrics overrides the metrics collector (default metrics.Noop{}).
func WithMetrics(c metrics.Collector) Option { return func(m *MetaCache) { m.metrics = c } }

// WithLogger overrides the structured logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option { return func(m *MetaCache) { m.logger = l } }

// WithResolver overrides the DNS resolver the MetaCache holds for
// tablet-server proxy construction (default tserverproxy.SystemResolver{}).
// No MetaCache or ServerPicker method calls RemoteTabletServer.InitProxy, so
// this value is stored but not used; PickLeader returns a server without
// building its proxy.
func WithResolver(r tserverproxy.Resolver) Option { return func(m *MetaCache) { m.resolver = r } }

// WithProxyOptions overrides the UNIX-domain-socket decision inputs the
// MetaCache holds for tserverproxy.Build. Like the resolver, they are stored
// but not passed to any proxy construction by the MetaCache itself.
func WithProxyOptions(o tserverproxy.BuildOptions) Option {
	return func(m *MetaCache) { m.proxyOpt = o }
}

// WithReplicaVisibility controls which replicas GetTableLocations requests
// ask the master for. Default is VotersOnly, since PickLeader never has a
// use for a non-voting replica; pass AnyReplica to also surface learners
// (spec section 4.8's supplemented ReplicaVisibility).
func WithReplicaVisibility(f masterrpc.ReplicaFilter) Option {
	return func(m *MetaCache) { m.visibility = f }
}

// New constructs a MetaCache. permitCapacity bounds concurrent in-flight
// master lookups (spec section 4.5's permit semaphore); fetchTabletsPerRange
// and fetchTabletsPerPoint are the max_returned_locations values used for
// range-mode and point-mode master RPCs respectively; idTTL is
// ClientTabletLocationsByIDTTL, the freshness window applied to entries
// resolved by tablet id (spec section 3, section 6).
func New(master masterrpc.Client, permitCapacity int, fetchTabletsPerRange, fetchTabletsPerPoint int32, idTTL time.Duration, opts ...Option) *MetaCache {
	m := &MetaCache{
		ranges:               make(map[string]*RangeMap),
		tabletsByID:          make(map[string]*RemoteTablet),
		registry:             NewTabletServerRegistry(),
		master:               master,
		resolver:             tserverproxy.SystemResolver{},
		clock:                clock.System{},
		metrics:              metrics.Noop{},
		logger:               slog.Default(),
		permits:              make(chan struct{}, permitCapacity),
		fetchTabletsPerRange: fetchTabletsPerRange,
		fetchTabletsPerPoint: fetchTabletsPerPoint,
		idTTL:                idTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.failLog = NewThrottle(time.Second, m.clock)
	return m
}

// Registry exposes the tablet-server registry, e.g. for the admin server.
func (m *MetaCache) Registry() *TabletServerRegistry { return m.registry }

// DebugTablets returns every tablet currently known by id, for the admin
// server's debug view.
func (m *MetaCache) DebugTablets() []*RemoteTablet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RemoteTablet, 0, len(m.tabletsByID))
	for _, t := range m.tabletsByID {
		out = append(out, t)
	}
	return out
}

// DebugRanges returns every cache entry currently held for tableID, in key
// order, for the admin server's debug view.
func (m *MetaCache) DebugRanges(tableID string) []*CacheEntry {
	rm := m.rangeMapFor(tableID)
	var out []*CacheEntry
	rm.Ascend(func(e *CacheEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func (m *MetaCache) rangeMapFor(tableID string) *RangeMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.ranges[tableID]
	if !ok {
		rm = NewRangeMap()
		m.ranges[tableID] = rm
	}
	return rm
}

// LookupTabletByKey returns the tablet that should own partitionKey within
// tableID, consulting the local cache first and the master cluster on a
// cache miss or stale hit (spec section 4.4/4.5). A miss issues a
// point-mode master lookup (max_returned_locations = kFetchTabletsPerPointLookup),
// appropriate for single-row reads and writes.
func (m *MetaCache) LookupTabletByKey(ctx context.Context, tableID string, partitionKey []byte) (*RemoteTablet, error) {
	return m.lookupTabletByKey(ctx, tableID, partitionKey, m.fetchTabletsPerPoint)
}

// LookupTabletForScan is the range-mode analogue of LookupTabletByKey: a
// cache miss issues a master lookup with max_returned_locations =
// kFetchTabletsPerRangeLookup, fetching extra neighbouring tablets so a
// scan's subsequent LookupTabletByKey calls are more likely to hit the fast
// path (spec section 4.1's "fetching extra neighbours amortises future
// lookups").
func (m *MetaCache) LookupTabletForScan(ctx context.Context, tableID string, partitionKey []byte) (*RemoteTablet, error) {
	return m.lookupTabletByKey(ctx, tableID, partitionKey, m.fetchTabletsPerRange)
}

func (m *MetaCache) lookupTabletByKey(ctx context.Context, tableID string, partitionKey []byte, maxReturned int32) (*RemoteTablet, error) {
	if t, err := m.fastPathByKey(tableID, partitionKey); !cacheerrors.IsIncomplete(err) {
		if err == nil {
			m.metrics.IncCounter(metrics.FastPathHit, map[string]string{"table": tableID}, 1)
		}
		return t, err
	}
	m.metrics.IncCounter(metrics.FastPathMiss, map[string]string{"table": tableID}, 1)
	l := &lookupRpc{cache: m, tableID: tableID, partitionKey: partitionKey, maxReturned: maxReturned, visibility: m.visibility}
	return l.run(ctx)
}

// LookupTabletByID returns the tablet identified by tabletID, consulting the
// local by-id cache first (spec section 4.2/4.4).
func (m *MetaCache) LookupTabletByID(ctx context.Context, tabletID string) (*RemoteTablet, error) {
	if t, err := m.fastPathByID(tabletID); !cacheerrors.IsIncomplete(err) {
		if err == nil {
			m.metrics.IncCounter(metrics.FastPathHit, map[string]string{"tablet_id": tabletID}, 1)
		}
		return t, err
	}
	m.metrics.IncCounter(metrics.FastPathMiss, map[string]string{"tablet_id": tabletID}, 1)
	l := &lookupRpcByID{cache: m, tabletID: tabletID}
	return l.run(ctx)
}

// fastPathByKey implements the fast path of spec section 4.4: a cache hit
// returns (tablet, nil); a known non-covered range returns (nil, NotFound);
// anything else -- no entry, an entry past its TTL, an entry whose tablet is
// stale, or a tablet with no currently-known non-failed leader -- returns
// cacheerrors.Incomplete so the caller falls through to the master.
func (m *MetaCache) fastPathByKey(tableID string, key []byte) (*RemoteTablet, error) {
	rm := m.rangeMapFor(tableID)
	entry, ok := rm.Floor(key)
	if !ok || !entry.Contains(key) {
		return nil, cacheerrors.Incomplete
	}
	if entry.IsExpired(m.clock.Now()) {
		return nil, cacheerrors.Incomplete
	}
	if entry.IsNonCovered() {
		return nil, cacheerrors.NotFound(fmt.Sprintf("partition key falls in a non-covered range of table %s", tableID), entry.DebugString())
	}
	if entry.Tablet.IsStale() {
		return nil, cacheerrors.Incomplete
	}
	if _, err := entry.Tablet.LeaderTServer(); err != nil {
		return nil, cacheerrors.Incomplete
	}
	return entry.Tablet, nil
}

// fastPathByID is fastPathByKey's by-id analogue: freshness here is governed
// by idTTL (ClientTabletLocationsByIDTTL) rather than the master's
// per-response TTLMillis, since a by-id entry is not tied to any one range
// lookup's response.
func (m *MetaCache) fastPathByID(tabletID string) (*RemoteTablet, error) {
	m.mu.RLock()
	t, ok := m.tabletsByID[tabletID]
	m.mu.RUnlock()
	if !ok {
		return nil, cacheerrors.Incomplete
	}
	if t.IsStale() || t.IsExpired(m.clock.Now()) {
		return nil, cacheerrors.Incomplete
	}
	if _, err := t.LeaderTServer(); err != nil {
		return nil, cacheerrors.Incomplete
	}
	return t, nil
}

// ProcessGetTableLocationsResponse ingests a master response into tableID's
// RangeMap, replacing every previously-cached entry that overlaps the
// queried range and inferring non-covered gaps per spec section 4.3. reqMax
// is the max_returned_locations the request carried, needed for the
// short-read trailing-range rule: a response capped at reqMax must not be
// read as proof the table ends after the last returned tablet.
func (m *MetaCache) ProcessGetTableLocationsResponse(tableID string, reqStart []byte, reqMax int32, resp *masterrpc.GetTableLocationsResponse) error {
	rm := m.rangeMapFor(tableID)
	// Every entry installed from this response, covered or not, expires
	// together at the master's advertised TTLMillis from now (spec
	// section 3, section 8 property 3): a non-covered gap is only as
	// trustworthy as the partitioning snapshot that produced it.
	exp := m.clock.Now().Add(time.Duration(resp.TTLMillis) * time.Millisecond)

	if len(resp.TabletLocations) == 0 {
		// The master has no record of any tablet for this table at all, not
		// merely none at or after reqStart: the whole map is stale, mirroring
		// meta_cache.cc's tablets_by_key.clear() (spec section 4.3 step 3).
		rm.Clear()
		rm.Insert(&CacheEntry{Lower: nil, Upper: nil, Tablet: nil, Expiration: exp})
		return nil
	}

	last := resp.TabletLocations[len(resp.TabletLocations)-1]
	scanUpper := last.Partition.End
	// A response capped at reqMax may not reach the table's actual end; the
	// short-read rule below skips inferring an unbounded trailing
	// non-covered range in that case (meta_cache.cc).
	shortRead := int32(len(resp.TabletLocations)) >= reqMax && reqMax > 0

	// If the lookup key falls before the first returned tablet, the
	// resulting initial non-covered range is keyed from the absolute
	// beginning of the key space, not from reqStart -- the cache cannot
	// know reqStart is the true start of the gap, only that the gap extends
	// at least that far back (spec section 4.3 step 4, meta_cache.cc's
	// "erase(begin(), lower_bound(first_lower_bound))").
	eraseStart := reqStart
	if bytes.Compare(resp.TabletLocations[0].Partition.Start, reqStart) > 0 {
		eraseStart = nil
	}
	rm.EraseOverlapping(eraseStart, scanUpper)

	cursor := reqStart
	for i, loc := range resp.TabletLocations {
		if bytes.Compare(loc.Partition.Start, cursor) > 0 {
			lower := cursor
			if i == 0 {
				lower = nil
			}
			rm.Insert(&CacheEntry{Lower: lower, Upper: loc.Partition.Start, Tablet: nil, Expiration: exp})
		}

		tablet, err := m.installTablet(loc, resp.TSInfos)
		if err != nil {
			return err
		}
		rm.Insert(&CacheEntry{Lower: loc.Partition.Start, Upper: loc.Partition.End, Tablet: tablet, Expiration: exp})
		cursor = loc.Partition.End
		if len(cursor) == 0 {
			break
		}
	}

	if !shortRead && len(cursor) > 0 {
		rm.EraseOverlapping(cursor, nil)
		rm.Insert(&CacheEntry{Lower: cursor, Upper: nil, Tablet: nil, Expiration: exp})
	}
	return nil
}

// ProcessGetTabletLocationsResponse ingests a by-id master response into
// the global tabletsByID map (spec section 4.2).
func (m *MetaCache) ProcessGetTabletLocationsResponse(resp *masterrpc.GetTabletLocationsResponse) error {
	for _, loc := range resp.TabletLocations {
		if _, err := m.installTablet(loc, resp.TSInfos); err != nil {
			return err
		}
	}
	return nil
}

// installTablet creates or refreshes the RemoteTablet for loc, resolves its
// replicas against the tablet-server registry, and records it in the
// global by-id map. err is cacheerrors.Corruption if loc references a
// TSInfo index out of range of tsInfos (spec section 4.3's "server index
// out of range" edge case).
func (m *MetaCache) installTablet(loc masterrpc.TabletLocation, tsInfos []masterrpc.TSInfo) (*RemoteTablet, error) {
	replicas, err := m.resolveReplicas(loc, tsInfos)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	tablet, ok := m.tabletsByID[loc.TabletID]
	if !ok {
		tablet = NewRemoteTablet(loc.TabletID, loc.Partition)
		m.tabletsByID[loc.TabletID] = tablet
	}
	m.mu.Unlock()

	tablet.Refresh(replicas)
	tablet.SetExpiration(m.clock.Now().Add(m.idTTL))
	return tablet, nil
}

func (m *MetaCache) resolveReplicas(loc masterrpc.TabletLocation, tsInfos []masterrpc.TSInfo) ([]*RemoteReplica, error) {
	var out []*RemoteReplica
	for _, ir := range loc.InternedReplicas {
		if ir.TSInfoIdx < 0 || ir.TSInfoIdx >= len(tsInfos) {
			return nil, cacheerrors.Corruption("tablet %s: interned replica index %d out of range [0,%d)", loc.TabletID, ir.TSInfoIdx, len(tsInfos))
		}
		ts := m.registry.Upsert(tsInfos[ir.TSInfoIdx])
		out = append(out, &RemoteReplica{Server: ts, Role: ir.Role})
	}
	for _, dr := range loc.DeprecatedReplicas {
		ts := m.registry.Upsert(dr.TSInfo)
		out = append(out, &RemoteReplica{Server: ts, Role: dr.Role})
	}
	return out, nil
}

// MarkTSFailed marks ts failed on every tablet in the cache that lists it as
// a replica, used when a lower layer reports a tablet server unreachable
// independent of any specific RPC (spec section 4.6).
func (m *MetaCache) MarkTSFailed(ts *RemoteTabletServer, err error) {
	m.mu.RLock()
	tablets := make([]*RemoteTablet, 0, len(m.tabletsByID))
	for _, t := range m.tabletsByID {
		tablets = append(tablets, t)
	}
	m.mu.RUnlock()

	for _, t := range tablets {
		for _, r := range t.GetRemoteTabletServers() {
			if r == ts {
				t.MarkReplicaFailed(ts, err)
				m.metrics.IncCounter(metrics.ReplicaMarkedFailed, map[string]string{"tablet": t.ID()}, 1)
				if m.failLog.Allow(t.ID()) {
					m.logger.Warn("tablet server marked failed for tablet", "tserver", ts.UUID(), "tablet", t.ID(), "replicas", t.ReplicasAsString(), "error", err)
				}
			}
		}
	}
}

// ClearCache drops every cached range and tablet entry for every table,
// mirroring MetaCache::ClearCache. It does not forget known tablet servers.
func (m *MetaCache) ClearCache() {
	m.mu.Lock()
	for _, rm := range m.ranges {
		rm.Clear()
	}
	m.tabletsByID = make(map[string]*RemoteTablet)
	m.mu.Unlock()
}

// ClearNonCoveredRangeEntries drops only the non-covered-range entries of
// tableID, forcing the next lookup into any previously-known gap to
// re-verify against the master -- useful after a table's partitioning
// changes in a way the cache cannot infer locally (spec section 4.7).
func (m *MetaCache) ClearNonCoveredRangeEntries(tableID string) {
	rm := m.rangeMapFor(tableID)
	var nonCovered []*CacheEntry
	rm.Ascend(func(e *CacheEntry) bool {
		if e.IsNonCovered() {
			nonCovered = append(nonCovered, e)
		}
		return true
	})
	for _, e := range nonCovered {
		rm.EraseOverlapping(e.Lower, e.Upper)
	}
}

// acquirePermit blocks until a master-lookup permit is available or ctx is
// done, mirroring the capacity-50 semaphore in spec section 4.5.
func (m *MetaCache) acquirePermit(ctx context.Context) (func(), error) {
	select {
	case m.permits <- struct{}{}:
		m.metrics.SetGauge(metrics.PermitsInFlight, nil, float64(len(m.permits)))
		return func() {
			<-m.permits
			m.metrics.SetGauge(metrics.PermitsInFlight, nil, float64(len(m.permits)))
		}, nil
	default:
	}
	m.metrics.IncCounter(metrics.PermitDenied, nil, 1)
	select {
	case m.permits <- struct{}{}:
		m.metrics.SetGauge(metrics.PermitsInFlight, nil, float64(len(m.permits)))
		return func() {
			<-m.permits
			m.metrics.SetGauge(metrics.PermitsInFlight, nil, float64(len(m.permits)))
		}, nil
	case <-ctx.Done():
		return nil, cacheerrors.TimedOut("timed out waiting for a master-lookup permit")
	}
}
