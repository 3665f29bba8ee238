package metacache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jshonwang/kudu-metacache/pkg/cacheerrors"
	"github.com/jshonwang/kudu-metacache/pkg/clock"
	"github.com/jshonwang/kudu-metacache/pkg/masterrpc"
)

func newTestCache(master masterrpc.Client) *MetaCache {
	return New(master, 4, 10, 1, time.Hour)
}

func TestLookupTabletByKeyFallsBackToMasterThenHitsFastPath(t *testing.T) {
	master := masterrpc.NewFake(60000)
	ts1 := master.AddServer("", "127.0.0.1", 7150)
	master.PutTablet("orders", masterrpc.FakeTablet{
		ID: "tablet-0", Lower: nil, Upper: nil,
		Replicas: []masterrpc.FakeReplica{{ServerUUID: ts1, Role: masterrpc.RoleLeader}},
	})

	cache := newTestCache(master)
	ctx := context.Background()

	tablet, err := cache.LookupTabletByKey(ctx, "orders", []byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tablet.ID() != "tablet-0" {
		t.Fatalf("expected tablet-0, got %s", tablet.ID())
	}
	if master.TableLookupCount() != 1 {
		t.Fatalf("expected exactly 1 master round trip, got %d", master.TableLookupCount())
	}

	if _, err := cache.LookupTabletByKey(ctx, "orders", []byte("world")); err != nil {
		t.Fatalf("unexpected error on second lookup: %v", err)
	}
	if master.TableLookupCount() != 1 {
		t.Fatalf("second lookup should be served from the fast path, master calls = %d", master.TableLookupCount())
	}
}

func TestLookupTabletByKeyNonCoveredRangeReturnsNotFound(t *testing.T) {
	master := masterrpc.NewFake(60000)
	ts1 := master.AddServer("", "127.0.0.1", 7150)
	master.PutTablet("orders", masterrpc.FakeTablet{
		ID: "tablet-0", Lower: []byte("m"), Upper: nil,
		Replicas: []masterrpc.FakeReplica{{ServerUUID: ts1, Role: masterrpc.RoleLeader}},
	})

	cache := newTestCache(master)
	ctx := context.Background()

	if _, err := cache.LookupTabletByKey(ctx, "orders", []byte("apple")); !errors.Is(err, cacheerrors.ErrNotFound) {
		t.Fatalf("expected NotFound for a key in the initial non-covered gap, got %v", err)
	}

	// A repeated lookup in the same gap must not re-hit the master.
	before := master.TableLookupCount()
	if _, err := cache.LookupTabletByKey(ctx, "orders", []byte("apple")); !errors.Is(err, cacheerrors.ErrNotFound) {
		t.Fatalf("expected NotFound again, got %v", err)
	}
	if master.TableLookupCount() != before {
		t.Fatalf("second lookup in a known non-covered range should not consult the master")
	}
}

// TestLookupAtNonEmptyKeyInfersInitialRangeFromAbsoluteStart covers spec
// section 4.3 step 4 and the worked example S1: a lookup at a non-empty key
// that lands strictly before the first tablet the master returns must infer
// an initial non-covered range keyed from the absolute beginning of the key
// space ([«», first_lower)), not from the requested key. Any key below the
// original lookup key but still inside that true gap must then also hit the
// fast path.
func TestLookupAtNonEmptyKeyInfersInitialRangeFromAbsoluteStart(t *testing.T) {
	cases := []struct {
		name      string
		lookupKey string
		belowKey  string
		tablets   []masterrpc.FakeTablet
	}{
		{
			name:      "single gap before first tablet",
			lookupKey: "c",
			belowKey:  "a",
			tablets: []masterrpc.FakeTablet{
				{ID: "tablet-0", Lower: []byte("c1"), Upper: []byte("c3")},
				{ID: "tablet-1", Lower: []byte("c5"), Upper: []byte("c7")},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			master := masterrpc.NewFake(60000)
			ts1 := master.AddServer("", "127.0.0.1", 7150)
			for _, tablet := range tc.tablets {
				tablet.Replicas = []masterrpc.FakeReplica{{ServerUUID: ts1, Role: masterrpc.RoleLeader}}
				master.PutTablet("orders", tablet)
			}

			cache := newTestCache(master)
			ctx := context.Background()

			if _, err := cache.LookupTabletByKey(ctx, "orders", []byte(tc.lookupKey)); !errors.Is(err, cacheerrors.ErrNotFound) {
				t.Fatalf("expected NotFound for a key landing in the initial gap, got %v", err)
			}

			entries := cache.DebugRanges("orders")
			if len(entries) == 0 {
				t.Fatalf("expected at least one entry after ingest")
			}
			lowest := entries[0]
			if len(lowest.Lower) != 0 {
				t.Fatalf("expected the lowest entry's Lower bound to be empty, got %q", lowest.Lower)
			}

			before := master.TableLookupCount()
			if _, err := cache.LookupTabletByKey(ctx, "orders", []byte(tc.belowKey)); !errors.Is(err, cacheerrors.ErrNotFound) {
				t.Fatalf("expected NotFound for %q, got %v", tc.belowKey, err)
			}
			if master.TableLookupCount() != before {
				t.Fatalf("lookup at %q should hit the fast path via the inferred [«», first_lower) range, got a fresh master round trip", tc.belowKey)
			}
		})
	}
}

func TestLookupTabletByIDUsesFastPathAfterFirstResolution(t *testing.T) {
	master := masterrpc.NewFake(60000)
	ts1 := master.AddServer("", "127.0.0.1", 7150)
	master.PutTablet("orders", masterrpc.FakeTablet{
		ID: "tablet-42", Lower: nil, Upper: nil,
		Replicas: []masterrpc.FakeReplica{{ServerUUID: ts1, Role: masterrpc.RoleLeader}},
	})

	cache := newTestCache(master)
	ctx := context.Background()

	tablet, err := cache.LookupTabletByID(ctx, "tablet-42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tablet.ID() != "tablet-42" {
		t.Fatalf("expected tablet-42, got %s", tablet.ID())
	}
	if master.TabletLookupCount() != 1 {
		t.Fatalf("expected 1 by-id master round trip, got %d", master.TabletLookupCount())
	}

	if _, err := cache.LookupTabletByID(ctx, "tablet-42"); err != nil {
		t.Fatalf("unexpected error on cached lookup: %v", err)
	}
	if master.TabletLookupCount() != 1 {
		t.Fatalf("second by-id lookup should be served from the fast path")
	}
}

func TestStickyLeaderSurvivesAcrossLookups(t *testing.T) {
	master := masterrpc.NewFake(60000)
	ts1 := master.AddServer("", "127.0.0.1", 7150)
	ts2 := master.AddServer("", "127.0.0.1", 7151)
	master.PutTablet("orders", masterrpc.FakeTablet{
		ID: "tablet-0", Lower: nil, Upper: nil,
		Replicas: []masterrpc.FakeReplica{
			{ServerUUID: ts1, Role: masterrpc.RoleLeader},
			{ServerUUID: ts2, Role: masterrpc.RoleFollower},
		},
	})

	cache := newTestCache(master)
	ctx := context.Background()

	tablet, err := cache.LookupTabletByKey(ctx, "orders", []byte("a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	picker := cache.PickerForKey(tablet, "orders", []byte("a"))
	leader1, err := picker.PickLeader(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tablet2, err := cache.LookupTabletByKey(ctx, "orders", []byte("a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leader2, err := cache.PickerForKey(tablet2, "orders", []byte("a")).PickLeader(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if leader1.UUID() != leader2.UUID() {
		t.Fatalf("expected the same sticky leader across lookups, got %s and %s", leader1.UUID(), leader2.UUID())
	}
}

func TestMarkServerFailedMarksTabletStale(t *testing.T) {
	master := masterrpc.NewFake(60000)
	ts1 := master.AddServer("", "127.0.0.1", 7150)
	master.PutTablet("orders", masterrpc.FakeTablet{
		ID: "tablet-0", Lower: nil, Upper: nil,
		Replicas: []masterrpc.FakeReplica{{ServerUUID: ts1, Role: masterrpc.RoleLeader}},
	})

	cache := newTestCache(master)
	ctx := context.Background()

	tablet, err := cache.LookupTabletByKey(ctx, "orders", []byte("a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	picker := cache.PickerForKey(tablet, "orders", []byte("a"))
	leader, err := picker.PickLeader(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	picker.MarkServerFailed(leader, errors.New("connection refused"))

	if !tablet.IsStale() {
		t.Fatalf("expected tablet to be marked stale after its leader failed")
	}

	before := master.TableLookupCount()
	if _, err := cache.LookupTabletByKey(ctx, "orders", []byte("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if master.TableLookupCount() != before+1 {
		t.Fatalf("expected a fresh master round trip after staleness, got %d calls (before=%d)", master.TableLookupCount(), before)
	}
}

func TestIngestionIsIdempotent(t *testing.T) {
	master := masterrpc.NewFake(60000)
	ts1 := master.AddServer("", "127.0.0.1", 7150)
	master.PutTablet("orders", masterrpc.FakeTablet{
		ID: "tablet-0", Lower: nil, Upper: nil,
		Replicas: []masterrpc.FakeReplica{{ServerUUID: ts1, Role: masterrpc.RoleLeader}},
	})

	cache := newTestCache(master)
	resp, err := master.GetTableLocations(context.Background(), masterrpc.GetTableLocationsRequest{
		TableID: "orders", MaxReturnedLocations: 10, InternTSInfos: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := cache.ProcessGetTableLocationsResponse("orders", nil, 10, resp); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	firstLen := cache.rangeMapFor("orders").Len()

	if err := cache.ProcessGetTableLocationsResponse("orders", nil, 10, resp); err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if got := cache.rangeMapFor("orders").Len(); got != firstLen {
		t.Fatalf("re-ingesting the same response should not change entry count: %d vs %d", got, firstLen)
	}
}

func TestPermitCapacityBoundsConcurrentLookups(t *testing.T) {
	master := masterrpc.NewFake(60000)
	ts1 := master.AddServer("", "127.0.0.1", 7150)
	master.PutTablet("orders", masterrpc.FakeTablet{
		ID: "tablet-0", Lower: nil, Upper: nil,
		Replicas: []masterrpc.FakeReplica{{ServerUUID: ts1, Role: masterrpc.RoleLeader}},
	})

	cache := New(master, 1, 10, 1, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already-cancelled context: acquirePermit must not block forever

	cache.permits <- struct{}{} // occupy the only permit
	if _, err := cache.LookupTabletByKey(ctx, "orders", []byte("a")); !errors.Is(err, cacheerrors.ErrTimedOut) {
		t.Fatalf("expected TimedOut once the permit pool is exhausted and ctx is done, got %v", err)
	}
}

// TestServerPickerPromotesFollowerAfterLeaderRejection exercises spec
// section 4.6's testable property 5 / scenario S3: after the current leader
// is rejected, PickLeader must preemptively promote a different replica
// rather than dead-ending into NotFound.
func TestServerPickerPromotesFollowerAfterLeaderRejection(t *testing.T) {
	master := masterrpc.NewFake(60000)
	ts1 := master.AddServer("", "127.0.0.1", 7150)
	ts2 := master.AddServer("", "127.0.0.1", 7151)
	master.PutTablet("orders", masterrpc.FakeTablet{
		ID: "tablet-0", Lower: nil, Upper: nil,
		Replicas: []masterrpc.FakeReplica{
			{ServerUUID: ts1, Role: masterrpc.RoleLeader},
			{ServerUUID: ts2, Role: masterrpc.RoleFollower},
		},
	})

	cache := newTestCache(master)
	ctx := context.Background()

	tablet, err := cache.LookupTabletByKey(ctx, "orders", []byte("a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	picker := cache.PickerForKey(tablet, "orders", []byte("a"))
	r1, err := picker.PickLeader(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	picker.MarkReplicaNotLeader(r1)

	r2, err := picker.PickLeader(ctx)
	if err != nil {
		t.Fatalf("expected PickLeader to promote the remaining replica, got error: %v", err)
	}
	if r2 == r1 {
		t.Fatalf("expected a different replica to be promoted after rejecting %s", r1.UUID())
	}
	if leader, err := tablet.LeaderTServer(); err != nil || leader != r2 {
		t.Fatalf("expected the tablet's belief to reflect the promotion, leader=%v err=%v", leader, err)
	}
}

// TestServerPickerRelooksUpAfterExhaustingReplicas covers spec section
// 4.6 step 5: once every known replica has been rejected as leader,
// PickLeader must force a fresh master lookup and clear the rejection set
// rather than returning NotFound forever.
func TestServerPickerRelooksUpAfterExhaustingReplicas(t *testing.T) {
	master := masterrpc.NewFake(60000)
	ts1 := master.AddServer("", "127.0.0.1", 7150)
	ts2 := master.AddServer("", "127.0.0.1", 7151)
	master.PutTablet("orders", masterrpc.FakeTablet{
		ID: "tablet-0", Lower: nil, Upper: nil,
		Replicas: []masterrpc.FakeReplica{
			{ServerUUID: ts1, Role: masterrpc.RoleLeader},
			{ServerUUID: ts2, Role: masterrpc.RoleFollower},
		},
	})

	cache := newTestCache(master)
	ctx := context.Background()

	tablet, err := cache.LookupTabletByKey(ctx, "orders", []byte("a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	picker := cache.PickerForKey(tablet, "orders", []byte("a"))

	r1, err := picker.PickLeader(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	picker.MarkReplicaNotLeader(r1)

	r2, err := picker.PickLeader(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	picker.MarkReplicaNotLeader(r2)

	before := master.TableLookupCount()
	r3, err := picker.PickLeader(ctx)
	if err != nil {
		t.Fatalf("expected re-lookup after exhausting all replicas, got error: %v", err)
	}
	if master.TableLookupCount() != before+1 {
		t.Fatalf("expected exactly one fresh master round trip, got %d (before=%d)", master.TableLookupCount(), before)
	}
	if r3 != r1 && r3 != r2 {
		t.Fatalf("expected the re-lookup to return one of the tablet's known replicas")
	}
}

// TestFastPathRequiresKnownLeader covers spec section 4.4: a covered entry
// whose tablet has no currently-known non-failed leader must force a
// slow-path refresh even though the entry itself is neither stale nor
// expired.
func TestFastPathRequiresKnownLeader(t *testing.T) {
	master := masterrpc.NewFake(60000)
	ts1 := master.AddServer("", "127.0.0.1", 7150)
	master.PutTablet("orders", masterrpc.FakeTablet{
		ID: "tablet-0", Lower: nil, Upper: nil,
		Replicas: []masterrpc.FakeReplica{{ServerUUID: ts1, Role: masterrpc.RoleLeader}},
	})

	cache := newTestCache(master)
	ctx := context.Background()

	tablet, err := cache.LookupTabletByKey(ctx, "orders", []byte("a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leader, err := tablet.LeaderTServer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tablet.MarkReplicaFailed(leader, errors.New("connection refused"))

	before := master.TableLookupCount()
	if _, err := cache.LookupTabletByKey(ctx, "orders", []byte("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if master.TableLookupCount() != before+1 {
		t.Fatalf("expected a fresh master round trip once the only known leader is failed, got %d calls (before=%d)", master.TableLookupCount(), before)
	}
}

// TestCacheEntryExpiresAfterTTL covers spec section 3/8 property 3: a
// covered entry must stop being served by the fast path once now reaches
// its TTL, even though nothing has marked it stale.
func TestCacheEntryExpiresAfterTTL(t *testing.T) {
	master := masterrpc.NewFake(1000) // 1 second TTL
	ts1 := master.AddServer("", "127.0.0.1", 7150)
	master.PutTablet("orders", masterrpc.FakeTablet{
		ID: "tablet-0", Lower: nil, Upper: nil,
		Replicas: []masterrpc.FakeReplica{{ServerUUID: ts1, Role: masterrpc.RoleLeader}},
	})

	fc := clock.NewFake(time.Unix(0, 0))
	cache := New(master, 4, 10, 1, time.Hour, WithClock(fc))
	ctx := context.Background()

	if _, err := cache.LookupTabletByKey(ctx, "orders", []byte("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := master.TableLookupCount()
	if _, err := cache.LookupTabletByKey(ctx, "orders", []byte("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if master.TableLookupCount() != before {
		t.Fatalf("lookup within the TTL window should be served from the fast path")
	}

	fc.Advance(2 * time.Second)
	if _, err := cache.LookupTabletByKey(ctx, "orders", []byte("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if master.TableLookupCount() != before+1 {
		t.Fatalf("expected a fresh master round trip once the entry's TTL elapsed, got %d calls (before=%d)", master.TableLookupCount(), before)
	}
}

// TestByIDEntryExpiresAfterIDTTL covers the by-id analogue of
// TestCacheEntryExpiresAfterTTL, driven by ClientTabletLocationsByIDTTL
// rather than the master's TTLMillis.
func TestByIDEntryExpiresAfterIDTTL(t *testing.T) {
	master := masterrpc.NewFake(60000)
	ts1 := master.AddServer("", "127.0.0.1", 7150)
	master.PutTablet("orders", masterrpc.FakeTablet{
		ID: "tablet-42", Lower: nil, Upper: nil,
		Replicas: []masterrpc.FakeReplica{{ServerUUID: ts1, Role: masterrpc.RoleLeader}},
	})

	fc := clock.NewFake(time.Unix(0, 0))
	cache := New(master, 4, 10, 1, time.Second, WithClock(fc))
	ctx := context.Background()

	if _, err := cache.LookupTabletByID(ctx, "tablet-42"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := master.TabletLookupCount()

	fc.Advance(2 * time.Second)
	if _, err := cache.LookupTabletByID(ctx, "tablet-42"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if master.TabletLookupCount() != before+1 {
		t.Fatalf("expected a fresh master round trip once the id TTL elapsed, got %d calls (before=%d)", master.TabletLookupCount(), before)
	}
}
