package masterrpc

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// FakeTablet is a tablet definition installed into a Fake master, keyed by
// table id and tablet id and returned in lower-bound order.
type FakeTablet struct {
	ID       string
	Lower    []byte
	Upper    []byte
	Replicas []FakeReplica
}

// FakeReplica is one replica of a FakeTablet.
type FakeReplica struct {
	ServerUUID string
	Role       ReplicaRole
}

// Fake is an in-memory master double implementing Client, used by
// pkg/metacache tests and cmd/metacachedemo. It mirrors the teacher's
// router_test.go fakeKV/fakeRemote pattern: a hand-rolled double with call
// counters instead of a mocking framework.
type Fake struct {
	mu sync.Mutex

	ttlMillis int64
	tablets   map[string]*FakeTablet // by "tableID/tabletID"
	servers   map[string]TSInfo      // by uuid

	tableLookups  int
	tabletLookups int
}

// NewFake returns an empty Fake master with the given default TTL.
func NewFake(ttlMillis int64) *Fake {
	return &Fake{
		ttlMillis: ttlMillis,
		tablets:   make(map[string]*FakeTablet),
		servers:   make(map[string]TSInfo),
	}
}

// AddServer registers a tablet server the fake master knows about. If uuid
// is empty one is generated, mirroring the teacher's use of google/uuid for
// synthetic identifiers in raftadapter.
func (f *Fake) AddServer(uuidStr, host string, port int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if uuidStr == "" {
		uuidStr = uuid.NewString()
	}
	f.servers[uuidStr] = TSInfo{
		PermanentUUID: uuidStr,
		RPCAddresses:  []HostPort{{Host: host, Port: port}},
	}
	return uuidStr
}

// PutTablet installs or replaces a tablet for table tableID.
func (f *Fake) PutTablet(tableID string, t FakeTablet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tableID + "/" + t.ID
	cp := t
	f.tablets[key] = &cp
}

func (f *Fake) tabletsForTable(tableID string) []*FakeTablet {
	var out []*FakeTablet
	for key, t := range f.tablets {
		if len(key) > len(tableID) && key[:len(tableID)] == tableID && key[len(tableID)] == '/' {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Lower, out[j].Lower) < 0 })
	return out
}

// GetTableLocations implements Client against the installed fake topology,
// honoring MaxReturnedLocations so short-read semantics (spec section 4.3)
// can be exercised from tests.
func (f *Fake) GetTableLocations(_ context.Context, req GetTableLocationsRequest) (*GetTableLocationsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tableLookups++

	all := f.tabletsForTable(req.TableID)
	var selected []*FakeTablet
	for _, t := range all {
		if len(t.Upper) > 0 && bytes.Compare(t.Upper, req.PartitionKeyStart) <= 0 {
			continue
		}
		selected = append(selected, t)
		if len(selected) >= int(req.MaxReturnedLocations) {
			break
		}
	}

	resp := &GetTableLocationsResponse{TTLMillis: f.ttlMillis}
	seenServers := map[string]bool{}
	for _, t := range selected {
		loc := TabletLocation{
			TabletID:  t.ID,
			Partition: Partition{Start: t.Lower, End: t.Upper},
		}
		for _, r := range t.Replicas {
			idx := f.internTSInfo(resp, r.ServerUUID, seenServers)
			loc.InternedReplicas = append(loc.InternedReplicas, InternedReplica{TSInfoIdx: idx, Role: r.Role})
		}
		resp.TabletLocations = append(resp.TabletLocations, loc)
	}
	return resp, nil
}

func (f *Fake) internTSInfo(resp *GetTableLocationsResponse, serverUUID string, seen map[string]bool) int {
	if !seen[serverUUID] {
		resp.TSInfos = append(resp.TSInfos, f.servers[serverUUID])
		seen[serverUUID] = true
	}
	for i, info := range resp.TSInfos {
		if info.PermanentUUID == serverUUID {
			return i
		}
	}
	return -1
}

// GetTabletLocations implements Client for id-based lookups.
func (f *Fake) GetTabletLocations(_ context.Context, req GetTabletLocationsRequest) (*GetTabletLocationsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tabletLookups++

	resp := &GetTabletLocationsResponse{}
	seenServers := map[string]bool{}
	for _, id := range req.TabletIDs {
		for _, t := range f.tablets {
			if t.ID != id {
				continue
			}
			loc := TabletLocation{
				TabletID:  t.ID,
				Partition: Partition{Start: t.Lower, End: t.Upper},
			}
			for _, r := range t.Replicas {
				idx := -1
				if !seenServers[r.ServerUUID] {
					resp.TSInfos = append(resp.TSInfos, f.servers[r.ServerUUID])
					seenServers[r.ServerUUID] = true
				}
				for i, info := range resp.TSInfos {
					if info.PermanentUUID == r.ServerUUID {
						idx = i
					}
				}
				loc.InternedReplicas = append(loc.InternedReplicas, InternedReplica{TSInfoIdx: idx, Role: r.Role})
			}
			resp.TabletLocations = append(resp.TabletLocations, loc)
		}
	}
	return resp, nil
}

// EnsureLeader is a no-op for the fake: there is only ever one master.
func (f *Fake) EnsureLeader(context.Context) error { return nil }

// TableLookupCount returns how many GetTableLocations calls the fake has
// served, for asserting master-load bounds in tests.
func (f *Fake) TableLookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tableLookups
}

// TabletLookupCount returns how many GetTabletLocations calls the fake has
// served.
func (f *Fake) TabletLookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tabletLookups
}
