package metacache

import (
	"errors"
	"testing"

	"github.com/jshonwang/kudu-metacache/pkg/masterrpc"
)

func newTestServer(uuid string) *RemoteTabletServer {
	return newRemoteTabletServer(masterrpc.TSInfo{PermanentUUID: uuid, RPCAddresses: []masterrpc.HostPort{{Host: "h", Port: 1}}})
}

func TestRemoteTabletAtMostOneLeader(t *testing.T) {
	a, b, c := newTestServer("a"), newTestServer("b"), newTestServer("c")
	tablet := NewRemoteTablet("t1", masterrpc.Partition{})
	tablet.Refresh([]*RemoteReplica{
		{Server: a, Role: masterrpc.RoleLeader},
		{Server: b, Role: masterrpc.RoleFollower},
		{Server: c, Role: masterrpc.RoleFollower},
	})

	tablet.MarkTServerAsLeader(b)

	leader, err := tablet.LeaderTServer()
	if err != nil || leader != b {
		t.Fatalf("expected b to be leader, got %v err %v", leader, err)
	}

	leaders := 0
	for _, r := range tablet.GetRemoteTabletServers() {
		if l, _ := tablet.LeaderTServer(); l == r {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("expected exactly one leader, counted %d", leaders)
	}
}

func TestRemoteTabletMarkReplicaFailedExcludesFromServerList(t *testing.T) {
	a, b := newTestServer("a"), newTestServer("b")
	tablet := NewRemoteTablet("t1", masterrpc.Partition{})
	tablet.Refresh([]*RemoteReplica{
		{Server: a, Role: masterrpc.RoleLeader},
		{Server: b, Role: masterrpc.RoleFollower},
	})

	tablet.MarkReplicaFailed(a, errors.New("connection refused"))

	if tablet.NumFailedReplicas() != 1 {
		t.Fatalf("expected 1 failed replica, got %d", tablet.NumFailedReplicas())
	}
	for _, s := range tablet.GetRemoteTabletServers() {
		if s == a {
			t.Fatalf("failed server should be excluded from GetRemoteTabletServers")
		}
	}
	if _, err := tablet.LeaderTServer(); err == nil {
		t.Fatalf("expected LeaderTServer to fail once the leader is marked failed")
	}
}

func TestRemoteTabletRefreshClearsStale(t *testing.T) {
	tablet := NewRemoteTablet("t1", masterrpc.Partition{})
	tablet.MarkStale()
	if !tablet.IsStale() {
		t.Fatalf("expected tablet to be stale after MarkStale")
	}
	tablet.Refresh(nil)
	if tablet.IsStale() {
		t.Fatalf("expected Refresh to clear the stale flag")
	}
}
