// Command metacachedemo wires an in-memory fake master, a handful of
// tablet servers, and a MetaCache together to exercise the fast path, the
// master fallback, and sticky-leader selection end to end -- the same role
// cmd/demo plays for the teacher's sharded-KV server, but driven in-process
// instead of over HTTP since there is no real master cluster to dial.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jshonwang/kudu-metacache/internal/adminserver"
	"github.com/jshonwang/kudu-metacache/internal/config"
	"github.com/jshonwang/kudu-metacache/pkg/masterrpc"
	"github.com/jshonwang/kudu-metacache/pkg/metacache"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Default()

	master := masterrpc.NewFake(cfg.Cache.ClientTabletLocationsByIDTTL.Milliseconds())
	ts1 := master.AddServer("", "127.0.0.1", 7150)
	ts2 := master.AddServer("", "127.0.0.1", 7151)
	ts3 := master.AddServer("", "127.0.0.1", 7152)

	master.PutTablet("orders", masterrpc.FakeTablet{
		ID:    "tablet-0000",
		Lower: nil,
		Upper: []byte("m"),
		Replicas: []masterrpc.FakeReplica{
			{ServerUUID: ts1, Role: masterrpc.RoleLeader},
			{ServerUUID: ts2, Role: masterrpc.RoleFollower},
			{ServerUUID: ts3, Role: masterrpc.RoleFollower},
		},
	})
	master.PutTablet("orders", masterrpc.FakeTablet{
		ID:    "tablet-0001",
		Lower: []byte("m"),
		Upper: nil,
		Replicas: []masterrpc.FakeReplica{
			{ServerUUID: ts2, Role: masterrpc.RoleLeader},
			{ServerUUID: ts3, Role: masterrpc.RoleFollower},
			{ServerUUID: ts1, Role: masterrpc.RoleFollower},
		},
	})

	cache := metacache.New(master, cfg.Cache.MasterLookupSemaphoreCapacity,
		int32(cfg.Cache.FetchTabletsPerRangeLookup), int32(cfg.Cache.FetchTabletsPerPointLookup),
		cfg.Cache.ClientTabletLocationsByIDTTL)

	for _, key := range [][]byte{[]byte("apple"), []byte("melon"), []byte("zebra")} {
		tablet, err := cache.LookupTabletByKey(ctx, "orders", key)
		if err != nil {
			fmt.Printf("lookup(%q) -> error: %v\n", key, err)
			continue
		}
		leader, err := cache.PickerForKey(tablet, "orders", key).PickLeader(ctx)
		if err != nil {
			fmt.Printf("lookup(%q) -> tablet %s, no leader: %v\n", key, tablet.ID(), err)
			continue
		}
		fmt.Printf("lookup(%q) -> tablet %s, leader %s\n", key, tablet.ID(), leader.UUID())
	}
	fmt.Printf("master served %d table lookups\n", master.TableLookupCount())

	admin := adminserver.NewServer(cache, cfg.Admin.ListenAddress)
	if err := admin.Start(); err != nil {
		slog.Error("metacachedemo: admin server failed to start", "error", err)
		os.Exit(1)
	}
	defer admin.Stop()

	fmt.Printf("admin server listening on %s (Ctrl-C to exit)\n", cfg.Admin.ListenAddress)
	<-ctx.Done()
	fmt.Println("metacachedemo stopped")
}
