// Package masterdiscovery finds the current master cluster leader address
// via ZooKeeper, implementing masterrpc.LeaderSource. It is grounded on the
// teacher's pkg/cluster.ZKMembership, which registers ephemeral znodes for
// cluster membership and watches for changes the same way a master cluster
// would advertise its current leader.
package masterdiscovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZKMasterWatcher watches a znode whose children are ephemeral nodes named
// after live master addresses, with the leader's node holding a
// well-known name (leaderChildName) analogous to the teacher's
// RegisterSelf/RunWatch pair.
type ZKMasterWatcher struct {
	conn            *zk.Conn
	rootPath        string
	leaderChildName string

	mu     sync.RWMutex
	leader string
}

// NewZKMasterWatcher connects to the given ZooKeeper quorum and begins
// watching rootPath for leader changes.
func NewZKMasterWatcher(servers []string, rootPath, leaderChildName string) (*ZKMasterWatcher, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("masterdiscovery: zk connect: %w", err)
	}
	w := &ZKMasterWatcher{conn: conn, rootPath: rootPath, leaderChildName: leaderChildName}
	if err := w.waitConnected(10 * time.Second); err != nil {
		conn.Close()
		return nil, err
	}
	if err := w.refreshOnce(); err != nil {
		slog.Warn("masterdiscovery: initial leader read failed, will retry on demand", "error", err)
	}
	return w, nil
}

// Close releases the ZooKeeper session.
func (w *ZKMasterWatcher) Close() error {
	w.conn.Close()
	return nil
}

// Leader implements masterrpc.LeaderSource.
func (w *ZKMasterWatcher) Leader() (string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.leader == "" {
		return "", fmt.Errorf("masterdiscovery: no known master leader")
	}
	return w.leader, nil
}

// Refresh implements masterrpc.LeaderSource by re-reading the leader znode.
func (w *ZKMasterWatcher) Refresh(ctx context.Context) error {
	return w.refreshOnce()
}

func (w *ZKMasterWatcher) refreshOnce() error {
	path := w.rootPath + "/" + w.leaderChildName
	data, _, err := w.conn.Get(path)
	if err != nil {
		return fmt.Errorf("masterdiscovery: read leader znode %s: %w", path, err)
	}
	w.mu.Lock()
	w.leader = string(data)
	w.mu.Unlock()
	return nil
}

// Watch runs until ctx is cancelled, refreshing the cached leader address
// whenever the leader znode changes. Mirrors the teacher's RunWatch loop.
func (w *ZKMasterWatcher) Watch(ctx context.Context) {
	go func() {
		for {
			path := w.rootPath + "/" + w.leaderChildName
			_, _, ch, err := w.conn.GetW(path)
			if err != nil {
				slog.Warn("masterdiscovery: watch error", "path", path, "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			select {
			case ev := <-ch:
				slog.Debug("masterdiscovery: leader znode event", "event", ev)
				if err := w.refreshOnce(); err != nil {
					slog.Warn("masterdiscovery: refresh after watch event failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *ZKMasterWatcher) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := w.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("masterdiscovery: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
