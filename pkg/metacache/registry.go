package metacache

import (
	"context"
	"fmt"
	"sync"

	"github.com/jshonwang/kudu-metacache/pkg/masterrpc"
	"github.com/jshonwang/kudu-metacache/pkg/tserverproxy"
)

// RemoteTabletServer is the client's handle to one tablet server, shared
// across every RemoteTablet that lists it as a replica. Grounded on
// meta_cache.cc's RemoteTabletServer: identity and advertised addresses are
// cheap to update, while the RPC proxy is built lazily and memoized because
// constructing it may require a DNS round trip (InitProxy).
type RemoteTabletServer struct {
	mu       sync.Mutex
	uuid     string
	hostPort masterrpc.HostPort
	location string
	udsPath  *string

	proxy      *tserverproxy.Proxy
	adminProxy *tserverproxy.AdminProxy
	proxyErr   error
	resolving  bool
	waiters    []func(error)
}

func newRemoteTabletServer(info masterrpc.TSInfo) *RemoteTabletServer {
	ts := &RemoteTabletServer{uuid: info.PermanentUUID, location: info.Location, udsPath: info.UnixDomainSocketPath}
	if len(info.RPCAddresses) > 0 {
		ts.hostPort = info.RPCAddresses[0]
	}
	return ts
}

// UUID returns the tablet server's permanent identifier.
func (ts *RemoteTabletServer) UUID() string { return ts.uuid }

// HostPort returns the tablet server's primary advertised RPC endpoint.
func (ts *RemoteTabletServer) HostPort() masterrpc.HostPort {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.hostPort
}

// Refresh updates identity fields from a newer master advertisement and
// invalidates any memoized proxy if the endpoint changed, mirroring
// RemoteTabletServer's handling of a TSInfo update.
func (ts *RemoteTabletServer) Refresh(info masterrpc.TSInfo) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var newHP masterrpc.HostPort
	if len(info.RPCAddresses) > 0 {
		newHP = info.RPCAddresses[0]
	}
	if newHP != ts.hostPort {
		ts.proxy = nil
		ts.adminProxy = nil
		ts.proxyErr = nil
	}
	ts.hostPort = newHP
	ts.location = info.Location
	ts.udsPath = info.UnixDomainSocketPath
}

// HasProxy reports whether a proxy has already been resolved.
func (ts *RemoteTabletServer) HasProxy() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.proxy != nil
}

// InitProxy lazily builds the server's RPC proxies, memoizing the result.
// Concurrent callers while a resolution is already in flight are queued and
// all notified once it completes, matching meta_cache.cc's dedup of
// concurrent InitProxy calls for the same tablet server. No lock is held
// across the DNS suspension point itself.
func (ts *RemoteTabletServer) InitProxy(ctx context.Context, resolver tserverproxy.Resolver, opts tserverproxy.BuildOptions, done func(error)) {
	ts.mu.Lock()
	if ts.proxy != nil {
		ts.mu.Unlock()
		done(nil)
		return
	}
	if ts.resolving {
		ts.waiters = append(ts.waiters, done)
		ts.mu.Unlock()
		return
	}
	ts.resolving = true
	uuid, host, port, uds := ts.uuid, ts.hostPort.Host, ts.hostPort.Port, ts.udsPath
	ts.mu.Unlock()

	tserverproxy.Build(ctx, resolver, opts, uuid, host, port, uds, func(p *tserverproxy.Proxy, ap *tserverproxy.AdminProxy, err error) {
		ts.mu.Lock()
		ts.resolving = false
		if err == nil {
			ts.proxy, ts.adminProxy = p, ap
		} else {
			ts.proxyErr = err
		}
		waiters := ts.waiters
		ts.waiters = nil
		ts.mu.Unlock()

		done(err)
		for _, w := range waiters {
			w(err)
		}
	})
}

func (ts *RemoteTabletServer) String() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return fmt.Sprintf("%s@%s", ts.uuid, ts.hostPort)
}

// TabletServerRegistry is the cache's table of every tablet server it has
// ever heard about, keyed by permanent UUID, mirroring meta_cache.cc's
// ts_cache_ map. It is always locked before any individual
// RemoteTabletServer, never after, to avoid lock-order inversion.
type TabletServerRegistry struct {
	mu      sync.RWMutex
	servers map[string]*RemoteTabletServer
}

// NewTabletServerRegistry returns an empty registry.
func NewTabletServerRegistry() *TabletServerRegistry {
	return &TabletServerRegistry{servers: make(map[string]*RemoteTabletServer)}
}

// Upsert inserts or refreshes the registry entry for info.PermanentUUID and
// returns its RemoteTabletServer handle.
func (r *TabletServerRegistry) Upsert(info masterrpc.TSInfo) *RemoteTabletServer {
	r.mu.Lock()
	ts, ok := r.servers[info.PermanentUUID]
	if !ok {
		ts = newRemoteTabletServer(info)
		r.servers[info.PermanentUUID] = ts
	}
	r.mu.Unlock()
	if ok {
		ts.Refresh(info)
	}
	return ts
}

// Get looks up a previously-seen tablet server by UUID.
func (r *TabletServerRegistry) Get(uuid string) (*RemoteTabletServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.servers[uuid]
	return ts, ok
}

// All returns every known tablet server, for the debug admin server.
func (r *TabletServerRegistry) All() []*RemoteTabletServer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RemoteTabletServer, 0, len(r.servers))
	for _, ts := range r.servers {
		out = append(out, ts)
	}
	return out
}
