// Package tserverproxy is the boundary between the metadata cache and the
// tablet-server RPC layer. Actual tablet-server RPC proxy construction is
// out of scope for this cache (spec section 1); what the cache does own is
// deciding *which* address to dial -- including the UNIX-domain-socket
// shortcut for local servers -- and this package captures exactly that
// decision, grounded on the teacher's HTTP-client-construction pattern in
// pkg/cluster/remote_client.go.
package tserverproxy

import (
	"context"
	"fmt"
	"net"
)

// Proxy is an opaque handle to an established connection to a tablet
// server. The cache only needs to know a proxy exists and where it points;
// the concrete RPC methods it would expose live outside this spec's scope.
type Proxy struct {
	Addr string
	// UnixSocket is set when the proxy connects over a UNIX-domain socket
	// instead of TCP.
	UnixSocket bool
}

// AdminProxy is the analogous handle for the tablet server's admin
// service.
type AdminProxy struct {
	Addr string
}

// Resolver resolves a host:port advertisement to dialable addresses. It
// models Kudu's DnsResolver.ResolveAsync boundary: resolution happens off
// any cache lock and reports back via a callback that may run on an
// arbitrary goroutine.
type Resolver interface {
	ResolveAsync(ctx context.Context, host string, cb func([]net.IP, error))
}

// SystemResolver resolves hostnames with the stdlib resolver, invoking cb
// from a spawned goroutine so callers never block holding a lock.
type SystemResolver struct{}

// ResolveAsync implements Resolver.
func (SystemResolver) ResolveAsync(ctx context.Context, host string, cb func([]net.IP, error)) {
	go func() {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		cb(ips, err)
	}()
}

// BuildOptions carries the inputs InitProxy needs to decide between a UNIX
// domain socket and a resolved TCP address, mirroring the
// client_use_unix_domain_sockets flag and IsLocalHostPort check in
// meta_cache.cc.
type BuildOptions struct {
	UseUnixDomainSockets bool
	IsLocalHost          func(host string) bool
}

// Build resolves hp (unless a usable UNIX domain socket path is offered and
// the server is local) and invokes done with the resulting Proxy/AdminProxy
// pair, or an error prefixed with the server's identity -- matching
// meta_cache.cc's "Failed to resolve address for TS <uuid>" behavior.
func Build(
	ctx context.Context,
	resolver Resolver,
	opts BuildOptions,
	serverUUID string,
	host string,
	port int,
	unixDomainSocketPath *string,
	done func(*Proxy, *AdminProxy, error),
) {
	if opts.UseUnixDomainSockets && unixDomainSocketPath != nil && *unixDomainSocketPath != "" &&
		opts.IsLocalHost != nil && opts.IsLocalHost(host) {
		done(&Proxy{Addr: *unixDomainSocketPath, UnixSocket: true}, &AdminProxy{Addr: *unixDomainSocketPath}, nil)
		return
	}

	resolver.ResolveAsync(ctx, host, func(ips []net.IP, err error) {
		if err == nil && len(ips) == 0 {
			err = fmt.Errorf("no addresses for %s", host)
		}
		if err != nil {
			done(nil, nil, fmt.Errorf("failed to resolve address for TS %s: %w", serverUUID, err))
			return
		}
		addr := net.JoinHostPort(ips[0].String(), fmt.Sprint(port))
		done(&Proxy{Addr: addr}, &AdminProxy{Addr: addr}, nil)
	})
}
