package masterrpc

import (
	"context"
	"errors"
)

// ErrMasterLeaderChanged is returned by a Client when the master it talked
// to is no longer the leader; the lookup state machine responds by calling
// EnsureLeader and reissuing the RPC (spec section 4.5's "Master-leader-
// changed" transition).
var ErrMasterLeaderChanged = errors.New("masterrpc: master leader changed")

// ErrServiceUnavailable is returned when the master reported it cannot
// currently serve the request; the caller retries with backoff.
var ErrServiceUnavailable = errors.New("masterrpc: service unavailable")

// Client is the boundary this cache consumes from the master cluster
// (spec section "external interfaces", MasterProxy). HTTPClient and Fake in
// this package implement it; retry/backoff is done by the caller, not by
// implementations.
type Client interface {
	GetTableLocations(ctx context.Context, req GetTableLocationsRequest) (*GetTableLocationsResponse, error)
	GetTabletLocations(ctx context.Context, req GetTabletLocationsRequest) (*GetTabletLocationsResponse, error)
	// EnsureLeader re-resolves the current master leader. It is called by
	// the lookup state machine after ErrMasterLeaderChanged before the RPC
	// is reissued, mirroring Kudu's ResetMasterLeaderAndRetry.
	EnsureLeader(ctx context.Context) error
}
