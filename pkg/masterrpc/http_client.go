package masterrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// LeaderSource supplies the current best-known master leader address and is
// asked to re-resolve it when the client has been told the leader changed.
// pkg/masterdiscovery implements this against ZooKeeper; a static single-
// address deployment can implement it trivially.
type LeaderSource interface {
	Leader() (string, error)
	Refresh(ctx context.Context) error
}

// staticLeader is a LeaderSource that round-robins a fixed address list,
// used when no ZooKeeper quorum is configured.
type staticLeader struct {
	mu        sync.Mutex
	addresses []string
	idx       int
}

// NewStaticLeaderSource returns a LeaderSource over a fixed list of master
// addresses, advancing to the next address on Refresh.
func NewStaticLeaderSource(addresses []string) LeaderSource {
	return &staticLeader{addresses: addresses}
}

func (s *staticLeader) Leader() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.addresses) == 0 {
		return "", fmt.Errorf("masterrpc: no master addresses configured")
	}
	return s.addresses[s.idx], nil
}

func (s *staticLeader) Refresh(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.addresses) == 0 {
		return fmt.Errorf("masterrpc: no master addresses configured")
	}
	s.idx = (s.idx + 1) % len(s.addresses)
	return nil
}

// HTTPClient implements Client as JSON-over-HTTP against the master's debug
// RPC-emulation endpoints, in the same shape as the teacher's
// pkg/cluster.HTTPClient and pkg/rpc.HTTPRemote.
type HTTPClient struct {
	leader     LeaderSource
	httpClient *http.Client
}

// NewHTTPClient builds an HTTPClient that sends requests to whatever
// LeaderSource currently reports as the master leader.
func NewHTTPClient(leader LeaderSource, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		leader: leader,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	addr, err := c.leader.Leader()
	if err != nil {
		return fmt.Errorf("masterrpc: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("masterrpc: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+addr+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("masterrpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("masterrpc: do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return ErrServiceUnavailable
	case http.StatusTemporaryRedirect, http.StatusMisdirectedRequest:
		return ErrMasterLeaderChanged
	default:
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("masterrpc: %s returned %d: %s", path, resp.StatusCode, string(b))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("masterrpc: decode response: %w", err)
	}
	return nil
}

// GetTableLocations implements Client.
func (c *HTTPClient) GetTableLocations(ctx context.Context, req GetTableLocationsRequest) (*GetTableLocationsResponse, error) {
	var resp GetTableLocationsResponse
	if err := c.post(ctx, "/rpc/GetTableLocations", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTabletLocations implements Client.
func (c *HTTPClient) GetTabletLocations(ctx context.Context, req GetTabletLocationsRequest) (*GetTabletLocationsResponse, error) {
	var resp GetTabletLocationsResponse
	if err := c.post(ctx, "/rpc/GetTabletLocations", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EnsureLeader implements Client by asking the LeaderSource to re-resolve.
func (c *HTTPClient) EnsureLeader(ctx context.Context) error {
	return c.leader.Refresh(ctx)
}
