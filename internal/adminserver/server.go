// Package adminserver exposes a chi-routed debug view of a MetaCache's
// contents -- the client-side analogue of Kudu's /tablet-servers and /tables
// master web pages -- plus one POST endpoint that clears the cache, grounded
// on the teacher's internal/http.Server chi wiring.
package adminserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jshonwang/kudu-metacache/pkg/metacache"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
)

// Server is the debug HTTP server for one MetaCache instance.
type Server struct {
	cache      *metacache.MetaCache
	httpServer *http.Server
	addr       string
}

// NewServer returns a Server that will listen on addr once Start is called.
func NewServer(cache *metacache.MetaCache, addr string) *Server {
	return &Server{cache: cache, addr: addr}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("adminserver: HTTP server error", "error", err)
		}
	}()
	slog.Info("adminserver: listening", "addr", s.addr)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/debug/metacache/servers", s.handleServers)
	r.Get("/debug/metacache/tablets", s.handleTablets)
	r.Get("/debug/metacache/ranges/{tableID}", s.handleRanges)
	r.Post("/debug/metacache/clear", s.handleClear)
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("adminserver: encode response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, newOKResponse())
}

type serverView struct {
	UUID     string `json:"uuid"`
	Endpoint string `json:"endpoint"`
	HasProxy bool   `json:"has_proxy"`
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	var out []serverView
	for _, ts := range s.cache.Registry().All() {
		out = append(out, serverView{UUID: ts.UUID(), Endpoint: ts.HostPort().String(), HasProxy: ts.HasProxy()})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type tabletView struct {
	TabletID  string `json:"tablet_id"`
	Leader    string `json:"leader,omitempty"`
	NumFailed int    `json:"num_failed_replicas"`
	Replicas  string `json:"replicas"`
}

func (s *Server) handleTablets(w http.ResponseWriter, r *http.Request) {
	tablets := s.cache.DebugTablets()
	out := make([]tabletView, 0, len(tablets))
	for _, t := range tablets {
		view := tabletView{TabletID: t.ID(), NumFailed: t.NumFailedReplicas(), Replicas: t.ReplicasAsString()}
		if leader, err := t.LeaderTServer(); err == nil {
			view.Leader = leader.UUID()
		}
		out = append(out, view)
	}
	s.writeJSON(w, http.StatusOK, out)
}

type rangeEntryView struct {
	Lower     string `json:"lower_hex"`
	Upper     string `json:"upper_hex"`
	Covered   bool   `json:"covered"`
	TabletID  string `json:"tablet_id,omitempty"`
	Leader    string `json:"leader,omitempty"`
	NumFailed int    `json:"num_failed_replicas,omitempty"`
}

func (s *Server) handleRanges(w http.ResponseWriter, r *http.Request) {
	tableID := chi.URLParam(r, "tableID")
	if tableID == "" {
		s.writeJSON(w, http.StatusBadRequest, newErrorResponse("missing tableID"))
		return
	}

	entries := s.cache.DebugRanges(tableID)
	out := make([]rangeEntryView, 0, len(entries))
	for _, e := range entries {
		view := rangeEntryView{
			Lower:   fmt.Sprintf("%x", e.Lower),
			Upper:   fmt.Sprintf("%x", e.Upper),
			Covered: !e.IsNonCovered(),
		}
		if !e.IsNonCovered() {
			view.TabletID = e.Tablet.ID()
			view.NumFailed = e.Tablet.NumFailedReplicas()
			if leader, err := e.Tablet.LeaderTServer(); err == nil {
				view.Leader = leader.UUID()
			}
		}
		out = append(out, view)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.cache.ClearCache()
	s.writeJSON(w, http.StatusOK, newOKResponse())
}
