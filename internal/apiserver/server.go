// Package apiserver implements the plain HTTP/JSON control-plane API
// for mpjoind. Each handler delegates to the mptcp.Manager for actual
// path-manager state; the server is a thin adapter between the wire
// JSON view and the internal domain, mirroring the teacher's BFDServer
// (internal/server) without a protobuf/ConnectRPC dependency that the
// path-manager has no use for.
package apiserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/mpath/mpjoind/internal/mptcp"
)

// Sentinel errors for the apiserver package.
var (
	// ErrMissingID indicates a path parameter was empty.
	ErrMissingID = errors.New("meta id must not be empty")

	// ErrInvalidBody indicates the request body failed to decode or
	// validate.
	ErrInvalidBody = errors.New("invalid request body")
)

// Server implements the mpjoind control-plane HTTP API.
//
// Each endpoint delegates to the manager for actual MetaConnection
// state; the server holds no state of its own beyond the manager
// reference and an optional event broadcaster for GET /v1/events.
type Server struct {
	manager *mptcp.Manager
	events  *Broadcaster
	logger  *slog.Logger
}

// New creates a Server; its Handler method builds the routed
// http.Handler for the caller to mount.
func New(mgr *mptcp.Manager, events *Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager: mgr,
		events:  events,
		logger:  logger.With(slog.String("component", "apiserver")),
	}
}

// Handler builds the routed http.Handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/meta", s.handleListMetas)
	mux.HandleFunc("GET /v1/meta/{id}", s.handleGetMeta)
	mux.HandleFunc("GET /v1/meta/{id}/requests", s.handleListRequests)
	mux.HandleFunc("GET /v1/meta/{id}/subflows", s.handleListSubflows)
	mux.HandleFunc("POST /v1/meta/{id}/addresses", s.handlePostAddress)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return mux
}

// -------------------------------------------------------------------------
// Handlers
// -------------------------------------------------------------------------

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListMetas(w http.ResponseWriter, r *http.Request) {
	snaps := s.manager.Metas()
	views := make([]metaView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, metaSnapshotToView(snap))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := s.lookupMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metaToDetailView(meta))
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	meta, err := s.lookupMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	reqs := meta.PendingRequests()
	views := make([]requestView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, requestStateToView(req))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleListSubflows(w http.ResponseWriter, r *http.Request) {
	meta, err := s.lookupMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	subs := meta.Subflows()
	views := make([]subflowView, 0, len(subs))
	for _, sf := range subs {
		views = append(views, subflowToView(sf))
	}
	writeJSON(w, http.StatusOK, views)
}

// addAddressRequest is the POST /v1/meta/{id}/addresses body.
type addAddressRequest struct {
	IP      string `json:"ip"`
	LowPrio bool   `json:"low_prio"`
}

func (s *Server) handlePostAddress(w http.ResponseWriter, r *http.Request) {
	meta, err := s.lookupMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body addAddressRequest
	if jsonErr := json.NewDecoder(r.Body).Decode(&body); jsonErr != nil {
		s.writeError(w, fmt.Errorf("decode request body: %w: %w", ErrInvalidBody, jsonErr))
		return
	}

	ip, parseErr := netip.ParseAddr(body.IP)
	if parseErr != nil {
		s.writeError(w, fmt.Errorf("parse ip %q: %w: %w", body.IP, ErrInvalidBody, parseErr))
		return
	}

	family := mptcp.FamilyV4
	if ip.Is6() && !ip.Is4In6() {
		family = mptcp.FamilyV6
	}

	meta.Lock()
	added, addErr := meta.Registry.AddLocal(family, ip, body.LowPrio)
	meta.Unlock()
	if addErr != nil {
		s.writeError(w, fmt.Errorf("add local address: %w", addErr))
		return
	}

	writeJSON(w, http.StatusCreated, localAddressToView(added))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, fmt.Errorf("event stream not configured: %w", ErrInvalidBody))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if _, err := fmt.Fprint(w, "data: "); err != nil {
				return
			}
			if err := enc.Encode(addrEventToView(ev)); err != nil {
				return
			}
			if _, err := fmt.Fprint(w, "\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func (s *Server) lookupMeta(r *http.Request) (*mptcp.MetaConnection, error) {
	id := r.PathValue("id")
	if id == "" {
		return nil, ErrMissingID
	}
	meta, ok := s.manager.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("meta %s: %w", id, mptcp.ErrNotFound)
	}
	return meta, nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrMissingID), errors.Is(err, ErrInvalidBody):
		status = http.StatusBadRequest
	case errors.Is(err, mptcp.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mptcp.ErrRegistryFull):
		status = http.StatusConflict
	}

	s.logger.Warn("request failed", slog.String("error", err.Error()), slog.Int("status", status))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
