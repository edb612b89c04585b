// Package httpapi wires the sync server's HTTP surface: issuing bearer
// tokens, upgrading a map's websocket connections to a fan-out worker, and
// the process's health and metrics endpoints (spec.md §4.11, §6).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dzfranklin/plantopo-sync/internal/clock"
	"github.com/dzfranklin/plantopo-sync/internal/metrics"
	"github.com/dzfranklin/plantopo-sync/internal/registry"
	"github.com/dzfranklin/plantopo-sync/internal/storage"
	"github.com/dzfranklin/plantopo-sync/internal/token"
	"github.com/dzfranklin/plantopo-sync/internal/transport"
	"github.com/dzfranklin/plantopo-sync/internal/worker"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// tokenTTL is how long an issued bearer token remains valid (spec.md §4.11
// leaves the exact lifetime to the issuing endpoint).
const tokenTTL = 6 * time.Hour

// Server bundles the dependencies every route needs.
type Server struct {
	verifier *token.Verifier
	store    storage.Storage
	registry *registry.Registry
	serverID uint8
	logger   *slog.Logger
	ctx      context.Context
}

// New builds the HTTP mux for the sync server. ctx is the process lifetime
// context passed through to every worker spawned by an incoming connection.
func New(ctx context.Context, verifier *token.Verifier, store storage.Storage, reg *registry.Registry, serverID uint8, logger *slog.Logger) http.Handler {
	s := &Server{verifier: verifier, store: store, registry: reg, serverID: serverID, logger: logger, ctx: ctx}

	r := mux.NewRouter()
	r.HandleFunc("/authorize", s.handleAuthorize).Methods(http.MethodPost)
	r.HandleFunc("/ws/{map_id}", s.handleWebsocket).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

type authorizeRequest struct {
	MapID    uuid.UUID  `json:"map_id"`
	UserID   *uuid.UUID `json:"user_id,omitempty"`
	ClientID *uint64    `json:"client_id,omitempty"`
	Write    bool       `json:"write"`
}

// authorizeResponse matches spec.md §6's documented contract exactly:
// { token, user_id?, map_id, client_id: string, write, exp }.
type authorizeResponse struct {
	Token    string     `json:"token"`
	UserID   *uuid.UUID `json:"user_id,omitempty"`
	MapID    uuid.UUID  `json:"map_id"`
	ClientID string     `json:"client_id"`
	Write    bool       `json:"write"`
	Exp      string     `json:"exp"`
}

// handleAuthorize mints a bearer token for a map connection (spec.md §4.11).
// It is gated on the server secret as a bearer header: callers that can
// reach this endpoint are trusted application-server callers, not end
// clients, mirroring the Rust original's separation between the
// application backend (who calls /authorize) and the browser (who only ever
// holds the resulting token).
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !s.checkServerSecret(r) {
		metrics.AuthFailures.WithLabelValues("bad_server_secret").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.MapID == uuid.Nil {
		http.Error(w, "map_id is required", http.StatusBadRequest)
		return
	}

	var clientID clock.ClientId
	if req.ClientID != nil {
		clientID = clock.ClientId(*req.ClientID)
	} else {
		suffix, err := s.store.NextClientSuffix(r.Context(), req.MapID.String(), s.serverID)
		if err != nil {
			s.logger.Error("authorize: allocate client id", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		clientID = clock.NewClientId(s.serverID, suffix)
	}

	exp := time.Now().Add(tokenTTL)
	tok, err := s.verifier.Issue(req.MapID, req.UserID, clientID, req.Write, exp)
	if err != nil {
		s.logger.Error("authorize: issue token", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(authorizeResponse{
		Token:    tok,
		UserID:   req.UserID,
		MapID:    req.MapID,
		ClientID: strconv.FormatUint(uint64(clientID), 10),
		Write:    req.Write,
		Exp:      exp.UTC().Format(time.RFC3339),
	})
}

// checkServerSecret compares the Authorization bearer header against the
// shared secret the verifier was constructed with, reusing it as a pre-
// shared key between this server and the trusted application backend.
func (s *Server) checkServerSecret(r *http.Request) bool {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return false
	}
	return s.verifier.VerifySecret(h[len(prefix):])
}

// handleWebsocket upgrades the request and hands the connection to the
// map's fan-out worker, spawning one if none is running yet (spec.md §5).
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	mapIDStr := mux.Vars(r)["map_id"]
	mapID, err := uuid.Parse(mapIDStr)
	if err != nil {
		http.Error(w, "malformed map_id", http.StatusBadRequest)
		return
	}

	conn, err := transport.Upgrade(w, r)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	handle := s.registry.GetOrSpawn(mapID, func() registry.Handle {
		return worker.Spawn(s.ctx, s.registry, mapID, s.serverID, s.verifier, s.store, s.logger)
	})

	select {
	case handle.Connect <- registry.Connection{Conn: conn}:
	default:
		s.logger.Warn("worker connect queue full, dropping connection", "map_id", mapID)
		_ = conn.Close()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Load(r.Context(), "__healthcheck__", s.serverID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n"))
}
