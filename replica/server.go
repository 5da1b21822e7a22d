package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/did-method-plc/go-oplogsync/oplog"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// streamPollInterval is how often an idle stream checks for new entries.
	streamPollInterval = 100 * time.Millisecond

	// streamKeepaliveInterval is how often an idle stream sends an empty batch.
	streamKeepaliveInterval = 10 * time.Second

	streamBatchSize = 500

	// maxAppliedWait caps GET /_applied.
	maxAppliedWait = 30 * time.Second
)

// StatsResponse is the response for GET /_stats
type StatsResponse struct {
	Buffer      Stats        `json:"buffer"`
	State       string       `json:"state"`
	Role        string       `json:"role"`
	SyncTarget  string       `json:"syncTarget,omitempty"`
	LastFetched oplog.GTID   `json:"lastFetched"`
	LastApplied oplog.OpTime `json:"lastApplied"`
	Recovering  bool         `json:"recovering"`
	Conflict    string       `json:"conflict,omitempty"`
}

// InsertRequest is the body of POST /oplog
type InsertRequest struct {
	Op      string          `json:"op"`
	NS      string          `json:"ns"`
	Payload json.RawMessage `json:"o"`
}

// Server serves the local oplog to downstream nodes, plus status and admin
// endpoints.
type Server struct {
	store    *GormOplogStore
	bgsync   *BackgroundSync
	applier  *Applier
	applied  *Notifier
	topology *StaticTopology
	addr     string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	termMu sync.Mutex
	term   uint64
}

// NewServer creates a new HTTP server
func NewServer(store *GormOplogStore, bgsync *BackgroundSync, applier *Applier, applied *Notifier, topology *StaticTopology, addr string, logger *slog.Logger) *Server {
	return &Server{
		store:    store,
		bgsync:   bgsync,
		applier:  applier,
		applied:  applied,
		topology: topology,
		addr:     addr,
		logger:   logger.With("component", "server"),
	}
}

// Handler returns the routes without instrumentation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_health", s.handleHealth)
	mux.HandleFunc("GET /_stats", s.handleStats)
	mux.HandleFunc("GET /_applied", s.handleApplied)
	mux.HandleFunc("POST /_admin/role", s.handleRole)
	mux.HandleFunc("POST /_admin/recovery", s.handleRecovery)
	mux.HandleFunc("GET /oplog/span", s.handleSpan)
	mux.HandleFunc("GET /oplog/stream", s.handleStream)
	mux.HandleFunc("POST /oplog", s.handleInsert)
	return mux
}

// Run starts the HTTP server and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: otelhttp.NewHandler(s.Handler(), ""),
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	s.logger.Info("http server listening", "addr", s.addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StepUp starts a new term above the newest local entry, so that entries
// written as primary sort after everything replicated so far.
func (s *Server) StepUp(ctx context.Context) error {
	newest, err := s.store.Newest(ctx)
	if err != nil {
		return err
	}
	s.termMu.Lock()
	defer s.termMu.Unlock()
	next := s.term + 1
	if newest != nil && newest.GTID.Term >= next {
		next = newest.GTID.Term + 1
	}
	s.term = next
	s.logger.Info("stepped up to primary", "term", next)
	return nil
}

func (s *Server) currentTerm() uint64 {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	return s.term
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, fmt.Sprintf("error encoding response: %v", err), http.StatusInternalServerError)
	}
}

// handleHealth handles GET /_health - returns version information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"version": versioninfo.Short(),
	})
}

// handleStats handles GET /_stats - buffer counters and sync positions
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Buffer:      s.bgsync.Stats(),
		State:       s.bgsync.State().String(),
		Role:        s.topology.Role().String(),
		LastFetched: s.bgsync.LastFetched(),
		LastApplied: s.applied.LastApplied(),
		Recovering:  s.applier.Recovering(),
	}
	resp.SyncTarget, _ = s.bgsync.SyncTarget()
	if err := s.bgsync.LastConflict(); err != nil {
		resp.Conflict = err.Error()
	}
	writeJSON(w, resp)
}

// handleApplied handles GET /_applied?after=T.I&timeout=D - waits until an
// entry at or after the given optime has been applied
func (s *Server) handleApplied(w http.ResponseWriter, r *http.Request) {
	ts, err := oplog.ParseOpTime(r.URL.Query().Get("after"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	timeout := maxAppliedWait
	if t := r.URL.Query().Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			writeJSONError(w, fmt.Sprintf("invalid timeout: %v", err), http.StatusBadRequest)
			return
		}
		timeout = min(d, maxAppliedWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := s.applied.WaitApplied(ctx, ts); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeJSONError(w, "timed out waiting for apply", http.StatusRequestTimeout)
			return
		}
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]oplog.OpTime{"lastApplied": s.applied.LastApplied()})
}

// handleRole handles POST /_admin/role - {"role": "primary"|"secondary"}
func (s *Server) handleRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	switch req.Role {
	case "primary":
		if s.topology.Role() != RolePrimary {
			if err := s.StepUp(r.Context()); err != nil {
				writeJSONError(w, fmt.Sprintf("error stepping up: %v", err), http.StatusInternalServerError)
				return
			}
		}
		s.topology.SetRole(RolePrimary)
	case "secondary":
		s.topology.SetRole(RoleSecondary)
	default:
		writeJSONError(w, fmt.Sprintf("unknown role %q", req.Role), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"role": s.topology.Role().String()})
}

// handleRecovery handles POST /_admin/recovery - {"recovering": bool} holds
// or releases the applier
func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recovering bool `json:"recovering"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	s.applier.SetRecovering(req.Recovering)
	writeJSON(w, map[string]bool{"recovering": s.applier.Recovering()})
}

// handleSpan handles GET /oplog/span - the oldest and newest retained entries
func (s *Server) handleSpan(w http.ResponseWriter, r *http.Request) {
	span, err := s.store.Span(r.Context())
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching span: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, span)
}

// handleInsert handles POST /oplog - appends a locally originated entry
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	if s.topology.Role() != RolePrimary {
		writeJSONError(w, "not primary", http.StatusConflict)
		return
	}
	var req InsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	switch req.Op {
	case "":
		req.Op = oplog.OpInsert
	case oplog.OpInsert, oplog.OpUpdate, oplog.OpDelete, oplog.OpNoop:
	default:
		writeJSONError(w, fmt.Sprintf("unknown op %q", req.Op), http.StatusBadRequest)
		return
	}
	entry, err := s.store.Insert(r.Context(), s.currentTerm(), req.Op, req.NS, req.Payload)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error inserting entry: %v", err), http.StatusInternalServerError)
		return
	}
	// writes on a primary are applied as soon as they are in the oplog
	s.applied.NotifyApplied(entry.GTID, entry.TS)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(entry)
}

// handleStream handles GET /oplog/stream?after=T:S - streams batches of
// entries over a websocket. Closes with an OutdatedCursor reason once the
// cursor falls behind the oldest retained entry.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	after, err := oplog.ParseGTID(r.URL.Query().Get("after"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so we notice when it goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	cursor := after
	lastSend := time.Now()
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		oldest, err := s.store.Oldest(ctx)
		if err != nil {
			s.logger.Error("stream failed reading oplog", "error", err)
			return
		}
		if oldest != nil && IsStale(cursor, oldest.GTID) {
			s.logger.Info("stream cursor outdated", "cursor", cursor, "oldest", oldest.GTID)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, outdatedCursorReason),
				time.Now().Add(time.Second))
			return
		}

		entries, err := s.store.After(ctx, cursor, streamBatchSize)
		if err != nil {
			s.logger.Error("stream failed reading oplog", "error", err)
			return
		}
		if len(entries) > 0 || time.Since(lastSend) > streamKeepaliveInterval {
			conn.SetWriteDeadline(time.Now().Add(httpClientTimeout))
			if err := conn.WriteJSON(entries); err != nil {
				s.logger.Debug("stream write failed", "error", err)
				return
			}
			lastSend = time.Now()
			if len(entries) > 0 {
				cursor = entries[len(entries)-1].GTID
			}
		}
		if len(entries) == streamBatchSize {
			continue
		}

		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}
