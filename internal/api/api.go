// Package api exposes the read-only status and evidence-export surface over
// HTTP. It never mutates detection or decision state.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/decision"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/ledger"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

// evidencePageLimit caps one export response; callers page with since/until.
const evidencePageLimit = 1000

// Server serves the status, evidence and metrics endpoints.
type Server struct {
	ledger  *ledger.Ledger
	engine  *decision.Engine
	logger  *slog.Logger
	router  *mux.Router
	started time.Time
}

// NewServer wires the routes. gatherer is the Prometheus registry backing
// /metrics.
func NewServer(l *ledger.Ledger, engine *decision.Engine, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		ledger:  l,
		engine:  engine,
		logger:  logger,
		router:  mux.NewRouter(),
		started: time.Now().UTC(),
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/evidence", s.handleEvidence).Methods("GET")
	s.router.HandleFunc("/evidence/verify", s.handleVerify).Methods("GET")
	s.router.HandleFunc("/blocks", s.handleBlocks).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// A halted ledger means the core is no longer recording evidence; report
	// unhealthy so operators get paged even though the process is alive.
	if s.ledger.Halted() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"reason": "evidence ledger halted",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"started_at":       s.started,
		"uptime_seconds":   int(time.Since(s.started).Seconds()),
		"ledger_records":   s.ledger.Len(),
		"ledger_halted":    s.ledger.Halted(),
		"ledger_last_hash": s.ledger.LastHash(),
		"sources":          stats,
		"active_blocks":    len(s.engine.ActiveRules()),
	})
}

// handleEvidence exports committed evidence records filtered by source, kind,
// since and until (RFC 3339). Responses are capped at one page.
func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	filter := ledger.Filter{
		Source: r.URL.Query().Get("source"),
		Kind:   model.EventKind(r.URL.Query().Get("kind")),
	}
	var err error
	if filter.Since, err = parseTimeParam(r, "since"); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid since: must be RFC 3339")
		return
	}
	if filter.Until, err = parseTimeParam(r, "until"); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid until: must be RFC 3339")
		return
	}

	limit := evidencePageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit: must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	records := make([]model.EvidenceRecord, 0, 64)
	cursor := s.ledger.Query(filter)
	truncated := false
	for {
		rec, ok := cursor.Next()
		if !ok {
			break
		}
		if len(records) == limit {
			truncated = true
			break
		}
		records = append(records, rec)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"records":   records,
		"count":     len(records),
		"truncated": truncated,
	})
}

// handleVerify recomputes the hash chain over an optional from/to sequence
// range and reports whether it is intact.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	from, err := parseSeqParam(r, "from")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid from: must be a sequence number")
		return
	}
	to, err := parseSeqParam(r, "to")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid to: must be a sequence number")
		return
	}

	intact, err := s.ledger.Verify(from, to)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"intact":  intact,
		"records": s.ledger.Len(),
	})
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	rules := s.engine.ActiveRules()
	if rules == nil {
		rules = []model.BlockRule{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"blocks": rules,
		"count":  len(rules),
	})
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseSeqParam(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message})
}
