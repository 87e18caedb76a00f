package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/decision"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/ledger"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *ledger.Ledger, *decision.Engine) {
	t.Helper()
	logger := testLogger()

	l, err := ledger.Open(filepath.Join(t.TempDir(), "evidence.ledger"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	engine := decision.NewEngine(decision.Config{
		BlockThreshold:      3,
		BaseDuration:        15 * time.Minute,
		EscalationCap:       24 * time.Hour,
		AccountingWindow:    10 * time.Minute,
		RecidivismRetention: 7 * 24 * time.Hour,
	}, logger)

	return NewServer(l, engine, prometheus.NewRegistry(), logger), l, engine
}

func seedEvidence(t *testing.T, l *ledger.Ledger, engine *decision.Engine, ip string, n int) {
	t.Helper()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ev := model.NewSecurityEvent(model.KindPortScan, model.IPIdentity(ip), model.SeverityHigh,
			base.Add(time.Duration(i)*time.Minute), map[string]any{"distinct_ports": 20})
		rec, err := l.Append(ev)
		require.NoError(t, err)
		engine.HandleEvidence(rec)
	}
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr, body
}

func TestAPI_Healthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr, body := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestAPI_Status(t *testing.T) {
	s, l, engine := newTestServer(t)
	seedEvidence(t, l, engine, "10.0.0.5", 3)

	rr, body := get(t, s, "/status")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(3), body["ledger_records"])
	assert.Equal(t, false, body["ledger_halted"])
	assert.Equal(t, float64(1), body["active_blocks"])
	assert.NotEmpty(t, body["ledger_last_hash"])
}

func TestAPI_EvidenceExport(t *testing.T) {
	s, l, engine := newTestServer(t)
	seedEvidence(t, l, engine, "10.0.0.5", 2)
	seedEvidence(t, l, engine, "192.168.1.9", 1)

	rr, body := get(t, s, "/evidence")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(3), body["count"])
	assert.Equal(t, false, body["truncated"])

	_, filtered := get(t, s, "/evidence?source=ip:192.168.1.9")
	assert.Equal(t, float64(1), filtered["count"])

	_, limited := get(t, s, "/evidence?limit=2")
	assert.Equal(t, float64(2), limited["count"])
	assert.Equal(t, true, limited["truncated"])

	rr, _ = get(t, s, "/evidence?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = get(t, s, "/evidence?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_EvidenceVerify(t *testing.T) {
	s, l, engine := newTestServer(t)
	seedEvidence(t, l, engine, "10.0.0.5", 3)

	rr, body := get(t, s, "/evidence/verify")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["intact"])
	assert.Equal(t, float64(3), body["records"])

	rr, _ = get(t, s, "/evidence/verify?from=abc")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_Blocks(t *testing.T) {
	s, l, engine := newTestServer(t)

	_, empty := get(t, s, "/blocks")
	assert.Equal(t, float64(0), empty["count"])

	seedEvidence(t, l, engine, "10.0.0.5", 3)
	rr, body := get(t, s, "/blocks")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(1), body["count"])

	blocks, ok := body["blocks"].([]any)
	require.True(t, ok)
	require.Len(t, blocks, 1)
}

func TestAPI_Metrics(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
