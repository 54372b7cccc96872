package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balu-dk/go-ocpp-central/internal/metrics"
	ocppserver "github.com/balu-dk/go-ocpp-central/ocpp"
	"github.com/balu-dk/go-ocpp-central/ocpp/frame"
	"github.com/balu-dk/go-ocpp-central/server/database"
)

// autoStation answers every CALL it receives with {"status": status}.
type autoStation struct {
	mu     sync.Mutex
	sess   *ocppserver.Session
	calls  []string
	status string
}

func (a *autoStation) Send(data []byte) error {
	msg, err := frame.Decode(data)
	if err != nil {
		return err
	}
	if msg.Type != frame.CallType {
		return nil
	}
	a.mu.Lock()
	a.calls = append(a.calls, msg.Action)
	sess, status := a.sess, a.status
	a.mu.Unlock()

	go func() {
		reply, err := frame.NewResult(msg.UniqueID, map[string]any{"status": status})
		if err != nil {
			return
		}
		raw, err := frame.Encode(reply)
		if err != nil {
			return
		}
		sess.HandleInbound(context.Background(), raw)
	}()
	return nil
}

func (a *autoStation) Close() error { return nil }

func (a *autoStation) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type testAPI struct {
	api     *APIServer
	reg     *ocppserver.Registry
	station *autoStation
}

func newTestAPI(t *testing.T, db *database.Service) *testAPI {
	t.Helper()
	promReg := prometheus.NewRegistry()
	rec, err := metrics.NewPromRecorder(promReg)
	require.NoError(t, err)

	reg, err := ocppserver.NewRegistry(ocppserver.NewConfig().WithCallTimeout(time.Second),
		ocppserver.WithMetrics(rec), ocppserver.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	station := &autoStation{status: "Accepted"}
	station.mu.Lock()
	sess, err := reg.Connect(context.Background(), "CP-1", station)
	station.sess = sess
	station.mu.Unlock()
	require.NoError(t, err)

	api := NewAPIServer(reg, ocppserver.NewCommandManager(reg), db, metrics.Handler(promReg), zerolog.Nop())
	return &testAPI{api: api, reg: reg, station: station}
}

func (ta *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ta.api.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestServerStatus(t *testing.T) {
	ta := newTestAPI(t, nil)

	w := ta.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "none", body["databaseType"])
	assert.EqualValues(t, 1, body["stationsConnected"])
}

func TestStationEndpoints(t *testing.T) {
	ta := newTestAPI(t, nil)

	w := ta.do(t, http.MethodGet, "/api/stations", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]ocppserver.Snapshot](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "CP-1", list[0].Identity)

	w = ta.do(t, http.MethodGet, "/api/stations/CP-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ocppserver.Connected, decode[ocppserver.Snapshot](t, w).State)

	w = ta.do(t, http.MethodGet, "/api/stations/CP-404", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ta.do(t, http.MethodPost, "/api/stations/CP-1/disconnect", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, ta.reg.ConnectedCount())

	w = ta.do(t, http.MethodPost, "/api/stations/CP-1/commands/clear-cache", "")
	assert.Equal(t, http.StatusConflict, w.Code, "disconnected stations cannot take commands")

	w = ta.do(t, http.MethodDelete, "/api/stations/CP-1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ta.do(t, http.MethodGet, "/api/stations/CP-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCommandAccepted(t *testing.T) {
	ta := newTestAPI(t, nil)

	w := ta.do(t, http.MethodPost, "/api/stations/CP-1/commands/reset", `{"type":"Soft"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, map[string]string{"status": "Accepted"}, decode[map[string]string](t, w))
	assert.Equal(t, []string{"Reset"}, ta.station.sent())
}

func TestCommandValidationIsNotSent(t *testing.T) {
	ta := newTestAPI(t, nil)

	tests := map[string]string{
		"reset":                `{"type":"Sideways"}`,
		"unlock-connector":     `{"connectorId":0}`,
		"remote-stop":          `{}`,
		"reserve-now":          `{"connectorId":1,"idTag":"TAG"}`,
		"cancel-reservation":   `{}`,
		"set-charging-profile": `{"connectorId":1}`,
		"remote-start":         `{"idTag":`,
	}
	for cmd, body := range tests {
		w := ta.do(t, http.MethodPost, "/api/stations/CP-1/commands/"+cmd, body)
		assert.Equal(t, http.StatusBadRequest, w.Code, cmd)
	}
	assert.Empty(t, ta.station.sent())
}

func TestReserveNowAndReservations(t *testing.T) {
	ta := newTestAPI(t, nil)
	expiry := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	w := ta.do(t, http.MethodPost, "/api/stations/CP-1/commands/reserve-now",
		`{"connectorId":1,"idTag":"TAG","reservationId":7,"expiryDate":"`+expiry+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ta.do(t, http.MethodGet, "/api/stations/CP-1/reservations", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]map[string]any](t, w)
	require.Len(t, list, 1)
	assert.EqualValues(t, 7, list[0]["reservationId"])
}

func TestCompositeScheduleEndpoint(t *testing.T) {
	ta := newTestAPI(t, nil)

	w := ta.do(t, http.MethodGet, "/api/stations/CP-1/composite-schedule?connectorId=1&duration=3600", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ta.do(t, http.MethodGet, "/api/stations/CP-1/composite-schedule?duration=soon", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(t, http.MethodGet, "/api/stations/CP-1/composite-schedule?duration=10000000", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "duration")

	w = ta.do(t, http.MethodGet, "/api/stations/CP-1/profiles", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestLogsEndpoint(t *testing.T) {
	ta := newTestAPI(t, nil)
	w := ta.do(t, http.MethodPost, "/api/stations/CP-1/commands/clear-cache", "")
	require.Equal(t, http.StatusOK, w.Code)

	// The RESULT is appended by the station goroutine.
	require.Eventually(t, func() bool {
		w := ta.do(t, http.MethodGet, "/api/stations/CP-1/logs", "")
		var entries []map[string]any
		return json.Unmarshal(w.Body.Bytes(), &entries) == nil && len(entries) == 2
	}, time.Second, 5*time.Millisecond)

	w = ta.do(t, http.MethodGet, "/api/stations/CP-1/logs?direction=ServerToStation", "")
	entries := decode[[]map[string]any](t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, "ClearCache", entries[0]["action"])

	w = ta.do(t, http.MethodGet, "/api/stations/CP-1/logs?direction=Sideways", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(t, http.MethodGet, "/api/stations/CP-1/logs?format=csv", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "seq,timestamp,direction"))
	assert.Contains(t, lines[2], "ClearCache", "RESULT rows carry the action they answer")

	w = ta.do(t, http.MethodDelete, "/api/stations/CP-1/logs", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ta.do(t, http.MethodGet, "/api/stations/CP-1/logs", "")
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	ta := newTestAPI(t, nil)

	w := ta.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ocpp_connected_stations 1")
}

func TestDatabaseEndpoints(t *testing.T) {
	cfg := database.NewConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "api.db")
	db, err := database.NewService(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ta := newTestAPI(t, db)

	w := ta.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, "sqlite", decode[map[string]any](t, w)["databaseType"])

	w = ta.do(t, http.MethodPost, "/api/authorizations", `{"idTag":"RFID-1","status":"Blocked"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ta.do(t, http.MethodPost, "/api/authorizations", `{"status":"Accepted"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(t, http.MethodGet, "/api/authorizations", "")
	require.Equal(t, http.StatusOK, w.Code)
	auths := decode[[]database.Authorization](t, w)
	require.Len(t, auths, 1)
	assert.Equal(t, "Blocked", auths[0].Status)

	w = ta.do(t, http.MethodDelete, "/api/authorizations/RFID-1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ta.do(t, http.MethodDelete, "/api/authorizations/RFID-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ta.do(t, http.MethodGet, "/api/transactions?isComplete=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ta.do(t, http.MethodGet, "/api/transactions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = ta.do(t, http.MethodGet, "/api/raw-messages?limit=10", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDatabaseEndpointsAbsentWithoutDatabase(t *testing.T) {
	ta := newTestAPI(t, nil)
	w := ta.do(t, http.MethodGet, "/api/transactions", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
