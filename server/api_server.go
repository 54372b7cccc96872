package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	ocppserver "github.com/balu-dk/go-ocpp-central/ocpp"
	"github.com/balu-dk/go-ocpp-central/ocpp/eventlog"
	"github.com/balu-dk/go-ocpp-central/ocpp/frame"
	"github.com/balu-dk/go-ocpp-central/ocpp/ocpperr"
	"github.com/balu-dk/go-ocpp-central/ocpp/smartcharging"
	"github.com/balu-dk/go-ocpp-central/server/database"
)

// APIServer is the operator-facing REST API in front of the registry.
type APIServer struct {
	reg        *ocppserver.Registry
	commands   *ocppserver.CommandManager
	config     *ocppserver.Config
	dbService  *database.Service // nil without a database
	metrics    http.Handler      // nil disables /metrics
	httpServer *http.Server
	router     chi.Router
	log        zerolog.Logger
	started    time.Time
}

// NewAPIServer builds the API. dbService and metrics are optional.
func NewAPIServer(reg *ocppserver.Registry, commands *ocppserver.CommandManager, dbService *database.Service, metrics http.Handler, log zerolog.Logger) *APIServer {
	s := &APIServer{
		reg:       reg,
		commands:  commands,
		config:    reg.Config(),
		dbService: dbService,
		metrics:   metrics,
		router:    chi.NewRouter(),
		log:       log,
		started:   time.Now(),
	}
	s.registerAPIEndpoints()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.APIPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *APIServer) Handler() http.Handler { return s.router }

// registerAPIEndpoints registers all API routes
func (s *APIServer) registerAPIEndpoints() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/api/status", s.handleServerStatus)

	r.Route("/api/stations", func(r chi.Router) {
		r.Get("/", s.handleListStations)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetStation)
			r.Delete("/", s.handleDeleteStation)
			r.Post("/disconnect", s.handleDisconnectStation)
			r.Get("/composite-schedule", s.handleCompositeSchedule)
			r.Get("/profiles", s.handleProfiles)
			r.Get("/reservations", s.handleReservations)
			r.Get("/logs", s.handleLogs)
			r.Delete("/logs", s.handleClearLogs)
			r.Route("/commands", s.registerCommandEndpoints)
		})
	})

	if s.dbService != nil {
		r.Get("/api/transactions", s.handleTransactions)
		r.Get("/api/transactions/{txId}/meter-values", s.handleMeterValues)
		r.Get("/api/authorizations", s.handleListAuthorizations)
		r.Post("/api/authorizations", s.handleSaveAuthorization)
		r.Delete("/api/authorizations/{idTag}", s.handleDeleteAuthorization)
		r.Get("/api/raw-messages", s.handleRawMessages)
	}

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *APIServer) ListenAndServe(ctx context.Context) error {
	protocol := "http"
	if s.config.UseTLS {
		protocol = "https"
	}
	s.log.Info().Str("url", fmt.Sprintf("%s://%s:%d", protocol, s.config.Host, s.config.APIPort)).Msg("HTTP API server listening")

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.UseTLS {
			err = s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *APIServer) respondJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

func (s *APIServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps engine errors onto HTTP statuses.
func (s *APIServer) respondErr(w http.ResponseWriter, err error) {
	var callErr *frame.CallError
	status := http.StatusInternalServerError
	switch {
	case ocpperr.IsValidation(err):
		status = http.StatusBadRequest
	case ocpperr.IsConflict(err), errors.Is(err, ocpperr.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, ocpperr.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ocpperr.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &callErr):
		s.respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":     err.Error(),
			"errorCode": callErr.Code,
		})
		return
	case errors.Is(err, ocpperr.ErrConnectionClosed):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("api request failed")
	}
	s.respondError(w, status, err.Error())
}

// decodeBody decodes a JSON request body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return ocpperr.Invalid("body", "%v", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ocpperr.Invalid(name, "not an integer: %q", raw)
	}
	return v, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, ocpperr.Invalid(name, "not an RFC 3339 time: %q", raw)
	}
	return t, nil
}

func (s *APIServer) session(w http.ResponseWriter, r *http.Request) (*ocppserver.Session, bool) {
	sess, err := s.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return nil, false
	}
	return sess, true
}

// handleServerStatus handles the server status endpoint
func (s *APIServer) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	databaseType := "none"
	if s.dbService != nil {
		databaseType = string(s.dbService.GetDatabaseType())
	}
	s.respondJSON(w, http.StatusOK, struct {
		Status            string    `json:"status"`
		SystemName        string    `json:"systemName"`
		ServerTime        time.Time `json:"serverTime"`
		StationsTotal     int       `json:"stationsTotal"`
		StationsConnected int       `json:"stationsConnected"`
		DatabaseType      string    `json:"databaseType"`
		Uptime            string    `json:"uptime"`
	}{
		Status:            "running",
		SystemName:        s.config.SystemName,
		ServerTime:        time.Now().UTC(),
		StationsTotal:     len(s.reg.List()),
		StationsConnected: s.reg.ConnectedCount(),
		DatabaseType:      databaseType,
		Uptime:            time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *APIServer) handleListStations(w http.ResponseWriter, r *http.Request) {
	sessions := s.reg.List()
	out := make([]ocppserver.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *APIServer) handleGetStation(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *APIServer) handleDeleteStation(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleDisconnectStation(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Disconnect(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCompositeSchedule composes the locally known profiles; it does not
// contact the station.
func (s *APIServer) handleCompositeSchedule(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	connectorID, err := queryInt(r, "connectorId", 0)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	duration, err := queryInt(r, "duration", 86400)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	unit := smartcharging.RateUnit(r.URL.Query().Get("chargingRateUnit"))

	cs, err := sess.CompositeSchedule(connectorID, duration, unit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, cs)
}

func (s *APIServer) handleProfiles(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	connectorID, err := queryInt(r, "connectorId", -1)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess.Profiles().Profiles(connectorID))
}

func (s *APIServer) handleReservations(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, sess.Reservations().List())
}

// handleLogs serves a station's frame log as JSON, or as CSV with
// format=csv. Filters: action (repeatable), direction, q, since, until, limit.
func (s *APIServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	f := eventlog.Filter{Actions: q["action"], Text: q.Get("q")}
	for _, d := range q["direction"] {
		switch eventlog.Direction(d) {
		case eventlog.StationToServer, eventlog.ServerToStation:
			f.Directions = append(f.Directions, eventlog.Direction(d))
		default:
			s.respondErr(w, ocpperr.Invalid("direction", "unknown direction %q", d))
			return
		}
	}
	var err error
	if f.Since, err = queryTime(r, "since"); err != nil {
		s.respondErr(w, err)
		return
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		s.respondErr(w, err)
		return
	}
	if f.Limit, err = queryInt(r, "limit", 0); err != nil {
		s.respondErr(w, err)
		return
	}

	entries := sess.Events().Query(f)
	if strings.EqualFold(q.Get("format"), "csv") {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sess.Identity()+"-frames.csv"))
		if err := eventlog.WriteCSV(w, entries); err != nil {
			s.log.Error().Err(err).Str("station", sess.Identity()).Msg("csv export failed")
		}
		return
	}

	out := []eventlog.Entry{}
	for e := range entries {
		out = append(out, e)
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *APIServer) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Events().Clear()
	w.WriteHeader(http.StatusNoContent)
}

// handleTransactions lists stored transactions. Filters: chargePointId,
// isComplete.
func (s *APIServer) handleTransactions(w http.ResponseWriter, r *http.Request) {
	var isComplete *bool
	if raw := r.URL.Query().Get("isComplete"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.respondErr(w, ocpperr.Invalid("isComplete", "not a boolean: %q", raw))
			return
		}
		isComplete = &v
	}
	transactions, err := s.dbService.ListTransactions(r.Context(), r.URL.Query().Get("chargePointId"), isComplete)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, transactions)
}

func (s *APIServer) handleMeterValues(w http.ResponseWriter, r *http.Request) {
	txID, err := strconv.Atoi(chi.URLParam(r, "txId"))
	if err != nil {
		s.respondErr(w, ocpperr.Invalid("txId", "not an integer"))
		return
	}
	values, err := s.dbService.GetMeterValues(r.Context(), txID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, values)
}

func (s *APIServer) handleListAuthorizations(w http.ResponseWriter, r *http.Request) {
	auths, err := s.dbService.ListAuthorizations(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, auths)
}

func (s *APIServer) handleSaveAuthorization(w http.ResponseWriter, r *http.Request) {
	var auth database.Authorization
	if err := decodeBody(r, &auth); err != nil {
		s.respondErr(w, err)
		return
	}
	if auth.IdTag == "" {
		s.respondErr(w, ocpperr.Invalid("idTag", "is required"))
		return
	}
	if auth.Status == "" {
		auth.Status = string(ocppserver.AuthorizationAccepted)
	}
	auth.ID = 0
	if err := s.dbService.SaveAuthorization(r.Context(), &auth); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, auth)
}

func (s *APIServer) handleDeleteAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := s.dbService.DeleteAuthorization(r.Context(), chi.URLParam(r, "idTag")); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleRawMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	logs, err := s.dbService.GetRawMessages(r.Context(), r.URL.Query().Get("chargePointId"), limit, offset)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, logs)
}
