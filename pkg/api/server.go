package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/dcfleet/cnapi/pkg/cnclock"
	"github.com/dcfleet/cnapi/pkg/events"
	"github.com/dcfleet/cnapi/pkg/heartbeat"
	"github.com/dcfleet/cnapi/pkg/log"
	"github.com/dcfleet/cnapi/pkg/metrics"
	"github.com/dcfleet/cnapi/pkg/server"
	"github.com/dcfleet/cnapi/pkg/task"
	"github.com/dcfleet/cnapi/pkg/waitlist"
)

// Config wires the API server's collaborators
type Config struct {
	Addr       string
	Servers    *server.Store
	Waitlist   *waitlist.Model
	Director   *waitlist.Director
	Registry   *heartbeat.Registry
	Dispatcher *task.Dispatcher
	Broker     *events.Broker
	Clock      cnclock.Clock
}

// Server is the CNAPI HTTP endpoint layer
type Server struct {
	servers    *server.Store
	waitlist   *waitlist.Model
	director   *waitlist.Director
	registry   *heartbeat.Registry
	dispatcher *task.Dispatcher
	broker     *events.Broker
	clock      cnclock.Clock
	http       *http.Server
	log        zerolog.Logger
}

// NewServer creates the API server
func NewServer(cfg Config) *Server {
	clk := cfg.Clock
	if clk == nil {
		clk = cnclock.New()
	}
	s := &Server{
		servers:    cfg.Servers,
		waitlist:   cfg.Waitlist,
		director:   cfg.Director,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		broker:     cfg.Broker,
		clock:      clk,
		log:        log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	s.routes(mux)
	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.instrument(mux),
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /servers/{uuid}/events/heartbeat", s.handleHeartbeat)

	mux.HandleFunc("GET /servers", s.handleListServers)
	mux.HandleFunc("GET /servers/{uuid}", s.handleGetServer)
	mux.HandleFunc("POST /servers/{uuid}", s.handleUpdateServer)
	mux.HandleFunc("DELETE /servers/{uuid}", s.handleDeleteServer)

	mux.HandleFunc("GET /servers/{uuid}/tickets", s.handleListTickets)
	mux.HandleFunc("POST /servers/{uuid}/tickets", s.handleCreateTicket)
	mux.HandleFunc("GET /tickets/{uuid}", s.handleGetTicket)
	mux.HandleFunc("DELETE /tickets/{uuid}", s.handleDeleteTicket)
	mux.HandleFunc("PUT /tickets/{uuid}/release", s.handleReleaseTicket)
	mux.HandleFunc("GET /tickets/{uuid}/wait", s.handleWaitTicket)

	mux.HandleFunc("POST /servers/{uuid}/tasks", s.handleDispatchTask)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /tasks/{id}/wait", s.handleWaitTask)

	mux.HandleFunc("GET /boot/default", s.handleGetDefaultBootParams)
	mux.HandleFunc("PUT /boot/default", s.handleSetDefaultBootParams)
	mux.HandleFunc("GET /boot/{uuid}", s.handleGetBootParams)

	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("GET /health", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.HandleFunc("GET /live", metrics.LivenessHandler())
	mux.Handle("GET /metrics", metrics.Handler())
}

// Start serves requests until Stop is called
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("API listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the listener down
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Handler exposes the full route tree, instrumented
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// statusRecorder captures the response status for instrumentation
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeBody(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(out)
}

// queryInt reads an integer query parameter, falling back on absence
// or garbage
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// queryBool reads an optional boolean query parameter; nil means unset
func queryBool(r *http.Request, name string) *bool {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &v
}
