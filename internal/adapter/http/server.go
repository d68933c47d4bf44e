package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/quake-alert-service/internal/crowd"
	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/notify"
	"github.com/couchcryptid/quake-alert-service/internal/observability"
	"github.com/couchcryptid/quake-alert-service/internal/source"
	"github.com/couchcryptid/quake-alert-service/internal/subscriber"
)

// Registrar registers push subscribers and reports on them.
type Registrar interface {
	Register(ctx context.Context, req subscriber.RegisterRequest) (domain.Subscriber, string, error)
	Stats(ctx context.Context) (subscriber.Stats, error)
	Recent(ctx context.Context, limit int) ([]domain.Subscriber, error)
}

// Dispatcher sends an earthquake notification to matching subscribers, or
// a single message to one token or topic.
type Dispatcher interface {
	Dispatch(ctx context.Context, e domain.Earthquake) (notify.Report, error)
	SendDirect(ctx context.Context, t notify.Target, msg notify.Message) (string, error)
}

// Detector ingests crowd sensor reports.
type Detector interface {
	Ingest(ctx context.Context, r domain.SeismicReport) (crowd.IngestResult, error)
}

// Deps are the components the HTTP API serves.
type Deps struct {
	Sources     *source.Set
	Subscribers Registrar
	Dispatcher  Dispatcher
	Detector    Detector
	Audit       notify.AuditReader
	// Topics manages FCM topic membership. Nil disables the topic routes.
	Topics         notify.TopicManager
	Ready          sharedobs.ReadinessChecker
	VAPIDPublicKey string
	// AdminSecret signs admin bearer tokens (HS256). Empty disables admin routes.
	AdminSecret string
	Tolerance   domain.Tolerance
	Now         func() time.Time
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Server exposes the earthquake and push API plus health, readiness, and
// metrics endpoints.
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *slog.Logger
}

// NewServer creates an HTTP server with every route registered.
func NewServer(addr string, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Tolerance == (domain.Tolerance{}) {
		deps.Tolerance = domain.DefaultTolerance
	}
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      withRequestLogging(mux, deps.Logger, deps.Metrics),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		deps:   deps,
		logger: deps.Logger,
	}

	mux.Handle("GET /earthquakes", noCache(http.HandlerFunc(s.handleEarthquakes)))
	mux.Handle("GET /earthquakes-combined", noCache(http.HandlerFunc(s.handleCombined)))
	mux.Handle("GET /earthquakes-export", noCache(http.HandlerFunc(s.handleExport)))
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("POST /push/subscribe", s.handleSubscribe)
	mux.HandleFunc("GET /push/status", s.handlePushStatus)
	mux.HandleFunc("GET /push/vapid-public-key", s.handleVAPIDKey)
	mux.Handle("POST /push/test-notification", s.requireAdmin(http.HandlerFunc(s.handleTestNotification)))
	mux.Handle("POST /push/send", s.requireAdmin(http.HandlerFunc(s.handlePushSend)))
	mux.Handle("POST /push/topic/subscribe", s.requireAdmin(http.HandlerFunc(s.handleTopicSubscribe)))
	mux.Handle("POST /push/topic/unsubscribe", s.requireAdmin(http.HandlerFunc(s.handleTopicUnsubscribe)))
	mux.Handle("GET /push/tokens", s.requireAdmin(http.HandlerFunc(s.handlePushTokens)))
	mux.HandleFunc("POST /seismic/report", s.handleSeismicReport)

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(deps.Ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON request body of at most 64KB.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	return json.NewDecoder(r.Body).Decode(v)
}
