// Package server assembles the broker's http surface: the oauth routes
// from the token package, the nfe proxy routes, health and metrics.
package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rorycl/BlingNFeTokenServer/bling"
	"github.com/rorycl/BlingNFeTokenServer/logging"
	"github.com/rorycl/BlingNFeTokenServer/metrics"
	"github.com/rorycl/BlingNFeTokenServer/token"
)

// DefaultAllowedOrigins are the development frontends allowed by CORS
// when no origins are configured
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:3000"}

// Config is the information the server reports about itself and its
// CORS policy
type Config struct {
	Version        string
	Env            string
	BlingBaseURL   string
	FrontendURL    string
	AllowedOrigins []string
	ClientID       string
	HasSecret      bool
}

// CleanOrigins trims each origin of a comma separated list, as in
// "http://a, http://b", and drops empty entries
func CleanOrigins(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Server serves the broker routes
type Server struct {
	cfg     Config
	broker  *token.Broker
	bling   *bling.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New returns a Server
func New(cfg Config, broker *token.Broker, client *bling.Client, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	cfg.AllowedOrigins = CleanOrigins(cfg.AllowedOrigins)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = DefaultAllowedOrigins
	}
	return &Server{
		cfg:     cfg,
		broker:  broker,
		bling:   client,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Router returns the endpoint routing; gorilla mux is used because "/"
// in http.NewServeMux is a catch-all pattern
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID, s.metrics.Middleware)

	r.HandleFunc("/", s.HandleIndex).Methods("GET")
	r.HandleFunc("/health", s.HandleHealth).Methods("GET")
	if s.cfg.Env != "production" {
		r.HandleFunc("/debug", s.HandleDebug).Methods("GET")
	}
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/api/bling").Subrouter()
	api.HandleFunc("/authorize", s.broker.HandleAuthorize).Methods("GET")
	api.HandleFunc("/callback", s.broker.HandleCallback).Methods("GET")
	api.HandleFunc("/token", s.broker.HandleToken).Methods("POST")
	api.HandleFunc("/refresh", s.broker.HandleRefresh).Methods("POST")
	api.HandleFunc("/test-nfe", s.HandleTestNFe).Methods("POST")
	api.HandleFunc("/create-nfe", s.HandleCreateNFe).Methods("POST")
	api.HandleFunc("/proxy", s.HandleProxy).Methods("POST")
	return r
}

// Handler wraps the router in cors, access logging and panic recovery
func (s *Server) Handler(accessLog io.Writer) http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins(s.cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "Accept"}),
		handlers.AllowCredentials(),
		handlers.OptionStatusCode(http.StatusOK),
	)
	var h http.Handler = cors(s.Router())
	if accessLog != nil {
		h = handlers.LoggingHandler(accessLog, h)
	}
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(s.cfg.Env == "development"),
	)(h)
}

// requestID tags each request with an id, echoed in the response and
// attached to the request logger
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		log := logging.WithRequestID(s.logger, id)
		log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(logging.NewContext(r.Context(), log)))
	})
}

// recoveryLogger adapts zap to the gorilla recovery handler
type recoveryLogger struct {
	logger *zap.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("panic recovered", zap.Any("panic", v))
}
