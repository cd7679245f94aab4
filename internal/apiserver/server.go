package apiserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server exposes the status API over HTTP
type Server struct {
	server *http.Server
	port   string
	logger *logrus.Logger
}

// NewServer wires the handlers into a router with CORS support
func NewServer(port string, handlers *Handlers, logger *logrus.Logger) *Server {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/decisions", handlers.GetDecisions).Methods("GET")
	api.HandleFunc("/decisions/{id}", handlers.GetDecision).Methods("GET")
	api.HandleFunc("/clients", handlers.GetClients).Methods("GET")
	api.HandleFunc("/clients/{client}/unblock", handlers.UnblockClient).Methods("POST")
	api.HandleFunc("/windows", handlers.GetWindows).Methods("GET")
	api.HandleFunc("/stats", handlers.GetStats).Methods("GET")
	api.HandleFunc("/stream/decisions", handlers.StreamDecisions).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")

	return &Server{
		server: &http.Server{
			Addr:              ":" + port,
			Handler:           router,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 15 * time.Second,
		},
		port:   port,
		logger: logger,
	}
}

// Handler returns the underlying router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the server until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Infof("Status API listening on port %s", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Errorf("Status API shutdown error: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		allowOrigin := "*"
		if origin != "" {
			allowOrigin = origin
		}

		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
