package api

import (
	"context"
	"net/http"
	"time"

	"github.com/velora/pulsar/internal/logging"
	"github.com/velora/pulsar/internal/metrics"
)

// Server is the HTTP front of the pipeline: strategy submission, result
// streaming, chart artifacts, health, and the metrics scrape endpoint.
type Server struct {
	httpServer *http.Server
}

// NewServer builds the mux and wraps it with CORS and request logging.
func NewServer(addr string, h *Handler) *Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	mux.Handle("GET /metrics", metrics.Global().Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           withCORS(withLogging(mux)),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// ListenAndServe blocks serving requests until Shutdown or a listener
// error. http.ErrServerClosed is returned on clean shutdown.
func (s *Server) ListenAndServe() error {
	logging.Op().Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// withCORS allows browser clients on any origin; the API carries no
// credentials.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Op().Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
