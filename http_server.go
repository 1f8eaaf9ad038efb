package skylink

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// StatusSource builds the current AgentStatus.
type StatusSource func(ctx context.Context) AgentStatus

// responseLogger wraps ResponseWriter to capture status code
type responseLogger struct {
	http.ResponseWriter
	status int
}

func (rl *responseLogger) WriteHeader(code int) {
	rl.status = code
	rl.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs every request at debug level.
func loggingMiddleware(path string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseLogger{ResponseWriter: w, status: http.StatusOK}
		handler(wrapped, r)
		logrus.Debugf("http %s %s -> %d", r.Method, path, wrapped.status)
	}
}

// StatusServer is the read-only local HTTP surface for whatever UI sits on
// top of the agent.
type StatusServer struct {
	addr   string
	source StatusSource
	server *http.Server
}

// NewStatusServer serves source on addr.
func NewStatusServer(addr string, source StatusSource) *StatusServer {
	return &StatusServer{addr: addr, source: source}
}

// Handler returns the server's routes.
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", loggingMiddleware("/status", s.httpStatusHandler))
	mux.HandleFunc("/healthz", loggingMiddleware("/healthz", s.httpHealthzHandler))
	return mux
}

// Run listens until ctx is done, then shuts down within a second.
func (s *StatusServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	logrus.Printf("Listening for HTTP on %s", listener.Addr())

	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

func (s *StatusServer) httpStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.source(r.Context()))
}

// httpHealthzHandler answers 200 unless the agent stopped.
func (s *StatusServer) httpHealthzHandler(w http.ResponseWriter, r *http.Request) {
	status := s.source(r.Context())
	if status.Status == StatusStopped {
		http.Error(w, string(status.Status), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "ok")
}
