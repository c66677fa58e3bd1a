package metrics

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errs "github.com/crawlgate/crawlgate/internal/errors"
	"github.com/crawlgate/crawlgate/internal/logging"
)

// Server serves /metrics and /debug/pprof/* on a dedicated listener.
type Server struct {
	addr     string
	gatherer prometheus.Gatherer
	logger   *logging.Logger

	ln  net.Listener
	srv *http.Server
}

// NewServer prepares a metrics server for addr. A nil logger is
// replaced with a nop logger. Nothing listens until Start.
func NewServer(addr string, gatherer prometheus.Gatherer, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		addr:     addr,
		gatherer: gatherer,
		logger:   logger.WithComponent("metrics"),
	}
}

// Start binds the listener and begins serving in the background.
// Bind failures are returned synchronously.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errs.Wrap(err, "metrics listen")
	}
	s.ln = ln
	s.srv = &http.Server{Handler: mux}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errs.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "error", err)
		}
	}()
	s.logger.Info("metrics server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, useful when Start was given
// a ":0" address. Empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown gracefully stops the server, waiting for in-flight
// scrapes up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
