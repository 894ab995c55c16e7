// Package status serves the progress of a running build over HTTP and
// fetches it from another process.
//
// Endpoints:
//
//	GET /health    200 while the build process is up
//	GET /progress  JSON pipeline.Snapshot
//	GET /metrics   Prometheus exposition
package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/skytile/internal/pipeline"
)

// Progress is anything that can report a build snapshot.
type Progress interface {
	Snapshot() pipeline.Snapshot
}

// Server exposes build progress and metrics.
type Server struct {
	http *http.Server
	log  logrus.FieldLogger
}

// NewServer creates a server listening on addr once started.
func NewServer(addr string, progress Progress, gatherer prometheus.Gatherer, log logrus.FieldLogger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           Handler(progress, gatherer),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Handler returns the routes of the status server.
func Handler(progress Progress, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/progress", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(progress.Snapshot())
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start listens on the configured address and serves in the background.
// The listener is bound before Start returns, so a bad address fails here.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.http.Addr)
	}
	s.http.Addr = ln.Addr().String()

	go func() {
		s.log.WithField("addr", s.http.Addr).Info("status server listening")
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("status server stopped")
		}
	}()
	return nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string { return s.http.Addr }

// Shutdown stops the server, waiting for open requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
