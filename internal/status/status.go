// Package status serves a local HTTP API reporting the session client's
// connection state and frame statistics, for status panels and health
// probes running alongside the client on the kiosk host.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/practable/session-client/internal/session"
)

// Server reports on one session client.
type Server struct {
	client *session.Client
	port   int
}

// New returns a pointer to an initialised Server reporting on client.
func New(client *session.Client, port int) *Server {
	return &Server{client: client, port: port}
}

// Run serves the status API until closed is closed, then shuts down
// gracefully.
func (s *Server) Run(closed chan struct{}) {

	srv := s.startHTTPServer(s.port)

	<-closed

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(ctx); err != nil {
		log.WithField("error", err).Error("could not gracefully shutdown status server")
	}
}

func (s *Server) startHTTPServer(port int) *http.Server {

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr}

	srv.Handler = s.Handler()

	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.WithField("error", err).Error("status server stopped unexpectedly")
		}
	}()

	return srv
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.client.Report()); err != nil {
		log.WithField("error", err).Error("could not write status report")
	}
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"healthcheck":"ok"}`)
}

// Handler returns the status routes, also usable directly in tests.
func (s *Server) Handler() http.Handler {

	var router = mux.NewRouter()

	// for profiler
	router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	router.HandleFunc("/debug/pprof/profile", pprof.Profile)
	router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	router.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	router.Handle("/debug/pprof/heap", pprof.Handler("heap"))

	router.HandleFunc("/status", s.handleStatus)
	router.HandleFunc("/healthcheck", s.handleHealthcheck)

	return router
}
