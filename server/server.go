// Package server implements the downstream side of the mirror: the SOAP
// endpoints other WSUS servers sync from, the content payload handler, a
// status page and prometheus metrics.
package server

import (
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	lxdShared "github.com/canonical/lxd/shared"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/wsussync/wsussync/content"
	"github.com/wsussync/wsussync/serversync"
	"github.com/wsussync/wsussync/store"
)

var (
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wsussync_http_request_duration_seconds",
			Help:    "Histogram of request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"code"},
	)

	requestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsussync_http_requests_total",
			Help: "Count of served requests by handler and status code",
		},
		[]string{"handler", "code", "method"},
	)
)

func init() {
	prometheus.MustRegister(requestDuration, requestCount)
}

// Server serves a package store to downstream sync clients. The serving
// state, config and content store swap atomically under a reader-writer
// lock; requests run under the reader side.
type Server struct {
	logger    *logrus.Logger
	startedAt time.Time

	mu      sync.RWMutex
	config  serversync.ServerSyncConfigData
	state   *servingState
	content *content.Store
}

// New returns a server with no store attached yet.
func New(logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Server{
		logger:    logger,
		startedAt: time.Now(),
	}
}

// SetConfig replaces the config data exposed through GetConfigData.
func (s *Server) SetConfig(config serversync.ServerSyncConfigData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.config = config
}

// SetContentStore attaches the content store payload requests are served
// from. A nil store detaches it.
func (s *Server) SetContentStore(cs *content.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.content = cs
}

// SetPackageStore rebuilds the serving state from the given store and swaps
// it in atomically.
func (s *Server) SetPackageStore(st *store.PackageStore) error {
	state, err := buildServingState(st)
	if err != nil {
		return fmt.Errorf("Failed to build serving state: %w", err)
	}

	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.logger.Infof("Serving %d packages (%d categories)", st.Count(), len(state.categories))

	return nil
}

// Handler returns the server's full HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(serversync.ServerSyncPath, s.instrument("serversync", http.HandlerFunc(s.handleServerSync)))
	mux.Handle(serversync.DssAuthPath, s.instrument("dssauth", http.HandlerFunc(s.handleDssAuth)))
	mux.Handle("/microsoftupdate/content/", s.instrument("content", http.HandlerFunc(s.handleContent)))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", s.instrument("status", http.HandlerFunc(s.handleStatus)))

	// Some downstream servers request the DSS path with a doubled leading
	// slash. ServeMux would redirect, which SOAP clients do not follow,
	// so the alias is rewritten before routing.
	rewrite := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/"+serversync.DssAuthPath {
			r.URL.Path = serversync.DssAuthPath
		}

		mux.ServeHTTP(w, r)
	})

	return gzhttp.GzipHandler(rewrite)
}

// instrument wraps a handler with request logging and metrics.
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	counted := promhttp.InstrumentHandlerCounter(requestCount.MustCurryWith(prometheus.Labels{"handler": name}), next)
	timed := promhttp.InstrumentHandlerDuration(requestDuration, counted)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		timed.ServeHTTP(lrw, r)

		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"url":      r.URL.String(),
			"status":   lrw.statusCode,
			"duration": time.Since(start).String(),
			"remote":   r.RemoteAddr,
		}).Debug("Processed request")
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// handleContent streams payloads out of the content store, with range
// support via http.ServeContent.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	if !lxdShared.ValueInSlice(r.Method, []string{http.MethodGet, http.MethodHead}) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	cs := s.content
	s.mu.RUnlock()

	if cs == nil {
		http.NotFound(w, r)
		return
	}

	name := path.Base(r.URL.Path)
	hexDigest := strings.TrimSuffix(name, path.Ext(name))

	file, fileName, err := cs.Open(hexDigest)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))

	http.ServeContent(w, r, fileName, info.ModTime(), file)
}
