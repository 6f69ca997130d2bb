package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/tunnelwatch/internal/metrics"
	"github.com/loykin/tunnelwatch/internal/watcher"
)

// StatusSource publishes the watcher snapshot. *watcher.Watcher implements it.
type StatusSource interface {
	Status() watcher.Status
}

// Router provides embeddable read-only HTTP handlers for one watcher.
// Endpoints:
//
//	GET {basePath}/status   watcher snapshot plus a child resource sample
//	GET {basePath}/healthz  200 unless the watcher has failed
//	GET {basePath}/metrics  Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	basePath string
	gatherer prometheus.Gatherer
	sample   func(pid int) (metrics.ProcessSample, error)
}

type Option func(*Router)

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(r *Router) { r.gatherer = g }
}

// WithSampler replaces the child resource sampler.
func WithSampler(f func(pid int) (metrics.ProcessSample, error)) Option {
	return func(r *Router) { r.sample = f }
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/tw" results in /tw/status, /tw/healthz, /tw/metrics.
func NewRouter(src StatusSource, basePath string, opts ...Option) *Router {
	r := &Router{src: src, basePath: sanitizeBase(basePath), sample: metrics.Sample}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	mh := metrics.Handler()
	if r.gatherer != nil {
		mh = metrics.HandlerFor(r.gatherer)
	}
	group.GET("/metrics", gin.WrapH(mh))
	return g
}

// Server is a running status server.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewServer binds addr and serves the router in the background. Binding errors
// are returned immediately.
func NewServer(addr, basePath string, src StatusSource, opts ...Option) (*Server, error) {
	r := NewRouter(src, basePath, opts...)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           r.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
	go func() { _ = s.srv.Serve(ln) }()
	return s, nil
}

// Addr is the bound listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	watcher.Status
	Child *metrics.ProcessSample `json:"child,omitempty"`
}

type healthResp struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.src == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "watcher not attached"})
		return
	}
	st := r.src.Status()
	resp := statusResp{Status: st}
	if st.PID > 0 && r.sample != nil {
		if s, err := r.sample(st.PID); err == nil {
			metrics.ObserveChild(s)
			resp.Child = &s
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleHealth(c *gin.Context) {
	if r.src == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "watcher not attached"})
		return
	}
	st := r.src.Status()
	if st.State == watcher.StateFailed.String() {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{OK: false, State: st.State})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{OK: true, State: st.State})
}
