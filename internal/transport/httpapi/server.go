// Package httpapi is the remote control surface of the action manager.
//
// POST /queue_action is fire-and-forget: it validates and enqueues, and never
// waits for the action to run. The remaining routes are operator controls.
package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"acqd/internal/action"
	"acqd/internal/instrument"
	"acqd/internal/schedule"
	logx "acqd/pkg/logx"
)

const DefaultMaxBodyBytes = 1 << 20

// Manager is the part of the action service the HTTP surface drives.
type Manager interface {
	Submit(target string, args instrument.Args, opts ...action.SubmitOption) (action.Action, error)
	Snapshot() action.Snapshot
	Pause()
	Resume()
}

// OutcomeReader serves GET /outcomes.
type OutcomeReader interface {
	RecentOutcomes(ctx context.Context, limit int) ([]action.Outcome, error)
}

// ScheduleLister adds registered schedules to GET /status.
type ScheduleLister interface {
	Snapshot() []schedule.Info
}

type Server struct {
	router    chi.Router
	log       logx.Logger
	mgr       Manager
	outcomes  OutcomeReader
	schedules ScheduleLister
	maxBody   atomic.Int64
	startTime time.Time
}

// Option configures optional Server dependencies.
type Option func(*Server)

func WithOutcomes(r OutcomeReader) Option { return func(s *Server) { s.outcomes = r } }

func WithSchedules(l ScheduleLister) Option { return func(s *Server) { s.schedules = l } }

func WithMaxBodyBytes(n int64) Option { return func(s *Server) { s.SetMaxBodyBytes(n) } }

// SetMaxBodyBytes bounds request bodies. Non-positive values are ignored.
func (s *Server) SetMaxBodyBytes(n int64) {
	if n > 0 {
		s.maxBody.Store(n)
	}
}

func New(mgr Manager, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		router:    chi.NewRouter(),
		log:       log.With(logx.String("comp", "httpapi")),
		mgr:       mgr,
		startTime: time.Now(),
	}
	s.maxBody.Store(DefaultMaxBodyBytes)
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.log))

	r.Post("/queue_action", s.handleQueueAction)
	r.Get("/status", s.handleStatus)
	r.Post("/pause", s.handlePause)
	r.Post("/resume", s.handleResume)
	r.Get("/outcomes", s.handleOutcomes)
	r.Get("/healthz", s.handleHealth)
}
