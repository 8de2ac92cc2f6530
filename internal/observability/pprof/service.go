package pprof

import (
	"context"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"time"

	"acqd/internal/config"
	"acqd/internal/runtime/httpserve"
	logx "acqd/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the optional pprof HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

// FromConfig maps the file config. Durations were validated on load.
func FromConfig(c config.PprofConfig) Config {
	rt, _ := config.ParseDurationField("pprof.read_timeout", c.ReadTimeout)
	wt, _ := config.ParseDurationField("pprof.write_timeout", c.WriteTimeout)
	it, _ := config.ParseDurationField("pprof.idle_timeout", c.IdleTimeout)
	return Config{
		Enabled:              c.Enabled,
		Addr:                 c.Addr,
		Prefix:               c.Prefix,
		Token:                c.Token,
		AllowInsecure:        c.AllowInsecure,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: c.MutexProfileFraction,
		BlockProfileRate:     c.BlockProfileRate,
		MemProfileRate:       c.MemProfileRate,
	}
}

var ErrInsecureBind = errors.New("pprof refused to start: non-loopback addr requires token or allow_insecure")

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// Check rejects an unauthenticated non-loopback bind. Disabled configs pass.
func (c Config) Check() error {
	if c.Enabled && !c.AllowInsecure && c.Token == "" && !httpserve.IsLoopbackAddr(c.addr()) {
		return ErrInsecureBind
	}
	return nil
}

type Service struct {
	log logx.Logger
	srv *httpserve.Server
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "pprof"))
	return &Service{log: log, srv: httpserve.New("pprof", log)}
}

// Server exposes the listener for status and tests.
func (s *Service) Server() *httpserve.Server { return s.srv }

// Reconfigure applies cfg and starts/stops/restarts the server if needed.
// Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	// Runtime profiling rates apply even when the server is disabled.
	applyRuntimeRates(cfg)

	addr := cfg.addr()
	if err := cfg.Check(); err != nil {
		s.log.Error("pprof refused to start", logx.String("addr", addr))
		s.srv.Stop(ctx)
		return err
	}
	if cfg.Enabled && cfg.Token == "" && !httpserve.IsLoopbackAddr(addr) {
		s.log.Warn("pprof running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	s.srv.Reconfigure(ctx, httpserve.Config{
		Enabled:      cfg.Enabled,
		Addr:         addr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}, Handler(cfg.Prefix, cfg.Token))
	return nil
}

func (s *Service) Stop(ctx context.Context) { s.srv.Stop(ctx) }

func applyRuntimeRates(cfg Config) {
	// 0 keeps Go default; explicit -1 is not supported here.
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

// Handler builds the pprof mux rooted at prefix, guarded by token when set.
func Handler(prefix, token string) http.Handler {
	prefix = normalizePrefix(prefix)
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	base := strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix, wrap(pprofIndexAt(prefix)))
	mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
	mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
	})
	return mux
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either "Authorization: Bearer <token>" or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/, so the path is
// rewritten for custom prefixes.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, canon)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}
