package httpapi

import (
	"context"

	"acqd/internal/config"
	"acqd/internal/runtime/httpserve"
	logx "acqd/pkg/logx"
)

// Service owns the listener for a Server and follows config reloads.
type Service struct {
	api *Server
	srv *httpserve.Server
}

func NewService(api *Server, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{api: api, srv: httpserve.New("httpapi", log.With(logx.String("comp", "httpapi")))}
}

// Listener exposes the bound address and supervisor for status and tests.
func (s *Service) Listener() *httpserve.Server { return s.srv }

// Apply maps the http config section onto the listener. Durations were
// validated when the config was loaded.
func (s *Service) Apply(ctx context.Context, c config.HTTPConfig) {
	rt, _ := config.ParseDurationField("http.read_timeout", c.ReadTimeout)
	wt, _ := config.ParseDurationField("http.write_timeout", c.WriteTimeout)
	it, _ := config.ParseDurationField("http.idle_timeout", c.IdleTimeout)
	s.api.SetMaxBodyBytes(c.EffectiveMaxBody())
	s.srv.Reconfigure(ctx, httpserve.Config{
		Enabled:      c.IsEnabled(),
		Addr:         c.EffectiveAddr(),
		ReadTimeout:  rt,
		WriteTimeout: wt,
		IdleTimeout:  it,
	}, s.api)
}

func (s *Service) Stop(ctx context.Context) { s.srv.Stop(ctx) }
