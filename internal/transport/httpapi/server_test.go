package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"acqd/internal/action"
	"acqd/internal/config"
	"acqd/internal/instrument"
	logx "acqd/pkg/logx"
)

type testEnv struct {
	svc    *action.Service
	ns     *instrument.Namespace
	server *Server

	mu   sync.Mutex
	args []instrument.Args
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{ns: instrument.NewNamespace()}
	err := env.ns.Handle("controller.start", func(ctx context.Context, args instrument.Args) (instrument.Probe, error) {
		env.mu.Lock()
		env.args = append(env.args, args)
		env.mu.Unlock()
		return func() (bool, error) { return false, nil }, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	env.svc = action.New(env.ns)
	env.server = New(env.svc, logx.Nop(), opts...)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func TestQueueActionAcceptedAndDispatched(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/queue_action",
		`{"function_name":"controller.start","args":{"x":1},"nice":2,"timeout":100,"max_duration":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "{}" {
		t.Fatalf("body = %q, want {}", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID")
	}
	if env.svc.Size() != 1 {
		t.Fatalf("queue size = %d, want 1", env.svc.Size())
	}

	env.svc.Tick(context.Background())

	snap := env.svc.Snapshot()
	if snap.Current == nil {
		t.Fatal("expected a running action")
	}
	if snap.Current.Priority != 2 || snap.Current.Source != "http" {
		t.Fatalf("current = %+v", snap.Current)
	}
	if snap.Current.MaxDuration != 5*time.Second {
		t.Fatalf("max duration = %v", snap.Current.MaxDuration)
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	if len(env.args) != 1 || env.args[0]["x"] != 1.0 || len(env.args[0]) != 1 {
		t.Fatalf("args = %+v", env.args)
	}
}

func TestQueueActionDefaults(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/queue_action", `{"function_name":"controller.start"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	q := env.svc.Snapshot().Queue
	if len(q) != 1 {
		t.Fatalf("queue = %+v", q)
	}
	a := q[0]
	if a.Priority != action.DefaultPriority || a.HasMaxDuration() {
		t.Fatalf("defaults not applied: %+v", a)
	}
	if got := a.ExpiresAt.Sub(a.SubmittedAt); got != action.DefaultTimeout {
		t.Fatalf("timeout = %v", got)
	}
}

func TestQueueActionRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"not json", "nope"},
		{"missing function_name", `{"args":{}}`},
		{"blank function_name", `{"function_name":"  "}`},
		{"function_name not string", `{"function_name":5}`},
		{"args not object", `{"function_name":"a.b","args":[1,2]}`},
		{"nice not number", `{"function_name":"a.b","nice":"high"}`},
		{"negative nice", `{"function_name":"a.b","nice":-1}`},
		{"negative timeout", `{"function_name":"a.b","timeout":-0.5}`},
		{"negative max_duration", `{"function_name":"a.b","max_duration":-3}`},
		{"unknown field", `{"function_name":"a.b","priority":1}`},
		{"trailing data", `{"function_name":"a.b"} {}`},
	}
	env := newTestEnv(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/queue_action", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
			var eb ErrorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &eb); err != nil || eb.Error == "" {
				t.Fatalf("error body = %s", rec.Body.String())
			}
		})
	}
	if env.svc.Size() != 0 {
		t.Fatalf("queue changed on rejected input: size %d", env.svc.Size())
	}
}

func TestQueueActionBodyLimit(t *testing.T) {
	env := newTestEnv(t, WithMaxBodyBytes(64))
	body := `{"function_name":"controller.start","args":{"pad":"` + strings.Repeat("x", 200) + `"}}`
	rec := env.do(t, http.MethodPost, "/queue_action", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

type failingManager struct{}

func (failingManager) Submit(string, instrument.Args, ...action.SubmitOption) (action.Action, error) {
	return action.Action{}, errors.New("disk on fire")
}
func (failingManager) Snapshot() action.Snapshot { return action.Snapshot{} }
func (failingManager) Pause()                    {}
func (failingManager) Resume()                   {}

func TestQueueActionInternalError(t *testing.T) {
	srv := New(failingManager{}, logx.Nop())
	req := httptest.NewRequest(http.MethodPost, "/queue_action", strings.NewReader(`{"function_name":"a.b"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestPauseResumeStatus(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodPost, "/pause", ""); rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	if !env.svc.Paused() {
		t.Fatal("expected paused")
	}
	env.do(t, http.MethodPost, "/queue_action", `{"function_name":"controller.start"}`)
	env.svc.Tick(context.Background())

	rec := env.do(t, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var st StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if !st.Paused || st.Current != nil || len(st.Queue) != 1 || st.Submitted != 1 {
		t.Fatalf("status = %+v", st)
	}

	env.do(t, http.MethodPost, "/resume", "")
	if env.svc.Paused() {
		t.Fatal("expected resumed")
	}
	if rec := env.do(t, http.MethodGet, "/pause", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /pause = %d, want 405", rec.Code)
	}
}

type fakeOutcomes struct {
	limit int
	out   []action.Outcome
}

func (f *fakeOutcomes) RecentOutcomes(_ context.Context, limit int) ([]action.Outcome, error) {
	f.limit = limit
	return f.out, nil
}

func TestOutcomes(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/outcomes", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled journal status = %d, want 404", rec.Code)
	}

	fo := &fakeOutcomes{out: []action.Outcome{{ID: "a", State: action.StateDone}}}
	env = newTestEnv(t, WithOutcomes(fo))
	rec := env.do(t, http.MethodGet, "/outcomes?limit=5", "")
	if rec.Code != http.StatusOK || fo.limit != 5 {
		t.Fatalf("status = %d, limit = %d", rec.Code, fo.limit)
	}
	var got []action.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/outcomes?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}
}

func TestServiceListens(t *testing.T) {
	env := newTestEnv(t)
	svc := NewService(env.server, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	defer svc.Stop(context.Background())

	svc.Apply(ctx, config.HTTPConfig{Addr: "127.0.0.1:0"})
	addr, err := svc.Listener().WaitBound(ctx)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post("http://"+addr+"/queue_action", "application/json",
		strings.NewReader(`{"function_name":"controller.start"}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if env.svc.Size() != 1 {
		t.Fatalf("queue size = %d", env.svc.Size())
	}
}
