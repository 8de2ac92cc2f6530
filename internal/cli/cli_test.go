package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"acqd/internal/action"
	"acqd/internal/instrument"
	"acqd/internal/transport/httpapi"
	logx "acqd/pkg/logx"
)

type testServer struct {
	url  string
	svc  *action.Service
	last instrument.Args
}

func startTestServer(t *testing.T, opts ...httpapi.Option) *testServer {
	t.Helper()
	ts := &testServer{}
	ns := instrument.NewNamespace()
	err := ns.Handle("stage.move_to", func(_ context.Context, args instrument.Args) (instrument.Probe, error) {
		ts.last = args
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	ts.svc = action.New(ns)
	srv := httptest.NewServer(httpapi.New(ts.svc, logx.Nop(), opts...))
	t.Cleanup(srv.Close)
	ts.url = srv.URL
	return ts
}

func run(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--server", url}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestSubmitQueuesTypedArgs(t *testing.T) {
	ts := startTestServer(t)
	out, err := run(t, ts.url, "submit", "stage.move_to",
		"--arg", "x=10.5", "--arg", "y=-3", "--arg", "label=home",
		"--nice", "2", "--max-duration", "30s")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "queued stage.move_to") {
		t.Fatalf("out = %q", out)
	}
	q := ts.svc.Snapshot().Queue
	if len(q) != 1 {
		t.Fatalf("queue = %+v", q)
	}
	a := q[0]
	if a.Priority != 2 || a.Source != "http" || !a.HasMaxDuration() {
		t.Fatalf("action = %+v", a)
	}
	if a.Args["x"] != 10.5 || a.Args["y"] != -3.0 || a.Args["label"] != "home" {
		t.Fatalf("args = %+v", a.Args)
	}
}

func TestSubmitArgsFile(t *testing.T) {
	ts := startTestServer(t)
	path := filepath.Join(t.TempDir(), "args.yaml")
	if err := os.WriteFile(path, []byte("x: 1\ny: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, ts.url, "submit", "stage.move_to", "-f", path, "-a", "y=5"); err != nil {
		t.Fatal(err)
	}
	a := ts.svc.Snapshot().Queue[0]
	if a.Args["x"] != 1.0 || a.Args["y"] != 5.0 {
		t.Fatalf("args = %+v", a.Args)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	ts := startTestServer(t)
	tests := []struct {
		name string
		args []string
	}{
		{"bad pair", []string{"submit", "stage.move_to", "--arg", "novalue"}},
		{"negative nice", []string{"submit", "stage.move_to", "--nice", "-1"}},
		{"blank name", []string{"submit", " "}},
		{"no name", []string{"submit"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, ts.url, tt.args...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if ts.svc.Size() != 0 {
		t.Fatalf("queue size = %d", ts.svc.Size())
	}
}

func TestStatusPauseResume(t *testing.T) {
	ts := startTestServer(t)
	if _, err := run(t, ts.url, "pause"); err != nil {
		t.Fatal(err)
	}
	if !ts.svc.Paused() {
		t.Fatal("expected paused")
	}
	if _, err := run(t, ts.url, "submit", "stage.move_to"); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, ts.url, "status")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"paused", "Queue:      1", "stage.move_to"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	if _, err := run(t, ts.url, "resume"); err != nil {
		t.Fatal(err)
	}
	ts.svc.Tick(context.Background())
	if ts.svc.Size() != 0 || ts.last == nil {
		t.Fatalf("action did not run after resume: size %d", ts.svc.Size())
	}
}

type staticOutcomes []action.Outcome

func (s staticOutcomes) RecentOutcomes(context.Context, int) ([]action.Outcome, error) {
	return s, nil
}

func TestOutcomes(t *testing.T) {
	ts := startTestServer(t)
	_, err := run(t, ts.url, "outcomes")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 404 {
		t.Fatalf("err = %v, want 404 APIError", err)
	}

	ts = startTestServer(t, httpapi.WithOutcomes(staticOutcomes{
		{ID: "act_1", Target: "focus.autofocus", State: action.StateKilled, Error: "max duration exceeded"},
	}))
	out, err := run(t, ts.url, "outcomes", "--limit", "5")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "act_1") || !strings.Contains(out, "killed") {
		t.Fatalf("out = %q", out)
	}
	out, err = run(t, ts.url, "--json", "outcomes")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"state": "killed"`) {
		t.Fatalf("json out = %q", out)
	}
}

func TestParseArgValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"3", 3.0},
		{"true", true},
		{"abc", "abc"},
		{`"quoted"`, "quoted"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := parseArgValue(tt.in); got != tt.want {
			t.Errorf("parseArgValue(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestNewClientAddsScheme(t *testing.T) {
	c := NewClient("127.0.0.1:9393/", 0, logx.Nop())
	if c.BaseURL != "http://127.0.0.1:9393" {
		t.Fatalf("base = %q", c.BaseURL)
	}
}
