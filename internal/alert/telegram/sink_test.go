package telegram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type fakeAPI struct {
	mu     sync.Mutex
	paths  []string
	bodies []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.bodies = append(f.bodies, string(b))
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{ChatID: 1}); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := New(Config{Token: "t"}); err == nil {
		t.Fatal("expected error for missing chat id")
	}
}

func TestSendAlertPostsMessage(t *testing.T) {
	api := &fakeAPI{}
	ts := httptest.NewServer(api)
	defer ts.Close()

	s, err := New(Config{Token: "123:abc", ChatID: 42, ThreadID: 9, URL: ts.URL})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SendAlert(context.Background(), "task exceeded specified max duration"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.SendAlert(context.Background(), "   "); err != nil {
		t.Fatalf("blank send: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.paths) != 1 {
		t.Fatalf("requests = %d, want 1 (blank text is skipped)", len(api.paths))
	}
	if !strings.HasSuffix(api.paths[0], "/bot123:abc/sendMessage") {
		t.Fatalf("path = %s", api.paths[0])
	}
	body := api.bodies[0]
	for _, want := range []string{"max duration", "42", "9"} {
		if !strings.Contains(body, want) {
			t.Errorf("body %q missing %q", body, want)
		}
	}
}

func TestSendAlertHonoursCancelledContext(t *testing.T) {
	s, err := New(Config{Token: "123:abc", ChatID: 42, URL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SendAlert(ctx, "x"); err == nil {
		t.Fatal("expected context error")
	}
}
