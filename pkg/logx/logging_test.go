package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSink) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("ignored", String("k", "v"))
	if l.With(String("a", "b")).IsZero() {
		t.Fatal("derived logger with fields is not zero")
	}
}

func TestNewJSONWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Critical())

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("invalid json line %q: %v", buf.String(), err)
	}
	if m["message"] != "hello" || m["comp"] != "test" || m["n"] != float64(3) || m["critical"] != true {
		t.Fatalf("unexpected line: %v", m)
	}
	if _, ok := m["caller"]; !ok {
		t.Fatal("caller missing")
	}
}

func TestAlertSinkMinLevel(t *testing.T) {
	svc, log := New(Config{Level: "debug", Alerts: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 100}})
	defer svc.Close()
	sink := &recordingSink{}
	svc.SetAlertSink(sink)

	log.Warn("not forwarded")
	log.Error("forwarded", String("target", "lasers.turn_all_off"))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sink.count(); got != 1 {
		t.Fatalf("alerts = %d, want 1", got)
	}
	sink.mu.Lock()
	msg := sink.msgs[0]
	sink.mu.Unlock()
	if !strings.HasPrefix(msg, "[ERROR] forwarded") || !strings.Contains(msg, "target=lasers.turn_all_off") {
		t.Fatalf("unexpected alert text %q", msg)
	}
}

func TestFormatAlertNonJSON(t *testing.T) {
	if got := FormatAlert([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("FormatAlert = %q", got)
	}
}

func TestValidLevel(t *testing.T) {
	for _, lv := range []string{"", "info", "WARNING", "trace"} {
		if !ValidLevel(lv) {
			t.Fatalf("ValidLevel(%q) = false", lv)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}
