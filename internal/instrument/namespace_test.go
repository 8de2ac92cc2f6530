package instrument

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"
)

func nopFunc(context.Context, Args) (Probe, error) { return nil, nil }

func TestResolveDottedPath(t *testing.T) {
	t.Parallel()
	ns := NewNamespace()
	called := false
	if err := ns.Handle("controller.start", func(ctx context.Context, args Args) (Probe, error) {
		called = true
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}

	fn, err := ns.Resolve("controller.start")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := fn(context.Background(), nil); err != nil || !called {
		t.Fatalf("resolved func not invoked (err=%v)", err)
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()
	ns := NewNamespace()
	_ = ns.Handle("stage.move_to", nopFunc)

	tests := []struct {
		path string
		want error
	}{
		{"", ErrInvalidPath},
		{"stage..move_to", ErrInvalidPath},
		{" stage.move_to", ErrInvalidPath},
		{"stage.jump", ErrNotFound},
		{"camera.snap", ErrNotFound},
		{"stage", ErrNotCallable},
	}
	for _, tt := range tests {
		_, err := ns.Resolve(tt.path)
		if !errors.Is(err, tt.want) {
			t.Errorf("Resolve(%q) err = %v, want %v", tt.path, err, tt.want)
		}
	}
}

func TestMountCopiesAndRemove(t *testing.T) {
	t.Parallel()
	sub := NewNamespace()
	_ = sub.Handle("on", nopFunc)
	_ = sub.Handle("off", nopFunc)

	ns := NewNamespace()
	if err := ns.Mount("lasers.l488", sub); err != nil {
		t.Fatal(err)
	}
	_ = sub.Handle("later", nopFunc)

	want := []string{"lasers.l488.off", "lasers.l488.on"}
	if got := ns.Paths(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Paths = %v, want %v", got, want)
	}
	if !ns.Remove("lasers.l488") {
		t.Fatal("Remove returned false")
	}
	if _, err := ns.Resolve("lasers.l488.on"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
	if ns.Remove("lasers.l488") {
		t.Fatal("second Remove returned true")
	}
}

func TestArgsAccessors(t *testing.T) {
	t.Parallel()
	a := Args{"n": float64(3), "name": "x", "on": true, "d": "250ms", "s": float64(1.5), "bad": "str"}
	if n, err := a.Int("n", 0); err != nil || n != 3 {
		t.Fatalf("Int = %d, %v", n, err)
	}
	if s, _ := a.String("name", ""); s != "x" {
		t.Fatalf("String = %q", s)
	}
	if b, _ := a.Bool("on", false); !b {
		t.Fatal("Bool = false")
	}
	if d, _ := a.Duration("d", 0); d != 250*time.Millisecond {
		t.Fatalf("Duration(string) = %v", d)
	}
	if d, _ := a.Duration("s", 0); d != 1500*time.Millisecond {
		t.Fatalf("Duration(seconds) = %v", d)
	}
	if f, _ := a.Float("missing", 7); f != 7 {
		t.Fatalf("default = %v", f)
	}
	if _, err := a.Float("bad", 0); !errors.Is(err, ErrBadArgument) {
		t.Fatalf("expected ErrBadArgument, got %v", err)
	}
	if _, err := (Args{"x": 1.5}).Int("x", 0); !errors.Is(err, ErrBadArgument) {
		t.Fatalf("expected ErrBadArgument for fractional int, got %v", err)
	}
}

func TestArgsIntRange(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		v    float64
		ok   bool
	}{
		{"zero", 0, true},
		{"negative", -42, true},
		{"min int", float64(math.MinInt), true},
		{"two pow 63", math.Ldexp(1, 63), false},
		{"huge", 1e300, false},
		{"huge negative", -1e300, false},
		{"inf", math.Inf(1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (Args{"n": tt.v}).Int("n", 0)
			if tt.ok && err != nil {
				t.Fatalf("Int(%v): %v", tt.v, err)
			}
			if !tt.ok && !errors.Is(err, ErrBadArgument) {
				t.Fatalf("Int(%v) = %v, want ErrBadArgument", tt.v, err)
			}
		})
	}
}
