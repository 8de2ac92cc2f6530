// Package sim is an in-process stand-in for a microscope. It exposes the same
// dotted-path surface a hardware driver would (lasers, spooling, stage,
// camera, focus) so the daemon can run end to end without an instrument.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"acqd/internal/instrument"
)

var ErrBusy = errors.New("device busy")

type Config struct {
	Lasers      []string
	MaxPowerMW  float64
	StageSpeed  float64 // micrometres per second
	FrameTime   time.Duration
	FocusTime   time.Duration
	Integration time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Lasers) == 0 {
		c.Lasers = []string{"l405", "l488", "l561", "l642"}
	}
	if c.MaxPowerMW <= 0 {
		c.MaxPowerMW = 100
	}
	if c.StageSpeed <= 0 {
		c.StageSpeed = 1000
	}
	if c.FrameTime <= 0 {
		c.FrameTime = 50 * time.Millisecond
	}
	if c.FocusTime <= 0 {
		c.FocusTime = 500 * time.Millisecond
	}
	if c.Integration <= 0 {
		c.Integration = 100 * time.Millisecond
	}
	return c
}

type laser struct {
	on    bool
	power float64
}

type Microscope struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	lasers      map[string]*laser
	spooling    bool
	spoolFrames int
	spoolFrame  time.Duration
	spoolStart  time.Time
	x, y        float64
	moveStart   time.Time
	moveTook    time.Duration
	moving      bool
	integration time.Duration
	safeCalls   int
}

type Option func(*Microscope)

func WithClock(now func() time.Time) Option {
	return func(m *Microscope) {
		if now != nil {
			m.now = now
		}
	}
}

func New(cfg Config, opts ...Option) *Microscope {
	cfg = cfg.withDefaults()
	m := &Microscope{
		cfg:         cfg,
		now:         time.Now,
		lasers:      map[string]*laser{},
		integration: cfg.Integration,
	}
	for _, name := range cfg.Lasers {
		m.lasers[name] = &laser{}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// LaserState is one laser in a Snapshot.
type LaserState struct {
	On      bool    `json:"on"`
	PowerMW float64 `json:"power_mw"`
}

type State struct {
	Lasers        map[string]LaserState `json:"lasers"`
	Spooling      bool                  `json:"spooling"`
	FramesTotal   int                   `json:"frames_total"`
	FramesDone    int                   `json:"frames_done"`
	X             float64               `json:"x"`
	Y             float64               `json:"y"`
	Moving        bool                  `json:"moving"`
	IntegrationMS float64               `json:"integration_ms"`
	SafetyTrips   int                   `json:"safety_trips"`
}

func (m *Microscope) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.settleLocked(now)
	st := State{
		Lasers:        make(map[string]LaserState, len(m.lasers)),
		Spooling:      m.spooling,
		FramesTotal:   m.spoolFrames,
		FramesDone:    m.framesDoneLocked(now),
		X:             m.x,
		Y:             m.y,
		Moving:        m.moving,
		IntegrationMS: float64(m.integration) / float64(time.Millisecond),
		SafetyTrips:   m.safeCalls,
	}
	for name, l := range m.lasers {
		st.Lasers[name] = LaserState{On: l.on, PowerMW: l.power}
	}
	return st
}

// TurnAllLasersOff is the safety hook.
func (m *Microscope) TurnAllLasersOff(context.Context) error {
	m.mu.Lock()
	for _, l := range m.lasers {
		l.on = false
	}
	m.safeCalls++
	m.mu.Unlock()
	return nil
}

// Namespace builds the dotted-path surface:
//
//	lasers.<name>.on / off / set_power(power)
//	lasers.turn_all_off
//	spoolController.StartSpooling(n_frames, frame_time) / StopSpooling
//	stage.move_to(x, y)
//	camera.set_integration_time(ms)
//	focus.autofocus
func (m *Microscope) Namespace() (*instrument.Namespace, error) {
	ns := instrument.NewNamespace()

	names := make([]string, 0, len(m.lasers))
	for name := range m.lasers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sub, err := m.laserNamespace(name)
		if err != nil {
			return nil, err
		}
		if err := ns.Mount("lasers."+name, sub); err != nil {
			return nil, err
		}
	}

	handlers := map[string]instrument.Func{
		"lasers.turn_all_off": func(ctx context.Context, _ instrument.Args) (instrument.Probe, error) {
			return nil, m.TurnAllLasersOff(ctx)
		},
		"spoolController.StartSpooling": m.startSpooling,
		"spoolController.StopSpooling":  m.stopSpooling,
		"stage.move_to":                 m.moveTo,
		"camera.set_integration_time":   m.setIntegration,
		"focus.autofocus":               m.autofocus,
	}
	for path, fn := range handlers {
		if err := ns.Handle(path, fn); err != nil {
			return nil, err
		}
	}
	return ns, nil
}

func (m *Microscope) laserNamespace(name string) (*instrument.Namespace, error) {
	sub := instrument.NewNamespace()
	if err := sub.Handle("on", func(context.Context, instrument.Args) (instrument.Probe, error) {
		m.mu.Lock()
		m.lasers[name].on = true
		m.mu.Unlock()
		return nil, nil
	}); err != nil {
		return nil, err
	}
	if err := sub.Handle("off", func(context.Context, instrument.Args) (instrument.Probe, error) {
		m.mu.Lock()
		m.lasers[name].on = false
		m.mu.Unlock()
		return nil, nil
	}); err != nil {
		return nil, err
	}
	if err := sub.Handle("set_power", func(_ context.Context, args instrument.Args) (instrument.Probe, error) {
		p, err := args.Float("power", math.NaN())
		if err != nil {
			return nil, err
		}
		if math.IsNaN(p) || p < 0 || p > m.cfg.MaxPowerMW {
			return nil, fmt.Errorf("%w: power must be within [0, %g] mW", instrument.ErrBadArgument, m.cfg.MaxPowerMW)
		}
		m.mu.Lock()
		m.lasers[name].power = p
		m.mu.Unlock()
		return nil, nil
	}); err != nil {
		return nil, err
	}
	return sub, nil
}

func (m *Microscope) startSpooling(_ context.Context, args instrument.Args) (instrument.Probe, error) {
	n, err := args.Int("n_frames", 100)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: n_frames must be positive", instrument.ErrBadArgument)
	}
	ft, err := args.Duration("frame_time", m.cfg.FrameTime)
	if err != nil {
		return nil, err
	}
	if ft <= 0 {
		return nil, fmt.Errorf("%w: frame_time must be positive", instrument.ErrBadArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.settleLocked(now)
	if m.spooling {
		return nil, fmt.Errorf("%w: already spooling", ErrBusy)
	}
	m.spooling = true
	m.spoolFrames = n
	m.spoolFrame = ft
	m.spoolStart = now
	return m.spoolDone, nil
}

func (m *Microscope) spoolDone() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleLocked(m.now())
	return !m.spooling, nil
}

func (m *Microscope) stopSpooling(context.Context, instrument.Args) (instrument.Probe, error) {
	m.mu.Lock()
	m.spooling = false
	m.mu.Unlock()
	return nil, nil
}

func (m *Microscope) framesDoneLocked(now time.Time) int {
	if m.spoolFrame <= 0 || m.spoolStart.IsZero() {
		return 0
	}
	n := int(now.Sub(m.spoolStart) / m.spoolFrame)
	if n > m.spoolFrames {
		n = m.spoolFrames
	}
	return n
}

// settleLocked finishes time-based work whose end has passed.
func (m *Microscope) settleLocked(now time.Time) {
	if m.spooling && m.framesDoneLocked(now) >= m.spoolFrames {
		m.spooling = false
	}
	if m.moving && !now.Before(m.moveStart.Add(m.moveTook)) {
		m.moving = false
	}
}

func (m *Microscope) moveTo(_ context.Context, args instrument.Args) (instrument.Probe, error) {
	x, err := args.Float("x", math.NaN())
	if err != nil {
		return nil, err
	}
	y, err := args.Float("y", math.NaN())
	if err != nil {
		return nil, err
	}
	if math.IsNaN(x) || math.IsNaN(y) {
		return nil, fmt.Errorf("%w: x and y are required", instrument.ErrBadArgument)
	}
	if math.IsInf(x, 0) || math.IsInf(y, 0) {
		return nil, fmt.Errorf("%w: x and y must be finite", instrument.ErrBadArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.settleLocked(now)
	if m.moving {
		return nil, fmt.Errorf("%w: stage moving", ErrBusy)
	}
	took := math.Hypot(x-m.x, y-m.y) / m.cfg.StageSpeed * float64(time.Second)
	if took >= math.MaxInt64 {
		return nil, fmt.Errorf("%w: move of (%g, %g) is out of stage range", instrument.ErrBadArgument, x, y)
	}
	m.x, m.y = x, y
	m.moveStart = now
	m.moveTook = time.Duration(took)
	m.moving = m.moveTook > 0
	return func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.settleLocked(m.now())
		return !m.moving, nil
	}, nil
}

func (m *Microscope) setIntegration(_ context.Context, args instrument.Args) (instrument.Probe, error) {
	ms, err := args.Float("ms", math.NaN())
	if err != nil {
		return nil, err
	}
	if math.IsNaN(ms) || ms <= 0 {
		return nil, fmt.Errorf("%w: ms must be positive", instrument.ErrBadArgument)
	}
	m.mu.Lock()
	m.integration = time.Duration(ms * float64(time.Millisecond))
	m.mu.Unlock()
	return nil, nil
}

func (m *Microscope) autofocus(context.Context, instrument.Args) (instrument.Probe, error) {
	until := m.now().Add(m.cfg.FocusTime)
	return func() (bool, error) {
		return !m.now().Before(until), nil
	}, nil
}
