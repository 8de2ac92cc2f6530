package storage

import (
	"context"
	"time"

	"acqd/internal/action"
	"acqd/internal/eventbus"
	logx "acqd/pkg/logx"
)

// Recorder copies terminal action outcomes from the bus into a Store.
//
// The bus drops on a full buffer, so the journal is best effort; the
// dispatcher never waits on disk.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger

	ch    <-chan eventbus.Event
	unsub func()

	writeTimeout time.Duration
}

// NewRecorder subscribes immediately so outcomes published before Run starts
// are buffered rather than lost.
func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Recorder{
		store:        store,
		bus:          bus,
		log:          log.With(logx.String("comp", "storage.recorder")),
		writeTimeout: 5 * time.Second,
	}
	if store != nil && bus != nil {
		r.ch, r.unsub = bus.Subscribe(256, "action.")
	}
	return r
}

// Run blocks until ctx is done. It is meant to run under a supervisor and may
// be restarted; the subscription outlives it until Close.
func (r *Recorder) Run(ctx context.Context) error {
	if r == nil || r.ch == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-r.ch:
			if !ok {
				return nil
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, ev eventbus.Event) {
	o, ok := ev.Data.(action.Outcome)
	if !ok || !o.State.Terminal() {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	if err := r.store.AppendOutcome(wctx, o); err != nil {
		r.log.Warn("outcome write failed",
			logx.String("id", o.ID),
			logx.String("state", string(o.State)),
			logx.Err(err),
		)
	}
}

// Close drops the bus subscription. It does not close the store.
func (r *Recorder) Close() {
	if r != nil && r.unsub != nil {
		r.unsub()
	}
}
