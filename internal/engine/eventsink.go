package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/bronaugh/esgf-download/internal/catalog"
	"github.com/bronaugh/esgf-download/internal/logging"
)

// dequeueTimeout bounds each opportunistic drain attempt (§4.5: "bounded by
// a short per-dequeue timeout") so the Orchestrator's dispatch loop never
// blocks indefinitely waiting on an empty event channel.
const dequeueTimeout = 20 * time.Millisecond

// EventSink is the single consumer of the engine's event channel. It applies
// each event as an idempotent state transition against the catalog and,
// for terminal events, reports back to the Orchestrator so per-host and
// global in-flight counters can be decremented (§4.5).
type EventSink struct {
	store    *catalog.Store
	events   <-chan Event
	release  func(datanode string)
	fatal    func(err error)
	observer func(Event)
	log      *logging.Logger
	starts   map[int64]time.Time
	datanode map[int64]string
}

// NewEventSink constructs a sink reading from events. release is called
// exactly once per worker, on its terminal event (DONE/ERROR/ABORTED), so
// the Orchestrator can decrement ThreadCount for the owning HostPool and the
// global total. fatal is called whenever a catalog write fails while
// applying an event — a persistent database error is fatal to the engine
// (§4.5/§7) and must trigger the immediate-shutdown path; the Orchestrator
// wires this to its own shutdown trigger, which is idempotent, so fatal may
// be invoked any number of times without re-entering shutdown.
func NewEventSink(store *catalog.Store, events <-chan Event, log *logging.Logger, release func(datanode string), fatal func(err error)) *EventSink {
	return &EventSink{
		store:    store,
		events:   events,
		release:  release,
		fatal:    fatal,
		log:      log,
		starts:   make(map[int64]time.Time),
		datanode: make(map[int64]string),
	}
}

// SetObserver registers a side-channel callback invoked for every event
// after it is applied, e.g. the terminal progress renderer in
// internal/progress. The
// observer does not participate in the single-consumer ownership of the
// event channel — it is called synchronously within apply() and must not
// block.
func (s *EventSink) SetObserver(observer func(Event)) {
	s.observer = observer
}

// Track registers the datanode owning a transfer, so its terminal event can
// be attributed back to the correct HostPool. Call before the worker starts.
func (s *EventSink) Track(transfertID int64, datanode string, start time.Time) {
	s.datanode[transfertID] = datanode
	s.starts[transfertID] = start
}

// DrainOnce performs one opportunistic, bounded drain of the event channel,
// per §4.5's "after each spawn, once per outer tick" discipline. It applies
// every event currently available without blocking beyond dequeueTimeout.
func (s *EventSink) DrainOnce(ctx context.Context) {
	for {
		select {
		case ev := <-s.events:
			s.apply(ev)
		case <-time.After(dequeueTimeout):
			return
		case <-ctx.Done():
			return
		}
	}
}

// Run consumes events until ctx is cancelled or the channel is closed,
// used by the immediate-shutdown path to apply the events workers emit while
// they observe their abort flag.
func (s *EventSink) Run(ctx context.Context) {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.apply(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (s *EventSink) apply(ev Event) {
	id := ev.TransfertID()

	if s.observer != nil {
		s.observer(ev)
	}

	switch e := ev.(type) {
	case LengthEvent:
		if err := s.store.MarkRunning(id); err != nil {
			s.reportFatal(fmt.Errorf("marking transfert %d running: %w", id, err))
		}

	case SpeedEvent:
		// Observational only; not persisted (§4.5).

	case ErrorEvent:
		s.finish(id, catalog.StatusError, e.Msg)

	case AbortedEvent:
		// Rows return to waiting for a future run (§4.3/§4.5), distinct
		// from a terminal ERROR.
		start := s.starts[id]
		if err := s.store.ApplyTerminal(id, catalog.StatusWaiting, e.Reason, start, time.Now(), 0); err != nil {
			s.reportFatal(fmt.Errorf("resetting aborted transfert %d: %w", id, err))
		}
		s.releaseFor(id)

	case DoneEvent:
		start := s.starts[id]
		if err := s.store.ApplyTerminal(id, catalog.StatusDone, "", start, time.Now(), e.RateKBs); err != nil {
			s.reportFatal(fmt.Errorf("recording completed transfert %d: %w", id, err))
		}
		s.releaseFor(id)
	}
}

func (s *EventSink) finish(id int64, status catalog.Status, msg string) {
	start := s.starts[id]
	if err := s.store.ApplyTerminal(id, status, msg, start, time.Now(), 0); err != nil {
		s.reportFatal(fmt.Errorf("recording transfert %d error: %w", id, err))
	}
	s.releaseFor(id)
}

// reportFatal logs a catalog write failure and, if a fatal callback is
// wired, escalates it — a persistent database error is fatal to the engine
// (§4.5/§7), not merely a per-transfer error.
func (s *EventSink) reportFatal(err error) {
	s.log.Error().Err(err).Msg("catalog write failed; triggering immediate shutdown")
	if s.fatal != nil {
		s.fatal(err)
	}
}

func (s *EventSink) releaseFor(id int64) {
	datanode := s.datanode[id]
	delete(s.datanode, id)
	delete(s.starts, id)
	if s.release != nil {
		s.release(datanode)
	}
}
