package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bronaugh/esgf-download/internal/catalog"
	"github.com/bronaugh/esgf-download/internal/config"
	"github.com/bronaugh/esgf-download/internal/logging"
)

// ErrFatalCatalogWrite is returned by Run when a catalog write failure
// (surfaced by the EventSink while applying an event) triggers the
// immediate-shutdown path, per §4.5/§7: a persistent database error is
// fatal to the engine.
var ErrFatalCatalogWrite = errors.New("fatal catalog write failure; immediate shutdown triggered")

// dispatchHostPacing and dispatchTickPacing are the 200ms/100ms yields of
// §4.6's dispatch tick.
const (
	dispatchHostPacing = 200 * time.Millisecond
	dispatchTickPacing = 100 * time.Millisecond
	shutdownWait       = 10 * time.Second
)

// Orchestrator is the supervising goroutine of §4.6: it owns the engine
// lock guarding the HostPool table and thread counters, wires the
// CatalogReader, WriteSerializer and EventSink together, and runs the
// dispatch loop until stopped.
type Orchestrator struct {
	cfg   *config.Config
	store *catalog.Store
	log   *logging.Logger

	mu              sync.Mutex
	hostPools       map[string]*HostPool
	totalThreads    int
	maxTotalThreads int
	workers         map[int64]*TransferWorker
	shuttingDown    atomic.Bool

	incoming chan catalog.TransferRow
	events   chan Event
	writer   *WriteSerializer
	sink     *EventSink

	reader *catalog.Reader
}

// SetEventObserver attaches a side-channel callback (e.g. a progress
// renderer) invoked for every event the EventSink applies. Must be called
// before Run.
func (o *Orchestrator) SetEventObserver(observer func(Event)) {
	o.sink.SetObserver(observer)
}

// NewOrchestrator wires the components for a run against store, using cfg
// for the per-host and global caps and the catalog poll interval.
func NewOrchestrator(cfg *config.Config, store *catalog.Store, log *logging.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:             cfg,
		store:           store,
		log:             log,
		hostPools:       make(map[string]*HostPool),
		maxTotalThreads: cfg.MaxTotalThreads,
		workers:         make(map[int64]*TransferWorker),
		incoming:        make(chan catalog.TransferRow, cfg.MaxQueueLen()),
		events:          make(chan Event, cfg.MaxQueueLen()),
	}
	o.writer = NewWriteSerializer(cfg.MaxQueueLen(), nil)
	o.sink = NewEventSink(store, o.events, log, o.release, func(err error) {
		o.triggerImmediateShutdown()
	})
	o.reader = catalog.NewReader(store, time.Duration(cfg.PollIntervalSeconds)*time.Second, log)
	return o
}

// Run validates the configuration, starts the CatalogReader, and runs the
// dispatch loop until ctx is cancelled, at which point it performs the
// immediate-shutdown discipline (§4.6) — matching the CLI's
// signal-to-immediate-shutdown wiring (§10.5). Run performs no logon of its
// own; each HostPool's client loads the client certificate from
// cfg.ClientCertPath.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}

	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()

	readerErr := make(chan error, 1)
	go func() {
		readerErr <- o.reader.Run(readerCtx, o.incoming)
	}()

	for {
		select {
		case <-ctx.Done():
			o.triggerImmediateShutdown()
			<-readerErr
			return nil
		case err := <-readerErr:
			// A fatal catalog read error also triggers immediate shutdown
			// (§7: "Catalog read failure in the scanner: fatal to the
			// engine").
			o.triggerImmediateShutdown()
			return err
		default:
			o.dispatchTick(ctx)
			if o.shuttingDown.Load() {
				// A fatal catalog write error, surfaced by the EventSink
				// from within dispatchTick, already ran immediateShutdown.
				cancelReader()
				<-readerErr
				return ErrFatalCatalogWrite
			}
		}
	}
}

// triggerImmediateShutdown runs the immediate-shutdown discipline exactly
// once, however it was triggered — context cancellation, a fatal catalog
// read error, or a fatal catalog write error surfaced by the EventSink.
// Safe to call re-entrantly (e.g. a second write failure observed while
// already draining during shutdown): only the first call runs the
// discipline.
func (o *Orchestrator) triggerImmediateShutdown() {
	if !o.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	o.immediateShutdown()
}

// dispatchTick is one iteration of §4.6's dispatch tick.
func (o *Orchestrator) dispatchTick(ctx context.Context) {
	// Step 1: drain the metadata channel non-blockingly.
drainIncoming:
	for {
		select {
		case row := <-o.incoming:
			o.assign(row)
		default:
			break drainIncoming
		}
	}

	// Step 2: for each HostPool, promote queued work under the caps.
	o.mu.Lock()
	pools := make([]*HostPool, 0, len(o.hostPools))
	for _, p := range o.hostPools {
		pools = append(pools, p)
	}
	o.mu.Unlock()

	for _, pool := range pools {
		for o.spawnOneIfCapacity(pool) {
			o.sink.DrainOnce(ctx)
			time.Sleep(dispatchHostPacing)
		}
	}

	// Step 3: throttle-adjustment hook (no-op by default).
	o.mu.Lock()
	for _, p := range o.hostPools {
		p.AdjustMaxThreadCount()
	}
	o.mu.Unlock()

	// Step 4: drain events once, then pace.
	o.sink.DrainOnce(ctx)
	time.Sleep(dispatchTickPacing)
}

// assign ensures a HostPool exists for row's datanode (creating it with the
// configured default cap on first sighting) and appends row to its queue.
func (o *Orchestrator) assign(row catalog.TransferRow) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pool, ok := o.hostPools[row.Datanode]
	if !ok {
		var err error
		pool, err = NewHostPool(row.Datanode, o.cfg.InitialThreadsPerHost, o.cfg)
		if err != nil {
			o.log.Error().Err(err).Str("datanode", row.Datanode).Msg("creating host pool")
			return
		}
		o.hostPools[row.Datanode] = pool
	}
	pool.Enqueue(row)
}

// spawnOneIfCapacity pops and spawns one worker from pool if the per-host
// and global caps both allow it, returning whether it did so.
func (o *Orchestrator) spawnOneIfCapacity(pool *HostPool) bool {
	o.mu.Lock()
	if len(pool.Queue) == 0 || !pool.HasCapacity() || o.totalThreads >= o.maxTotalThreads {
		o.mu.Unlock()
		return false
	}
	row, ok := pool.Pop()
	if !ok {
		o.mu.Unlock()
		return false
	}
	pool.ThreadCount++
	o.totalThreads++
	o.mu.Unlock()

	start := time.Now()
	o.sink.Track(row.TransfertID, row.Datanode, start)

	worker := NewTransferWorker(row, o.cfg.BasePath, o.cfg.BlocksizeBytes, pool.Client, o.writer, o.events, o.log, pool.Throughput)

	o.mu.Lock()
	o.workers[row.TransfertID] = worker
	o.mu.Unlock()

	return true
}

// release is the EventSink's terminal-event callback: decrement the owning
// HostPool's thread_count and the global total. The worker stays in
// o.workers; immediateShutdown skips workers whose terminal event has been
// applied.
func (o *Orchestrator) release(datanode string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if pool, ok := o.hostPools[datanode]; ok && pool.ThreadCount > 0 {
		pool.ThreadCount--
	}
	if o.totalThreads > 0 {
		o.totalThreads--
	}
}

// immediateShutdown implements §4.6's stop_now discipline: abort every live
// worker, reset their persisted rows to waiting, wait shutdownWait while the
// EventSink applies their events, unlink partial files, then drain and close
// the write queue.
func (o *Orchestrator) immediateShutdown() {
	o.mu.Lock()
	ids := make([]int64, 0, len(o.workers))
	workers := make([]*TransferWorker, 0, len(o.workers))
	for id, w := range o.workers {
		if _, live := o.sink.datanode[id]; !live {
			// Terminal event already applied: row and file are final.
			delete(o.workers, id)
			continue
		}
		ids = append(ids, id)
		workers = append(workers, w)
		w.SetAbort()
	}
	o.mu.Unlock()

	if err := o.store.ResetToWaiting(ids); err != nil {
		o.log.Error().Err(err).Msg("resetting in-flight rows on immediate shutdown")
	}

	deadline := time.After(shutdownWait)
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	o.sink.Run(waitCtx)
	<-deadline

	for _, w := range workers {
		w.unlinkPartial()
	}

	o.writer.WriteAndQuit()
}

// GracefulShutdown implements §4.6's running=false discipline: stop
// accepting new work and spin draining events until every in-flight
// transfer has reached a terminal event, then close the write queue.
func (o *Orchestrator) GracefulShutdown(ctx context.Context) {
drain:
	for {
		o.mu.Lock()
		remaining := o.totalThreads
		o.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			break drain
		default:
		}
		o.sink.DrainOnce(ctx)
	}
	o.writer.WriteAndQuit()
}
