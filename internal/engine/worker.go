package engine

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bronaugh/esgf-download/internal/catalog"
	"github.com/bronaugh/esgf-download/internal/logging"
	"github.com/bronaugh/esgf-download/internal/resources"
)

// supportedHashes are the checksum algorithms this build accepts for
// `checksum_type` (§4.3 step 1). Validated against the lowercased name.
var supportedHashes = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// perfWindow is the rolling speed estimator of §3/§4.3: a ring buffer of
// fixed size 5. average() reports ok=false until at least one sample exists,
// guarding the source's unguarded empty-list division (§9).
type perfWindow struct {
	samples [5]float64
	count   int
	next    int
}

func (p *perfWindow) add(kbps float64) {
	p.samples[p.next] = kbps
	p.next = (p.next + 1) % len(p.samples)
	if p.count < len(p.samples) {
		p.count++
	}
}

func (p *perfWindow) average() (float64, bool) {
	if p.count == 0 {
		return 0, false
	}
	var sum float64
	for i := 0; i < p.count; i++ {
		sum += p.samples[i]
	}
	return sum / float64(p.count), true
}

// TransferWorker is one instance per active transfer (§3/§4.3): it streams
// the HTTP body, feeds the WriteSerializer, maintains the rolling speed
// estimate, computes a running hash, honors the cooperative abort flag, and
// emits lifecycle events.
type TransferWorker struct {
	Row       catalog.TransferRow
	TargetPath string

	abortLock sync.Mutex
	abort     bool

	StartTime time.Time
	EndTime   time.Time
	DataSize  int64

	perf perfWindow

	blocksize  int
	client     *http.Client
	writer     *WriteSerializer
	events     chan<- Event
	log        *logging.Logger
	throughput *resources.ThroughputMonitor
}

// NewTransferWorker constructs a worker for row and immediately starts its
// download goroutine, returning a handle. The caller (Orchestrator) calls
// SetAbort() to drive cooperative cancellation and relies entirely
// on the emitted events to observe completion. throughput may be nil.
func NewTransferWorker(row catalog.TransferRow, basePath string, blocksize int, client *http.Client, writer *WriteSerializer, events chan<- Event, log *logging.Logger, throughput *resources.ThroughputMonitor) *TransferWorker {
	w := &TransferWorker{
		Row:        row,
		TargetPath: filepath.Join(basePath, row.LocalImage),
		blocksize:  blocksize,
		client:     client,
		writer:     writer,
		events:     events,
		log:        log,
		throughput: throughput,
	}
	go w.run()
	return w
}

// SetAbort sets the cooperative abort flag under abortLock, mirroring the
// source's Orchestrator-held abort_lock discipline (§5).
func (w *TransferWorker) SetAbort() {
	w.abortLock.Lock()
	w.abort = true
	w.abortLock.Unlock()
}

func (w *TransferWorker) isAborted() bool {
	w.abortLock.Lock()
	defer w.abortLock.Unlock()
	return w.abort
}

// emit sends a lifecycle event, blocking if the EventSink is momentarily
// behind. Events are never dropped.
func (w *TransferWorker) emit(ev Event) {
	w.events <- ev
}

// run is the download() state machine of §4.3.
func (w *TransferWorker) run() {
	w.StartTime = time.Now()
	id := w.Row.TransfertID

	hashFactory, ok := supportedHashes[strings.ToLower(w.Row.ChecksumType)]
	if !ok {
		w.EndTime = time.Now()
		w.emit(ErrorEvent{ID: id, Msg: "UNSUPPORTED_CHECKSUM_TYPE: " + w.Row.ChecksumType})
		return
	}
	dataHash := hashFactory()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, w.Row.Location, nil)
	if err != nil {
		w.EndTime = time.Now()
		w.emit(ErrorEvent{ID: id, Msg: classifyTransportError(err)})
		return
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.EndTime = time.Now()
		w.emit(ErrorEvent{ID: id, Msg: classifyTransportError(err)})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		w.EndTime = time.Now()
		w.emit(ErrorEvent{ID: id, Msg: statusToKind(resp.StatusCode)})
		return
	}

	if err := os.MkdirAll(filepath.Dir(w.TargetPath), 0o755); err != nil {
		w.EndTime = time.Now()
		w.emit(ErrorEvent{ID: id, Msg: "FILE_CREATION_ERROR"})
		return
	}

	var fd *os.File
	w.abortLock.Lock()
	if !w.abort {
		fd, err = os.Create(w.TargetPath)
	}
	aborted := w.abort
	w.abortLock.Unlock()

	if aborted {
		w.EndTime = time.Now()
		w.emit(AbortedEvent{ID: id, Reason: "Shutting down"})
		return
	}
	if err != nil {
		w.EndTime = time.Now()
		w.emit(ErrorEvent{ID: id, Msg: "FILE_CREATION_ERROR"})
		return
	}

	w.emit(LengthEvent{ID: id, ContentLength: resp.Header.Get("Content-Length")})

	lastTime := time.Now()
	buf := make([]byte, w.blocksize)

	for {
		if w.isAborted() {
			w.unlinkPartial()
			w.EndTime = time.Now()
			w.emit(AbortedEvent{ID: id, Reason: "Shutting down"})
			return
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			w.writer.Enqueue(fd, chunk, false)
			dataHash.Write(chunk)
			w.DataSize += int64(n)

			now := time.Now()
			elapsed := now.Sub(lastTime).Seconds()
			if elapsed > 0 {
				kbps := float64(n) / (1024.0 * elapsed)
				w.emit(SpeedEvent{ID: id, KBps: kbps})
				w.perf.add(kbps)
				if avg, ok := w.perf.average(); ok {
					w.log.Debug().Int64("transfert_id", id).Float64("kbps", kbps).Float64("avg_kbps", avg).Msg("speed sample")
				}
				if w.throughput != nil {
					w.throughput.Record(w.Row.Datanode, kbps*1024)
				}
			}
			lastTime = now
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			w.unlinkPartial()
			w.EndTime = time.Now()
			w.emit(AbortedEvent{ID: id, Reason: "Caught exception: " + readErr.Error()})
			return
		}
	}

	// Final empty chunk with last=true: the WriteSerializer closes fd (§4.3 step 5).
	w.writer.Enqueue(fd, nil, true)
	w.EndTime = time.Now()

	if hex.EncodeToString(dataHash.Sum(nil)) != w.Row.Checksum {
		os.Remove(w.TargetPath)
		w.emit(ErrorEvent{ID: id, Msg: "CHECKSUM_MISMATCH_ERROR"})
		return
	}

	rate := w.averageRateKBs()
	w.emit(DoneEvent{ID: id, RateKBs: rate})
}

// averageRateKBs computes the DONE rate as data_size/1024/(end-start),
// correcting the source's inverted (start-end) subtraction (§4.3/§9/§12).
func (w *TransferWorker) averageRateKBs() float64 {
	elapsed := w.EndTime.Sub(w.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(w.DataSize) / 1024.0 / elapsed
}

func (w *TransferWorker) unlinkPartial() {
	_ = os.Remove(w.TargetPath)
}
