package engine

import (
	"net/http"

	"github.com/bronaugh/esgf-download/internal/catalog"
	"github.com/bronaugh/esgf-download/internal/config"
	"github.com/bronaugh/esgf-download/internal/httpclient"
	"github.com/bronaugh/esgf-download/internal/resources"
)

// HostPool is the per-origin record of §3/§4.2: the authenticated HTTP
// session, the pending work deque, the current in-flight count, and the
// per-host cap. It is purely a data record plus a lazily-constructed HTTP
// client; created on first sighting of a datanode and never destroyed while
// the engine runs.
type HostPool struct {
	Datanode       string
	MaxThreadCount int
	ThreadCount    int
	Queue          []catalog.TransferRow
	Client         *http.Client
	Throughput     *resources.ThroughputMonitor
}

// NewHostPool constructs a HostPool for datanode, with the client
// configured per §4.2/§6: client certificate, bounded redirects, streaming
// responses, and the configured TLS-verification setting.
func NewHostPool(datanode string, maxThreadCount int, cfg *config.Config) (*HostPool, error) {
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &HostPool{
		Datanode:       datanode,
		MaxThreadCount: maxThreadCount,
		Client:         client,
		Throughput:     resources.NewThroughputMonitor(),
	}, nil
}

// Enqueue appends a row to the pool's pending work deque. Only the
// Orchestrator calls this (§3 invariant).
func (h *HostPool) Enqueue(row catalog.TransferRow) {
	h.Queue = append(h.Queue, row)
}

// Pop removes and returns the next pending row, FIFO.
func (h *HostPool) Pop() (catalog.TransferRow, bool) {
	if len(h.Queue) == 0 {
		return catalog.TransferRow{}, false
	}
	row := h.Queue[0]
	h.Queue = h.Queue[1:]
	return row, true
}

// HasCapacity reports whether the pool can accept one more in-flight
// transfer, per the per-host cap invariant of §3.
func (h *HostPool) HasCapacity() bool {
	return h.ThreadCount < h.MaxThreadCount
}

// AdjustMaxThreadCount is the extension point of §4.2/§9: it consults the
// host's ThroughputMonitor but, per the specification, never changes
// MaxThreadCount in the shipped engine — ShouldScaleUp/ShouldScaleDown are
// exercised here for observability (future adaptive sizing would act on
// their result) without altering behavior.
func (h *HostPool) AdjustMaxThreadCount() {
	_ = h.Throughput.ShouldScaleUp(h.Datanode)
	_ = h.Throughput.ShouldScaleDown(h.Datanode)
}
