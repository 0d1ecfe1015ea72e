package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bronaugh/esgf-download/internal/catalog"
	"github.com/bronaugh/esgf-download/internal/config"
)

func newTestOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *testCatalog) {
	t.Helper()
	cat := newTestCatalog(t)
	cfg.DatabaseFile = "unused" // Orchestrator takes an already-open *catalog.Store
	orch := NewOrchestrator(cfg, cat.store, newTestLogger())
	return orch, cat
}

// TestSpawnOneIfCapacityRespectsPerHostCap is the per-host concurrency cap
// property: no matter how many rows are queued for one datanode, the pool's
// ThreadCount must never exceed its MaxThreadCount.
func TestSpawnOneIfCapacityRespectsPerHostCap(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.ClientCertPath = ""
	cfg.InitialThreadsPerHost = 2
	cfg.MaxTotalThreads = 10

	orch, cat := newTestOrchestrator(t, cfg)

	for i := int64(1); i <= 5; i++ {
		cat.insert(t, i, "h1")
		orch.assign(catalog.TransferRow{TransfertID: i, Location: srv.URL, Datanode: "h1", LocalImage: "f.nc", Checksum: "x", ChecksumType: "md5"})
	}

	spawned := 0
	for orch.spawnOneIfCapacity(orch.hostPools["h1"]) {
		spawned++
	}

	assert.Equal(t, 2, spawned, "only MaxThreadCount workers should spawn for a single host")
	assert.Equal(t, 2, orch.hostPools["h1"].ThreadCount)
	assert.Len(t, orch.hostPools["h1"].Queue, 3, "the remaining rows must stay queued, not dropped")
}

// TestSpawnOneIfCapacityRespectsGlobalCap verifies the global thread cap wins
// even when per-host caps would allow more.
func TestSpawnOneIfCapacityRespectsGlobalCap(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.ClientCertPath = ""
	cfg.InitialThreadsPerHost = 5
	cfg.MaxTotalThreads = 3

	orch, cat := newTestOrchestrator(t, cfg)

	for i := int64(1); i <= 3; i++ {
		cat.insert(t, i, "h1")
		orch.assign(catalog.TransferRow{TransfertID: i, Location: srv.URL, Datanode: "h1", LocalImage: "f.nc", Checksum: "x", ChecksumType: "md5"})
	}
	for i := int64(4); i <= 6; i++ {
		cat.insert(t, i, "h2")
		orch.assign(catalog.TransferRow{TransfertID: i, Location: srv.URL, Datanode: "h2", LocalImage: "f.nc", Checksum: "x", ChecksumType: "md5"})
	}

	spawned := 0
	for {
		any := false
		for _, dn := range []string{"h1", "h2"} {
			if orch.spawnOneIfCapacity(orch.hostPools[dn]) {
				spawned++
				any = true
			}
		}
		if !any {
			break
		}
	}

	assert.Equal(t, 3, spawned, "the global cap must bind even though each host pool has room for more")
	assert.Equal(t, 3, orch.totalThreads)
}

// TestReleaseDecrementsBothCounters checks that release() undoes exactly the
// bookkeeping spawnOneIfCapacity performed.
func TestReleaseDecrementsBothCounters(t *testing.T) {
	cfg := config.Default()
	cfg.ClientCertPath = ""
	orch, _ := newTestOrchestrator(t, cfg)

	pool, err := NewHostPool("h1", 2, cfg)
	require.NoError(t, err)
	orch.hostPools["h1"] = pool
	pool.ThreadCount = 1
	orch.totalThreads = 1

	orch.release("h1")

	assert.Equal(t, 0, pool.ThreadCount)
	assert.Equal(t, 0, orch.totalThreads)
}

// TestGracefulShutdownReturnsImmediatelyWhenIdle confirms the spin-drain loop
// exits as soon as totalThreads is zero rather than blocking forever.
func TestGracefulShutdownReturnsImmediatelyWhenIdle(t *testing.T) {
	cfg := config.Default()
	cfg.ClientCertPath = ""
	orch, _ := newTestOrchestrator(t, cfg)

	done := make(chan struct{})
	go func() {
		orch.GracefulShutdown(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("GracefulShutdown did not return for an already-idle orchestrator")
	}
}
