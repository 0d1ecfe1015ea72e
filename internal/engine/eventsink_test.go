package engine

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/bronaugh/esgf-download/internal/catalog"
	"github.com/bronaugh/esgf-download/internal/logging"
)

// testCatalog opens both a catalog.Store (used by EventSink) and a raw
// *sql.DB against the same file (used by the test to seed rows and assert
// on status), since Store does not expose row-level inspection.
type testCatalog struct {
	store *catalog.Store
	raw   *sql.DB
}

func newTestCatalog(t *testing.T) *testCatalog {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")

	raw, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE model (name TEXT PRIMARY KEY, datanode TEXT, institute TEXT)`)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE transfert (
		transfert_id INTEGER PRIMARY KEY, model TEXT, location TEXT, datanode TEXT,
		local_image TEXT, checksum TEXT, checksum_type TEXT, status TEXT, error_msg TEXT,
		start_date DATETIME, end_date DATETIME, duration REAL, rate REAL)`)
	require.NoError(t, err)

	store, err := catalog.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(); raw.Close() })

	return &testCatalog{store: store, raw: raw}
}

func (c *testCatalog) insert(t *testing.T, id int64, datanode string) {
	t.Helper()
	_, err := c.raw.Exec(`INSERT INTO model (name, datanode) VALUES (?, ?)`, "m", datanode)
	if err != nil {
		// Model row already seeded by a prior insert in this test db.
		_ = err
	}
	_, err = c.raw.Exec(
		`INSERT INTO transfert (transfert_id, model, location, datanode, local_image, checksum, checksum_type, status)
		 VALUES (?, 'm', 'http://example.invalid/x', ?, 'x.nc', 'deadbeef', 'md5', 'waiting')`,
		id, datanode)
	require.NoError(t, err)
}

func (c *testCatalog) status(t *testing.T, id int64) string {
	t.Helper()
	var status string
	require.NoError(t, c.raw.QueryRow(`SELECT status FROM transfert WHERE transfert_id = ?`, id).Scan(&status))
	return status
}

func newTestLogger() *logging.Logger {
	return logging.New(io.Discard)
}

func TestEventSinkLengthMarksRunning(t *testing.T) {
	cat := newTestCatalog(t)
	cat.insert(t, 1, "h1")

	events := make(chan Event, 1)
	var released []string
	sink := NewEventSink(cat.store, events, newTestLogger(), func(datanode string) {
		released = append(released, datanode)
	}, nil)
	sink.Track(1, "h1", time.Now())

	events <- LengthEvent{ID: 1, ContentLength: "100"}
	sink.DrainOnce(context.Background())

	require.Equal(t, "running", cat.status(t, 1))
	require.Empty(t, released, "LENGTH must not release the worker's slot")
}

func TestEventSinkDoneRecordsRateAndReleases(t *testing.T) {
	cat := newTestCatalog(t)
	cat.insert(t, 2, "h1")

	events := make(chan Event, 1)
	var released []string
	sink := NewEventSink(cat.store, events, newTestLogger(), func(datanode string) {
		released = append(released, datanode)
	}, nil)
	sink.Track(2, "h1", time.Now())

	events <- DoneEvent{ID: 2, RateKBs: 42.5}
	sink.DrainOnce(context.Background())

	require.Equal(t, "done", cat.status(t, 2))
	var rate float64
	require.NoError(t, cat.raw.QueryRow(`SELECT rate FROM transfert WHERE transfert_id = 2`).Scan(&rate))
	require.InDelta(t, 42.5, rate, 0.0001)
	require.Equal(t, []string{"h1"}, released)
}

func TestEventSinkAbortedReturnsToWaiting(t *testing.T) {
	cat := newTestCatalog(t)
	cat.insert(t, 3, "h1")

	events := make(chan Event, 1)
	sink := NewEventSink(cat.store, events, newTestLogger(), func(string) {}, nil)
	sink.Track(3, "h1", time.Now())

	events <- AbortedEvent{ID: 3, Reason: "Shutting down"}
	sink.DrainOnce(context.Background())

	require.Equal(t, "waiting", cat.status(t, 3))
}

func TestEventSinkErrorRecordsMessage(t *testing.T) {
	cat := newTestCatalog(t)
	cat.insert(t, 4, "h1")

	events := make(chan Event, 1)
	sink := NewEventSink(cat.store, events, newTestLogger(), func(string) {}, nil)
	sink.Track(4, "h1", time.Now())

	events <- ErrorEvent{ID: 4, Msg: "CHECKSUM_MISMATCH_ERROR"}
	sink.DrainOnce(context.Background())

	require.Equal(t, "error", cat.status(t, 4))
	var errMsg string
	require.NoError(t, cat.raw.QueryRow(`SELECT error_msg FROM transfert WHERE transfert_id = 4`).Scan(&errMsg))
	require.Equal(t, "CHECKSUM_MISMATCH_ERROR", errMsg)
}

// TestEventSinkCatalogWriteFailureTriggersFatal verifies that a broken
// catalog write escalates via the fatal callback, per the requirement that a
// persistent database error is fatal to the engine (§4.5/§7).
func TestEventSinkCatalogWriteFailureTriggersFatal(t *testing.T) {
	cat := newTestCatalog(t)
	cat.insert(t, 5, "h1")
	require.NoError(t, cat.store.Close())

	events := make(chan Event, 1)
	var fatalErr error
	sink := NewEventSink(cat.store, events, newTestLogger(), func(string) {}, func(err error) {
		fatalErr = err
	})
	sink.Track(5, "h1", time.Now())

	events <- DoneEvent{ID: 5, RateKBs: 1.0}
	sink.DrainOnce(context.Background())

	require.Error(t, fatalErr, "a catalog write failure must escalate via the fatal callback")
}
