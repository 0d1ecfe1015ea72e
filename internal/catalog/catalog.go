// Package catalog implements the relational store of transfer rows described
// in §3/§6 of the specification: a single SQLite connection (opened in WAL
// mode, replacing the source's two-connection-plus-global-lock workaround
// per the design notes), the TransferRow/ModelRow structs that are the only
// place a database row is converted to a typed value, and the watermark
// scanner (CatalogReader) that feeds new work to the orchestrator.
package catalog

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the persisted lifecycle state of a TransferRow.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// TransferRow is the typed form of a `transfert` row joined with its `model`
// row, per §3. The CatalogReader is the only place a raw database row is
// turned into one of these.
type TransferRow struct {
	TransfertID  int64
	Location     string
	Datanode     string
	LocalImage   string
	Checksum     string
	ChecksumType string
	Status       Status

	ErrorMsg  string
	StartDate sql.NullTime
	EndDate   sql.NullTime
	Duration  sql.NullFloat64
	Rate      sql.NullFloat64
}

// Store wraps the catalog's database handle. A single *sql.DB is used
// (WAL journal mode), with lock retained only to keep the
// event-application and scan queries from interleaving their statements —
// not because the driver itself requires external synchronization.
type Store struct {
	db   *sql.DB
	lock sync.Mutex
}

// Open opens (or creates) the catalog database at path in WAL mode.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening catalog %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging catalog %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ApplyTerminal persists a terminal (done/error/waiting-after-abort) state
// transition for a single transfer, per §4.5. The update is a single
// statement executed under lock so it can't interleave with a scan.
func (s *Store) ApplyTerminal(transfertID int64, status Status, errMsg string, start, end time.Time, rate float64) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	duration := end.Sub(start).Seconds()
	_, err := s.db.Exec(
		`UPDATE transfert SET status = ?, error_msg = ?, start_date = ?, end_date = ?, duration = ?, rate = ? WHERE transfert_id = ?`,
		string(status), errMsg, start, end, duration, rate, transfertID,
	)
	if err != nil {
		return fmt.Errorf("updating transfert %d: %w", transfertID, err)
	}
	return nil
}

// MarkRunning sets a row's status to running when response headers arrive
// (the LENGTH event, per §4.5). Counters are not touched here — the worker
// is still live.
func (s *Store) MarkRunning(transfertID int64) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	_, err := s.db.Exec(`UPDATE transfert SET status = 'running' WHERE transfert_id = ?`, transfertID)
	if err != nil {
		return fmt.Errorf("marking transfert %d running: %w", transfertID, err)
	}
	return nil
}

// ResetToWaiting bulk-resets every row whose id is in ids back to 'waiting',
// used by the immediate-shutdown path (§4.6) for the rows of in-flight
// workers. The `reset` maintenance command uses ResetStuckRunning instead.
func (s *Store) ResetToWaiting(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning reset transaction: %w", err)
	}
	stmt, err := tx.Prepare(`UPDATE transfert SET status = 'waiting' WHERE transfert_id = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing reset statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			tx.Rollback()
			return fmt.Errorf("resetting transfert %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// ResetStuckRunning resets every row currently persisted as 'running' back
// to 'waiting' — the `reset` maintenance command's core operation (§12),
// used after a process was killed without going through either shutdown
// discipline.
func (s *Store) ResetStuckRunning() (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	res, err := s.db.Exec(`UPDATE transfert SET status = 'waiting' WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("resetting stuck rows: %w", err)
	}
	return res.RowsAffected()
}
