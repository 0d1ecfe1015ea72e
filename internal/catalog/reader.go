package catalog

import (
	"context"
	"time"

	"github.com/bronaugh/esgf-download/internal/logging"
)

// Reader is the periodic watermark scanner of §4.4: it translates new
// `waiting` rows above a watermark into TransferRow values pushed onto a
// work channel for the orchestrator.
//
// Known limitation carried from the source and left explicit (§4.4/§9): this
// scanner only sees newly appended rows, not rows whose status was
// externally reset to `waiting` below the watermark.
type Reader struct {
	store        *Store
	pollInterval time.Duration
	log          *logging.Logger

	watermark int64
}

// NewReader constructs a Reader against store, polling every pollInterval.
func NewReader(store *Store, pollInterval time.Duration, log *logging.Logger) *Reader {
	return &Reader{store: store, pollInterval: pollInterval, log: log}
}

// Run polls the catalog until ctx is cancelled, pushing newly discovered rows
// onto out. A query error logs once and returns, per §4.4 ("a query error
// logs once, clears the engine's running flag, and exits the loop") — the
// caller is expected to treat a returned error as fatal to the engine.
func (r *Reader) Run(ctx context.Context, out chan<- TransferRow) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	if err := r.scanOnce(ctx, out); err != nil {
		r.log.Error().Err(err).Msg("catalog scan failed; stopping")
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.scanOnce(ctx, out); err != nil {
				r.log.Error().Err(err).Msg("catalog scan failed; stopping")
				return err
			}
		}
	}
}

func (r *Reader) scanOnce(ctx context.Context, out chan<- TransferRow) error {
	r.store.lock.Lock()
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT t.transfert_id, t.location, t.datanode, t.local_image, t.checksum, t.checksum_type, t.status
		 FROM transfert t JOIN model m ON m.name = t.model
		 WHERE t.status = 'waiting' AND t.transfert_id > ?
		 ORDER BY t.transfert_id`,
		r.watermark)
	if err != nil {
		r.store.lock.Unlock()
		return err
	}

	var scanned []TransferRow
	for rows.Next() {
		var tr TransferRow
		var status string
		if err := rows.Scan(&tr.TransfertID, &tr.Location, &tr.Datanode, &tr.LocalImage, &tr.Checksum, &tr.ChecksumType, &status); err != nil {
			rows.Close()
			r.store.lock.Unlock()
			return err
		}
		tr.Status = Status(status)
		scanned = append(scanned, tr)
	}
	rowsErr := rows.Err()
	rows.Close()
	r.store.lock.Unlock()
	if rowsErr != nil {
		return rowsErr
	}

	for _, tr := range scanned {
		select {
		case out <- tr:
			if tr.TransfertID > r.watermark {
				r.watermark = tr.TransfertID
			}
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
