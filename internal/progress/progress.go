// Package progress renders an optional multi-bar terminal display of active
// transfers, one bar per live TransfertID, driven entirely by the engine's
// LENGTH/SPEED/DONE/ERROR/ABORTED events. It is purely observational: the
// engine runs identically whether or not a UI is attached.
package progress

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/bronaugh/esgf-download/internal/engine"
)

// DownloadUI manages the set of concurrent per-transfer progress bars.
type DownloadUI struct {
	progress   *mpb.Progress
	bars       sync.Map // int64 transfertID -> *fileBar
	isTerminal bool
	completed  int32
}

type fileBar struct {
	bar        *mpb.Bar
	total      int64
	lastUpdate time.Time
}

// NewDownloadUI constructs a UI. When stderr is not a terminal, bars are
// suppressed and HandleEvent only writes one plain line per finished
// transfer to stderr.
func NewDownloadUI() *DownloadUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))

	var p *mpb.Progress
	if isTerminal {
		p = mpb.New(
			mpb.WithOutput(os.Stderr),
			mpb.WithRefreshRate(300*time.Millisecond),
			mpb.WithWidth(80),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}

	return &DownloadUI{progress: p, isTerminal: isTerminal}
}

// HandleEvent applies one engine event to the UI. Safe to call from the
// goroutine observing the engine's event stream.
func (u *DownloadUI) HandleEvent(ev engine.Event) {
	switch e := ev.(type) {
	case engine.LengthEvent:
		u.addBar(e.ID, e.ContentLength)
	case engine.SpeedEvent:
		u.updateSpeed(e.ID, e.KBps)
	case engine.DoneEvent:
		u.complete(e.ID, nil)
	case engine.ErrorEvent:
		u.complete(e.ID, fmt.Errorf("%s", e.Msg))
	case engine.AbortedEvent:
		u.complete(e.ID, fmt.Errorf("%s", e.Reason))
	}
}

func (u *DownloadUI) addBar(id int64, contentLength string) {
	total, err := strconv.ParseInt(contentLength, 10, 64)
	if err != nil || total <= 0 {
		total = 0
	}

	fb := &fileBar{total: total, lastUpdate: time.Now()}

	if u.isTerminal {
		fb.bar = u.progress.New(total,
			mpb.BarStyle().Lbound("[").Filler("█").Tip("█").Padding("░").Rbound("]"),
			mpb.PrependDecorators(
				decor.Name(fmt.Sprintf("transfer %d ", id), decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
				decor.Name("  "),
				decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 60, decor.WCSyncSpace),
			),
			mpb.BarRemoveOnComplete(),
		)
	}

	u.bars.Store(id, fb)
}

func (u *DownloadUI) updateSpeed(id int64, kbps float64) {
	v, ok := u.bars.Load(id)
	if !ok {
		return
	}
	fb := v.(*fileBar)
	if fb.bar == nil {
		return
	}

	now := time.Now()
	elapsed := now.Sub(fb.lastUpdate)
	fb.lastUpdate = now

	bytesDelta := int(kbps * 1024 * elapsed.Seconds())
	fb.bar.EwmaIncrBy(bytesDelta, elapsed)
}

func (u *DownloadUI) complete(id int64, err error) {
	v, ok := u.bars.Load(id)
	if ok {
		fb := v.(*fileBar)
		if fb.bar != nil {
			if err == nil {
				fb.bar.SetCurrent(fb.total)
				fb.bar.SetTotal(fb.total, true)
			} else {
				fb.bar.Abort(false)
			}
		}
		u.bars.Delete(id)
	}

	msg := fmt.Sprintf("transfer %d done\n", id)
	if err != nil {
		msg = fmt.Sprintf("transfer %d failed: %v\n", id, err)
	}
	if u.isTerminal {
		u.progress.Write([]byte(msg))
	} else {
		fmt.Fprint(os.Stderr, msg)
	}

	atomic.AddInt32(&u.completed, 1)
}

// Wait blocks until every outstanding bar has drained (called once the
// engine has stopped accepting new events).
func (u *DownloadUI) Wait() {
	u.progress.Wait()
}

// Completed returns the number of transfers that reached a terminal event.
func (u *DownloadUI) Completed() int {
	return int(atomic.LoadInt32(&u.completed))
}

// IsTerminal reports whether bars are actually being rendered.
func (u *DownloadUI) IsTerminal() bool {
	return u.isTerminal
}
