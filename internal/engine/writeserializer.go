package engine

import (
	"os"
)

// writeRequest is the Go analogue of the source's (fd, bytes, last) triple
// (§3 WriteQueueEntry).
type writeRequest struct {
	fd   *os.File
	data []byte
	last bool
}

// WriteSerializer is the single consumer of write requests described in
// §4.1: it ensures only one file receives bytes at any instant, minimizing
// seek thrash and bounding dirty-buffer memory. Per §9's design note
// ("global writer thread"), the hand-rolled two-semaphore FIFO from the
// source is replaced by a single buffered Go channel, which supplies both
// the FIFO ordering and the backpressure a bounded queue needs.
type WriteSerializer struct {
	queue chan writeRequest
	done  chan struct{}
	errCh chan<- error
}

// NewWriteSerializer starts the consumer goroutine and returns a handle.
// capacity is max_queue_len (§6: 2 * max_total_threads). errCh, if non-nil,
// receives write errors; an error is dropped when errCh is not ready, and it
// does not say which file or worker it came from. With a nil errCh write
// errors are discarded.
func NewWriteSerializer(capacity int, errCh chan<- error) *WriteSerializer {
	w := &WriteSerializer{
		queue: make(chan writeRequest, capacity),
		done:  make(chan struct{}),
		errCh: errCh,
	}
	go w.run()
	return w
}

func (w *WriteSerializer) run() {
	defer close(w.done)
	for req := range w.queue {
		if len(req.data) > 0 {
			if _, err := req.fd.Write(req.data); err != nil && w.errCh != nil {
				select {
				case w.errCh <- err:
				default:
				}
			}
		}
		if req.last {
			req.fd.Close()
		}
	}
}

// Enqueue blocks the caller when the internal queue is full (backpressure),
// exactly as specified in §4.1. When last is true, the consumer closes fd
// after writing data (which may be empty).
func (w *WriteSerializer) Enqueue(fd *os.File, data []byte, last bool) {
	w.queue <- writeRequest{fd: fd, data: data, last: last}
}

// WriteAndQuit drains the queue, then signals the consumer to exit and
// waits for it to finish. After it returns, no further Enqueue call is
// legal.
func (w *WriteSerializer) WriteAndQuit() {
	close(w.queue)
	<-w.done
}
