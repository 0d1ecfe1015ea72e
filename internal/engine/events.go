package engine

// Kind tags the variant of a lifecycle Event, replacing the source's
// untyped (kind, id, data) tuple with one Go type per case (§9 design note:
// "dynamic event tuples").
type Kind string

const (
	KindError   Kind = "ERROR"
	KindLength  Kind = "LENGTH"
	KindSpeed   Kind = "SPEED"
	KindAborted Kind = "ABORTED"
	KindDone    Kind = "DONE"
)

// Event is implemented by each tagged event case. EventSink dispatches on
// Kind().
type Event interface {
	Kind() Kind
	TransfertID() int64
}

// ErrorEvent reports a terminal, non-retryable failure (§4.3/§7).
type ErrorEvent struct {
	ID  int64
	Msg string
}

func (e ErrorEvent) Kind() Kind        { return KindError }
func (e ErrorEvent) TransfertID() int64 { return e.ID }

// LengthEvent reports the Content-Length header once the response arrives;
// it moves the row to `running` but does not touch concurrency counters
// (the worker is still live).
type LengthEvent struct {
	ID            int64
	ContentLength string
}

func (e LengthEvent) Kind() Kind        { return KindLength }
func (e LengthEvent) TransfertID() int64 { return e.ID }

// SpeedEvent is an observational instantaneous-throughput sample.
type SpeedEvent struct {
	ID   int64
	KBps float64
}

func (e SpeedEvent) Kind() Kind        { return KindSpeed }
func (e SpeedEvent) TransfertID() int64 { return e.ID }

// AbortedEvent reports a cooperative interruption or a mid-stream exception;
// the row returns to `waiting` for retry on a future run.
type AbortedEvent struct {
	ID     int64
	Reason string
}

func (e AbortedEvent) Kind() Kind        { return KindAborted }
func (e AbortedEvent) TransfertID() int64 { return e.ID }

// DoneEvent reports a verified, complete transfer.
type DoneEvent struct {
	ID      int64
	RateKBs float64
}

func (e DoneEvent) Kind() Kind        { return KindDone }
func (e DoneEvent) TransfertID() int64 { return e.ID }
