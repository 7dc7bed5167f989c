package ingestion

import (
	"context"
	"errors"
	"time"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/observability"

	"github.com/rs/zerolog"
)

// ErrDispatcherStopped is returned for submissions after shutdown.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Result is what the core made of one submission.
type Result struct {
	Receipt core.Receipt
	Err     error
}

type submission struct {
	cmd        event.Event
	autoSource string // non-empty: stamp the next sequence of this source
	received   time.Time
	reply      chan<- Result
	fn         func(*core.DeterministicCore)
}

// Dispatcher is the only goroutine that touches the deterministic core.
// NATS, gRPC and the keeper all hand commands to it.
type Dispatcher struct {
	core    *core.DeterministicCore
	in      chan submission
	done    chan struct{}
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewDispatcher(c *core.DeterministicCore, queueSize int, metrics *observability.Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Dispatcher{
		core:    c,
		in:      make(chan submission, queueSize),
		done:    make(chan struct{}),
		metrics: metrics,
		log:     observability.NewLogger("dispatcher"),
	}
}

// Run processes submissions until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-d.in:
			d.handle(s)
		}
	}
}

func (d *Dispatcher) handle(s submission) {
	if s.fn != nil {
		s.fn(d.core)
		if s.reply != nil {
			s.reply <- Result{}
		}
		return
	}

	if s.autoSource != "" {
		d.stamp(s.cmd, s.autoSource)
	}

	receipt, err := d.core.ProcessCommand(s.cmd)
	if err != nil {
		d.log.Warn().
			Err(err).
			Str("command", s.cmd.EventType().String()).
			Str("key", s.cmd.IdempotencyKey()).
			Msg("command not sequenced")
	}
	if d.metrics != nil && !s.received.IsZero() {
		d.metrics.IngestToApply.WithLabelValues(s.cmd.EventType().String()).Observe(time.Since(s.received).Seconds())
	}
	if s.reply != nil {
		s.reply <- Result{Receipt: receipt, Err: err}
	}
}

// stamp assigns the next sequence of source and moves the command clock
// forward to the core's clock when it lags.
func (d *Dispatcher) stamp(cmd event.Event, source string) {
	stamped, ok := cmd.(event.Stamped)
	if !ok {
		return
	}
	h := stamped.Head()
	h.Source = source
	h.Sequence = d.core.NextSourceSequence(source)
	if last := d.core.LastTimestamp(); h.Time.Unix() < last {
		h.Time = time.Unix(last, 0).UTC()
	}
}

// Submit processes cmd and waits for its receipt.
func (d *Dispatcher) Submit(ctx context.Context, cmd event.Event) (core.Receipt, error) {
	return d.submit(ctx, submission{cmd: cmd, received: time.Now()})
}

// SubmitSequenced stamps cmd with the next sequence of source before
// processing. Used by in-process producers that own their source.
func (d *Dispatcher) SubmitSequenced(ctx context.Context, source string, cmd event.Event) (core.Receipt, error) {
	return d.submit(ctx, submission{cmd: cmd, autoSource: source, received: time.Now()})
}

// Enqueue hands cmd to the core without waiting for the result. It blocks
// while the queue is full.
func (d *Dispatcher) Enqueue(ctx context.Context, cmd event.Event) error {
	select {
	case d.in <- submission{cmd: cmd, received: time.Now()}:
		return nil
	case <-d.done:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the dispatcher goroutine, between commands, and waits.
func (d *Dispatcher) Do(ctx context.Context, fn func(*core.DeterministicCore)) error {
	_, err := d.submit(ctx, submission{fn: fn})
	return err
}

func (d *Dispatcher) submit(ctx context.Context, s submission) (core.Receipt, error) {
	reply := make(chan Result, 1)
	s.reply = reply
	select {
	case d.in <- s:
	case <-d.done:
		return core.Receipt{}, ErrDispatcherStopped
	case <-ctx.Done():
		return core.Receipt{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.Receipt, r.Err
	case <-d.done:
		return core.Receipt{}, ErrDispatcherStopped
	case <-ctx.Done():
		return core.Receipt{}, ctx.Err()
	}
}

// QueueLen reports pending submissions.
func (d *Dispatcher) QueueLen() int {
	return len(d.in)
}
