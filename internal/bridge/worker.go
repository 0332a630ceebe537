package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/mcplocal/internal/log"
)

var (
	// ErrClosed is returned for work submitted to a worker that is shutting down.
	ErrClosed = errors.New("bridge worker closed")

	// ErrJoinTimeout is returned by Close when in-flight work outlives the
	// join deadline.
	ErrJoinTimeout = errors.New("bridge worker did not stop in time")
)

// DefaultJoinTimeout bounds Close when callers pass zero.
const DefaultJoinTimeout = 5 * time.Second

// PanicError carries a panic raised inside bridged work.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("bridged operation panicked: %v", e.Value)
}

// Future is the result of work scheduled on a Worker.
type Future struct {
	done chan struct{}
	once sync.Once
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(v any, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result blocks until the work finishes.
func (f *Future) Result() (any, error) {
	<-f.done
	return f.val, f.err
}

// Wait blocks until the work finishes or ctx ends. Abandoning a future does
// not cancel the work.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type task struct {
	ctx context.Context
	fn  func(context.Context) (any, error)
	fut *Future
}

// loop is one run of the worker goroutine.
type loop struct {
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   chan task
	ready   chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup
}

// Worker owns one long-lived goroutine that runs blocking operations on
// behalf of callers that must not block their own execution model, or that
// want a plain synchronous call. The goroutine starts lazily on first use.
// Each task runs in its own goroutine under the worker's context, so work
// for different connections proceeds in parallel while each connection
// keeps its own turn-taking.
type Worker struct {
	mu     sync.Mutex
	cur    *loop
	starts atomic.Int64
	logger *slog.Logger
}

// NewWorker returns a worker that has not started yet.
func NewWorker() *Worker {
	return &Worker{logger: log.WithComponent("bridge")}
}

// Ensure starts the worker goroutine if needed and returns once it is
// running. Concurrent callers all wait on the same readiness signal.
func (w *Worker) Ensure() {
	w.ensure()
}

func (w *Worker) ensure() *loop {
	w.mu.Lock()
	l := w.cur
	if l == nil {
		ctx, cancel := context.WithCancel(context.Background())
		l = &loop{
			ctx:     ctx,
			cancel:  cancel,
			tasks:   make(chan task),
			ready:   make(chan struct{}),
			stopped: make(chan struct{}),
		}
		w.cur = l
		w.starts.Add(1)
		go w.run(l)
	}
	w.mu.Unlock()

	<-l.ready
	return l
}

func (w *Worker) run(l *loop) {
	w.logger.Debug("bridge worker started")
	close(l.ready)
	defer close(l.stopped)

	for {
		select {
		case <-l.ctx.Done():
			l.wg.Wait()
			w.logger.Debug("bridge worker stopped")
			return
		case t := <-l.tasks:
			l.wg.Add(1)
			go l.exec(t)
		}
	}
}

func (l *loop) exec(t task) {
	defer l.wg.Done()

	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	defer func() {
		if rec := recover(); rec != nil {
			t.fut.resolve(nil, &PanicError{Value: rec, Stack: string(debug.Stack())})
		}
	}()
	v, err := t.fn(ctx)
	t.fut.resolve(v, err)
}

// Submit schedules fn on the worker from any goroutine. ctx is passed to fn
// and is also cancelled when the worker closes.
func (w *Worker) Submit(ctx context.Context, fn func(context.Context) (any, error)) *Future {
	fut := newFuture()
	if fn == nil {
		fut.resolve(nil, errors.New("bridge: nil operation"))
		return fut
	}
	if ctx == nil {
		ctx = context.Background()
	}

	l := w.ensure()
	select {
	case l.tasks <- task{ctx: ctx, fn: fn, fut: fut}:
	case <-l.ctx.Done():
		fut.resolve(nil, ErrClosed)
	case <-ctx.Done():
		fut.resolve(nil, ctx.Err())
	}
	return fut
}

// Do runs fn on the worker and blocks until it returns.
func (w *Worker) Do(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return w.Submit(ctx, fn).Wait(ctx)
}

// Call is Do with a typed result.
func Call[T any](ctx context.Context, w *Worker, fn func(context.Context) (T, error)) (T, error) {
	v, err := w.Do(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	var zero T
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok && v != nil {
		return zero, fmt.Errorf("bridge: unexpected result type %T", v)
	}
	return t, nil
}

// Running reports whether the worker goroutine is live.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur != nil
}

// Close stops the worker, cancels in-flight work and waits up to timeout
// for it to return. A closed worker starts again on next use.
func (w *Worker) Close(timeout time.Duration) error {
	w.mu.Lock()
	l := w.cur
	w.cur = nil
	w.mu.Unlock()

	if l == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultJoinTimeout
	}

	l.cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.stopped:
		return nil
	case <-timer.C:
		w.logger.Warn("bridge worker join timed out", "timeout", timeout)
		return ErrJoinTimeout
	}
}
