package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"
)

// dispatcher runs fire-and-forget tasks on a bounded number of goroutines.
// Callers never see a task's outcome: failures and panics are logged.
//
// Once shut down it refuses new work but still accepts follow-ups, tasks
// completing state their caller already committed, so that wait drains them.
// Only stop drops follow-ups.
type dispatcher struct {
	log    *slog.Logger
	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	stopped bool
	wg      sync.WaitGroup
}

func newDispatcher(logger *slog.Logger, workers int) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		log:    logger,
		slots:  make(chan struct{}, workers),
		ctx:    ctx,
		cancel: cancel,
	}
}

// dispatch runs new work, refused once the dispatcher is shut down.
func (d *dispatcher) dispatch(name string, task func(ctx context.Context) error, args ...any) {
	d.submit(false, name, task, args...)
}

// followUp runs work that completes state already committed by its caller.
func (d *dispatcher) followUp(name string, task func(ctx context.Context) error, args ...any) {
	d.submit(true, name, task, args...)
}

func (d *dispatcher) submit(followUp bool, name string, task func(ctx context.Context) error, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	log := d.log.With(append([]any{"task", name}, args...)...)
	if d.stopped || (d.closed && !followUp) {
		log.Warn("Dispatcher is shutting down, dropping task")
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		select {
		case d.slots <- struct{}{}:
			defer func() { <-d.slots }()
		case <-d.ctx.Done():
			log.Warn("Dispatcher stopped before task could run")
			return
		}

		var err error
		var catcher panics.Catcher
		catcher.Try(func() {
			err = task(d.ctx)
		})
		if recovered := catcher.Recovered(); recovered != nil {
			log.Error("Task panicked", "error", recovered.AsError())
		} else if err != nil {
			log.Error("Task failed", "error", err)
		} else {
			log.Debug("Task completed")
		}
	}()
}

// shutdown stops accepting new work. Queued and running tasks carry on, and
// so do their follow-ups.
func (d *dispatcher) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
}

// stop cancels the context of running tasks and drops queued ones.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.closed = true
	d.stopped = true
	d.mu.Unlock()

	d.cancel()
}

func (d *dispatcher) wait() {
	d.wg.Wait()
}
