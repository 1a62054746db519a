// Package listener runs a background job that consumes work items from a
// channel. Flushing and compaction are driven through it so the foreground
// write path only ever enqueues.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var errListenerStopped = errors.New("listener stopped")

type Job interface {
	Start(ctx context.Context)
	Stop()
}

type Listener[T any] struct {
	name        string
	handler     func(input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	name string,
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			if err := l.run(ctx); errors.Is(err, errListenerStopped) {
				return
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp := <-l.in:
		l.handle(inp)
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// handle invokes the handler. Background failures are logged, never
// propagated: the write path must not stall on flush or compaction errors.
func (l *Listener[T]) handle(inp T) {
	if err := l.handler(inp); err != nil {
		slog.Error("background job failed", "job", l.name, "error", err)
	}
}

// Stop cancels the loop, waits for the in-flight item, then drains any
// items still buffered in the channel before running the stop handler.
// Draining guarantees frozen memtables enqueued before Close are flushed.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()

	for {
		select {
		case inp := <-l.in:
			l.handle(inp)
		default:
			l.stopHandler()
			return
		}
	}
}
