package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrAsyncTxClosed is returned by Submit after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// AsyncTx funnels items through a single worker goroutine. Submit never
// blocks: when the buffer is full the OnDrop hook decides the returned error.
// The simulated controller uses it to shift mailbox contents onto the wire;
// the wire backends use it to serialize device writes.
//
//	a := NewAsyncTx[T](ctx, buf, send, hooks)
//	a.Submit(item)
//	a.Close()
type AsyncTx[T any] struct {
	mu     sync.Mutex
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(T) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error.
	OnError func(error)
	// OnAfter is called after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its error is returned from
	// Submit. If nil, the overflow is silent.
	OnDrop func() error
}

// NewAsyncTx starts the worker with a buffer of buf items.
func NewAsyncTx[T any](parent context.Context, buf int, send func(T) error, hooks Hooks) *AsyncTx[T] {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx[T]) loop() {
	defer a.wg.Done()
	for {
		select {
		case it, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(it); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Submit queues an item or returns the drop error if the buffer is full.
func (a *AsyncTx[T]) Submit(it T) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- it:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for it. Queued items are discarded.
func (a *AsyncTx[T]) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
