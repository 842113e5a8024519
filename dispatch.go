package installws

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Unsubscribe removes exactly the registration that returned it.
// Calling it more than once is a no-op.
type Unsubscribe func()

type listener[T any] struct {
	id uint64
	fn func(T)
}

func removeListener[T any](list []listener[T], id uint64) []listener[T] {
	return slices.DeleteFunc(list, func(l listener[T]) bool { return l.id == id })
}

// dispatcher routes inbound envelopes to listeners registered per category,
// then to generic listeners. Listener faults are reported to error listeners.
type dispatcher struct {
	mu      sync.RWMutex
	nextID  uint64
	byType  map[string][]listener[Envelope]
	generic []listener[Envelope]
	errs    []listener[error]
	states  []listener[StateChange]

	logger  *slog.Logger
	metrics *clientMetrics
}

func newDispatcher(logger *slog.Logger, metrics *clientMetrics) *dispatcher {
	return &dispatcher{
		byType:  make(map[string][]listener[Envelope]),
		logger:  logger,
		metrics: metrics,
	}
}

// subscribe registers fn for one category.
func (d *dispatcher) subscribe(category string, fn func(Envelope)) Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.byType[category] = append(d.byType[category], listener[Envelope]{id: id, fn: fn})

	return once(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		rest := removeListener(d.byType[category], id)
		if len(rest) == 0 {
			delete(d.byType, category)
			return
		}
		d.byType[category] = rest
	})
}

// subscribeAll registers fn for every envelope regardless of category.
func (d *dispatcher) subscribeAll(fn func(Envelope)) Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.generic = append(d.generic, listener[Envelope]{id: id, fn: fn})

	return once(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.generic = removeListener(d.generic, id)
	})
}

func (d *dispatcher) subscribeErrors(fn func(error)) Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.errs = append(d.errs, listener[error]{id: id, fn: fn})

	return once(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.errs = removeListener(d.errs, id)
	})
}

func (d *dispatcher) subscribeStates(fn func(StateChange)) Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.states = append(d.states, listener[StateChange]{id: id, fn: fn})

	return once(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.states = removeListener(d.states, id)
	})
}

// dispatch invokes, in registration order, the listeners for env.Type and
// then the generic listeners. Iteration runs over a snapshot taken on entry.
func (d *dispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	typed := slices.Clone(d.byType[env.Type])
	generic := slices.Clone(d.generic)
	d.mu.RUnlock()

	for _, l := range typed {
		d.invoke(env.Type, l.fn, env)
	}
	for _, l := range generic {
		d.invoke(env.Type, l.fn, env)
	}
}

func (d *dispatcher) invoke(category string, fn func(Envelope), env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.listenerPanic()
			d.reportError(&Error{
				Kind:      ErrListenerPanic,
				Category:  category,
				Cause:     fmt.Errorf("listener panic: %v", r),
				Timestamp: time.Now(),
			})
		}
	}()
	fn(env)
}

// reportError delivers err to every error listener. A panicking error
// listener is logged and skipped.
func (d *dispatcher) reportError(err error) {
	d.mu.RLock()
	errs := slices.Clone(d.errs)
	d.mu.RUnlock()

	for _, l := range errs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("error listener panicked", "panic", r, "error", err)
				}
			}()
			l.fn(err)
		}()
	}
}

func (d *dispatcher) reportState(sc StateChange) {
	d.mu.RLock()
	states := slices.Clone(d.states)
	d.mu.RUnlock()

	for _, l := range states {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.metrics.listenerPanic()
					d.reportError(&Error{
						Kind:      ErrListenerPanic,
						Category:  "state",
						Cause:     fmt.Errorf("listener panic: %v", r),
						Timestamp: time.Now(),
					})
				}
			}()
			l.fn(sc)
		}()
	}
}

// listenerCount returns the number of registrations for category, or the
// number of generic listeners when category is empty.
func (d *dispatcher) listenerCount(category string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if category == "" {
		return len(d.generic)
	}
	return len(d.byType[category])
}

func once(fn func()) Unsubscribe {
	var o sync.Once
	return func() { o.Do(fn) }
}
