package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/groupfetch/internal/logctx"
	"github.com/italolelis/groupfetch/internal/telemetry"
	"github.com/segmentio/ksuid"
)

const DefaultHandlerTimeout = 5 * time.Second

var ErrHandlerTimeout = errors.New("handler timed out")

// Handler observes one event. Returned errors are logged and never change the
// state of the group that emitted the event.
type Handler func(ctx context.Context, e Event) error

// Handle identifies a registration.
type Handle string

// HandlerError is a failed, panicking or timed out handler.
type HandlerError struct {
	Handle Handle
	Kind   Kind
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("event handler %s for %s: %v", e.Handle, e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type registration struct {
	handle  Handle
	kind    Kind
	filter  Filter
	handler Handler
}

// Dispatcher calls handlers in registration order. Emit returns only after
// every matching handler returned or timed out.
type Dispatcher struct {
	mu      sync.RWMutex
	regs    []registration
	timeout time.Duration
	tel     *telemetry.Telemetry
}

func NewDispatcher(timeout time.Duration, tel *telemetry.Telemetry) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}

	return &Dispatcher{timeout: timeout, tel: tel}
}

func (d *Dispatcher) Register(filter Filter, kind Kind, h Handler) Handle {
	handle := Handle(ksuid.New().String())

	d.mu.Lock()
	d.regs = append(d.regs, registration{handle: handle, kind: kind, filter: filter, handler: h})
	d.mu.Unlock()

	return handle
}

// RegisterAll registers h for every kind and returns the handles.
func (d *Dispatcher) RegisterAll(filter Filter, h Handler) []Handle {
	handles := make([]Handle, 0, len(Kinds))
	for _, k := range Kinds {
		handles = append(handles, d.Register(filter, k, h))
	}

	return handles
}

// Unregister removes a registration. It reports false for unknown handles.
func (d *Dispatcher) Unregister(handle Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, r := range d.regs {
		if r.handle == handle {
			d.regs = append(d.regs[:i:i], d.regs[i+1:]...)

			return true
		}
	}

	return false
}

// Emit delivers e to every matching handler and returns their joined failures.
func (d *Dispatcher) Emit(ctx context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	d.mu.RLock()

	matched := make([]registration, 0, len(d.regs))
	for _, r := range d.regs {
		if r.kind == e.Kind && r.filter.matches(e) {
			matched = append(matched, r)
		}
	}

	d.mu.RUnlock()

	var errs []error

	for _, r := range matched {
		if err := d.call(ctx, r, e); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (d *Dispatcher) call(ctx context.Context, r registration, e Event) error {
	logger := logctx.LoggerFromContext(ctx)

	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("handler panicked: %v", p)
			}
		}()

		done <- r.handler(hctx, e)
	}()

	var (
		err    error
		reason string
	)

	select {
	case err = <-done:
		reason = "error"
	case <-hctx.Done():
		// The handler keeps running in the background; its result is dropped.
		err = ErrHandlerTimeout
		reason = "timeout"
	}

	if err == nil {
		return nil
	}

	herr := &HandlerError{Handle: r.handle, Kind: e.Kind, Err: err}

	logger.WarnContext(ctx, "event handler failed", "handle", r.handle, "kind", e.Kind, "err", err)
	d.tel.RecordHandlerFailure(string(e.Kind), reason)

	return herr
}
