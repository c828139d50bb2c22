package karmachat

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// eventDispatcher fans events out to registered handlers. Handlers run
// synchronously on the emitting goroutine, in registration order.
type eventDispatcher struct {
	mu       sync.RWMutex
	handlers map[EventName][]Handler
	any      []Handler

	log     zerolog.Logger
	metrics *metrics
}

func newEventDispatcher(log zerolog.Logger, m *metrics) *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[EventName][]Handler),
		log:      log,
		metrics:  m,
	}
}

func (d *eventDispatcher) on(name EventName, h Handler) {
	d.mu.Lock()
	d.handlers[name] = append(d.handlers[name], h)
	d.mu.Unlock()
}

func (d *eventDispatcher) onAny(h Handler) {
	d.mu.Lock()
	d.any = append(d.any, h)
	d.mu.Unlock()
}

func (d *eventDispatcher) emit(ev Event) {
	d.mu.RLock()
	handlers := append([]Handler{}, d.handlers[ev.Name]...)
	handlers = append(handlers, d.any...)
	d.mu.RUnlock()

	d.metrics.events.WithLabelValues(string(ev.Name)).Inc()
	for _, h := range handlers {
		d.call(h, ev)
	}
}

func (d *eventDispatcher) emitAll(evs []Event) {
	for _, ev := range evs {
		d.emit(ev)
	}
}

// call runs one handler. A panic is reported as an error event, except
// when the panicking handler was itself handling an error event.
func (d *eventDispatcher) call(h Handler, ev Event) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := errors.Errorf("listener for %s panicked: %v", ev.Name, r)
		d.log.Error().Err(err).Msg("listener panic")
		if ev.Name != EventError {
			d.emit(Event{Name: EventError, Data: err})
		}
	}()
	h(ev)
}
