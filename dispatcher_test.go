package karmachat

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*eventDispatcher, *metrics) {
	t.Helper()
	m, err := newMetrics(nil)
	require.NoError(t, err)
	return newEventDispatcher(zerolog.Nop(), m), m
}

func TestDispatcherOrder(t *testing.T) {
	d, m := newTestDispatcher(t)

	var order []string
	d.on(EventPing, func(Event) { order = append(order, "first") })
	d.onAny(func(e Event) { order = append(order, "any:"+string(e.Name)) })
	d.on(EventPing, func(Event) { order = append(order, "second") })
	d.on(EventWarn, func(Event) { order = append(order, "warn") })

	d.emit(Event{Name: EventPing})
	assert.Equal(t, []string{"first", "second", "any:ping"}, order)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("ping")))
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var errs []error
	after := false
	d.on(EventMessageCreate, func(Event) { panic("listener bug") })
	d.on(EventMessageCreate, func(Event) { after = true })
	d.on(EventError, func(e Event) { errs = append(errs, e.Data.(error)) })

	d.emit(Event{Name: EventMessageCreate})
	assert.True(t, after)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "listener bug")

	t.Run("panicking error listener does not recurse", func(t *testing.T) {
		calls := 0
		d.on(EventError, func(Event) {
			calls++
			panic("again")
		})
		d.emit(Event{Name: EventError, Data: assert.AnError})
		assert.Equal(t, 1, calls)
	})
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := newMetrics(reg)
	require.NoError(t, err)

	m.frames.WithLabelValues(OpMessage.String()).Inc()
	m.observeAPIError(&APIError{Code: ErrCodeNotFound})
	m.observeAPIError(assert.AnError)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.frames.WithLabelValues("message")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.apiErrors))

	_, err = newMetrics(reg)
	assert.Error(t, err, "duplicate registration")
}

func TestClientRegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testConfig()
	cfg.Metrics = reg

	_, err := NewClient(cfg, WithRequester(newFakeRequester()))
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["karmachat_ping_seconds"])
	assert.True(t, names["karmachat_events_dropped_total"])
}
