package karmachat

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func testConfig() *Config {
	return &Config{
		Token:                "tok-1",
		GatewayURL:           "ws://gateway.test/socket",
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    5 * time.Millisecond,
		PingInterval:         time.Hour,
		PongTimeout:          time.Second,
		MessageCacheSize:     50,
	}
}

// sentCommand is an outbound frame as captured by memTransport.
type sentCommand struct {
	Type    Opcode          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	ID      string          `json:"id"`
}

// memTransport is an in-memory Transport driven by the test.
type memTransport struct {
	name    string
	openErr error

	mu     sync.Mutex
	params url.Values
	sent   []sentCommand
	closes int

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newMemTransport(name string) *memTransport {
	return &memTransport{
		name:   name,
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (m *memTransport) Name() string { return m.name }

func (m *memTransport) Open(ctx context.Context, params url.Values) error {
	if m.openErr != nil {
		return m.openErr
	}
	m.mu.Lock()
	m.params = params
	m.mu.Unlock()
	return nil
}

func (m *memTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-m.closed:
		return errors.New("closed")
	default:
	}
	var cmd sentCommand
	if err := json.Unmarshal(frame, &cmd); err != nil {
		return err
	}
	m.mu.Lock()
	m.sent = append(m.sent, cmd)
	m.mu.Unlock()
	return nil
}

func (m *memTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-m.inbox:
		return f, nil
	case <-m.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *memTransport) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// push delivers a frame to the session.
func (m *memTransport) push(t *testing.T, op Opcode, payload any) {
	t.Helper()
	data, err := json.Marshal(map[string]any{"type": op, "payload": payload})
	require.NoError(t, err)
	m.inbox <- data
}

func (m *memTransport) pushRaw(data string) {
	m.inbox <- []byte(data)
}

func (m *memTransport) commands(op Opcode) []sentCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentCommand
	for _, c := range m.sent {
		if c.Type == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *memTransport) waitCommand(t *testing.T, op Opcode, n int) []sentCommand {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.commands(op)) >= n }, waitFor, tick,
		"expected %d %s command(s)", n, op)
	return m.commands(op)
}

// transportPool hands out a fresh memTransport per connection attempt.
type transportPool struct {
	mu      sync.Mutex
	name    string
	openErr error
	made    []*memTransport
}

func (p *transportPool) factory() Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := newMemTransport(p.name)
	t.openErr = p.openErr
	p.made = append(p.made, t)
	return t
}

func (p *transportPool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.made)
}

func (p *transportPool) last(t *testing.T) *memTransport {
	t.Helper()
	require.Eventually(t, func() bool { return p.count() > 0 }, waitFor, tick)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.made[len(p.made)-1]
}

// fakeRequester serves API calls from a route table.
type fakeRequester struct {
	mu     sync.Mutex
	routes map[string]func(body any) (any, error)
	calls  []string
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{routes: make(map[string]func(body any) (any, error))}
}

func (f *fakeRequester) handle(path string, h func(body any) (any, error)) {
	f.mu.Lock()
	f.routes[path] = h
	f.mu.Unlock()
}

func (f *fakeRequester) Request(ctx context.Context, path string, body any, auth bool) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	h, ok := f.routes[path]
	f.mu.Unlock()
	if !ok {
		return nil, &APIError{Code: ErrCodeNotFound, Message: "no route", Endpoint: path, Method: "POST"}
	}
	v, err := h(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (f *fakeRequester) called(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == path {
			n++
		}
	}
	return n
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handler(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) named(name EventName) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) wait(t *testing.T, name EventName, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.named(name)) >= n }, waitFor, tick,
		"expected %d %s event(s)", n, name)
	return r.named(name)
}
