package karmachat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/golang-collections/collections/set"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// SessionState is the connection state of a Session.
type SessionState string

const (
	StateDisconnected   SessionState = "disconnected"
	StateConnecting     SessionState = "connecting"
	StateAuthenticating SessionState = "authenticating"
	StateReady          SessionState = "ready"
	StateReconnecting   SessionState = "reconnecting"
	// StateFailed is terminal until the next explicit Connect.
	StateFailed SessionState = "failed"
)

// ReadyInfo describes an accepted session.
type ReadyInfo struct {
	ConnectionID     string
	UserID           string
	PrivateChannelID string
	Transport        string

	user *userPayload
}

// TokenSource returns a fresh session token for reconnects.
type TokenSource func(ctx context.Context) (string, error)

// SessionHooks receive session events. Every hook is optional and is called
// without the session lock held.
type SessionHooks struct {
	OnReady         func(ReadyInfo)
	OnMessage       func(ctx context.Context, channelID string, events []json.RawMessage)
	OnChannelAdd    func(channelID string)
	OnChannelRemove func(channelID string)
	OnDisconnect    func(err error)
	OnReconnecting  func(attempt int, delay time.Duration)
	OnPing          func(rtt time.Duration)
	OnFatal         func(err error)
	OnDebug         func(msg string)
}

// SessionOptions wires a Session's collaborators. Nil factories default to
// the websocket transport and, when Config.EnableFallback is set, the
// polling transport.
type SessionOptions struct {
	Hooks    SessionHooks
	Tokens   TokenSource
	Primary  TransportFactory
	Fallback TransportFactory
}

// ============================================================================
// Session
// ============================================================================

// Session owns one gateway connection at a time and drives the
// connect/authenticate/heartbeat/reconnect state machine.
type Session struct {
	cfg      *Config
	log      zerolog.Logger
	hooks    SessionHooks
	tokens   TokenSource
	primary  TransportFactory
	fallback TransportFactory
	metrics  *metrics

	mu            sync.Mutex
	gen           int
	state         SessionState
	transport     Transport
	cancelRead    context.CancelFunc
	usingFallback bool
	stop          chan struct{}

	token            string
	connectionID     string
	userID           string
	privateChannelID string

	subscribed map[string]struct{}
	pending    map[string]struct{}

	recon      *reconnector
	pingSentAt time.Time
	ping       time.Duration
	liveness   *time.Timer
	pingTimer  *time.Timer

	outMu    sync.Mutex
	outgoing *set.Set
}

// NewSession creates a disconnected Session.
func NewSession(cfg *Config, opts SessionOptions) *Session {
	c := *cfg
	c.defaults()

	s := &Session{
		cfg:        &c,
		log:        c.Logger.With().Str("component", "session").Logger(),
		hooks:      opts.Hooks,
		tokens:     opts.Tokens,
		primary:    opts.Primary,
		fallback:   opts.Fallback,
		state:      StateDisconnected,
		stop:       make(chan struct{}),
		token:      c.Token,
		subscribed: make(map[string]struct{}),
		pending:    make(map[string]struct{}),
		recon:      newReconnector(&c),
		outgoing:   set.New(),
	}
	if s.primary == nil {
		s.primary = func() Transport { return NewWebSocketTransport(c.GatewayURL) }
	}
	if s.fallback == nil && c.EnableFallback {
		s.fallback = func() Transport { return NewPollingTransport(c.PollingURL, c.HTTPClient) }
	}
	s.metrics, _ = newMetrics(nil)
	return s
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ping returns the last heartbeat round-trip time.
func (s *Session) Ping() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ping
}

// ConnectionID returns the resumption id assigned by the gateway.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// PrivateChannelID returns the authenticated user's own channel.
func (s *Session) PrivateChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.privateChannelID
}

// UserID returns the authenticated user's id.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Uptime returns how long the current connection has been ready.
func (s *Session) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.recon.connectedAt.IsZero() {
		return 0
	}
	return time.Since(s.recon.connectedAt)
}

// setIdentity seeds the user and private channel ids known before the
// gateway reports them.
func (s *Session) setIdentity(userID, privateChannelID string) {
	s.mu.Lock()
	if userID != "" {
		s.userID = userID
	}
	if privateChannelID != "" {
		s.privateChannelID = privateChannelID
	}
	s.mu.Unlock()
}

// Connect opens a transport and authenticates with token, or with the
// last known token when token is empty. It returns once AUTH is sent; the
// OnReady hook reports acceptance.
func (s *Session) Connect(ctx context.Context, token string) error {
	_, err := s.connect(ctx, token)
	return err
}

func (s *Session) connect(ctx context.Context, token string) (int, error) {
	s.mu.Lock()
	if token == "" {
		token = s.token
	}
	if token == "" {
		gen := s.gen
		s.mu.Unlock()
		return gen, ErrNoToken
	}
	s.token = token
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	useFallback := s.usingFallback
	params := url.Values{"v": {s.cfg.ClientVersion}}
	if s.connectionID != "" {
		params.Set("connectionId", s.connectionID)
	}
	s.mu.Unlock()

	t, err := s.open(ctx, useFallback, params)
	if err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		return gen, err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.closeTransport(t, nil)
		return gen, errors.Wrap(ErrNotConnected, "connection superseded")
	}
	s.transport = t
	s.state = StateAuthenticating
	readCtx, cancel := context.WithCancel(context.Background())
	s.cancelRead = cancel
	s.armLivenessLocked(gen)
	auth := authPayload{
		Token:         token,
		ConnectionID:  s.connectionID,
		ClientVersion: s.cfg.ClientVersion,
		Channels:      s.channelRefsLocked(),
	}
	s.mu.Unlock()

	s.log.Debug().Str("transport", t.Name()).Int("channels", len(auth.Channels)).Msg("transport open, authenticating")
	go s.readLoop(readCtx, t, gen)

	if err := s.writeTo(ctx, t, Command{Type: OpAuth, Payload: auth}); err != nil {
		return gen, errors.Wrap(err, "send auth")
	}
	return gen, nil
}

func (s *Session) open(ctx context.Context, useFallback bool, params url.Values) (Transport, error) {
	if !useFallback {
		t := s.primary()
		err := t.Open(ctx, params)
		if err == nil {
			return t, nil
		}
		s.log.Warn().Err(err).Str("transport", t.Name()).Msg("transport open failed")

		s.mu.Lock()
		allowed := s.fallback != nil && s.recon.canFallback()
		if allowed {
			s.usingFallback = true
		}
		s.mu.Unlock()
		if !allowed {
			return nil, errors.Wrap(ErrTransportUnavailable, err.Error())
		}
	}

	t := s.fallback()
	if err := t.Open(ctx, params); err != nil {
		return nil, errors.Wrap(ErrTransportUnavailable, err.Error())
	}
	s.log.Info().Str("transport", t.Name()).Msg("using fallback transport")
	return t, nil
}

// Destroy tears down the transport and cancels every timer. With
// disconnect set the resumption id is cleared so the next Connect starts a
// fresh gateway session.
func (s *Session) Destroy(ctx context.Context, disconnect bool) error {
	s.mu.Lock()
	s.gen++
	s.stopTimersLocked()
	t := s.transport
	cancel := s.cancelRead
	s.transport = nil
	s.cancelRead = nil
	close(s.stop)
	s.stop = make(chan struct{})
	if disconnect {
		s.connectionID = ""
		s.usingFallback = false
	}
	s.state = StateDisconnected
	s.pingSentAt = time.Time{}
	s.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close(ctx)
	}
	if cancel != nil {
		cancel()
	}
	return err
}

// ============================================================================
// Inbound frames
// ============================================================================

func (s *Session) isCurrent(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Session) readLoop(ctx context.Context, t Transport, gen int) {
	for {
		data, err := t.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.connectionLost(gen, err)
			}
			return
		}
		if !s.isCurrent(gen) {
			return
		}
		s.handleFrame(ctx, gen, data)
	}
}

func (s *Session) handleFrame(ctx context.Context, gen int, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.log.Debug().Err(err).Msg("discarding malformed frame")
		return
	}
	s.metrics.frames.WithLabelValues(f.Type.String()).Inc()

	switch f.Type {
	case OpAuthSuccess:
		var p authSuccessPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.log.Debug().Err(err).Msg("discarding malformed auth reply")
			return
		}
		s.handleAuthSuccess(ctx, gen, &p)
	case OpPong:
		s.handlePong(gen)
	case OpPing:
		if err := s.write(ctx, Command{Type: OpPong, Payload: f.Payload}); err != nil {
			s.log.Debug().Err(err).Msg("pong write failed")
		}
	case OpMessage:
		var p messageFramePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.log.Debug().Err(err).Msg("discarding malformed message frame")
			return
		}
		if s.hooks.OnMessage != nil {
			s.hooks.OnMessage(context.WithoutCancel(ctx), string(p.ChannelID), p.Messages)
		}
	case OpSubscriptions:
		var p subscriptionsPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.log.Debug().Err(err).Msg("discarding malformed subscription diff")
			return
		}
		s.reconcile(toStrings(p.Diff.Added), toStrings(p.Diff.Dropped))
	case OpAck:
		var p ackPayload
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				s.log.Debug().Err(err).Msg("malformed ack payload, using frame id")
			}
		}
		if p.ID == "" {
			p.ID = f.ID
		}
		s.acknowledge(p.ID)
	default:
		s.debugf("unhandled opcode %s", f.Type)
	}
}

func (s *Session) handleAuthSuccess(ctx context.Context, gen int, p *authSuccessPayload) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.stopTimersLocked()
	s.connectionID = p.ConnectionID
	if p.UserID != "" {
		s.userID = string(p.UserID)
	}
	if p.PrivateChannelID != "" {
		s.privateChannelID = string(p.PrivateChannelID)
	}
	s.recon.reset()
	s.recon.markConnected()
	s.state = StateReady
	info := ReadyInfo{
		ConnectionID:     s.connectionID,
		UserID:           s.userID,
		PrivateChannelID: s.privateChannelID,
		Transport:        s.transport.Name(),
		user:             p.User,
	}
	var navigate *Command
	if len(s.pending) > 0 {
		navigate = &Command{Type: OpNavigate, Payload: navigatePayload{Channels: s.channelRefsLocked(), Verbose: true}}
	}
	s.mu.Unlock()

	s.log.Info().Str("connection_id", info.ConnectionID).Str("transport", info.Transport).Msg("session ready")
	if s.hooks.OnReady != nil {
		s.hooks.OnReady(info)
	}
	if navigate != nil {
		if err := s.write(ctx, *navigate); err != nil {
			s.log.Debug().Err(err).Msg("navigate after auth failed")
		}
	}
	s.sendPing(gen)
}

func (s *Session) handlePong(gen int) {
	s.mu.Lock()
	if s.gen != gen || s.pingSentAt.IsZero() {
		s.mu.Unlock()
		return
	}
	rtt := time.Since(s.pingSentAt)
	s.ping = rtt
	s.stopLivenessLocked()
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	s.pingTimer = time.AfterFunc(s.cfg.PingInterval, func() { s.sendPing(gen) })
	s.mu.Unlock()

	s.metrics.ping.Set(rtt.Seconds())
	if s.hooks.OnPing != nil {
		s.hooks.OnPing(rtt)
	}
}

// ============================================================================
// Heartbeat and reconnect
// ============================================================================

func (s *Session) sendPing(gen int) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateReady || s.transport == nil {
		s.mu.Unlock()
		return
	}
	t := s.transport
	s.pingSentAt = time.Now()
	s.armLivenessLocked(gen)
	payload := pingPayload{Timestamp: s.pingSentAt.UnixMilli()}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PongTimeout)
	defer cancel()
	if err := s.writeTo(ctx, t, Command{Type: OpPing, Payload: payload}); err != nil {
		s.log.Debug().Err(err).Msg("ping write failed")
	}
}

func (s *Session) armLivenessLocked(gen int) {
	s.stopLivenessLocked()
	s.liveness = time.AfterFunc(s.cfg.PongTimeout, func() {
		s.connectionLost(gen, errLivenessTimeout)
	})
}

func (s *Session) stopLivenessLocked() {
	if s.liveness != nil {
		s.liveness.Stop()
		s.liveness = nil
	}
}

func (s *Session) stopTimersLocked() {
	s.stopLivenessLocked()
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
}

// connectionLost handles a liveness timeout or transport failure of
// connection gen. It either schedules a reconnect or, once the budget is
// spent, moves the session to StateFailed.
func (s *Session) connectionLost(gen int, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.gen++
	next := s.gen
	s.stopTimersLocked()
	old := s.transport
	cancel := s.cancelRead
	s.transport = nil
	s.cancelRead = nil
	s.pingSentAt = time.Time{}

	allowed := s.recon.failed()
	attempt := s.recon.attempt
	var delay time.Duration
	if allowed {
		s.state = StateReconnecting
		delay = s.recon.nextDelay()
	} else {
		s.state = StateFailed
	}
	stop := s.stop
	s.mu.Unlock()

	s.log.Warn().Err(cause).Int("attempt", attempt).Msg("connection lost")
	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(cause)
	}

	if !allowed {
		go s.closeTransport(old, cancel)
		err := errors.Wrapf(ErrHeartbeatTimeout, "%d consecutive failures, last: %v", attempt, cause)
		s.log.Error().Err(err).Msg("session failed")
		if s.hooks.OnFatal != nil {
			s.hooks.OnFatal(err)
		}
		return
	}

	s.metrics.reconnects.Inc()
	go s.reconnect(next, old, cancel, attempt, delay, stop)
}

func (s *Session) reconnect(gen int, old Transport, cancelRead context.CancelFunc, attempt int, delay time.Duration, stop <-chan struct{}) {
	if s.hooks.OnReconnecting != nil {
		s.hooks.OnReconnecting(attempt, delay)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-stop:
		s.closeTransport(old, cancelRead)
		return
	case <-timer.C:
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	token, err := s.refreshToken(ctx)
	if err != nil {
		s.closeTransport(old, cancelRead)
		s.fail(gen, err)
		return
	}

	s.closeTransport(old, cancelRead)
	if !s.isCurrent(gen) {
		return
	}
	s.log.Info().Int("attempt", attempt).Msg("reconnecting")
	if connGen, err := s.connect(ctx, token); err != nil {
		s.connectionLost(connGen, err)
	}
}

func (s *Session) refreshToken(ctx context.Context) (string, error) {
	if s.tokens == nil {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()
		if token == "" {
			return "", ErrNoToken
		}
		return token, nil
	}
	token, err := s.tokens(ctx)
	if err != nil {
		return "", errors.Wrap(ErrNoToken, err.Error())
	}
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

func (s *Session) fail(gen int, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.stopTimersLocked()
	s.state = StateFailed
	s.mu.Unlock()

	s.log.Error().Err(err).Msg("session failed")
	if s.hooks.OnFatal != nil {
		s.hooks.OnFatal(err)
	}
}

func (s *Session) closeTransport(t Transport, cancel context.CancelFunc) {
	if t != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.Close(ctx); err != nil {
			s.log.Debug().Err(err).Str("transport", t.Name()).Msg("close failed")
		}
		done()
	}
	if cancel != nil {
		cancel()
	}
}

// ============================================================================
// Subscriptions
// ============================================================================

// Subscribed returns the channels confirmed by the gateway.
func (s *Session) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.subscribed)
}

// PendingChannels returns channels requested but not yet confirmed.
func (s *Session) PendingChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.pending)
}

// Subscribe requests channelID. It is a no-op when the channel is already
// subscribed or pending. Requests made before the session is ready are
// carried by the next AUTH.
func (s *Session) Subscribe(ctx context.Context, channelID string) error {
	s.mu.Lock()
	_, subscribed := s.subscribed[channelID]
	_, pending := s.pending[channelID]
	if subscribed || pending {
		s.mu.Unlock()
		return nil
	}
	s.pending[channelID] = struct{}{}
	t := s.transport
	ready := s.state == StateReady
	cmd := Command{Type: OpNavigate, Payload: navigatePayload{Channels: s.channelRefsLocked(), Verbose: true}}
	s.mu.Unlock()

	if t == nil || !ready {
		return nil
	}
	return s.writeTo(ctx, t, cmd)
}

// Unsubscribe drops channelID locally and tells the gateway to deactivate it.
func (s *Session) Unsubscribe(ctx context.Context, channelID string) error {
	s.mu.Lock()
	delete(s.subscribed, channelID)
	delete(s.pending, channelID)
	s.metrics.channels.Set(float64(len(s.subscribed)))
	t := s.transport
	ready := s.state == StateReady
	cmd := Command{Type: OpNavigate, Payload: navigatePayload{
		Channels:            s.channelRefsLocked(),
		DeactivatedChannels: []string{channelID},
		Verbose:             true,
	}}
	s.mu.Unlock()

	if t == nil || !ready {
		return nil
	}
	return s.writeTo(ctx, t, cmd)
}

// reconcile applies a gateway subscription diff. The private channel is
// tracked but never reported to the hooks.
func (s *Session) reconcile(added, dropped []string) {
	var created, removed []string

	s.mu.Lock()
	for _, ch := range dropped {
		delete(s.subscribed, ch)
		delete(s.pending, ch)
		if ch != s.privateChannelID {
			removed = append(removed, ch)
		}
	}
	for _, ch := range added {
		delete(s.pending, ch)
		if _, ok := s.subscribed[ch]; ok {
			continue
		}
		s.subscribed[ch] = struct{}{}
		if ch != s.privateChannelID {
			created = append(created, ch)
		}
	}
	s.metrics.channels.Set(float64(len(s.subscribed)))
	s.mu.Unlock()

	for _, ch := range removed {
		if s.hooks.OnChannelRemove != nil {
			s.hooks.OnChannelRemove(ch)
		}
	}
	for _, ch := range created {
		if s.hooks.OnChannelAdd != nil {
			s.hooks.OnChannelAdd(ch)
		}
	}
}

// channelRefsLocked lists the private channel plus every subscribed and
// pending channel.
func (s *Session) channelRefsLocked() []channelRef {
	all := make(map[string]struct{}, len(s.subscribed)+len(s.pending)+1)
	if s.privateChannelID != "" {
		all[s.privateChannelID] = struct{}{}
	}
	for ch := range s.subscribed {
		all[ch] = struct{}{}
	}
	for ch := range s.pending {
		all[ch] = struct{}{}
	}
	ids := make([]string, 0, len(all))
	for ch := range all {
		ids = append(ids, ch)
	}
	sort.Strings(ids)

	refs := make([]channelRef, len(ids))
	for i, ch := range ids {
		refs[i] = channelRef{ChannelID: ch}
	}
	return refs
}

// ============================================================================
// Outbound commands
// ============================================================================

// Send writes a command. With ack set the command carries a fresh
// correlation id, returned to the caller and tracked until the gateway
// acknowledges it. Missing acks are never retried.
func (s *Session) Send(ctx context.Context, op Opcode, payload any, ack bool) (string, error) {
	cmd := Command{Type: op, Payload: payload}
	if ack {
		cmd.ID = uuid.NewString()
		s.outMu.Lock()
		s.outgoing.Insert(cmd.ID)
		s.outMu.Unlock()
	}
	if err := s.write(ctx, cmd); err != nil {
		if ack {
			s.outMu.Lock()
			s.outgoing.Remove(cmd.ID)
			s.outMu.Unlock()
		}
		return "", err
	}
	return cmd.ID, nil
}

// Pending reports whether the command with correlation id is still
// awaiting its acknowledgement.
func (s *Session) Pending(id string) bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.outgoing.Has(id)
}

// Outstanding returns the number of unacknowledged commands.
func (s *Session) Outstanding() int {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.outgoing.Len()
}

func (s *Session) acknowledge(id string) {
	if id == "" {
		return
	}
	s.outMu.Lock()
	known := s.outgoing.Has(id)
	s.outgoing.Remove(id)
	s.outMu.Unlock()
	if !known {
		s.debugf("ack for unknown command %s", id)
	}
}

func (s *Session) write(ctx context.Context, cmd Command) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return s.writeTo(ctx, t, cmd)
}

func (s *Session) writeTo(ctx context.Context, t Transport, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "marshal command")
	}
	if err := t.Send(ctx, data); err != nil {
		return errors.Wrapf(err, "send %s", cmd.Type)
	}
	return nil
}

func (s *Session) debugf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.log.Debug().Msg(msg)
	if s.hooks.OnDebug != nil {
		s.hooks.OnDebug(msg)
	}
}
