// Package karmachat is a Go client for the KarmaChat real-time messaging
// backend.
//
// It keeps one gateway session alive, normalizes inbound events into cached
// entities and exposes actions backed by the HTTP API.
//
// Example:
//
//	client, _ := karmachat.NewClient(&karmachat.Config{Token: "..."})
//	client.OnMessageCreate(func(e karmachat.MessageCreateEvent) {
//		fmt.Println(e.Message.Author.DisplayName, e.Message.Content)
//	})
//	if err := client.Login(ctx); err != nil { ... }
//	defer client.Destroy(ctx, true)
//
//	client.Subscribe(ctx, "dialogue-123")
//	client.SendMessage(ctx, "dialogue-123", "hello", nil)
package karmachat

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ============================================================================
// Client
// ============================================================================

// Client owns a Session, the entity caches and the listener registry.
type Client struct {
	cfg        *Config
	log        zerolog.Logger
	api        Requester
	session    *Session
	store      *store
	dispatcher *eventDispatcher
	metrics    *metrics
	normalizer *normalizer

	primary  TransportFactory
	fallback TransportFactory

	// mu serializes every entity mutation.
	mu         sync.Mutex
	token      string
	me         *User
	lastSeen   map[string]string
	taskTimers map[string]*time.Timer
	destroyed  bool
	loginWait  chan error
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithRequester replaces the HTTP API collaborator.
func WithRequester(r Requester) ClientOption {
	return func(c *Client) { c.api = r }
}

// WithTransport replaces the primary gateway transport.
func WithTransport(f TransportFactory) ClientOption {
	return func(c *Client) { c.primary = f }
}

// WithFallbackTransport replaces the fallback transport. It is only used
// when Config.EnableFallback is set.
func WithFallbackTransport(f TransportFactory) ClientOption {
	return func(c *Client) { c.fallback = f }
}

// NewClient creates a Client. No connection is made until Login.
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	conf := *cfg
	conf.defaults()

	m, err := newMetrics(conf.Metrics)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        &conf,
		log:        conf.Logger.With().Str("component", "client").Logger(),
		store:      newStore(conf.MessageCacheSize),
		metrics:    m,
		token:      conf.Token,
		lastSeen:   make(map[string]string),
		taskTimers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.api == nil {
		c.api = NewHTTPRequester(&conf)
	}
	if !conf.EnableFallback {
		c.fallback = nil
	}

	c.dispatcher = newEventDispatcher(c.log, m)
	c.session = NewSession(&conf, SessionOptions{
		Tokens:   c.refreshToken,
		Primary:  c.primary,
		Fallback: c.fallback,
		Hooks: SessionHooks{
			OnReady:         c.handleReady,
			OnMessage:       c.handleMessages,
			OnChannelAdd:    c.handleChannelAdd,
			OnChannelRemove: c.handleChannelRemove,
			OnDisconnect:    func(err error) { c.emit(EventDisconnect, err) },
			OnReconnecting: func(attempt int, delay time.Duration) {
				c.emit(EventReconnecting, ReconnectingEvent{Attempt: attempt, Delay: delay})
			},
			OnPing:  func(rtt time.Duration) { c.emit(EventPing, rtt) },
			OnFatal: c.handleFatal,
			OnDebug: func(msg string) { c.emit(EventDebug, msg) },
		},
	})
	c.session.metrics = m
	c.normalizer = &normalizer{
		store:     c.store,
		api:       c.api,
		channels:  c.session,
		log:       conf.Logger.With().Str("component", "normalizer").Logger(),
		mu:        &c.mu,
		destroyed: func() bool { return c.destroyed },
		identity:  func() (string, string) { return c.session.UserID(), c.session.PrivateChannelID() },
	}
	return c, nil
}

// On registers a handler for one event name.
func (c *Client) On(name EventName, h Handler) {
	c.dispatcher.on(name, h)
}

// OnAny registers a handler receiving every event.
func (c *Client) OnAny(h Handler) {
	c.dispatcher.onAny(h)
}

func (c *Client) emit(name EventName, data any) {
	c.dispatcher.emit(Event{Name: name, Data: data})
}

// Session exposes the underlying gateway session.
func (c *Client) Session() *Session { return c.session }

// State returns the session state.
func (c *Client) State() SessionState { return c.session.State() }

// Ping returns the last heartbeat round-trip time.
func (c *Client) Ping() time.Duration { return c.session.Ping() }

// ============================================================================
// Lifecycle
// ============================================================================

// Login obtains a token when none is configured, connects, and blocks until
// the gateway accepts the session or ctx ends.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	token := c.token
	c.mu.Unlock()

	if token == "" {
		sc, err := fetchSessionConfig(ctx, c.api)
		if err != nil {
			return errors.Wrap(ErrNoToken, err.Error())
		}
		if sc.Token == "" {
			return ErrNoToken
		}
		c.applySessionConfig(sc)
		token = sc.Token
	}

	wait := make(chan error, 1)
	c.mu.Lock()
	c.loginWait = wait
	c.mu.Unlock()

	if err := c.session.Connect(ctx, token); err != nil {
		c.signalLogin(nil)
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		c.signalLogin(nil)
		return ctx.Err()
	}
}

// Destroy closes the session and cancels every timer. Cached entities stay
// readable; actions return ErrDestroyed afterwards.
func (c *Client) Destroy(ctx context.Context, disconnect bool) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	for id, t := range c.taskTimers {
		t.Stop()
		delete(c.taskTimers, id)
	}
	c.mu.Unlock()

	err := c.session.Destroy(ctx, disconnect)
	c.signalLogin(ErrDestroyed)
	return err
}

func (c *Client) checkAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}
	return nil
}

// refreshToken is the session's TokenSource.
func (c *Client) refreshToken(ctx context.Context) (string, error) {
	sc, err := fetchSessionConfig(ctx, c.api)
	if err != nil {
		c.metrics.observeAPIError(err)
		return "", err
	}
	if sc.Token == "" {
		return "", ErrNoToken
	}
	c.applySessionConfig(sc)
	return sc.Token, nil
}

type tokenSetter interface {
	SetToken(token string)
}

func (c *Client) applySessionConfig(sc *SessionConfig) {
	if ts, ok := c.api.(tokenSetter); ok {
		ts.SetToken(sc.Token)
	}
	c.session.setIdentity(sc.UserID, sc.PrivateChannelID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = sc.Token
	if sc.User != nil && sc.User.ID == "" {
		sc.User.ID = flexID(sc.UserID)
	}
	if u := c.store.upsertUser(sc.User); u != nil {
		c.me = u
	} else if sc.UserID != "" {
		c.me = c.store.user(sc.UserID)
	}
}

func (c *Client) signalLogin(err error) {
	c.mu.Lock()
	w := c.loginWait
	c.loginWait = nil
	c.mu.Unlock()
	if w != nil {
		w <- err
	}
}

// ============================================================================
// Session hooks
// ============================================================================

func (c *Client) handleReady(info ReadyInfo) {
	c.mu.Lock()
	if info.UserID != "" {
		c.me = c.store.user(info.UserID)
	}
	if c.me != nil && info.user != nil {
		c.me.patch(info.user)
	}
	c.mu.Unlock()

	c.emit(EventReady, info)
	c.signalLogin(nil)
}

func (c *Client) handleFatal(err error) {
	c.emit(EventError, err)
	c.signalLogin(err)
}

func (c *Client) handleChannelAdd(channelID string) {
	d, _ := c.store.dialogues.Get(channelID)
	c.emit(EventChannelCreate, ChannelEvent{ChannelID: channelID, Dialogue: d})
}

func (c *Client) handleChannelRemove(channelID string) {
	d, _ := c.store.dialogues.Get(channelID)
	c.emit(EventChannelDelete, ChannelEvent{ChannelID: channelID, Dialogue: d})
}

// handleMessages processes one MESSAGE frame. Events are applied in wire
// order; message creates are surfaced after the frame, oldest first.
func (c *Client) handleMessages(ctx context.Context, channelID string, events []json.RawMessage) {
	var creates []MessageCreateEvent
	for _, raw := range events {
		c.emit(EventRaw, RawEvent{ChannelID: channelID, Payload: raw})

		ne, err := c.normalizer.normalize(ctx, channelID, raw)
		if err != nil {
			switch {
			case errors.Is(err, ErrDestroyed):
				return
			case errors.Is(err, errEventDropped):
				c.metrics.dropped.Inc()
				c.emit(EventDebug, err.Error())
			default:
				c.emit(EventWarn, err.Error())
			}
			continue
		}

		c.mu.Lock()
		if c.destroyed {
			c.mu.Unlock()
			return
		}
		out := c.apply(ne)
		c.mu.Unlock()

		if out.create != nil {
			creates = append(creates, *out.create)
		}
		c.dispatcher.emitAll(out.events)
		for _, ch := range out.leave {
			if err := c.session.Unsubscribe(ctx, ch); err != nil {
				c.log.Debug().Err(err).Str("channel", ch).Msg("unsubscribe after ban failed")
			}
		}
	}

	sort.SliceStable(creates, func(i, j int) bool {
		return olderThan(creates[i].Message, creates[j].Message)
	})
	for _, e := range creates {
		c.emit(EventMessageCreate, e)
	}
}

// ============================================================================
// Applying normalized events
// ============================================================================

type outcome struct {
	events []Event
	create *MessageCreateEvent
	leave  []string
}

func (o *outcome) add(name EventName, data any) {
	o.events = append(o.events, Event{Name: name, Data: data})
}

func (c *Client) meID() string {
	if c.me != nil {
		return c.me.ID
	}
	return c.session.UserID()
}

// apply mutates the caches for ne. Called with c.mu held.
func (c *Client) apply(ne *NormalizedEvent) outcome {
	var out outcome
	switch ne.Kind {
	case KindMessageCreate:
		out.create = c.applyMessageCreate(ne)
	case KindMessageUpdate:
		c.applyMessageUpdate(ne, &out)
	case KindMessageDelete:
		c.applyMessageDelete(ne, &out)
	case KindReactionAdd:
		c.applyReaction(ne, &out)
	case KindGiftCreate:
		c.applyGift(ne, &out)
	case KindFriendRequest:
		c.applyFriendRequest(ne, &out)
	case KindChannelBan:
		c.applyBan(ne, &out)
	case KindMemberAdd:
		c.applyMemberAdd(ne, &out)
	case KindBlocked, KindUnblocked:
		c.applyBlock(ne, ne.Kind == KindBlocked, &out)
	case KindKarmaTask:
		c.applyKarmaTask(ne, &out)
	case KindCallRoomUpdate:
		c.applyCallRoom(ne, &out)
	case KindNotification:
		kind := ne.raw.str("notificationType")
		out.add(EventNotification, NotificationEvent{Type: kind, Dialogue: ne.Dialogue, User: ne.Sender, Payload: ne.Raw})
	case "":
		out.add(EventWarn, "unclassified event on channel "+ne.ChannelID)
	default:
		out.add(EventWarn, "unrecognized event type "+string(ne.Kind))
	}
	return out
}

func historyKey(ne *NormalizedEvent) string {
	if ne.Dialogue != nil {
		return ne.Dialogue.ID
	}
	return "channel:" + ne.ChannelID
}

// seen records id as the latest message of the event's dialogue and
// reports whether it already was.
func (c *Client) seen(ne *NormalizedEvent, id string) bool {
	key := historyKey(ne)
	if c.lastSeen[key] == id {
		return true
	}
	c.lastSeen[key] = id
	return false
}

func (c *Client) newEventMessage(ne *NormalizedEvent, id string) *Message {
	m := newMessage(id)
	m.ChannelID = ne.ChannelID
	m.Dialogue = ne.Dialogue
	m.Author = ne.Sender
	return m
}

func (c *Client) applyMessageCreate(ne *NormalizedEvent) *MessageCreateEvent {
	var p messagePayload
	ne.raw.decode(&p)
	id := string(p.ID)
	if id == "" || c.seen(ne, id) {
		return nil
	}

	m := ne.Message
	switch {
	case m == nil:
		m = c.newEventMessage(ne, id)
	case m.stub:
		m.stub = false
		if m.Author == nil {
			m.Author = ne.Sender
		}
		if m.Dialogue == nil {
			m.Dialogue = ne.Dialogue
		}
	default:
		return nil
	}
	c.store.patchMessage(m, &p, false)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	c.store.addMessage(c.store.history(ne.Dialogue, ne.ChannelID), m)

	return &MessageCreateEvent{
		Message:       m,
		AuthorBlocked: m.Author != nil && m.Author.Blocked,
		IsPrivate:     ne.IsPrivate,
	}
}

func (c *Client) applyMessageUpdate(ne *NormalizedEvent, out *outcome) {
	var p messagePayload
	ne.raw.decode(&p)

	m := ne.Message
	var old *Message
	if m == nil {
		if p.ID == "" {
			return
		}
		m = c.newEventMessage(ne, string(p.ID))
		c.store.addMessage(c.store.history(ne.Dialogue, ne.ChannelID), m)
	} else {
		old = m.clone()
	}
	c.store.patchMessage(m, &p, true)
	if p.UpdatedAt == nil {
		m.UpdatedAt = time.Now()
	}
	out.add(EventMessageUpdate, MessageUpdateEvent{Old: old, New: m})
}

func (c *Client) applyMessageDelete(ne *NormalizedEvent, out *outcome) {
	m := ne.Message
	if m == nil {
		id := ne.raw.str("id")
		if id == "" {
			id = ne.raw.str("messageId")
		}
		if id == "" {
			return
		}
		// A bare tombstone for a message never seen carries nothing to delete.
		if ne.raw.str("type") == "" && !ne.raw.boolean("update") {
			out.add(EventDebug, "tombstone for unknown message "+id)
			return
		}
		m = c.newEventMessage(ne, id)
	}
	m.Deleted = true
	c.store.removeMessage(c.store.history(ne.Dialogue, ne.ChannelID), m)
	out.add(EventMessageDelete, MessageDeleteEvent{Message: m})
}

func (c *Client) applyReaction(ne *NormalizedEvent, out *outcome) {
	if ne.Message == nil {
		return
	}
	emoji := ne.raw.str("emoji")
	if emoji == "" {
		emoji = ne.raw.str("reaction")
	}
	if n, ok := ne.raw.integer("count"); ok {
		ne.Message.Reactions[emoji] = n
	} else {
		ne.Message.Reactions[emoji]++
	}
	user := ne.Sender
	if user == nil {
		user = ne.Liker
	}
	out.add(EventMessageReactionAdd, ReactionAddEvent{Message: ne.Message, User: user, Emoji: emoji})
}

func (c *Client) applyGift(ne *NormalizedEvent, out *outcome) {
	var p messagePayload
	ne.raw.decode(&p)
	id := string(p.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if c.seen(ne, id) {
		return
	}

	m := ne.Message
	if m == nil {
		m = c.newEventMessage(ne, id)
	}
	c.store.patchMessage(m, &p, false)
	m.Kind = KindGift
	if m.Gift == nil {
		m.Gift = &Gift{ID: ne.raw.str("gift")}
	}
	m.Gift.Sender = ne.Sender
	m.Gift.Receiver = ne.Receiver
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	c.store.addMessage(c.store.history(ne.Dialogue, ne.ChannelID), m)

	credited := 0
	if ne.Receiver != nil && ne.Receiver.ID == c.meID() && m.Gift.Karma > 0 {
		ne.Receiver.Karma += m.Gift.Karma
		credited = m.Gift.Karma
	}
	out.add(EventGiftMessageCreate, GiftMessageEvent{Message: m, Gift: m.Gift, KarmaCredited: credited})
}

func (c *Client) applyFriendRequest(ne *NormalizedEvent, out *outcome) {
	counterpart, dir := ne.Sender, RequestIncoming
	if ne.Sender != nil && ne.Sender.ID == c.meID() {
		counterpart, dir = ne.Receiver, RequestOutgoing
	}
	if counterpart == nil {
		out.add(EventWarn, "friend request without counterpart")
		return
	}
	req, created := c.store.friendRequest(counterpart, dir)
	req.Direction = dir
	if t := ne.raw.time("createdAt"); !t.IsZero() {
		req.CreatedAt = t
	}
	if created {
		out.add(EventFriendRequest, FriendRequestEvent{Request: req})
	}
}

func (c *Client) applyBan(ne *NormalizedEvent, out *outcome) {
	if ne.Dialogue == nil {
		out.add(EventWarn, "ban without dialogue")
		return
	}
	target := ne.Receiver
	if target == nil {
		target = ne.Sender
	}
	by := c.store.user(ne.raw.str("bannedBy"))
	if target != nil {
		delete(ne.Dialogue.Members, target.ID)
		if target.ID == c.meID() {
			out.leave = append(out.leave, ne.Dialogue.ID)
		}
	}
	out.add(EventChannelBanCreate, ChannelBanEvent{Dialogue: ne.Dialogue, User: target, By: by})
}

func (c *Client) applyMemberAdd(ne *NormalizedEvent, out *outcome) {
	u := ne.Receiver
	if u == nil {
		u = ne.Sender
	}
	if ne.Dialogue == nil || u == nil {
		out.add(EventWarn, "member add without dialogue or user")
		return
	}
	ne.Dialogue.Members[u.ID] = u
	out.add(EventChannelMemberAdd, ChannelMemberEvent{Dialogue: ne.Dialogue, User: u})
}

// applyBlock handles both directions: the current user blocking someone
// ("whom" is the other user) and someone blocking the current user ("by" is
// the other user).
func (c *Client) applyBlock(ne *NormalizedEvent, blocked bool, out *outcome) {
	meID := c.meID()
	whom := c.store.user(ne.raw.str("whom"))
	by := c.store.user(ne.raw.str("by"))
	byMe := by == nil || by.ID == meID
	targetsMe := whom == nil || whom.ID == meID

	switch {
	case whom != nil && whom.ID != meID && byMe:
		whom.Blocked = blocked
		name := EventUserBlocked
		if !blocked {
			name = EventUserUnblocked
		}
		out.add(name, BlockEvent{User: whom})
	case by != nil && by.ID != meID && targetsMe:
		by.BlockedMe = blocked
		if c.me != nil {
			if blocked {
				c.me.BlockedBy[by.ID] = struct{}{}
			} else {
				delete(c.me.BlockedBy, by.ID)
			}
		}
		name := EventBlocked
		if !blocked {
			name = EventUnblocked
		}
		out.add(name, BlockEvent{User: by})
	default:
		out.add(EventWarn, "block event without counterpart")
	}
}

func (c *Client) applyKarmaTask(ne *NormalizedEvent, out *outcome) {
	var p karmaTaskPayload
	if !ne.raw.object("task", &p) {
		ne.raw.decode(&p)
	}
	id := string(p.ID)
	if id == "" {
		id = ne.raw.str("taskId")
	}
	if id == "" {
		out.add(EventWarn, "karma task without id")
		return
	}

	task, created := c.store.karmaTask(id)
	patchKarmaTask(task, &p)

	if wait := time.Until(task.AvailableAt); wait > 0 {
		c.scheduleTask(id, wait)
		out.add(EventKarmaTaskUpdate, KarmaTaskEvent{Task: task})
		return
	}
	if created {
		out.add(EventKarmaTaskCreate, KarmaTaskEvent{Task: task})
		return
	}
	out.add(EventKarmaTaskUpdate, KarmaTaskEvent{Task: task})
}

// scheduleTask re-emits karmaTaskCreate when the task becomes available.
// Called with c.mu held.
func (c *Client) scheduleTask(id string, wait time.Duration) {
	if t, ok := c.taskTimers[id]; ok {
		t.Stop()
	}
	c.taskTimers[id] = time.AfterFunc(wait, func() {
		c.mu.Lock()
		if c.destroyed {
			c.mu.Unlock()
			return
		}
		delete(c.taskTimers, id)
		task, ok := c.store.tasks.Get(id)
		c.mu.Unlock()
		if ok {
			c.emit(EventKarmaTaskCreate, KarmaTaskEvent{Task: task})
		}
	})
}

func (c *Client) applyCallRoom(ne *NormalizedEvent, out *outcome) {
	var p callRoomPayload
	if !ne.raw.object("callRoom", &p) {
		ne.raw.decode(&p)
	}
	id := string(p.ID)
	if id == "" {
		id = ne.raw.str("callRoomId")
	}
	if id == "" {
		out.add(EventWarn, "call room event without id")
		return
	}
	room := c.store.callRoom(id)
	if ne.Dialogue != nil {
		room.Dialogue = ne.Dialogue
	}
	c.store.patchCallRoom(room, &p)
	out.add(EventCallRoomUpdate, CallRoomEvent{Room: room})
}

// ============================================================================
// Cache accessors
// ============================================================================

// Me returns the authenticated user, once known.
func (c *Client) Me() *User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.me
}

// User returns a cached user.
func (c *Client) User(id string) (*User, bool) { return c.store.users.Get(id) }

// Dialogue returns a cached dialogue.
func (c *Client) Dialogue(id string) (*Dialogue, bool) { return c.store.dialogues.Get(id) }

// CallRoom returns a cached call room.
func (c *Client) CallRoom(id string) (*CallRoom, bool) { return c.store.callRooms.Get(id) }

// KarmaTask returns a cached karma task.
func (c *Client) KarmaTask(id string) (*KarmaTask, bool) { return c.store.tasks.Get(id) }

// FriendRequests returns the cached friend requests, oldest first.
func (c *Client) FriendRequests() []*FriendRequest {
	var out []*FriendRequest
	c.store.requests.Range(func(_ string, r *FriendRequest) bool {
		out = append(out, r)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Subscribe asks the gateway for a channel's traffic.
func (c *Client) Subscribe(ctx context.Context, channelID string) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	return c.session.Subscribe(ctx, channelID)
}

// Unsubscribe stops a channel's traffic.
func (c *Client) Unsubscribe(ctx context.Context, channelID string) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	return c.session.Unsubscribe(ctx, channelID)
}
