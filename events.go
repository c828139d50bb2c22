package karmachat

import (
	"encoding/json"
	"time"
)

// EventName identifies a public event.
type EventName string

const (
	EventReady              EventName = "ready"
	EventDisconnect         EventName = "disconnect"
	EventReconnecting       EventName = "reconnecting"
	EventMessageCreate      EventName = "messageCreate"
	EventMessageUpdate      EventName = "messageUpdate"
	EventMessageDelete      EventName = "messageDelete"
	EventMessageReactionAdd EventName = "messageReactionAdd"
	EventGiftMessageCreate  EventName = "giftMessageCreate"
	EventFriendRequest      EventName = "friendRequestCreate"
	EventChannelCreate      EventName = "channelCreate"
	EventChannelDelete      EventName = "channelDelete"
	EventChannelMemberAdd   EventName = "channelMemberAdd"
	EventChannelBanCreate   EventName = "channelBanCreate"
	// EventBlocked fires when another user blocks the current user.
	EventBlocked EventName = "blocked"
	// EventUnblocked fires when another user lifts their block.
	EventUnblocked EventName = "unblocked"
	// EventUserBlocked fires when the current user blocks someone.
	EventUserBlocked EventName = "userBlocked"
	// EventUserUnblocked fires when the current user unblocks someone.
	EventUserUnblocked   EventName = "userUnblocked"
	EventKarmaTaskCreate EventName = "karmaTaskCreate"
	EventKarmaTaskUpdate EventName = "karmaTaskUpdate"
	EventCallRoomUpdate  EventName = "callRoomUpdate"
	EventNotification    EventName = "notification"
	EventPing            EventName = "ping"
	EventRaw             EventName = "raw"
	EventDebug           EventName = "debug"
	EventWarn            EventName = "warn"
	EventError           EventName = "error"
)

// Event is one emission. Data holds the event's typed payload.
type Event struct {
	Name EventName
	Data any
}

// Handler receives events registered through Client.On.
type Handler func(Event)

// ============================================================================
// Payloads
// ============================================================================

type MessageCreateEvent struct {
	Message *Message
	// AuthorBlocked is set when the current user blocked the author.
	AuthorBlocked bool
	IsPrivate     bool
}

type MessageUpdateEvent struct {
	// Old is a detached copy taken before the update; nil when the message
	// was not cached.
	Old *Message
	New *Message
}

type MessageDeleteEvent struct {
	Message *Message
}

type ReactionAddEvent struct {
	Message *Message
	User    *User
	Emoji   string
}

type GiftMessageEvent struct {
	Message *Message
	Gift    *Gift
	// KarmaCredited is the karma added to the current user, if any.
	KarmaCredited int
}

type FriendRequestEvent struct {
	Request *FriendRequest
}

type ChannelEvent struct {
	ChannelID string
	Dialogue  *Dialogue
}

type ChannelMemberEvent struct {
	Dialogue *Dialogue
	User     *User
}

type ChannelBanEvent struct {
	Dialogue *Dialogue
	User     *User
	By       *User
}

type BlockEvent struct {
	User *User
}

type KarmaTaskEvent struct {
	Task *KarmaTask
}

type CallRoomEvent struct {
	Room *CallRoom
}

type NotificationEvent struct {
	Type     string
	Dialogue *Dialogue
	User     *User
	Payload  json.RawMessage
}

type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

type RawEvent struct {
	ChannelID string
	Payload   json.RawMessage
}

// ============================================================================
// Typed registration
// ============================================================================

// OnReady registers a handler for session readiness.
func (c *Client) OnReady(h func(ReadyInfo)) {
	c.On(EventReady, func(e Event) { h(e.Data.(ReadyInfo)) })
}

// OnDisconnect registers a handler for connection loss.
func (c *Client) OnDisconnect(h func(error)) {
	c.On(EventDisconnect, func(e Event) {
		err, _ := e.Data.(error)
		h(err)
	})
}

// OnReconnecting registers a handler for reconnect attempts.
func (c *Client) OnReconnecting(h func(ReconnectingEvent)) {
	c.On(EventReconnecting, func(e Event) { h(e.Data.(ReconnectingEvent)) })
}

// OnMessageCreate registers a handler for new messages.
func (c *Client) OnMessageCreate(h func(MessageCreateEvent)) {
	c.On(EventMessageCreate, func(e Event) { h(e.Data.(MessageCreateEvent)) })
}

// OnMessageUpdate registers a handler for edits.
func (c *Client) OnMessageUpdate(h func(MessageUpdateEvent)) {
	c.On(EventMessageUpdate, func(e Event) { h(e.Data.(MessageUpdateEvent)) })
}

// OnMessageDelete registers a handler for deletions.
func (c *Client) OnMessageDelete(h func(MessageDeleteEvent)) {
	c.On(EventMessageDelete, func(e Event) { h(e.Data.(MessageDeleteEvent)) })
}

// OnMessageReactionAdd registers a handler for reactions.
func (c *Client) OnMessageReactionAdd(h func(ReactionAddEvent)) {
	c.On(EventMessageReactionAdd, func(e Event) { h(e.Data.(ReactionAddEvent)) })
}

// OnGiftMessageCreate registers a handler for gifts.
func (c *Client) OnGiftMessageCreate(h func(GiftMessageEvent)) {
	c.On(EventGiftMessageCreate, func(e Event) { h(e.Data.(GiftMessageEvent)) })
}

// OnFriendRequest registers a handler for new friend requests.
func (c *Client) OnFriendRequest(h func(FriendRequestEvent)) {
	c.On(EventFriendRequest, func(e Event) { h(e.Data.(FriendRequestEvent)) })
}

// OnChannelCreate registers a handler for channels confirmed by the gateway.
func (c *Client) OnChannelCreate(h func(ChannelEvent)) {
	c.On(EventChannelCreate, func(e Event) { h(e.Data.(ChannelEvent)) })
}

// OnChannelDelete registers a handler for channels dropped by the gateway.
func (c *Client) OnChannelDelete(h func(ChannelEvent)) {
	c.On(EventChannelDelete, func(e Event) { h(e.Data.(ChannelEvent)) })
}

func (c *Client) OnChannelMemberAdd(h func(ChannelMemberEvent)) {
	c.On(EventChannelMemberAdd, func(e Event) { h(e.Data.(ChannelMemberEvent)) })
}

func (c *Client) OnChannelBanCreate(h func(ChannelBanEvent)) {
	c.On(EventChannelBanCreate, func(e Event) { h(e.Data.(ChannelBanEvent)) })
}

func (c *Client) OnBlocked(h func(BlockEvent)) {
	c.On(EventBlocked, func(e Event) { h(e.Data.(BlockEvent)) })
}

func (c *Client) OnUnblocked(h func(BlockEvent)) {
	c.On(EventUnblocked, func(e Event) { h(e.Data.(BlockEvent)) })
}

func (c *Client) OnUserBlocked(h func(BlockEvent)) {
	c.On(EventUserBlocked, func(e Event) { h(e.Data.(BlockEvent)) })
}

func (c *Client) OnUserUnblocked(h func(BlockEvent)) {
	c.On(EventUserUnblocked, func(e Event) { h(e.Data.(BlockEvent)) })
}

// OnKarmaTaskCreate registers a handler for tasks becoming available.
func (c *Client) OnKarmaTaskCreate(h func(KarmaTaskEvent)) {
	c.On(EventKarmaTaskCreate, func(e Event) { h(e.Data.(KarmaTaskEvent)) })
}

// OnKarmaTaskUpdate registers a handler for task progress.
func (c *Client) OnKarmaTaskUpdate(h func(KarmaTaskEvent)) {
	c.On(EventKarmaTaskUpdate, func(e Event) { h(e.Data.(KarmaTaskEvent)) })
}

func (c *Client) OnCallRoomUpdate(h func(CallRoomEvent)) {
	c.On(EventCallRoomUpdate, func(e Event) { h(e.Data.(CallRoomEvent)) })
}

func (c *Client) OnNotification(h func(NotificationEvent)) {
	c.On(EventNotification, func(e Event) { h(e.Data.(NotificationEvent)) })
}

// OnPing registers a handler receiving each heartbeat round-trip time.
func (c *Client) OnPing(h func(time.Duration)) {
	c.On(EventPing, func(e Event) { h(e.Data.(time.Duration)) })
}

// OnRaw registers a handler receiving every inbound event before
// normalization.
func (c *Client) OnRaw(h func(RawEvent)) {
	c.On(EventRaw, func(e Event) { h(e.Data.(RawEvent)) })
}

func (c *Client) OnDebug(h func(string)) {
	c.On(EventDebug, func(e Event) { h(e.Data.(string)) })
}

func (c *Client) OnWarn(h func(string)) {
	c.On(EventWarn, func(e Event) { h(e.Data.(string)) })
}

// OnError registers a handler for session errors and listener panics. The
// fatal heartbeat error arrives here wrapping ErrHeartbeatTimeout.
func (c *Client) OnError(h func(error)) {
	c.On(EventError, func(e Event) { h(e.Data.(error)) })
}
