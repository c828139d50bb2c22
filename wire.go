package karmachat

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// ============================================================================
// Frames
// ============================================================================

// Opcode is the integer discriminant of a wire frame.
type Opcode int

const (
	OpInit Opcode = iota
	OpAuth
	OpAuthSuccess
	OpPing
	OpPong
	OpMessage
	OpSubscriptions
	OpAck
	OpMarkAsRead
	OpNavigate
)

var opcodeNames = map[Opcode]string{
	OpInit:          "init",
	OpAuth:          "auth",
	OpAuthSuccess:   "auth_success",
	OpPing:          "ping",
	OpPong:          "pong",
	OpMessage:       "message",
	OpSubscriptions: "subscriptions",
	OpAck:           "ack",
	OpMarkAsRead:    "mark_as_read",
	OpNavigate:      "navigate",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "op_" + strconv.Itoa(int(o))
}

// Frame is an inbound wire frame.
type Frame struct {
	Type    Opcode          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	ID      string          `json:"id,omitempty"`
}

// Command is an outbound wire frame. ID is set only when an ack is requested.
type Command struct {
	Type    Opcode `json:"type"`
	Payload any    `json:"payload"`
	ID      string `json:"id,omitempty"`
}

type channelRef struct {
	ChannelID string `json:"channelId"`
	Offset    int    `json:"offset"`
}

type authPayload struct {
	Token         string       `json:"token"`
	ConnectionID  string       `json:"connectionId,omitempty"`
	ClientVersion string       `json:"clientVersion"`
	Channels      []channelRef `json:"channels"`
}

type authSuccessPayload struct {
	ConnectionID     string       `json:"connectionId"`
	UserID           flexID       `json:"userId"`
	PrivateChannelID flexID       `json:"privateChannelId"`
	User             *userPayload `json:"user,omitempty"`
}

type messageFramePayload struct {
	ChannelID flexID            `json:"channelId"`
	Messages  []json.RawMessage `json:"messages"`
}

type subscriptionsPayload struct {
	Diff struct {
		Added   []flexID `json:"added"`
		Dropped []flexID `json:"dropped"`
	} `json:"diff"`
}

type ackPayload struct {
	ID string `json:"id"`
}

type navigatePayload struct {
	Channels            []channelRef `json:"channels"`
	DeactivatedChannels []string     `json:"deactivatedChannels,omitempty"`
	Verbose             bool         `json:"verbose"`
}

type pingPayload struct {
	Timestamp int64 `json:"ts"`
}

type markAsReadPayload struct {
	DialogueID string `json:"dialogueId"`
	MessageID  string `json:"messageId"`
}

// ============================================================================
// Entity payloads
// ============================================================================

// flexID accepts ids encoded either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
	case '{', '[':
		// Not an id; leave empty.
	default:
		*f = flexID(string(data))
	}
	return nil
}

func toStrings(ids []flexID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, string(id))
		}
	}
	return out
}

type avatarPayload struct {
	ID          *string  `json:"id"`
	Accessories []string `json:"accessories"`
}

type userPayload struct {
	ID            flexID         `json:"id"`
	DisplayName   *string        `json:"displayName"`
	Username      *string        `json:"username"`
	Avatar        *avatarPayload `json:"avatar"`
	Karma         *int           `json:"karma"`
	Activity      *string        `json:"activity"`
	Gender        *string        `json:"gender"`
	Age           *int           `json:"age"`
	Language      *string        `json:"language"`
	Superpowers   *uint32        `json:"superpowers"`
	Mood          *string        `json:"mood"`
	BlockedBy     []string       `json:"blockedBy"`
	FriendCount   *int           `json:"friendCount"`
	LikesReceived *int           `json:"likesReceived"`
}

type dialoguePayload struct {
	ID             flexID         `json:"id"`
	Type           *string        `json:"type"`
	Title          *string        `json:"title"`
	Founder        *userPayload   `json:"founder"`
	FounderID      *flexID        `json:"founderId"`
	Admins         []flexID       `json:"admins"`
	Flags          *uint32        `json:"flags"`
	Members        []*userPayload `json:"members"`
	Categories     []string       `json:"categories"`
	Moderators     []flexID       `json:"moderators"`
	MinKarma       *int           `json:"minKarma"`
	ContentFilters []string       `json:"contentFilters"`
}

type giftPayload struct {
	ID    flexID  `json:"id"`
	Name  *string `json:"name"`
	Karma *int    `json:"karma"`
}

// messagePayload is the API representation of a message, as returned by
// send/edit/fetch endpoints.
type messagePayload struct {
	ID          flexID         `json:"id"`
	DialogueID  flexID         `json:"dialogueId"`
	SenderID    flexID         `json:"senderId"`
	Sender      *userPayload   `json:"sender"`
	Text        *string        `json:"text"`
	Sticker     *string        `json:"sticker"`
	Media       *string        `json:"media"`
	CreatedAt   *wireTime      `json:"createdAt"`
	UpdatedAt   *wireTime      `json:"updatedAt"`
	ReferenceID *flexID        `json:"referenceId"`
	Reactions   map[string]int `json:"reactions"`
	Deleted     *bool          `json:"deleted"`
	System      *bool          `json:"system"`
	Gift        *giftPayload   `json:"gift"`
}

type callRoomPayload struct {
	ID           flexID   `json:"id"`
	Participants []flexID `json:"participants"`
	Active       *bool    `json:"active"`
}

type karmaTaskPayload struct {
	ID          flexID    `json:"id"`
	Title       *string   `json:"title"`
	Progress    *int      `json:"progress"`
	Goal        *int      `json:"goal"`
	Reward      *int      `json:"reward"`
	AvailableAt *wireTime `json:"availableAt"`
}

type friendRequestPayload struct {
	User      *userPayload `json:"user"`
	UserID    flexID       `json:"userId"`
	Direction string       `json:"direction"`
	CreatedAt *wireTime    `json:"createdAt"`
}

// wireTime accepts RFC 3339 strings or unix milliseconds. Unparseable
// values decode to the zero time.
type wireTime struct{ time.Time }

func (t *wireTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed
		}
		return nil
	}
	if ms, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
	}
	return nil
}

// ============================================================================
// Raw events
// ============================================================================

// rawEvent is one element of a MESSAGE frame's message list, flattened.
type rawEvent map[string]json.RawMessage

// parseRawEvent decodes an event and merges its body and header objects
// into the top level. Nested fields win over top-level ones.
func parseRawEvent(data []byte) (rawEvent, error) {
	var ev rawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	for _, key := range []string{"header", "body"} {
		var nested map[string]json.RawMessage
		if !ev.object(key, &nested) {
			continue
		}
		delete(ev, key)
		for k, v := range nested {
			ev[k] = v
		}
	}
	return ev, nil
}

func (e rawEvent) has(key string) bool {
	v, ok := e[key]
	return ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// str returns a string field; numbers are returned in their decimal form.
func (e rawEvent) str(key string) string {
	if !e.has(key) {
		return ""
	}
	var id flexID
	if err := id.UnmarshalJSON(e[key]); err != nil {
		return ""
	}
	return string(id)
}

func (e rawEvent) boolean(key string) bool {
	var b bool
	if e.has(key) && json.Unmarshal(e[key], &b) == nil {
		return b
	}
	return false
}

func (e rawEvent) integer(key string) (int, bool) {
	var n int
	if e.has(key) && json.Unmarshal(e[key], &n) == nil {
		return n, true
	}
	return 0, false
}

// object decodes key into dst when it holds a JSON object.
func (e rawEvent) object(key string, dst any) bool {
	v := bytes.TrimSpace(e[key])
	if len(v) == 0 || v[0] != '{' {
		return false
	}
	return json.Unmarshal(v, dst) == nil
}

func (e rawEvent) time(key string) time.Time {
	var t wireTime
	if e.has(key) && t.UnmarshalJSON(e[key]) == nil {
		return t.Time
	}
	return time.Time{}
}

// decode re-reads the flattened event into a payload struct. Fields with
// mismatched JSON types are skipped.
func (e rawEvent) decode(dst any) {
	data, err := json.Marshal(map[string]json.RawMessage(e))
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, dst)
}
