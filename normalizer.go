package karmachat

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// EventKind is the normalized classification of an inbound event.
type EventKind string

const (
	KindMessageCreate  EventKind = "message.create"
	KindMessageUpdate  EventKind = "message.update"
	KindMessageDelete  EventKind = "message.delete"
	KindReactionAdd    EventKind = "message.reaction"
	KindGiftCreate     EventKind = "gift.create"
	KindFriendRequest  EventKind = "friend.request"
	KindChannelBan     EventKind = "channel.ban"
	KindMemberAdd      EventKind = "channel.member_add"
	KindBlocked        EventKind = "user.blocked"
	KindUnblocked      EventKind = "user.unblocked"
	KindKarmaTask      EventKind = "karma.task"
	KindCallRoomUpdate EventKind = "call.room"
	KindNotification   EventKind = "notification"
)

// explicitKinds maps the wire "type" field onto kinds. A type missing here
// is kept verbatim and later reported as unrecognized.
var explicitKinds = map[string]EventKind{
	"MESSAGE":        KindMessageCreate,
	"MESSAGE_UPDATE": KindMessageUpdate,
	"MESSAGE_DELETE": KindMessageDelete,
	"REACTION":       KindReactionAdd,
	"GIFT":           KindGiftCreate,
	"FRIEND_REQUEST": KindFriendRequest,
	"BAN":            KindChannelBan,
	"MEMBER_ADD":     KindMemberAdd,
	"BLOCK":          KindBlocked,
	"UNBLOCK":        KindUnblocked,
	"KARMA_TASK":     KindKarmaTask,
	"CALL_ROOM":      KindCallRoomUpdate,
	"NOTIFICATION":   KindNotification,
}

// NormalizedEvent is an inbound event with every overloaded field resolved
// to a cached entity.
type NormalizedEvent struct {
	Kind       EventKind
	ChannelID  string
	DialogueID string
	IsPrivate  bool

	Dialogue *Dialogue
	Sender   *User
	Receiver *User
	Liker    *User
	// Message is the cached message the event refers to. It is nil for
	// message creates that are not cached yet.
	Message *Message

	Raw json.RawMessage
	raw rawEvent
}

// classify picks exactly one kind. Precedence: explicit type, then
// block/unblock, then message create/update/delete, then channel ban,
// then gift.
func classify(ev rawEvent) EventKind {
	if t := ev.str("type"); t != "" {
		if k, ok := explicitKinds[t]; ok {
			return k
		}
		return EventKind(t)
	}
	if (ev.has("whom") || ev.has("by")) && ev.has("blocked") {
		if ev.boolean("blocked") {
			return KindBlocked
		}
		return KindUnblocked
	}
	if ev.has("text") {
		switch {
		case ev.str("text") == TombstoneContent:
			return KindMessageDelete
		case ev.boolean("update"):
			return KindMessageUpdate
		default:
			return KindMessageCreate
		}
	}
	if ev.has("bannedIn") {
		return KindChannelBan
	}
	if ev.has("gift") {
		return KindGiftCreate
	}
	return ""
}

// dialogueIDOf derives the dialogue an event belongs to.
func dialogueIDOf(ev rawEvent, channelID, privateChannelID string) string {
	if id := ev.str("dialogueId"); id != "" {
		return id
	}
	var embedded struct {
		ID flexID `json:"id"`
	}
	if ev.object("dialogue", &embedded) && embedded.ID != "" {
		return string(embedded.ID)
	}
	if id := ev.str("bannedIn"); id != "" {
		return id
	}
	if channelID != "" && channelID != privateChannelID {
		return channelID
	}
	return ""
}

// ============================================================================
// Normalizer
// ============================================================================

type channelLeaver interface {
	Unsubscribe(ctx context.Context, channelID string) error
}

// normalizer turns raw events into NormalizedEvents. Cache writes happen
// under mu; dialogue fetches happen outside it.
type normalizer struct {
	store     *store
	api       Requester
	channels  channelLeaver
	log       zerolog.Logger
	mu        *sync.Mutex
	destroyed func() bool
	identity  func() (userID, privateChannelID string)
}

func (n *normalizer) normalize(ctx context.Context, channelID string, data json.RawMessage) (*NormalizedEvent, error) {
	ev, err := parseRawEvent(data)
	if err != nil {
		return nil, errors.Wrap(errEventDropped, "malformed event")
	}

	_, privateChannelID := n.identity()
	ne := &NormalizedEvent{
		Kind:       classify(ev),
		ChannelID:  channelID,
		DialogueID: dialogueIDOf(ev, channelID, privateChannelID),
		IsPrivate:  channelID != "" && channelID == privateChannelID,
		Raw:        data,
		raw:        ev,
	}

	var fetched *dialoguePayload
	if ne.DialogueID != "" {
		if _, ok := n.store.dialogues.Get(ne.DialogueID); !ok {
			fetched, err = fetchDialogue(ctx, n.api, ne.DialogueID)
			if err != nil {
				if isNotFound(err) {
					if channelID != privateChannelID {
						if uerr := n.channels.Unsubscribe(ctx, channelID); uerr != nil {
							n.log.Debug().Err(uerr).Str("channel", channelID).Msg("unsubscribe failed")
						}
					}
					return nil, errors.Wrapf(errEventDropped, "dialogue %s unavailable", ne.DialogueID)
				}
				n.log.Warn().Err(err).Str("dialogue", ne.DialogueID).Msg("dialogue fetch failed, using stub")
			}
		}
	}

	users := n.fetchUsers(ctx, ev, ne.Kind)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.destroyed() {
		return nil, ErrDestroyed
	}
	for _, p := range users {
		n.store.user(string(p.ID)).patch(p)
	}

	if ne.DialogueID != "" {
		d, _ := n.store.dialogue(ne.DialogueID)
		if fetched != nil {
			n.store.patchDialogue(d, fetched)
		}
		var inline dialoguePayload
		if ev.object("dialogue", &inline) {
			n.store.patchDialogue(d, &inline)
		}
		ne.Dialogue = d
	}

	ne.Sender = n.resolveUser(ev, "senderId", "sender")
	ne.Receiver = n.resolveUser(ev, "receiverId", "receiver")
	if ne.Kind == KindGiftCreate {
		if ne.Receiver == nil {
			ne.Receiver = n.resolveUser(ev, "userId", "user")
		}
	} else if ne.Sender == nil {
		ne.Sender = n.resolveUser(ev, "userId", "user")
	}
	ne.Liker = n.resolveUser(ev, "likerId", "liker")
	ne.Message = n.resolveMessage(ne)
	return ne, nil
}

// userRoles lists the id and inline object keys a user can be referenced by.
var userRoles = [][2]string{
	{"senderId", "sender"},
	{"receiverId", "receiver"},
	{"userId", "user"},
	{"likerId", "liker"},
}

// fetchUsers loads every referenced user that is neither cached nor carried
// inline. Failed lookups are skipped; resolveUser falls back to a stub.
func (n *normalizer) fetchUsers(ctx context.Context, ev rawEvent, kind EventKind) []*userPayload {
	var out []*userPayload
	seen := make(map[string]bool)
	for _, role := range userRoles {
		var inline userPayload
		if ev.object(role[1], &inline) {
			continue
		}
		id := ev.str(role[0])
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := n.store.users.Get(id); ok {
			continue
		}
		p, err := fetchUser(ctx, n.api, id)
		if err != nil {
			n.log.Debug().Err(err).Str("user", id).Str("kind", string(kind)).Msg("user fetch failed, using stub")
			continue
		}
		out = append(out, p)
	}
	return out
}

func fetchUser(ctx context.Context, r Requester, id string) (*userPayload, error) {
	p, err := call[userPayload](ctx, r, "/users/get", map[string]any{"id": id})
	if err != nil {
		return nil, errors.Wrapf(err, "fetch user %s", id)
	}
	if p.ID == "" {
		p.ID = flexID(id)
	}
	return p, nil
}

func (n *normalizer) resolveUser(ev rawEvent, idKey, objectKey string) *User {
	var p userPayload
	inline := ev.object(objectKey, &p)
	id := ev.str(idKey)
	if id == "" && inline {
		id = string(p.ID)
	}
	if id == "" {
		return nil
	}
	u := n.store.user(id)
	if inline && (p.ID == "" || string(p.ID) == id) {
		u.patch(&p)
	}
	return u
}

// resolveMessage returns the cached message an event refers to. Reactions
// to uncached messages get a stub so the reaction is not lost; the stub is
// completed by the message's create.
func (n *normalizer) resolveMessage(ne *NormalizedEvent) *Message {
	id := ne.raw.str("messageId")
	if id == "" && ne.Kind != KindReactionAdd {
		id = ne.raw.str("id")
	}
	if id == "" {
		return nil
	}
	h := n.store.history(ne.Dialogue, ne.ChannelID)
	if m, ok := h.Get(id); ok {
		return m
	}
	if ne.Kind != KindReactionAdd {
		return nil
	}
	m := newMessage(id)
	m.ChannelID = ne.ChannelID
	m.Dialogue = ne.Dialogue
	m.stub = true
	n.store.addMessage(h, m)
	return m
}

func fetchDialogue(ctx context.Context, r Requester, id string) (*dialoguePayload, error) {
	p, err := call[dialoguePayload](ctx, r, "/dialogues/get", map[string]string{"id": id})
	if err != nil {
		return nil, errors.Wrapf(err, "fetch dialogue %s", id)
	}
	if p.ID == "" {
		p.ID = flexID(id)
	}
	return p, nil
}
