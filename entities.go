package karmachat

import (
	"sort"
	"time"
)

// TombstoneContent is the content value the backend writes into a message
// when it has been deleted.
const TombstoneContent = "*****"

// ============================================================================
// Users
// ============================================================================

// Superpowers is the bitset of paid account features.
type Superpowers uint32

const (
	SuperpowerInvisible Superpowers = 1 << iota
	SuperpowerUnlimitedLikes
	SuperpowerReadReceipts
	SuperpowerBadge
)

// Has reports whether every bit of p is set.
func (s Superpowers) Has(p Superpowers) bool { return s&p == p }

// Avatar is a user's avatar with its accessory set.
type Avatar struct {
	ID          string
	Accessories []string
}

// User is a cached account. Fields are merged from partial payloads and are
// never reset to zero by a payload that omits them.
type User struct {
	ID            string
	DisplayName   string
	Username      string
	Avatar        Avatar
	Karma         int
	Activity      string
	Gender        string
	Age           int
	Language      string
	Superpowers   Superpowers
	Mood          string
	BlockedBy     map[string]struct{}
	FriendCount   int
	LikesReceived int

	// Blocked is set when the current user blocked this user.
	Blocked bool
	// BlockedMe is set when this user blocked the current user.
	BlockedMe bool
}

func newUser(id string) *User {
	return &User{ID: id, BlockedBy: make(map[string]struct{})}
}

func (u *User) patch(p *userPayload) {
	if p == nil {
		return
	}
	if p.DisplayName != nil {
		u.DisplayName = *p.DisplayName
	}
	if p.Username != nil {
		u.Username = *p.Username
	}
	if p.Avatar != nil {
		if p.Avatar.ID != nil {
			u.Avatar.ID = *p.Avatar.ID
		}
		if p.Avatar.Accessories != nil {
			u.Avatar.Accessories = append([]string(nil), p.Avatar.Accessories...)
		}
	}
	if p.Karma != nil {
		u.Karma = *p.Karma
	}
	if p.Activity != nil {
		u.Activity = *p.Activity
	}
	if p.Gender != nil {
		u.Gender = *p.Gender
	}
	if p.Age != nil {
		u.Age = *p.Age
	}
	if p.Language != nil {
		u.Language = *p.Language
	}
	if p.Superpowers != nil {
		u.Superpowers = Superpowers(*p.Superpowers)
	}
	if p.Mood != nil {
		u.Mood = *p.Mood
	}
	if p.BlockedBy != nil {
		u.BlockedBy = make(map[string]struct{}, len(p.BlockedBy))
		for _, id := range p.BlockedBy {
			u.BlockedBy[id] = struct{}{}
		}
	}
	if p.FriendCount != nil {
		u.FriendCount = *p.FriendCount
	}
	if p.LikesReceived != nil {
		u.LikesReceived = *p.LikesReceived
	}
}

// ============================================================================
// Dialogues
// ============================================================================

// DialogueType discriminates private conversations from group rooms.
type DialogueType string

const (
	DialoguePrivate DialogueType = "PRIVATE"
	DialogueGroup   DialogueType = "GROUP"
	DialoguePublic  DialogueType = "PUBLIC"
)

// DialogueFlags is the dialogue settings bitfield.
type DialogueFlags uint32

const (
	FlagReadOnly DialogueFlags = 1 << iota
	FlagHidden
	FlagNSFW
	FlagSlowMode
)

// GroupInfo holds the fields only group and public dialogues carry.
type GroupInfo struct {
	Categories     []string
	Moderators     map[string]struct{}
	MinKarma       int
	ContentFilters []string
}

// Dialogue is a conversation channel.
type Dialogue struct {
	ID          string
	Type        DialogueType
	Title       string
	Founder     *User
	Admins      map[string]struct{}
	Flags       DialogueFlags
	Members     map[string]*User
	Messages    *MessageHistory
	LastMessage *Message

	// Group is nil for private dialogues.
	Group *GroupInfo
}

// IsGroup reports whether d is a group or public room.
func (d *Dialogue) IsGroup() bool {
	return d.Type == DialogueGroup || d.Type == DialoguePublic
}

// IsAdmin reports whether userID administers d.
func (d *Dialogue) IsAdmin(userID string) bool {
	_, ok := d.Admins[userID]
	return ok
}

// ============================================================================
// Messages
// ============================================================================

// MessageKind discriminates message subtypes.
type MessageKind string

const (
	KindRegular MessageKind = "regular"
	KindSystem  MessageKind = "system"
	KindGift    MessageKind = "gift"
)

// Gift is a purchasable artifact sent as a special message.
type Gift struct {
	ID       string
	Name     string
	Karma    int
	Sender   *User
	Receiver *User
}

// Message is a cached message. Gift messages carry a non-nil Gift.
type Message struct {
	ID          string
	ChannelID   string
	Dialogue    *Dialogue
	Author      *User
	Kind        MessageKind
	Content     string
	Sticker     string
	Media       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ReferenceID string
	Reactions   map[string]int
	Deleted     bool

	// OldContent is the content before the first update; nil until then.
	OldContent *string

	Gift *Gift

	// stub is set for placeholders created before the message itself
	// arrived, e.g. by a reaction.
	stub bool
}

func newMessage(id string) *Message {
	return &Message{ID: id, Kind: KindRegular, Reactions: make(map[string]int)}
}

// HasContent reports whether the message carries text.
func (m *Message) HasContent() bool { return m.Content != "" && !m.Deleted }

// HasMedia reports whether the message carries a sticker or media reference.
func (m *Message) HasMedia() bool { return m.Sticker != "" || m.Media != "" }

// HasReactions reports whether anyone reacted to the message.
func (m *Message) HasReactions() bool { return len(m.Reactions) > 0 }

// IsGift reports whether m is a gift message.
func (m *Message) IsGift() bool { return m.Kind == KindGift && m.Gift != nil }

// setContent applies new content, taking the OldContent snapshot once.
func (m *Message) setContent(content string) {
	if m.OldContent == nil {
		old := m.Content
		m.OldContent = &old
	}
	m.Content = content
}

// clone returns a copy detached from future patches.
func (m *Message) clone() *Message {
	c := *m
	c.Reactions = make(map[string]int, len(m.Reactions))
	for k, v := range m.Reactions {
		c.Reactions[k] = v
	}
	if m.OldContent != nil {
		old := *m.OldContent
		c.OldContent = &old
	}
	return &c
}

// ============================================================================
// Friend requests, call rooms, karma tasks
// ============================================================================

// RequestDirection tells who sent a friend request.
type RequestDirection string

const (
	RequestIncoming RequestDirection = "incoming"
	RequestOutgoing RequestDirection = "outgoing"
)

// FriendRequest is keyed by the counterpart user's id.
type FriendRequest struct {
	ID        string
	Direction RequestDirection
	User      *User
	CreatedAt time.Time
}

// CallRoom is a voice room attached to a dialogue.
type CallRoom struct {
	ID           string
	Dialogue     *Dialogue
	Participants map[string]*User
	Active       bool
}

// KarmaTask is a repeatable task that rewards karma.
type KarmaTask struct {
	ID          string
	Title       string
	Progress    int
	Goal        int
	Reward      int
	AvailableAt time.Time
}

// Completed reports whether the task goal has been reached.
func (t *KarmaTask) Completed() bool { return t.Goal > 0 && t.Progress >= t.Goal }

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
