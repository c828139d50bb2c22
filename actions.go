package karmachat

import (
	"context"

	"github.com/forPelevin/gomoji"
	"github.com/pkg/errors"
)

// ============================================================================
// Messages
// ============================================================================

// SendOptions are optional fields of an outgoing message.
type SendOptions struct {
	ReferenceID string
	Sticker     string
	Media       string
}

// SendMessage posts a message and caches the result. The gateway echo of
// the same message is not surfaced again as messageCreate.
func (c *Client) SendMessage(ctx context.Context, dialogueID, text string, opts *SendOptions) (*Message, error) {
	body := map[string]any{"dialogueId": dialogueID, "text": text}
	if opts != nil {
		if opts.ReferenceID != "" {
			body["referenceId"] = opts.ReferenceID
		}
		if opts.Sticker != "" {
			body["sticker"] = opts.Sticker
		}
		if opts.Media != "" {
			body["media"] = opts.Media
		}
	}
	p, err := c.request(ctx, "/dialogues/messages/send", body)
	if err != nil {
		return nil, errors.Wrap(err, "send message")
	}
	return c.applyMessageResult(p, dialogueID, false)
}

// EditMessage changes a message's text.
func (c *Client) EditMessage(ctx context.Context, dialogueID, messageID, text string) (*Message, error) {
	p, err := c.request(ctx, "/dialogues/messages/edit", map[string]any{
		"dialogueId": dialogueID,
		"messageId":  messageID,
		"text":       text,
	})
	if err != nil {
		return nil, errors.Wrap(err, "edit message")
	}
	if p.ID == "" {
		p.ID = flexID(messageID)
	}
	if p.Text == nil {
		p.Text = &text
	}
	return c.applyMessageResult(p, dialogueID, true)
}

// DeleteMessage deletes a message and drops it from the cache.
func (c *Client) DeleteMessage(ctx context.Context, dialogueID, messageID string) error {
	if err := c.simple(ctx, "/dialogues/messages/delete", map[string]any{
		"dialogueId": dialogueID,
		"messageId":  messageID,
	}); err != nil {
		return errors.Wrap(err, "delete message")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}
	if d, ok := c.store.dialogues.Get(dialogueID); ok {
		if m, ok := d.Messages.Get(messageID); ok {
			m.Deleted = true
			c.store.removeMessage(d.Messages, m)
		}
	}
	return nil
}

// ValidateReaction checks that reaction is exactly one emoji and nothing
// else.
func ValidateReaction(reaction string) error {
	emojis := gomoji.CollectAll(reaction)
	if len(emojis) != 1 || emojis[0].Character != reaction {
		return ErrInvalidReaction
	}
	return nil
}

// React adds an emoji reaction to a message.
func (c *Client) React(ctx context.Context, dialogueID, messageID, emoji string) error {
	if err := ValidateReaction(emoji); err != nil {
		return err
	}
	if err := c.simple(ctx, "/dialogues/messages/react", map[string]any{
		"dialogueId": dialogueID,
		"messageId":  messageID,
		"emoji":      emoji,
	}); err != nil {
		return errors.Wrap(err, "react")
	}
	return nil
}

// MarkAsRead sends an acknowledged MARK_AS_READ command and returns its
// correlation id; Session.Pending reports whether it was acknowledged.
func (c *Client) MarkAsRead(ctx context.Context, dialogueID, messageID string) (string, error) {
	if err := c.checkAlive(); err != nil {
		return "", err
	}
	return c.session.Send(ctx, OpMarkAsRead, markAsReadPayload{DialogueID: dialogueID, MessageID: messageID}, true)
}

// FetchMessage loads one message through the API and caches it.
func (c *Client) FetchMessage(ctx context.Context, dialogueID, messageID string) (*Message, error) {
	p, err := c.request(ctx, "/messages/get", map[string]any{
		"dialogueId": dialogueID,
		"messageId":  messageID,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "fetch message %s", messageID)
	}
	if p.ID == "" {
		p.ID = flexID(messageID)
	}
	return c.applyMessageResult(p, dialogueID, false)
}

// ResolveReference returns the message m replies to, from the cache when
// possible. It returns nil when m is not a reply.
func (c *Client) ResolveReference(ctx context.Context, m *Message) (*Message, error) {
	if m.ReferenceID == "" {
		return nil, nil
	}
	if ref := c.store.findMessage(m.ReferenceID); ref != nil {
		return ref, nil
	}
	dialogueID := ""
	if m.Dialogue != nil {
		dialogueID = m.Dialogue.ID
	}
	return c.FetchMessage(ctx, dialogueID, m.ReferenceID)
}

func (c *Client) request(ctx context.Context, path string, body any) (*messagePayload, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	p, err := call[messagePayload](ctx, c.api, path, body)
	if err != nil {
		c.metrics.observeAPIError(err)
		return nil, err
	}
	return p, nil
}

// applyMessageResult caches a message returned by the API. Results arriving
// after Destroy are discarded.
func (c *Client) applyMessageResult(p *messagePayload, dialogueID string, edit bool) (*Message, error) {
	if p.DialogueID != "" {
		dialogueID = string(p.DialogueID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, ErrDestroyed
	}

	var d *Dialogue
	if dialogueID != "" {
		d, _ = c.store.dialogue(dialogueID)
	}
	h := c.store.history(d, dialogueID)
	id := string(p.ID)

	m, ok := h.Get(id)
	if !ok {
		m = newMessage(id)
		m.Dialogue = d
		m.ChannelID = dialogueID
		if p.Sender == nil && p.SenderID == "" {
			m.Author = c.me
		}
		edit = false
	}
	c.store.patchMessage(m, p, edit)
	if !ok {
		c.store.addMessage(h, m)
		if d != nil {
			c.lastSeen[d.ID] = id
		}
	}
	return m, nil
}

// ============================================================================
// Moderation and relationships
// ============================================================================

// Ban removes a user from a group dialogue.
func (c *Client) Ban(ctx context.Context, dialogueID, userID string) error {
	if err := c.simple(ctx, "/dialogues/ban", map[string]any{"dialogueId": dialogueID, "userId": userID}); err != nil {
		return errors.Wrap(err, "ban")
	}
	c.mu.Lock()
	if d, ok := c.store.dialogues.Get(dialogueID); ok {
		delete(d.Members, userID)
	}
	c.mu.Unlock()
	return nil
}

// Block blocks a user.
func (c *Client) Block(ctx context.Context, userID string) error {
	if err := c.simple(ctx, "/users/block", map[string]any{"userId": userID}); err != nil {
		return errors.Wrap(err, "block")
	}
	c.setBlocked(userID, true)
	return nil
}

// Unblock lifts a block.
func (c *Client) Unblock(ctx context.Context, userID string) error {
	if err := c.simple(ctx, "/users/unblock", map[string]any{"userId": userID}); err != nil {
		return errors.Wrap(err, "unblock")
	}
	c.setBlocked(userID, false)
	return nil
}

func (c *Client) setBlocked(userID string, blocked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.destroyed {
		c.store.user(userID).Blocked = blocked
	}
}

// Like likes a user's profile and returns the refreshed user.
func (c *Client) Like(ctx context.Context, userID string) (*User, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	p, err := call[userPayload](ctx, c.api, "/users/like", map[string]any{"userId": userID})
	if err != nil {
		c.metrics.observeAPIError(err)
		return nil, errors.Wrap(err, "like")
	}
	if p.ID == "" {
		p.ID = flexID(userID)
	}
	return c.applyUser(p)
}

// FetchUser loads a user through the API and merges it into the cache.
func (c *Client) FetchUser(ctx context.Context, userID string) (*User, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	p, err := fetchUser(ctx, c.api, userID)
	if err != nil {
		c.metrics.observeAPIError(err)
		return nil, err
	}
	return c.applyUser(p)
}

func (c *Client) applyUser(p *userPayload) (*User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, ErrDestroyed
	}
	return c.store.upsertUser(p), nil
}

// FetchDialogue loads a dialogue through the API and merges it into the
// cache.
func (c *Client) FetchDialogue(ctx context.Context, dialogueID string) (*Dialogue, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	p, err := fetchDialogue(ctx, c.api, dialogueID)
	if err != nil {
		c.metrics.observeAPIError(err)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, ErrDestroyed
	}
	return c.store.upsertDialogue(p), nil
}

func (c *Client) simple(ctx context.Context, path string, body any) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	if _, err := c.api.Request(ctx, path, body, true); err != nil {
		c.metrics.observeAPIError(err)
		return err
	}
	return nil
}

// ============================================================================
// Friend requests
// ============================================================================

// FetchFriendRequests loads pending requests in both directions and
// replaces the cached set with them.
func (c *Client) FetchFriendRequests(ctx context.Context) ([]*FriendRequest, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	list, err := call[[]friendRequestPayload](ctx, c.api, "/friends/requests", nil)
	if err != nil {
		c.metrics.observeAPIError(err)
		return nil, errors.Wrap(err, "fetch friend requests")
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}
	c.store.requests.Clear()
	for i := range *list {
		rp := &(*list)[i]
		u := c.store.upsertUser(rp.User)
		if u == nil {
			u = c.store.user(string(rp.UserID))
		}
		if u == nil {
			continue
		}
		dir := RequestDirection(rp.Direction)
		if dir != RequestOutgoing {
			dir = RequestIncoming
		}
		req, _ := c.store.friendRequest(u, dir)
		req.Direction = dir
		if rp.CreatedAt != nil {
			req.CreatedAt = rp.CreatedAt.Time
		}
	}
	c.mu.Unlock()
	return c.FriendRequests(), nil
}

// SendFriendRequest asks userID to become a friend.
func (c *Client) SendFriendRequest(ctx context.Context, userID string) (*FriendRequest, error) {
	if err := c.simple(ctx, "/friends/send", map[string]any{"userId": userID}); err != nil {
		return nil, errors.Wrap(err, "send friend request")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, ErrDestroyed
	}
	req, _ := c.store.friendRequest(c.store.user(userID), RequestOutgoing)
	return req, nil
}

// AcceptFriendRequest accepts the incoming request from userID.
func (c *Client) AcceptFriendRequest(ctx context.Context, userID string) error {
	if err := c.simple(ctx, "/friends/accept", map[string]any{"userId": userID}); err != nil {
		return errors.Wrap(err, "accept friend request")
	}
	c.mu.Lock()
	c.store.requests.Delete(userID)
	if c.me != nil {
		c.me.FriendCount++
	}
	c.mu.Unlock()
	return nil
}

// RejectFriendRequest rejects the incoming request from userID.
func (c *Client) RejectFriendRequest(ctx context.Context, userID string) error {
	if err := c.simple(ctx, "/friends/reject", map[string]any{"userId": userID}); err != nil {
		return errors.Wrap(err, "reject friend request")
	}
	c.store.requests.Delete(userID)
	return nil
}

// CancelFriendRequest withdraws the outgoing request to userID.
func (c *Client) CancelFriendRequest(ctx context.Context, userID string) error {
	if err := c.simple(ctx, "/friends/cancel", map[string]any{"userId": userID}); err != nil {
		return errors.Wrap(err, "cancel friend request")
	}
	c.store.requests.Delete(userID)
	return nil
}
