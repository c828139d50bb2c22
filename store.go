package karmachat

// store is the instance-scoped set of entity caches owned by one Client.
// Entity fields are mutated only while the client mutex is held.
type store struct {
	historyLimit int

	users     *Cache[User]
	dialogues *Cache[Dialogue]
	requests  *Cache[FriendRequest]
	callRooms *Cache[CallRoom]
	tasks     *Cache[KarmaTask]

	// channelHistories holds messages that arrive without a dialogue,
	// keyed by channel id.
	channelHistories *Cache[MessageHistory]
}

func newStore(historyLimit int) *store {
	return &store{
		historyLimit:     historyLimit,
		users:            NewCache[User](),
		dialogues:        NewCache[Dialogue](),
		requests:         NewCache[FriendRequest](),
		callRooms:        NewCache[CallRoom](),
		tasks:            NewCache[KarmaTask](),
		channelHistories: NewCache[MessageHistory](),
	}
}

func (s *store) clear() {
	s.users.Clear()
	s.dialogues.Clear()
	s.requests.Clear()
	s.callRooms.Clear()
	s.tasks.Clear()
	s.channelHistories.Clear()
}

// ============================================================================
// Users
// ============================================================================

func (s *store) user(id string) *User {
	if id == "" {
		return nil
	}
	u, _ := s.users.GetOrCreate(id, func() *User { return newUser(id) })
	return u
}

func (s *store) upsertUser(p *userPayload) *User {
	if p == nil || p.ID == "" {
		return nil
	}
	u := s.user(string(p.ID))
	u.patch(p)
	return u
}

// ============================================================================
// Dialogues
// ============================================================================

func (s *store) dialogue(id string) (*Dialogue, bool) {
	return s.dialogues.GetOrCreate(id, func() *Dialogue {
		return &Dialogue{
			ID:       id,
			Type:     DialoguePrivate,
			Admins:   make(map[string]struct{}),
			Members:  make(map[string]*User),
			Messages: newMessageHistory(s.historyLimit),
		}
	})
}

func (s *store) upsertDialogue(p *dialoguePayload) *Dialogue {
	if p == nil || p.ID == "" {
		return nil
	}
	d, _ := s.dialogue(string(p.ID))
	s.patchDialogue(d, p)
	return d
}

func (s *store) patchDialogue(d *Dialogue, p *dialoguePayload) {
	if p.Type != nil {
		d.Type = DialogueType(*p.Type)
	}
	if p.Title != nil {
		d.Title = *p.Title
	}
	if p.Founder != nil {
		if u := s.upsertUser(p.Founder); u != nil {
			d.Founder = u
		}
	} else if p.FounderID != nil && *p.FounderID != "" {
		d.Founder = s.user(string(*p.FounderID))
	}
	if p.Admins != nil {
		d.Admins = make(map[string]struct{}, len(p.Admins))
		for _, id := range toStrings(p.Admins) {
			d.Admins[id] = struct{}{}
		}
	}
	if p.Flags != nil {
		d.Flags = DialogueFlags(*p.Flags)
	}
	for _, mp := range p.Members {
		if u := s.upsertUser(mp); u != nil {
			d.Members[u.ID] = u
		}
	}

	if !d.IsGroup() {
		return
	}
	if d.Group == nil {
		d.Group = &GroupInfo{Moderators: make(map[string]struct{})}
	}
	if p.Categories != nil {
		d.Group.Categories = append([]string(nil), p.Categories...)
	}
	if p.Moderators != nil {
		d.Group.Moderators = make(map[string]struct{}, len(p.Moderators))
		for _, id := range toStrings(p.Moderators) {
			d.Group.Moderators[id] = struct{}{}
		}
	}
	if p.MinKarma != nil {
		d.Group.MinKarma = *p.MinKarma
	}
	if p.ContentFilters != nil {
		d.Group.ContentFilters = append([]string(nil), p.ContentFilters...)
	}
}

// ============================================================================
// Messages
// ============================================================================

// history returns the message history for d, or for channelID when the
// message has no dialogue.
func (s *store) history(d *Dialogue, channelID string) *MessageHistory {
	if d != nil {
		return d.Messages
	}
	h, _ := s.channelHistories.GetOrCreate(channelID, func() *MessageHistory {
		return newMessageHistory(s.historyLimit)
	})
	return h
}

// findMessage looks a message up across every cached history.
func (s *store) findMessage(id string) *Message {
	var found *Message
	s.dialogues.Range(func(_ string, d *Dialogue) bool {
		if m, ok := d.Messages.Get(id); ok {
			found = m
			return false
		}
		return true
	})
	if found != nil {
		return found
	}
	s.channelHistories.Range(func(_ string, h *MessageHistory) bool {
		if m, ok := h.Get(id); ok {
			found = m
			return false
		}
		return true
	})
	return found
}

// patchMessage merges p into m. Content changes on an existing message go
// through setContent so the first edit snapshots OldContent.
func (s *store) patchMessage(m *Message, p *messagePayload, edit bool) {
	if p.Sender != nil {
		if u := s.upsertUser(p.Sender); u != nil {
			m.Author = u
		}
	} else if p.SenderID != "" && m.Author == nil {
		m.Author = s.user(string(p.SenderID))
	}
	if p.Text != nil {
		switch {
		case !edit:
			m.Content = *p.Text
		case *p.Text != m.Content:
			m.setContent(*p.Text)
		}
	}
	if p.Sticker != nil {
		m.Sticker = *p.Sticker
	}
	if p.Media != nil {
		m.Media = *p.Media
	}
	if p.CreatedAt != nil && !p.CreatedAt.IsZero() {
		m.CreatedAt = p.CreatedAt.Time
	}
	if p.UpdatedAt != nil && !p.UpdatedAt.IsZero() {
		m.UpdatedAt = p.UpdatedAt.Time
	}
	if p.ReferenceID != nil {
		m.ReferenceID = string(*p.ReferenceID)
	}
	if p.Reactions != nil {
		m.Reactions = make(map[string]int, len(p.Reactions))
		for emoji, n := range p.Reactions {
			m.Reactions[emoji] = n
		}
	}
	if p.Deleted != nil {
		m.Deleted = *p.Deleted
	}
	if p.System != nil && *p.System && m.Kind == KindRegular {
		m.Kind = KindSystem
	}
	if p.Gift != nil {
		m.Kind = KindGift
		if m.Gift == nil {
			m.Gift = &Gift{}
		}
		m.Gift.ID = string(p.Gift.ID)
		if p.Gift.Name != nil {
			m.Gift.Name = *p.Gift.Name
		}
		if p.Gift.Karma != nil {
			m.Gift.Karma = *p.Gift.Karma
		}
		if m.Gift.Sender == nil {
			m.Gift.Sender = m.Author
		}
	}
}

// addMessage inserts m into its history and keeps the dialogue's
// LastMessage pointing at the newest cached message.
func (s *store) addMessage(h *MessageHistory, m *Message) {
	h.Add(m)
	if m.Dialogue != nil {
		m.Dialogue.LastMessage = h.Latest()
	}
}

func (s *store) removeMessage(h *MessageHistory, m *Message) {
	h.Remove(m.ID)
	if m.Dialogue != nil {
		m.Dialogue.LastMessage = h.Latest()
	}
}

// ============================================================================
// Friend requests, call rooms, karma tasks
// ============================================================================

func (s *store) friendRequest(u *User, dir RequestDirection) (*FriendRequest, bool) {
	return s.requests.GetOrCreate(u.ID, func() *FriendRequest {
		return &FriendRequest{ID: u.ID, Direction: dir, User: u}
	})
}

func (s *store) callRoom(id string) *CallRoom {
	r, _ := s.callRooms.GetOrCreate(id, func() *CallRoom {
		return &CallRoom{ID: id, Participants: make(map[string]*User)}
	})
	return r
}

func (s *store) patchCallRoom(r *CallRoom, p *callRoomPayload) {
	if p.Participants != nil {
		r.Participants = make(map[string]*User, len(p.Participants))
		for _, id := range toStrings(p.Participants) {
			r.Participants[id] = s.user(id)
		}
	}
	if p.Active != nil {
		r.Active = *p.Active
	} else {
		r.Active = len(r.Participants) > 0
	}
}

func (s *store) karmaTask(id string) (*KarmaTask, bool) {
	return s.tasks.GetOrCreate(id, func() *KarmaTask { return &KarmaTask{ID: id} })
}

func patchKarmaTask(t *KarmaTask, p *karmaTaskPayload) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Progress != nil {
		t.Progress = *p.Progress
	}
	if p.Goal != nil {
		t.Goal = *p.Goal
	}
	if p.Reward != nil {
		t.Reward = *p.Reward
	}
	if p.AvailableAt != nil && !p.AvailableAt.IsZero() {
		t.AvailableAt = p.AvailableAt.Time
	}
}
