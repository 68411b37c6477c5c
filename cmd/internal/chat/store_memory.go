package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatrooms/cmd/identity"
)

// MemoryStore is the dev fallback when no database is configured. The global conversation is
// seeded on construction. User rows come from the injected directory.
type MemoryStore struct {
	users UserDirectory

	mu       sync.Mutex
	nextConv int64
	nextMsg  int64
	convs    map[int64]*memConv
}

type memConv struct {
	conv     Conversation
	members  map[int64]memMember
	msgs     []Message
	tokens   map[tokenKey]int
	receipts map[int64]map[int64]*Receipt // message id -> user id
}

type memMember struct {
	role     Role
	joinedAt time.Time
	seq      int64
}

type tokenKey struct {
	sender int64
	token  string
}

func NewMemoryStore(users UserDirectory) *MemoryStore {
	now := time.Now().UTC()
	name := "Global Chat"
	s := &MemoryStore{
		users:    users,
		nextConv: GlobalConversationID + 1,
		nextMsg:  1,
		convs:    make(map[int64]*memConv),
	}
	s.convs[GlobalConversationID] = newMemConv(Conversation{
		ID:        GlobalConversationID,
		Name:      &name,
		IsGlobal:  true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return s
}

func newMemConv(c Conversation) *memConv {
	return &memConv{
		conv:     c,
		members:  make(map[int64]memMember),
		tokens:   make(map[tokenKey]int),
		receipts: make(map[int64]map[int64]*Receipt),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, notFound("chat.GetConversation", "conversation not found")
	}
	return c.conv, nil
}

func (s *MemoryStore) GetMember(ctx context.Context, conversationID, userID int64) (Member, error) {
	const op = "chat.GetMember"
	if err := ctx.Err(); err != nil {
		return Member{}, err
	}
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	var m memMember
	if ok {
		m, ok = c.members[userID]
	}
	s.mu.Unlock()
	if !ok {
		return Member{}, notFound(op, "membership not found")
	}
	return s.member(ctx, userID, m)
}

func (s *MemoryStore) ListMembers(ctx context.Context, conversationID int64) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, notFound("chat.ListMembers", "conversation not found")
	}
	ids := c.orderedMembers()
	rows := make([]memMember, len(ids))
	for i, id := range ids {
		rows[i] = c.members[id]
	}
	s.mu.Unlock()

	out := make([]Member, 0, len(ids))
	for i, id := range ids {
		m, err := s.member(ctx, id, rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) member(ctx context.Context, userID int64, m memMember) (Member, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return Member{}, err
	}
	return Member{
		UserID:         u.ID,
		Username:       u.Username,
		ProfilePicture: u.ProfilePicture,
		Role:           m.role,
		JoinedAt:       m.joinedAt,
	}, nil
}

// orderedMembers returns member ids oldest first.
func (c *memConv) orderedMembers() []int64 {
	ids := make([]int64, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return c.members[ids[i]].seq < c.members[ids[j]].seq })
	return ids
}

func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendInput) (Message, bool, error) {
	const op = "chat.AppendMessage"
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return Message{}, false, notFound(op, "conversation not found")
	}
	if in.SenderID != nil {
		if !CanAccess(c.conv, c.members[*in.SenderID].role) {
			return Message{}, false, forbidden(op, "not a member of this conversation")
		}
		if in.ClientToken != "" {
			if i, dup := c.tokens[tokenKey{*in.SenderID, in.ClientToken}]; dup {
				return c.msgs[i], true, nil
			}
		}
	}
	m, err := s.appendLocked(ctx, c, in)
	return m, false, err
}

// appendLocked writes a message and its receipts. The caller holds s.mu.
func (s *MemoryStore) appendLocked(ctx context.Context, c *memConv, in AppendInput) (Message, error) {
	const op = "chat.AppendMessage"

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if n := len(c.msgs); n > 0 && c.msgs[n-1].CreatedAt.After(now) {
		now = c.msgs[n-1].CreatedAt
	}

	msg := Message{
		Text:           in.Text,
		Type:           in.Type,
		ConversationID: c.conv.ID,
		CreatedAt:      now,
		ClientToken:    in.ClientToken,
	}
	if in.SenderID != nil {
		u, err := s.users.GetUser(ctx, *in.SenderID)
		if err != nil {
			if identity.IsNotFound(err) {
				return Message{}, notFound(op, "sender not found")
			}
			return Message{}, err
		}
		id := u.ID
		msg.SenderID = &id
		msg.Sender = senderOf(u)
	}

	audience, err := s.audienceLocked(ctx, c)
	if err != nil {
		return Message{}, err
	}

	msg.ID = s.nextMsg
	s.nextMsg++

	rs := make(map[int64]*Receipt, len(audience))
	for _, uid := range audience {
		r := &Receipt{MessageID: msg.ID, UserID: uid}
		if msg.SenderID != nil && *msg.SenderID == uid {
			at := now
			r.IsRead, r.ReadAt = true, &at
		}
		rs[uid] = r
	}
	c.receipts[msg.ID] = rs
	c.msgs = append(c.msgs, msg)
	if msg.SenderID != nil && msg.ClientToken != "" {
		c.tokens[tokenKey{*msg.SenderID, msg.ClientToken}] = len(c.msgs) - 1
	}
	c.conv.UpdatedAt = now
	return msg, nil
}

func (s *MemoryStore) audienceLocked(ctx context.Context, c *memConv) ([]int64, error) {
	if !c.conv.IsGlobal {
		return c.orderedMembers(), nil
	}
	users, err := s.users.ListUsers(ctx, identity.ListUsersInput{})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	return ids, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, in ListMessagesInput) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return nil, notFound("chat.ListMessages", "conversation not found")
	}
	out := make([]Message, 0, len(c.msgs))
	for _, m := range c.msgs {
		if m.ID <= in.AfterID {
			continue
		}
		out = append(out, m)
		if in.Limit > 0 && len(out) == in.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListReceipts(ctx context.Context, conversationID int64) ([]Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, notFound("chat.ListReceipts", "conversation not found")
	}
	var out []Receipt
	for _, m := range c.msgs {
		for _, r := range c.receipts[m.ID] {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageID != out[j].MessageID {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, userID, conversationID int64, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return 0, notFound("chat.MarkRead", "conversation not found")
	}
	n := 0
	for _, rs := range c.receipts {
		if r, ok := rs[userID]; ok && !r.IsRead {
			at := now
			r.IsRead, r.ReadAt = true, &at
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UnreadCount(ctx context.Context, userID int64) (int, error) {
	by, err := s.UnreadByConversation(ctx, userID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range by {
		total += n
	}
	return total, nil
}

func (s *MemoryStore) UnreadByConversation(ctx context.Context, userID int64) (map[int64]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int64]int)
	for id, c := range s.convs {
		if n := c.unread(userID); n > 0 {
			out[id] = n
		}
	}
	return out, nil
}

func (c *memConv) unread(userID int64) int {
	n := 0
	for _, rs := range c.receipts {
		if r, ok := rs[userID]; ok && !r.IsRead {
			n++
		}
	}
	return n
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type snap struct {
		sum     ConversationSummary
		members []int64
		rows    []memMember
	}

	s.mu.Lock()
	var snaps []snap
	for _, c := range s.convs {
		if _, member := c.members[userID]; !c.conv.IsGlobal && !member {
			continue
		}
		ids := c.orderedMembers()
		rows := make([]memMember, len(ids))
		for i, id := range ids {
			rows[i] = c.members[id]
		}
		snaps = append(snaps, snap{
			sum: ConversationSummary{
				Conversation: c.conv,
				MessageCount: len(c.msgs),
				UnreadCount:  c.unread(userID),
			},
			members: ids,
			rows:    rows,
		})
	}
	s.mu.Unlock()

	out := make([]ConversationSummary, 0, len(snaps))
	for _, sn := range snaps {
		sn.sum.Users = make([]Member, 0, len(sn.members))
		for i, id := range sn.members {
			m, err := s.member(ctx, id, sn.rows[i])
			if err != nil {
				return nil, err
			}
			sn.sum.Users = append(sn.sum.Users, m)
		}
		out = append(out, sn.sum)
	}
	sortSummaries(out)
	return out, nil
}

// sortSummaries orders newest conversations first.
func sortSummaries(out []ConversationSummary) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
}

func (s *MemoryStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	const op = "chat.CreateConversation"
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	for _, id := range append([]int64{in.CreatorID}, in.MemberIDs...) {
		if _, err := s.users.GetUser(ctx, id); err != nil {
			if identity.IsNotFound(err) {
				return Conversation{}, notFound(op, "user not found")
			}
			return Conversation{}, err
		}
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := newMemConv(Conversation{
		ID:        s.nextConv,
		Name:      in.Name,
		CreatedAt: now,
		UpdatedAt: now,
	})
	s.nextConv++
	var seq int64
	add := func(id int64, role Role) {
		if _, dup := c.members[id]; dup {
			return
		}
		seq++
		c.members[id] = memMember{role: role, joinedAt: now, seq: seq}
	}
	add(in.CreatorID, RoleOwner)
	for _, id := range in.MemberIDs {
		add(id, RoleMember)
	}
	s.convs[c.conv.ID] = c
	return c.conv, nil
}

func (s *MemoryStore) FindDirectConversation(ctx context.Context, a, b int64) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *Conversation
	for _, c := range s.convs {
		if c.conv.IsGlobal || len(c.members) != 2 {
			continue
		}
		_, hasA := c.members[a]
		_, hasB := c.members[b]
		if hasA && hasB && (found == nil || c.conv.ID < found.ID) {
			conv := c.conv
			found = &conv
		}
	}
	if found == nil {
		return Conversation{}, notFound("chat.FindDirectConversation", "conversation not found")
	}
	return *found, nil
}

func (s *MemoryStore) RenameConversation(ctx context.Context, id int64, name *string, now time.Time) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, notFound("chat.RenameConversation", "conversation not found")
	}
	c.conv.Name = name
	c.conv.UpdatedAt = now
	return c.conv, nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok || c.conv.IsGlobal {
		return notFound("chat.DeleteConversation", "conversation not found")
	}
	delete(s.convs, id)
	return nil
}

func (s *MemoryStore) AddMember(ctx context.Context, in MemberChange) (Message, error) {
	const op = "chat.AddMember"
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if _, err := s.users.GetUser(ctx, in.UserID); err != nil {
		if identity.IsNotFound(err) {
			return Message{}, notFound(op, "user not found")
		}
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return Message{}, notFound(op, "conversation not found")
	}
	if c.conv.IsGlobal {
		return Message{}, validation(op, "the global conversation has no explicit members")
	}
	if _, dup := c.members[in.UserID]; dup {
		return Message{}, conflict(op, "user is already a member of this conversation")
	}

	role := in.Role
	if role == "" {
		role = RoleMember
	}
	var seq int64
	for _, m := range c.members {
		seq = max(seq, m.seq)
	}
	c.members[in.UserID] = memMember{role: role, joinedAt: in.Now, seq: seq + 1}

	msg, err := s.appendLocked(ctx, c, AppendInput{Text: in.Text, Type: MessageSystem, Now: in.Now})
	if err != nil {
		delete(c.members, in.UserID)
		return Message{}, err
	}
	return msg, nil
}

func (s *MemoryStore) RemoveMember(ctx context.Context, in MemberChange) (Removal, error) {
	const op = "chat.RemoveMember"
	if err := ctx.Err(); err != nil {
		return Removal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return Removal{}, notFound(op, "conversation not found")
	}
	if c.conv.IsGlobal {
		return Removal{}, validation(op, "the global conversation cannot be left")
	}
	gone, ok := c.members[in.UserID]
	if !ok {
		return Removal{}, notFound(op, "user is not a member of this conversation")
	}

	out := Removal{Audience: Audience{ConversationID: c.conv.ID, Users: c.orderedMembers()}}
	msg, err := s.appendLocked(ctx, c, AppendInput{Text: in.Text, Type: MessageSystem, Now: in.Now})
	if err != nil {
		return Removal{}, err
	}
	out.Message = msg

	delete(c.members, in.UserID)
	remaining := c.orderedMembers()
	if len(remaining) < 2 {
		delete(s.convs, c.conv.ID)
		out.Deleted = true
		return out, nil
	}
	if gone.role == RoleOwner && !c.hasRole(RoleOwner) {
		heir := remaining[0]
		m := c.members[heir]
		m.role = RoleOwner
		c.members[heir] = m
		out.PromotedUserID = heir
	}
	return out, nil
}

func (c *memConv) hasRole(r Role) bool {
	for _, m := range c.members {
		if m.role == r {
			return true
		}
	}
	return false
}
