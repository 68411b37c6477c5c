package chat

import "context"

// Receipts lists every receipt of a conversation the user can access.
func (s *Service) Receipts(ctx context.Context, userID, conversationID int64) ([]Receipt, error) {
	if _, err := s.Access(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	rs, err := s.store.ListReceipts(ctx, conversationID)
	if err != nil {
		return nil, internal("chat.Receipts", err)
	}
	return rs, nil
}

// MarkRead marks the user's unread receipts in a conversation as read. confirm must be true;
// a request without it is rejected so a malformed call cannot mass-mark. UnreadCount in the
// result is the user's remaining total across all conversations.
func (s *Service) MarkRead(ctx context.Context, userID, conversationID int64, confirm bool) (ReadResult, error) {
	const op = "chat.MarkRead"

	if !confirm {
		return ReadResult{}, validation(op, "confirmation required to mark messages as read")
	}
	if _, err := s.Access(ctx, userID, conversationID); err != nil {
		return ReadResult{}, err
	}

	n, err := s.store.MarkRead(ctx, userID, conversationID, s.now())
	if err != nil {
		return ReadResult{}, internal(op, err)
	}
	total, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		return ReadResult{}, internal(op, err)
	}
	return ReadResult{UpdatedCount: n, UnreadCount: total}, nil
}

// UnreadCount is the number of unread receipts the user holds across all conversations.
func (s *Service) UnreadCount(ctx context.Context, userID int64) (int, error) {
	n, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		return 0, internal("chat.UnreadCount", err)
	}
	return n, nil
}

// UnreadByConversation maps conversation id to unread count. Conversations with nothing unread
// are omitted.
func (s *Service) UnreadByConversation(ctx context.Context, userID int64) (map[int64]int, error) {
	m, err := s.store.UnreadByConversation(ctx, userID)
	if err != nil {
		return nil, internal("chat.UnreadByConversation", err)
	}
	return m, nil
}
