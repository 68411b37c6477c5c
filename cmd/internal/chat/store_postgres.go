package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatrooms/cmd/internal/dbschema"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - The pgx pool belongs to the caller; PostgresStore never closes it.
//
// Concurrency model:
//   - Every write that touches a conversation takes a transactional advisory lock on that
//     conversation, so appends, membership changes and deletion are serialized per conversation
//     and createdAt can be kept non-decreasing without gaps or races.
//   - Reads and MarkRead rely on row-level atomicity only.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string

	users         string
	conversations string
	memberships   string
	messages      string
	receipts      string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chat").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !dbschema.ValidIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: dbschema.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	st.users = dbschema.Table(st.schema, "users")
	st.conversations = dbschema.Table(st.schema, "conversations")
	st.memberships = dbschema.Table(st.schema, "memberships")
	st.messages = dbschema.Table(st.schema, "messages")
	st.receipts = dbschema.Table(st.schema, "message_receipts")
	return st, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// inConversationTx runs fn in a read-committed transaction holding the conversation's advisory lock.
func (s *PostgresStore) inConversationTx(ctx context.Context, conversationID int64, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, conversationLockKey(conversationID)); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func conversationLockKey(id int64) string {
	return "chat.conversation:" + strconv.FormatInt(id, 10)
}

const conversationColumns = `id, name, is_global, created_at, updated_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.Name, &c.IsGlobal, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *PostgresStore) getConversation(ctx context.Context, q querier, op string, id int64) (Conversation, error) {
	c, err := scanConversation(q.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+s.conversations+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, notFound(op, "conversation not found")
	}
	return c, err
}

func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	return s.getConversation(ctx, s.pool, "chat.GetConversation", id)
}

func (s *PostgresStore) memberQuery(where string) string {
	return `SELECT mb.user_id, u.username, u.profile_picture, mb.role, mb.joined_at
	          FROM ` + s.memberships + ` mb
	          JOIN ` + s.users + ` u ON u.id = mb.user_id
	         WHERE ` + where + `
	         ORDER BY mb.joined_at, mb.user_id`
}

func scanMember(row pgx.Row) (Member, error) {
	var m Member
	err := row.Scan(&m.UserID, &m.Username, &m.ProfilePicture, &m.Role, &m.JoinedAt)
	return m, err
}

func (s *PostgresStore) GetMember(ctx context.Context, conversationID, userID int64) (Member, error) {
	m, err := scanMember(s.pool.QueryRow(ctx,
		s.memberQuery(`mb.conversation_id = $1 AND mb.user_id = $2`), conversationID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Member{}, notFound("chat.GetMember", "membership not found")
	}
	return m, err
}

func (s *PostgresStore) ListMembers(ctx context.Context, conversationID int64) ([]Member, error) {
	if _, err := s.getConversation(ctx, s.pool, "chat.ListMembers", conversationID); err != nil {
		return nil, err
	}
	return s.listMembers(ctx, s.pool, conversationID)
}

func (s *PostgresStore) listMembers(ctx context.Context, q querier, conversationID int64) ([]Member, error) {
	rows, err := q.Query(ctx, s.memberQuery(`mb.conversation_id = $1`), conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendInput) (Message, bool, error) {
	const op = "chat.AppendMessage"

	var (
		out Message
		dup bool
	)
	err := s.inConversationTx(ctx, in.ConversationID, func(tx pgx.Tx) error {
		conv, err := s.getConversation(ctx, tx, op, in.ConversationID)
		if err != nil {
			return err
		}
		if in.SenderID != nil {
			var role Role
			err := tx.QueryRow(ctx,
				`SELECT role FROM `+s.memberships+` WHERE conversation_id = $1 AND user_id = $2`,
				in.ConversationID, *in.SenderID,
			).Scan(&role)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			if !CanAccess(conv, role) {
				return forbidden(op, "not a member of this conversation")
			}

			if in.ClientToken != "" {
				existing, err := s.messageByToken(ctx, tx, in.ConversationID, *in.SenderID, in.ClientToken)
				if err == nil {
					out, dup = existing, true
					return nil
				}
				if !errors.Is(err, pgx.ErrNoRows) {
					return err
				}
			}
		}
		out, err = s.appendTx(ctx, tx, conv, in)
		return err
	})
	if err != nil {
		return Message{}, false, err
	}
	return out, dup, nil
}

// appendTx inserts the message and one receipt per audience member. The caller holds the
// conversation lock.
func (s *PostgresStore) appendTx(ctx context.Context, tx pgx.Tx, conv Conversation, in AppendInput) (Message, error) {
	const op = "chat.AppendMessage"

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var last *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT max(created_at) FROM `+s.messages+` WHERE conversation_id = $1`, conv.ID,
	).Scan(&last); err != nil {
		return Message{}, err
	}
	if last != nil && last.After(now) {
		now = *last
	}

	var token *string
	if in.ClientToken != "" {
		token = &in.ClientToken
	}

	msg := Message{
		Text:           in.Text,
		Type:           in.Type,
		SenderID:       in.SenderID,
		ConversationID: conv.ID,
		CreatedAt:      now,
		ClientToken:    in.ClientToken,
	}
	err := tx.QueryRow(ctx,
		`INSERT INTO `+s.messages+` (conversation_id, sender_id, text, type, client_token, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		conv.ID, in.SenderID, in.Text, string(in.Type), token, now,
	).Scan(&msg.ID)
	if err != nil {
		if isFKViolation(err) {
			return Message{}, notFound(op, "sender not found")
		}
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	audience := `SELECT mb.user_id AS uid FROM ` + s.memberships + ` mb WHERE mb.conversation_id = $4`
	args := []any{msg.ID, in.SenderID, now, conv.ID}
	if conv.IsGlobal {
		audience = `SELECT u.id AS uid FROM ` + s.users + ` u`
		args = args[:3]
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.receipts+` (message_id, user_id, is_read, read_at)
		 SELECT $1::bigint, a.uid, COALESCE(a.uid = $2::bigint, FALSE), CASE WHEN a.uid = $2::bigint THEN $3::timestamptz END
		   FROM (`+audience+`) a`,
		args...,
	); err != nil {
		return Message{}, fmt.Errorf("insert receipts: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.conversations+` SET updated_at = $2 WHERE id = $1`, conv.ID, now,
	); err != nil {
		return Message{}, err
	}

	if in.SenderID != nil {
		var snd Sender
		if err := tx.QueryRow(ctx,
			`SELECT id, username, profile_picture FROM `+s.users+` WHERE id = $1`, *in.SenderID,
		).Scan(&snd.ID, &snd.Username, &snd.ProfilePicture); err != nil {
			return Message{}, err
		}
		msg.Sender = &snd
	}
	return msg, nil
}

const messageSelect = `SELECT m.id, m.text, m.type, m.sender_id, m.conversation_id, m.created_at, m.client_token,
       u.id, u.username, u.profile_picture`

func (s *PostgresStore) messageFrom() string {
	return ` FROM ` + s.messages + ` m LEFT JOIN ` + s.users + ` u ON u.id = m.sender_id`
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m        Message
		token    *string
		senderID *int64
		username *string
		picture  *string
	)
	if err := row.Scan(&m.ID, &m.Text, &m.Type, &m.SenderID, &m.ConversationID, &m.CreatedAt, &token,
		&senderID, &username, &picture); err != nil {
		return Message{}, err
	}
	if token != nil {
		m.ClientToken = *token
	}
	if senderID != nil && username != nil {
		m.Sender = &Sender{ID: *senderID, Username: *username, ProfilePicture: picture}
	}
	return m, nil
}

func (s *PostgresStore) messageByToken(ctx context.Context, q querier, conversationID, senderID int64, token string) (Message, error) {
	return scanMessage(q.QueryRow(ctx,
		messageSelect+s.messageFrom()+`
		 WHERE m.conversation_id = $1 AND m.sender_id = $2 AND m.client_token = $3`,
		conversationID, senderID, token,
	))
}

func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesInput) ([]Message, error) {
	var limit *int64
	if in.Limit > 0 {
		n := int64(in.Limit)
		limit = &n
	}
	rows, err := s.pool.Query(ctx,
		messageSelect+s.messageFrom()+`
		 WHERE m.conversation_id = $1 AND m.id > $2
		 ORDER BY m.created_at ASC, m.id ASC
		 LIMIT $3`,
		in.ConversationID, in.AfterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 64)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListReceipts(ctx context.Context, conversationID int64) ([]Receipt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.message_id, r.user_id, r.is_read, r.read_at
		   FROM `+s.receipts+` r
		   JOIN `+s.messages+` m ON m.id = r.message_id
		  WHERE m.conversation_id = $1
		  ORDER BY r.message_id, r.user_id`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.IsRead, &r.ReadAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkRead(ctx context.Context, userID, conversationID int64, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.receipts+` r
		    SET is_read = TRUE, read_at = $3
		   FROM `+s.messages+` m
		  WHERE m.id = r.message_id
		    AND m.conversation_id = $2
		    AND r.user_id = $1
		    AND NOT r.is_read`,
		userID, conversationID, now,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+s.receipts+` WHERE user_id = $1 AND NOT is_read`, userID,
	).Scan(&n)
	return n, err
}

func (s *PostgresStore) UnreadByConversation(ctx context.Context, userID int64) (map[int64]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.conversation_id, count(*)
		   FROM `+s.receipts+` r
		   JOIN `+s.messages+` m ON m.id = r.message_id
		  WHERE r.user_id = $1 AND NOT r.is_read
		  GROUP BY m.conversation_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var (
			id int64
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.name, c.is_global, c.created_at, c.updated_at,
		        (SELECT count(*) FROM `+s.messages+` m WHERE m.conversation_id = c.id),
		        (SELECT count(*)
		           FROM `+s.receipts+` r
		           JOIN `+s.messages+` m ON m.id = r.message_id
		          WHERE m.conversation_id = c.id AND r.user_id = $1 AND NOT r.is_read)
		   FROM `+s.conversations+` c
		  WHERE c.is_global
		     OR EXISTS (SELECT 1 FROM `+s.memberships+` mb WHERE mb.conversation_id = c.id AND mb.user_id = $1)
		  ORDER BY c.created_at DESC, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out []ConversationSummary
		ids []int64
	)
	for rows.Next() {
		var sum ConversationSummary
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.IsGlobal, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.MessageCount, &sum.UnreadCount); err != nil {
			return nil, err
		}
		sum.Users = []Member{}
		out = append(out, sum)
		ids = append(ids, sum.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	mrows, err := s.pool.Query(ctx,
		`SELECT mb.conversation_id, mb.user_id, u.username, u.profile_picture, mb.role, mb.joined_at
		   FROM `+s.memberships+` mb
		   JOIN `+s.users+` u ON u.id = mb.user_id
		  WHERE mb.conversation_id = ANY($1)
		  ORDER BY mb.conversation_id, mb.joined_at, mb.user_id`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer mrows.Close()

	index := make(map[int64]int, len(out))
	for i, sum := range out {
		index[sum.ID] = i
	}
	for mrows.Next() {
		var (
			convID int64
			m      Member
		)
		if err := mrows.Scan(&convID, &m.UserID, &m.Username, &m.ProfilePicture, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		if i, ok := index[convID]; ok {
			out[i].Users = append(out[i].Users, m)
		}
	}
	return out, mrows.Err()
}

func (s *PostgresStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	const op = "chat.CreateConversation"

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := scanConversation(tx.QueryRow(ctx,
		`INSERT INTO `+s.conversations+` (name, is_global, created_at, updated_at)
		 VALUES ($1, FALSE, $2, $2)
		 RETURNING `+conversationColumns,
		in.Name, now,
	))
	if err != nil {
		return Conversation{}, err
	}

	insert := `INSERT INTO ` + s.memberships + ` (user_id, conversation_id, role, joined_at)
	           VALUES ($1, $2, $3, $4)
	           ON CONFLICT (user_id, conversation_id) DO NOTHING`
	joined := now
	for i, id := range append([]int64{in.CreatorID}, in.MemberIDs...) {
		role := RoleMember
		if i == 0 {
			role = RoleOwner
		}
		// Strictly increasing join times keep the oldest member well defined.
		if _, err := tx.Exec(ctx, insert, id, c.ID, string(role), joined); err != nil {
			if isFKViolation(err) {
				return Conversation{}, notFound(op, "user not found")
			}
			return Conversation{}, err
		}
		joined = joined.Add(time.Microsecond)
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *PostgresStore) FindDirectConversation(ctx context.Context, a, b int64) (Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT c.id, c.name, c.is_global, c.created_at, c.updated_at
		   FROM `+s.conversations+` c
		  WHERE NOT c.is_global
		    AND EXISTS (SELECT 1 FROM `+s.memberships+` mb WHERE mb.conversation_id = c.id AND mb.user_id = $1)
		    AND EXISTS (SELECT 1 FROM `+s.memberships+` mb WHERE mb.conversation_id = c.id AND mb.user_id = $2)
		    AND (SELECT count(*) FROM `+s.memberships+` mb WHERE mb.conversation_id = c.id) = 2
		  ORDER BY c.id
		  LIMIT 1`,
		a, b,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, notFound("chat.FindDirectConversation", "conversation not found")
	}
	return c, err
}

func (s *PostgresStore) RenameConversation(ctx context.Context, id int64, name *string, now time.Time) (Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`UPDATE `+s.conversations+` SET name = $2, updated_at = $3 WHERE id = $1 RETURNING `+conversationColumns,
		id, name, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, notFound("chat.RenameConversation", "conversation not found")
	}
	return c, err
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id int64) error {
	return s.inConversationTx(ctx, id, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM `+s.conversations+` WHERE id = $1 AND NOT is_global`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return notFound("chat.DeleteConversation", "conversation not found")
		}
		return nil
	})
}

func (s *PostgresStore) AddMember(ctx context.Context, in MemberChange) (Message, error) {
	const op = "chat.AddMember"

	role := in.Role
	if role == "" {
		role = RoleMember
	}

	var out Message
	err := s.inConversationTx(ctx, in.ConversationID, func(tx pgx.Tx) error {
		conv, err := s.getConversation(ctx, tx, op, in.ConversationID)
		if err != nil {
			return err
		}
		if conv.IsGlobal {
			return validation(op, "the global conversation has no explicit members")
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO `+s.memberships+` (user_id, conversation_id, role, joined_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id, conversation_id) DO NOTHING`,
			in.UserID, in.ConversationID, string(role), in.Now,
		)
		if err != nil {
			if isFKViolation(err) {
				return notFound(op, "user not found")
			}
			return err
		}
		if tag.RowsAffected() == 0 {
			return conflict(op, "user is already a member of this conversation")
		}
		out, err = s.appendTx(ctx, tx, conv, AppendInput{Text: in.Text, Type: MessageSystem, Now: in.Now})
		return err
	})
	if err != nil {
		return Message{}, err
	}
	return out, nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, in MemberChange) (Removal, error) {
	const op = "chat.RemoveMember"

	var out Removal
	err := s.inConversationTx(ctx, in.ConversationID, func(tx pgx.Tx) error {
		conv, err := s.getConversation(ctx, tx, op, in.ConversationID)
		if err != nil {
			return err
		}
		if conv.IsGlobal {
			return validation(op, "the global conversation cannot be left")
		}

		members, err := s.listMembers(ctx, tx, in.ConversationID)
		if err != nil {
			return err
		}
		var (
			gone  *Member
			users = make([]int64, 0, len(members))
		)
		for i := range members {
			users = append(users, members[i].UserID)
			if members[i].UserID == in.UserID {
				gone = &members[i]
			}
		}
		if gone == nil {
			return notFound(op, "user is not a member of this conversation")
		}
		out.Audience = Audience{ConversationID: conv.ID, Users: users}

		out.Message, err = s.appendTx(ctx, tx, conv, AppendInput{Text: in.Text, Type: MessageSystem, Now: in.Now})
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM `+s.memberships+` WHERE conversation_id = $1 AND user_id = $2`,
			in.ConversationID, in.UserID,
		); err != nil {
			return err
		}

		var remaining []Member
		ownerLeft := false
		for _, m := range members {
			if m.UserID == in.UserID {
				continue
			}
			remaining = append(remaining, m)
			ownerLeft = ownerLeft || m.Role == RoleOwner
		}

		if len(remaining) < 2 {
			if _, err := tx.Exec(ctx, `DELETE FROM `+s.conversations+` WHERE id = $1`, conv.ID); err != nil {
				return err
			}
			out.Deleted = true
			return nil
		}
		if gone.Role == RoleOwner && !ownerLeft {
			heir := remaining[0].UserID
			if _, err := tx.Exec(ctx,
				`UPDATE `+s.memberships+` SET role = $3 WHERE conversation_id = $1 AND user_id = $2`,
				conv.ID, heir, string(RoleOwner),
			); err != nil {
				return err
			}
			out.PromotedUserID = heir
		}
		return nil
	})
	if err != nil {
		return Removal{}, err
	}
	return out, nil
}

func isFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
