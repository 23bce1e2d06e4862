package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateKey reports an insert that lost a race against another
// request writing the same unique key. Callers treat it as recoverable.
var ErrDuplicateKey = errors.New("duplicate key")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, token_identifier, email, name, image, is_online, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.TokenIdentifier, &u.Email, &u.Name, &u.Image, &u.IsOnline, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// FindUserByTokenIdentifier returns nil (not an error) when no row exists;
// the reconciler branches on absence.
func (s *PostgresStore) FindUserByTokenIdentifier(ctx context.Context, tokenIdentifier string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE token_identifier = $1`, tokenIdentifier)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by token identifier: %w", err)
	}
	return &user, nil
}

// InsertUser inserts a full row. The unique index on token_identifier is
// the arbiter for concurrent inserts of the same identity; a conflict
// surfaces as ErrDuplicateKey.
func (s *PostgresStore) InsertUser(ctx context.Context, user User) (string, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, token_identifier, email, name, image, is_online)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, user.ID, user.TokenIdentifier, user.Email, user.Name, user.Image, user.IsOnline).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("insert user %s: %w", user.TokenIdentifier, ErrDuplicateKey)
		}
		return "", fmt.Errorf("insert user: %w", err)
	}
	return user.ID, nil
}

// PatchUser updates only the fields set on the patch, in a single
// statement, so a delivery is either fully applied or not at all.
func (s *PostgresStore) PatchUser(ctx context.Context, userID string, patch UserPatch) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{userID}
	argN := 2

	appendSet := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argN))
		args = append(args, value)
		argN++
	}
	if patch.Email != nil {
		appendSet("email", *patch.Email)
	}
	if patch.Name != nil {
		appendSet("name", *patch.Name)
	}
	if patch.Image != nil {
		appendSet("image", *patch.Image)
	}
	if patch.IsOnline != nil {
		appendSet("is_online", *patch.IsOnline)
	}

	query := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("patch user %s: %w", userID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("patch user %s: %w", userID, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListUsersExcept returns every user except the caller, for the contact
// picker. The exclusion happens here, not in application code.
func (s *PostgresStore) ListUsersExcept(ctx context.Context, tokenIdentifier string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE token_identifier <> $1
		ORDER BY name, id
	`, tokenIdentifier)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conversation Conversation, participantIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, is_group, group_name, group_image, admin_id)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''))
	`, conversation.ID, conversation.IsGroup, conversation.GroupName, conversation.GroupImage, conversation.AdminID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert conversation: %w", err)
	}

	for _, userID := range participantIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, conversation.ID, userID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert participant %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var c Conversation
	var groupName, groupImage, adminID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, is_group, group_name, group_image, admin_id, created_at
		FROM conversations WHERE id = $1
	`, conversationID).Scan(&c.ID, &c.IsGroup, &groupName, &groupImage, &adminID, &c.CreatedAt)
	if err != nil {
		return Conversation{}, err
	}
	c.GroupName = groupName.String
	c.GroupImage = groupImage.String
	c.AdminID = adminID.String
	return c, nil
}

func (s *PostgresStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)
	`, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM conversation_participants WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FindDirectConversation returns an existing one-to-one conversation
// between two users, so the client never ends up with duplicates.
func (s *PostgresStore) FindDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.is_group, c.group_name, c.group_image, c.admin_id, c.created_at
		FROM conversations c
		JOIN conversation_participants pa ON pa.conversation_id = c.id AND pa.user_id = $1
		JOIN conversation_participants pb ON pb.conversation_id = c.id AND pb.user_id = $2
		WHERE c.is_group = FALSE
		LIMIT 1
	`, userA, userB)
	var c Conversation
	var groupName, groupImage, adminID sql.NullString
	err := row.Scan(&c.ID, &c.IsGroup, &groupName, &groupImage, &adminID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}
	c.GroupName = groupName.String
	c.GroupImage = groupImage.String
	c.AdminID = adminID.String
	return &c, nil
}

func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.is_group, c.group_name, c.group_image, c.admin_id, c.created_at
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE cp.user_id = $1
		ORDER BY c.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	summaries := make([]ConversationSummary, 0)
	for rows.Next() {
		var c Conversation
		var groupName, groupImage, adminID sql.NullString
		if err := rows.Scan(&c.ID, &c.IsGroup, &groupName, &groupImage, &adminID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.GroupName = groupName.String
		c.GroupImage = groupImage.String
		c.AdminID = adminID.String
		summaries = append(summaries, ConversationSummary{Conversation: c})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range summaries {
		participants, err := s.listConversationUsers(ctx, summaries[i].ID)
		if err != nil {
			return nil, err
		}
		summaries[i].Participants = participants

		last, err := s.lastMessage(ctx, summaries[i].ID)
		if err != nil {
			return nil, err
		}
		summaries[i].LastMessage = last
	}
	return summaries, nil
}

func (s *PostgresStore) listConversationUsers(ctx context.Context, conversationID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.token_identifier, u.email, u.name, u.image, u.is_online, u.created_at, u.updated_at
		FROM users u
		JOIN conversation_participants cp ON cp.user_id = u.id
		WHERE cp.conversation_id = $1
		ORDER BY u.name, u.id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list conversation users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) lastMessage(ctx context.Context, conversationID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, message_type, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, conversationID)
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Content, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last message: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, message_type, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, message.ID, message.ConversationID, message.SenderID, message.Type, message.Content, message.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, message_type, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, id
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
