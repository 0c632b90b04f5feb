package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatroom/internal/logger"
	"github.com/chatroom/internal/model"
)

const msgCols = `m.id, m.room_id, m.seq, m.sender_id, m.type, m.content, m.file_url, m.file_name, m.file_size,
	m.is_edited, m.is_deleted, m.edited_at, m.created_at, m.updated_at,
	u.id, u.username, u.avatar_url, u.status`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	sender := &model.UserPublic{}
	if err := s.Scan(&m.ID, &m.RoomID, &m.Seq, &m.SenderID, &m.Type, &m.Content, &m.FileURL, &m.FileName, &m.FileSize,
		&m.IsEdited, &m.IsDeleted, &m.EditedAt, &m.CreatedAt, &m.UpdatedAt,
		&sender.ID, &sender.Username, &sender.AvatarURL, &sender.Status); err != nil {
		return err
	}
	m.Sender = sender
	return nil
}

// Append stores a message with the next sequence number of its room. The room row is
// locked for the duration of the transaction, so concurrent writers (on any instance)
// get distinct, gap-free, increasing sequences, and created_at never goes backwards.
func (r *MessageRepository) Append(ctx context.Context, in model.NewMessage, now time.Time) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Append begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		lastSeq int64
		lastAt  *time.Time
	)
	err = tx.QueryRow(ctx, `SELECT last_seq, last_message_at FROM rooms WHERE id = $1 FOR UPDATE`, in.RoomID).Scan(&lastSeq, &lastAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Append lock room: %w", err)
	}

	created := now.UTC()
	if lastAt != nil && created.Before(*lastAt) {
		created = *lastAt
	}
	m := &model.Message{
		ID:        uuid.New().String(),
		RoomID:    in.RoomID,
		Seq:       lastSeq + 1,
		SenderID:  in.SenderID,
		Type:      in.Type,
		Content:   in.Content,
		FileURL:   in.FileURL,
		FileName:  in.FileName,
		FileSize:  in.FileSize,
		CreatedAt: created,
		UpdatedAt: created,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (id, room_id, seq, sender_id, type, content, file_url, file_name, file_size, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		m.ID, m.RoomID, m.Seq, m.SenderID, m.Type, m.Content, m.FileURL, m.FileName, m.FileSize, m.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("msgRepo.Append insert: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE rooms SET last_seq = $1, last_message_at = $2 WHERE id = $3`, m.Seq, m.CreatedAt, m.RoomID,
	); err != nil {
		return nil, fmt.Errorf("msgRepo.Append bump room: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("msgRepo.Append commit: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+msgCols+` FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id = $1`, id), m)
	if errors.Is(err, pgx.ErrNoRows) || invalidID(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) query(ctx context.Context, op string, limit int, sql string, args ...any) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.%s query: %w", op, err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.%s scan: %w", op, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.%s rows: %w", op, err)
	}
	return messages, nil
}

// Page returns the window of messages that starts offset messages back from the newest,
// in ascending sequence order. Tombstones keep their slot.
func (r *MessageRepository) Page(ctx context.Context, roomID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.Page", time.Now())()
	messages, err := r.query(ctx, "Page", limit,
		`SELECT `+msgCols+` FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE m.room_id = $1
		 ORDER BY m.seq DESC
		 LIMIT $2 OFFSET $3`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Search matches live message content by case-insensitive substring, newest first.
func (r *MessageRepository) Search(ctx context.Context, roomID, query string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.Search", time.Now())()
	return r.query(ctx, "Search", limit,
		`SELECT `+msgCols+` FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE m.room_id = $1 AND NOT m.is_deleted AND m.content ILIKE $2 ESCAPE '\'
		 ORDER BY m.seq DESC
		 LIMIT $3 OFFSET $4`, roomID, "%"+EscapeLike(query)+"%", limit, offset)
}

// Edit replaces the content and sets the edited flag; created_at is left untouched.
func (r *MessageRepository) Edit(ctx context.Context, id, content string, at time.Time) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Edit", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $1, is_edited = true, edited_at = $2, updated_at = $2
		 WHERE id = $3 AND NOT is_deleted`, content, at, id)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Edit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

// Tombstone clears the payload and marks the message deleted. The row, its id and
// sequence stay so that clients holding older pages keep a consistent order.
func (r *MessageRepository) Tombstone(ctx context.Context, id string, at time.Time) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Tombstone", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true, content = '', file_url = '', file_name = '', file_size = 0, updated_at = $1
		 WHERE id = $2`, at, id)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Tombstone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}
