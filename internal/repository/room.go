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

var (
	ErrAlreadyMember = errors.New("already a member")
	ErrNotMember     = errors.New("not a member")
)

const roomCols = `r.id, r.name, r.description, r.type, r.created_by, r.created_at, r.updated_at, r.last_message_at, r.last_seq`

type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

func scanRoom(s interface{ Scan(dest ...any) error }, rm *model.Room) error {
	return s.Scan(&rm.ID, &rm.Name, &rm.Description, &rm.Type, &rm.CreatedBy, &rm.CreatedAt, &rm.UpdatedAt, &rm.LastMessageAt, &rm.LastSeq)
}

func insertRoom(ctx context.Context, tx pgx.Tx, rm *model.Room) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO rooms (id, name, description, type, created_by, created_at, updated_at, last_seq)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0)`,
		rm.ID, rm.Name, rm.Description, rm.Type, rm.CreatedBy, rm.CreatedAt, rm.UpdatedAt,
	)
	return err
}

func insertMember(ctx context.Context, tx pgx.Tx, m model.Membership) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO room_members (room_id, user_id, role, joined_at, last_read_seq) VALUES ($1, $2, $3, $4, $5)`,
		m.RoomID, m.UserID, m.Role, m.JoinedAt, m.LastReadSeq,
	)
	return err
}

// CreateGroup inserts the room and its creator as admin in one transaction.
func (r *RoomRepository) CreateGroup(ctx context.Context, rm *model.Room) error {
	defer logger.DeferLogDuration("room.CreateGroup", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("roomRepo.CreateGroup begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertRoom(ctx, tx, rm); err != nil {
		return fmt.Errorf("roomRepo.CreateGroup room: %w", err)
	}
	if err := insertMember(ctx, tx, model.Membership{RoomID: rm.ID, UserID: rm.CreatedBy, Role: model.RoleAdmin, JoinedAt: rm.CreatedAt}); err != nil {
		return fmt.Errorf("roomRepo.CreateGroup member: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("roomRepo.CreateGroup commit: %w", err)
	}
	return nil
}

// GetOrCreatePrivate returns the private room of the unordered pair (a, b), creating it
// if needed. Concurrent callers serialize on a transaction-scoped advisory lock keyed by
// the pair; the primary key of private_rooms backs it up across instances.
func (r *RoomRepository) GetOrCreatePrivate(ctx context.Context, a, b string, now time.Time) (*model.Room, bool, error) {
	defer logger.DeferLogDuration("room.GetOrCreatePrivate", time.Now())()
	low, high := model.PrivateKey(a, b)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("roomRepo.GetOrCreatePrivate begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "private:"+low+":"+high); err != nil {
		return nil, false, fmt.Errorf("roomRepo.GetOrCreatePrivate lock: %w", err)
	}

	rm := &model.Room{}
	err = scanRoom(tx.QueryRow(ctx,
		`SELECT `+roomCols+` FROM rooms r JOIN private_rooms p ON p.room_id = r.id
		 WHERE p.user_low = $1 AND p.user_high = $2`, low, high), rm)
	if err == nil {
		return rm, false, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("roomRepo.GetOrCreatePrivate find: %w", err)
	}

	rm = &model.Room{
		ID:        uuid.New().String(),
		Type:      model.RoomTypePrivate,
		CreatedBy: a,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := insertRoom(ctx, tx, rm); err != nil {
		return nil, false, fmt.Errorf("roomRepo.GetOrCreatePrivate room: %w", err)
	}
	for _, uid := range []string{low, high} {
		if err := insertMember(ctx, tx, model.Membership{RoomID: rm.ID, UserID: uid, Role: model.RoleMember, JoinedAt: now}); err != nil {
			return nil, false, fmt.Errorf("roomRepo.GetOrCreatePrivate member: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO private_rooms (user_low, user_high, room_id) VALUES ($1, $2, $3)`, low, high, rm.ID); err != nil {
		return nil, false, fmt.Errorf("roomRepo.GetOrCreatePrivate pair: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("roomRepo.GetOrCreatePrivate commit: %w", err)
	}
	return rm, true, nil
}

func (r *RoomRepository) GetByID(ctx context.Context, id string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.GetByID", time.Now())()
	rm := &model.Room{}
	err := scanRoom(r.pool.QueryRow(ctx, `SELECT `+roomCols+` FROM rooms r WHERE r.id = $1`, id), rm)
	if errors.Is(err, pgx.ErrNoRows) || invalidID(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.GetByID: %w", err)
	}
	return rm, nil
}

func (r *RoomRepository) Update(ctx context.Context, id, name, description string, now time.Time) (*model.Room, error) {
	defer logger.DeferLogDuration("room.Update", time.Now())()
	rm := &model.Room{}
	err := scanRoom(r.pool.QueryRow(ctx,
		`UPDATE rooms r SET name = $1, description = $2, updated_at = $3 WHERE r.id = $4 RETURNING `+roomCols,
		name, description, now, id), rm)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.Update: %w", err)
	}
	return rm, nil
}

// Delete removes the room together with its members and messages.
func (r *RoomRepository) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("room.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("roomRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RoomRepository) AddMember(ctx context.Context, m model.Membership) error {
	defer logger.DeferLogDuration("room.AddMember", time.Now())()
	// Members joining later start with everything already sent marked read.
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO room_members (room_id, user_id, role, joined_at, last_read_seq)
		 SELECT $1, $2, $3, $4, r.last_seq FROM rooms r WHERE r.id = $1
		 ON CONFLICT (room_id, user_id) DO NOTHING`,
		m.RoomID, m.UserID, m.Role, m.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.AddMember: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, m.RoomID); err != nil {
			return err
		}
		return ErrAlreadyMember
	}
	return nil
}

func (r *RoomRepository) RemoveMember(ctx context.Context, roomID, userID string) error {
	defer logger.DeferLogDuration("room.RemoveMember", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return fmt.Errorf("roomRepo.RemoveMember: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}

func (r *RoomRepository) GetMembership(ctx context.Context, roomID, userID string) (*model.Membership, error) {
	defer logger.DeferLogDuration("room.GetMembership", time.Now())()
	m := &model.Membership{}
	err := r.pool.QueryRow(ctx,
		`SELECT room_id, user_id, role, joined_at, last_read_seq FROM room_members WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&m.RoomID, &m.UserID, &m.Role, &m.JoinedAt, &m.LastReadSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.GetMembership: %w", err)
	}
	return m, nil
}

func (r *RoomRepository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	defer logger.DeferLogDuration("room.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`, roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("roomRepo.IsMember: %w", err)
	}
	return exists, nil
}

// ListMembers returns members in join order; Online is filled in by the caller.
func (r *RoomRepository) ListMembers(ctx context.Context, roomID string) ([]model.Member, error) {
	defer logger.DeferLogDuration("room.ListMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, u.email, u.avatar_url, u.status, u.last_seen_at, rm.role, rm.joined_at
		 FROM room_members rm JOIN users u ON u.id = rm.user_id
		 WHERE rm.room_id = $1
		 ORDER BY rm.joined_at, u.username`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListMembers query: %w", err)
	}
	defer rows.Close()

	members := make([]model.Member, 0, 8)
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.ID, &m.Username, &m.Email, &m.AvatarURL, &m.Status, &m.LastSeenAt, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("roomRepo.ListMembers scan: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.ListMembers rows: %w", err)
	}
	return members, nil
}

func (r *RoomRepository) queryIDs(ctx context.Context, op, sql string, arg string) ([]string, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.%s query: %w", op, err)
	}
	defer rows.Close()
	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("roomRepo.%s scan: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.%s rows: %w", op, err)
	}
	return ids, nil
}

func (r *RoomRepository) MemberIDs(ctx context.Context, roomID string) ([]string, error) {
	defer logger.DeferLogDuration("room.MemberIDs", time.Now())()
	return r.queryIDs(ctx, "MemberIDs", `SELECT user_id FROM room_members WHERE room_id = $1`, roomID)
}

func (r *RoomRepository) RoomIDsForUser(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("room.RoomIDsForUser", time.Now())()
	return r.queryIDs(ctx, "RoomIDsForUser", `SELECT room_id FROM room_members WHERE user_id = $1`, userID)
}

// ListForUser returns the user's rooms, most recent activity first, with the last
// message and the unread count of each.
func (r *RoomRepository) ListForUser(ctx context.Context, userID string) ([]model.RoomSummary, error) {
	defer logger.DeferLogDuration("room.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+roomCols+`,
		        (SELECT COUNT(*) FROM messages m
		          WHERE m.room_id = r.id AND m.seq > rm.last_read_seq AND m.sender_id <> $1 AND NOT m.is_deleted),
		        lm.id, lm.seq, lm.sender_id, lm.type, lm.content, lm.file_url, lm.file_name, lm.file_size,
		        lm.is_edited, lm.is_deleted, lm.edited_at, lm.created_at, lm.updated_at, lu.username
		 FROM rooms r
		 JOIN room_members rm ON rm.room_id = r.id AND rm.user_id = $1
		 LEFT JOIN LATERAL (
		     SELECT * FROM messages m WHERE m.room_id = r.id ORDER BY m.seq DESC LIMIT 1
		 ) lm ON true
		 LEFT JOIN users lu ON lu.id = lm.sender_id
		 ORDER BY COALESCE(r.last_message_at, r.created_at) DESC, r.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	out := make([]model.RoomSummary, 0, 16)
	for rows.Next() {
		var (
			s                          model.RoomSummary
			msgID, senderID, msgType   *string
			content, fileURL, fileName *string
			seq, fileSize              *int64
			isEdited, isDeleted        *bool
			editedAt, createdAt, upd   *time.Time
			senderName                 *string
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.Type, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt, &s.LastMessageAt, &s.LastSeq,
			&s.UnreadCount,
			&msgID, &seq, &senderID, &msgType, &content, &fileURL, &fileName, &fileSize,
			&isEdited, &isDeleted, &editedAt, &createdAt, &upd, &senderName); err != nil {
			return nil, fmt.Errorf("roomRepo.ListForUser scan: %w", err)
		}
		if msgID != nil {
			s.LastMessage = &model.Message{
				ID:        *msgID,
				RoomID:    s.ID,
				Seq:       *seq,
				SenderID:  *senderID,
				Type:      model.MessageType(*msgType),
				Content:   *content,
				FileURL:   *fileURL,
				FileName:  *fileName,
				FileSize:  *fileSize,
				IsEdited:  *isEdited,
				IsDeleted: *isDeleted,
				EditedAt:  editedAt,
				CreatedAt: *createdAt,
				UpdatedAt: *upd,
			}
			if senderName != nil {
				s.LastMessage.Sender = &model.UserPublic{ID: *senderID, Username: *senderName}
			}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.ListForUser rows: %w", err)
	}
	return out, nil
}

// MarkRead moves the member's read pointer to the room's last sequence and returns it.
func (r *RoomRepository) MarkRead(ctx context.Context, roomID, userID string) (int64, error) {
	defer logger.DeferLogDuration("room.MarkRead", time.Now())()
	var seq int64
	err := r.pool.QueryRow(ctx,
		`UPDATE room_members rm SET last_read_seq = r.last_seq
		 FROM rooms r
		 WHERE r.id = rm.room_id AND rm.room_id = $1 AND rm.user_id = $2
		 RETURNING rm.last_read_seq`, roomID, userID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotMember
	}
	if err != nil {
		return 0, fmt.Errorf("roomRepo.MarkRead: %w", err)
	}
	return seq, nil
}
