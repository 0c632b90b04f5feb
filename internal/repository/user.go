package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatroom/internal/logger"
	"github.com/chatroom/internal/model"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUsernameTaken = errors.New("username taken")
	ErrEmailTaken    = errors.New("email taken")
)

// userCols is the column list scanned by scanUser.
const userCols = `id, username, email, password_hash, avatar_url, status, last_seen_at, created_at, updated_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.AvatarURL, &u.Status, &u.LastSeenAt, &u.CreatedAt, &u.UpdatedAt)
}

// uniqueViolation maps a unique constraint error to ErrUsernameTaken / ErrEmailTaken.
func uniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil
	}
	switch {
	case strings.Contains(pgErr.ConstraintName, "username"):
		return ErrUsernameTaken
	case strings.Contains(pgErr.ConstraintName, "email"):
		return ErrEmailTaken
	}
	return nil
}

// invalidID reports a malformed uuid parameter; such an id cannot match any row.
func invalidID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, avatar_url, status, last_seen_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.AvatarURL, u.Status, u.LastSeenAt, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if dup := uniqueViolation(err); dup != nil {
			return dup
		}
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

func (r *UserRepository) getBy(ctx context.Context, col, val string) (*model.User, error) {
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE `+col+` = $1`, val)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || invalidID(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetBy %s: %w", col, err)
	}
	return u, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	return r.getBy(ctx, "id", id)
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByUsername", time.Now())()
	return r.getBy(ctx, "username", username)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByEmail", time.Now())()
	return r.getBy(ctx, "lower(email)", strings.ToLower(email))
}

func (r *UserRepository) list(ctx context.Context, op, sql string, args ...any) ([]model.User, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("userRepo.%s query: %w", op, err)
	}
	defer rows.Close()
	users := make([]model.User, 0, 16)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("userRepo.%s scan: %w", op, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.%s rows: %w", op, err)
	}
	return users, nil
}

// List returns every user except excludeID, ordered by username.
func (r *UserRepository) List(ctx context.Context, excludeID string, limit int) ([]model.User, error) {
	defer logger.DeferLogDuration("user.List", time.Now())()
	return r.list(ctx, "List",
		`SELECT `+userCols+` FROM users WHERE id::text <> $1 ORDER BY username LIMIT $2`,
		excludeID, limit)
}

// Search matches username or email by case-insensitive substring.
func (r *UserRepository) Search(ctx context.Context, query, excludeID string, limit int) ([]model.User, error) {
	defer logger.DeferLogDuration("user.Search", time.Now())()
	return r.list(ctx, "Search",
		`SELECT `+userCols+` FROM users
		 WHERE id::text <> $1 AND (username ILIKE $2 ESCAPE '\' OR email ILIKE $2 ESCAPE '\')
		 ORDER BY username LIMIT $3`,
		excludeID, "%"+EscapeLike(query)+"%", limit)
}

// SearchByGmail matches gmail.com addresses whose local part starts with prefix.
func (r *UserRepository) SearchByGmail(ctx context.Context, prefix, excludeID string, limit int) ([]model.User, error) {
	defer logger.DeferLogDuration("user.SearchByGmail", time.Now())()
	return r.list(ctx, "SearchByGmail",
		`SELECT `+userCols+` FROM users
		 WHERE id::text <> $1 AND email ILIKE $2 ESCAPE '\'
		 ORDER BY email LIMIT $3`,
		excludeID, EscapeLike(GmailLocalPart(prefix))+"%@gmail.com", limit)
}

func (r *UserRepository) UpdateProfile(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.UpdateProfile", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET username = $1, email = $2, avatar_url = $3, status = $4, updated_at = $5 WHERE id = $6`,
		u.Username, u.Email, u.AvatarURL, u.Status, u.UpdatedAt, u.ID,
	)
	if err != nil {
		if dup := uniqueViolation(err); dup != nil {
			return dup
		}
		return fmt.Errorf("userRepo.UpdateProfile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates the presence status and last_seen_at.
func (r *UserRepository) SetStatus(ctx context.Context, userID string, status model.UserStatus) error {
	defer logger.DeferLogDuration("user.SetStatus", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET status = $1, last_seen_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("userRepo.SetStatus: %w", err)
	}
	return nil
}

// ResetStatuses marks everybody offline; run at startup since no connection survives a restart.
func (r *UserRepository) ResetStatuses(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `UPDATE users SET status = 'offline' WHERE status = 'online'`); err != nil {
		return fmt.Errorf("userRepo.ResetStatuses: %w", err)
	}
	return nil
}
