package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p2pchat/internal/logger"
	"github.com/p2pchat/internal/model"
)

var ErrNotFound = errors.New("not found")

const userCols = `id, username, email, avatar_url, is_online, last_seen_at, created_at`

// UserRepository is the read surface over the user directory. Account
// management lives in a separate service; this core only resolves users
// and keeps the is_online flag current.
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Username, &u.Email, &u.AvatarURL, &u.IsOnline, &u.LastSeenAt, &u.CreatedAt)
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByUsername", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE username = $1`, username)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByUsername: %w", err)
	}
	return u, nil
}

// GetByIDs resolves a batch of users in one query (cache-hit history reads
// need sender usernames for entries that only carry sender_id).
func (r *UserRepository) GetByIDs(ctx context.Context, ids []int64) (map[int64]model.User, error) {
	defer logger.DeferLogDuration("user.GetByIDs", time.Now())()
	if len(ids) == 0 {
		return map[int64]model.User{}, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+userCols+` FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetByIDs: %w", err)
	}
	defer rows.Close()
	users := make(map[int64]model.User, len(ids))
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("userRepo.GetByIDs scan: %w", err)
		}
		users[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.GetByIDs rows: %w", err)
	}
	return users, nil
}

func (r *UserRepository) SetOnline(ctx context.Context, userID int64, online bool) error {
	defer logger.DeferLogDuration("user.SetOnline", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET is_online = $1, last_seen_at = $2 WHERE id = $3`,
		online, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("userRepo.SetOnline: %w", err)
	}
	return nil
}

// ResetAllOffline clears every is_online flag. Run at startup: flags left
// over from a crashed process are stale by definition.
func (r *UserRepository) ResetAllOffline(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET is_online = false WHERE is_online = true`)
	if err != nil {
		return fmt.Errorf("userRepo.ResetAllOffline: %w", err)
	}
	return nil
}

// Create inserts a user row. Used by -dev seeding only; registration is
// handled by the account service.
func (r *UserRepository) Create(ctx context.Context, username, email string) (*model.User, error) {
	u := &model.User{}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (username, email) VALUES ($1, $2)
		 ON CONFLICT (username) DO UPDATE SET email = EXCLUDED.email
		 RETURNING `+userCols, username, email)
	if err := scanUser(row, u); err != nil {
		return nil, fmt.Errorf("userRepo.Create: %w", err)
	}
	return u, nil
}
