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

// MessageRepository is the durable message store: the single source of
// truth for message content and ordering. IDs and timestamps are assigned
// here, before any cache or broadcast side effect.
type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Append stores a new message and returns it with the assigned id and
// timestamp.
func (r *MessageRepository) Append(ctx context.Context, senderID, receiverID int64, ciphertext []byte) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	m := &model.Message{SenderID: senderID, ReceiverID: receiverID, Ciphertext: ciphertext}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO messages (sender_id, receiver_id, ciphertext)
		 VALUES ($1, $2, $3)
		 RETURNING id, timestamp`,
		senderID, receiverID, ciphertext,
	).Scan(&m.ID, &m.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Append: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, sender_id, receiver_id, ciphertext, timestamp FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Ciphertext, &m.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// GetConversation returns the most recent messages between two users,
// newest first. Ordering is timestamp then id: id ascending breaks
// timestamp ties, so assignment order always wins.
func (r *MessageRepository) GetConversation(ctx context.Context, a, b int64, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetConversation", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, sender_id, receiver_id, ciphertext, timestamp
		 FROM messages
		 WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		 ORDER BY timestamp DESC, id DESC
		 LIMIT $3`, a, b, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversation query: %w", err)
	}
	return scanMessages(rows, limit, "msgRepo.GetConversation")
}

// GetConversationBefore returns messages strictly older than the cursor,
// newest first. Historical pages never touch the cache.
func (r *MessageRepository) GetConversationBefore(ctx context.Context, a, b int64, before time.Time, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetConversationBefore", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, sender_id, receiver_id, ciphertext, timestamp
		 FROM messages
		 WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
		   AND timestamp < $3
		 ORDER BY timestamp DESC, id DESC
		 LIMIT $4`, a, b, before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationBefore query: %w", err)
	}
	return scanMessages(rows, limit, "msgRepo.GetConversationBefore")
}

// Delete hard-deletes a message row. Cache trace removal is the caller's
// concern.
func (r *MessageRepository) Delete(ctx context.Context, id int64) error {
	defer logger.DeferLogDuration("msg.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("msgRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MessageRepository) CountBetween(ctx context.Context, a, b int64) (int64, error) {
	defer logger.DeferLogDuration("msg.CountBetween", time.Now())()
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)`,
		a, b,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountBetween: %w", err)
	}
	return n, nil
}

// LatestPerPeer returns, for each conversation the user participates in,
// the most recent message. Fallback source for the recent-chats index
// when the cache is cold.
func (r *MessageRepository) LatestPerPeer(ctx context.Context, userID int64) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.LatestPerPeer", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT ON (peer_id) id, sender_id, receiver_id, ciphertext, timestamp
		 FROM (
		   SELECT id, sender_id, receiver_id, ciphertext, timestamp,
		          CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS peer_id
		   FROM messages
		   WHERE sender_id = $1 OR receiver_id = $1
		 ) sub
		 ORDER BY peer_id, timestamp DESC, id DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.LatestPerPeer query: %w", err)
	}
	return scanMessages(rows, 16, "msgRepo.LatestPerPeer")
}

func scanMessages(rows pgx.Rows, capHint int, op string) ([]model.Message, error) {
	defer rows.Close()
	messages := make([]model.Message, 0, capHint)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Ciphertext, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	return messages, nil
}
