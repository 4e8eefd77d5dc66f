package storage

import (
	"context"

	"github.com/p2pchat/internal/model"
)

// HistoryLimit bounds the cached per-conversation history list.
const HistoryLimit = 100

// ChatCache is the denormalized fast path over the durable message store:
// bounded per-conversation history, per-user recency index, unread
// counters and the presence set.
//
// Every write here is best-effort. Callers log failures and move on; the
// database remains the source of truth and the cache self-heals on the
// next read-through miss.
// Implementations: redis.Client (production), memory.Client (-dev, tests).
type ChatCache interface {
	// History list: chat:{low}:{high}, newest-first, trimmed to HistoryLimit.
	PushHistory(ctx context.Context, key model.ConversationKey, entry model.CachedMessage) error
	GetHistory(ctx context.Context, key model.ConversationKey, limit int) ([]model.CachedMessage, error)
	RebuildHistory(ctx context.Context, key model.ConversationKey, newestFirst []model.CachedMessage) error
	RemoveHistoryEntry(ctx context.Context, key model.ConversationKey, messageID int64) error
	InvalidateConversation(ctx context.Context, key model.ConversationKey) error

	// Recency index: recent_chats:{user}, peer scored by the message
	// timestamp (never wall clock — rebuilds must not reorder).
	BumpRecency(ctx context.Context, userID, peerID int64, ts int64) error
	RemoveRecency(ctx context.Context, userID, peerID int64) error
	RecentPeers(ctx context.Context, userID int64) ([]int64, error)

	// Unread counters: unread:{user} hash of peer -> count.
	IncrementUnread(ctx context.Context, userID, peerID int64) error
	ClearUnread(ctx context.Context, userID, peerID int64) error
	UnreadCounts(ctx context.Context, userID int64) (map[int64]int64, error)

	// Presence set: online_users.
	MarkOnline(ctx context.Context, userID int64) error
	MarkOffline(ctx context.Context, userID int64) error
	IsOnline(ctx context.Context, userID int64) (bool, error)

	Close() error
}
