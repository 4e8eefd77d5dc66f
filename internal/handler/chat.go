package handler

import (
	"context"
	"time"

	"github.com/p2pchat/internal/crypto"
	"github.com/p2pchat/internal/model"
	"github.com/p2pchat/internal/storage"
	"github.com/p2pchat/internal/ws"
)

const historyPageSize = 50

// MessageStore is the durable-store surface the chat endpoints need.
// *repository.MessageRepository satisfies it.
type MessageStore interface {
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	GetConversation(ctx context.Context, a, b int64, limit int) ([]model.Message, error)
	GetConversationBefore(ctx context.Context, a, b int64, before time.Time, limit int) ([]model.Message, error)
	Delete(ctx context.Context, id int64) error
	CountBetween(ctx context.Context, a, b int64) (int64, error)
	LatestPerPeer(ctx context.Context, userID int64) ([]model.Message, error)
}

// UserDirectory resolves users by id or handle.
// *repository.UserRepository satisfies it.
type UserDirectory interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	GetByIDs(ctx context.Context, ids []int64) (map[int64]model.User, error)
}

// ChatHandler serves the HTTP surface of the delivery core: history,
// recent chats, unread counters and the REST send/decrypt/delete paths.
type ChatHandler struct {
	users UserDirectory
	msgs  MessageStore
	cache storage.ChatCache
	codec *crypto.Codec
	hub   *ws.Hub
}

func NewChatHandler(users UserDirectory, msgs MessageStore, cache storage.ChatCache, codec *crypto.Codec, hub *ws.Hub) *ChatHandler {
	return &ChatHandler{users: users, msgs: msgs, cache: cache, codec: codec, hub: hub}
}
