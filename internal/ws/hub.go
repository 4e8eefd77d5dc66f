package ws

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/p2pchat/internal/crypto"
	"github.com/p2pchat/internal/logger"
	"github.com/p2pchat/internal/model"
	"github.com/p2pchat/internal/storage"
)

// MessageStore is the durable append-only store the hub writes to before
// any cache or broadcast side effect. *repository.MessageRepository
// satisfies it.
type MessageStore interface {
	Append(ctx context.Context, senderID, receiverID int64, ciphertext []byte) (*model.Message, error)
}

// UserDirectory keeps the durable is_online flag in sync with presence.
type UserDirectory interface {
	SetOnline(ctx context.Context, userID int64, online bool) error
}

// Notifier dispatches out-of-band notifications. If nil, none are sent.
type Notifier interface {
	Notify(ctx context.Context, userID int64, title, body string, data map[string]string)
}

// Hub owns the broadcast groups and presence bookkeeping. One hub per
// process; all connection sessions register here.
type Hub struct {
	mu       sync.RWMutex
	groups   map[string]map[*Client]struct{}
	sessions map[int64]map[*Client]struct{}
	total    int
	settings Settings

	store    MessageStore
	users    UserDirectory
	cache    storage.ChatCache
	codec    *crypto.Codec
	notifier Notifier

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(store MessageStore, users UserDirectory, cache storage.ChatCache, codec *crypto.Codec, settings Settings, notifier Notifier) *Hub {
	return &Hub{
		groups:     make(map[string]map[*Client]struct{}),
		sessions:   make(map[int64]map[*Client]struct{}),
		settings:   settings.withDefaults(),
		store:      store,
		users:      users,
		cache:      cache,
		codec:      codec,
		notifier:   notifier,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.sessions {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.groups = make(map[string]map[*Client]struct{})
	h.sessions = make(map[int64]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

// addClient completes the Bound transition: group subscriptions, presence
// registration, presence-on broadcast, unread clear (read receipt on
// connect).
func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.settings.MaxConnections {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.settings.MaxConnections, c.username)
		c.Close()
		return
	}
	h.joinGroup(c, c.group)
	h.joinGroup(c, c.userGroup)
	if _, ok := h.sessions[c.userID]; !ok {
		h.sessions[c.userID] = make(map[*Client]struct{})
	}
	h.sessions[c.userID][c] = struct{}{}
	firstSession := len(h.sessions[c.userID]) == 1
	h.total++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if firstSession {
		if err := h.cache.MarkOnline(ctx, c.userID); err != nil {
			logger.Errorf("ws mark online user=%s: %v", c.username, err)
		}
		if err := h.users.SetOnline(ctx, c.userID, true); err != nil {
			logger.Errorf("ws set online user=%s: %v", c.username, err)
		}
	}
	h.sendToGroup(c.group, OnlineStatusFrame{Type: EventOnlineStatus, UserID: c.username, IsOnline: true})

	if err := h.cache.ClearUnread(ctx, c.userID, c.peerID); err != nil {
		logger.Errorf("ws clear unread user=%s peer=%s: %v", c.username, c.peerName, err)
	}
}

// removeClient runs the Closing transition exactly once per client; a
// second unregister for the same client is a no-op.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.sessions[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.leaveGroup(c, c.group)
	h.leaveGroup(c, c.userGroup)
	h.total--
	lastSession := len(clients) == 0
	if lastSession {
		delete(h.sessions, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if lastSession {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.cache.MarkOffline(ctx, c.userID); err != nil {
			logger.Errorf("ws mark offline user=%s: %v", c.username, err)
		}
		if err := h.users.SetOnline(ctx, c.userID, false); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.username, err)
		}
		h.sendToGroup(c.group, OnlineStatusFrame{Type: EventOnlineStatus, UserID: c.username, IsOnline: false})
	}
}

// joinGroup and leaveGroup must be called with h.mu held.
func (h *Hub) joinGroup(c *Client, group string) {
	if _, ok := h.groups[group]; !ok {
		h.groups[group] = make(map[*Client]struct{})
	}
	h.groups[group][c] = struct{}{}
}

func (h *Hub) leaveGroup(c *Client, group string) {
	clients, ok := h.groups[group]
	if !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.groups, group)
	}
}

// HandleInbound processes one client frame: validate, then run the send
// pipeline. Failures are reported to this session only; the connection
// stays open.
func (h *Hub) HandleInbound(ctx context.Context, c *Client, frame InboundFrame) {
	defer logger.DeferLogDuration("ws.HandleInbound", time.Now())()
	if strings.TrimSpace(frame.Message) == "" {
		h.sendToClient(c, errorFrame("invalid payload: 'message' field is required"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := h.SendMessage(ctx, c.userID, c.username, c.peerID, c.peerName, frame.Message); err != nil {
		logger.Errorf("ws send user=%s peer=%s: %v", c.username, c.peerName, err)
		h.sendToClient(c, errorFrame("failed to send message"))
	}
}

// SendMessage is the full delivery pipeline, shared by the websocket and
// REST send paths: encrypt, durable append, write-through cache, group
// fanout, receiver notification.
//
// A returned error means the message was NOT sent (encryption or store
// failure). Cache failures are logged and swallowed: the broadcast still
// happens and the cache self-heals on the next history miss.
func (h *Hub) SendMessage(ctx context.Context, senderID int64, senderName string, receiverID int64, receiverName, plaintext string) (*model.Message, error) {
	ciphertext, err := h.codec.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("hub.SendMessage encrypt: %w", err)
	}

	m, err := h.store.Append(ctx, senderID, receiverID, ciphertext)
	if err != nil {
		// No broadcast for unpersisted messages.
		return nil, fmt.Errorf("hub.SendMessage append: %w", err)
	}

	group := model.GroupName(senderName, receiverName)
	key := model.NewConversationKey(senderID, receiverID)
	entry := model.CachedMessage{
		ID:         m.ID,
		SenderID:   senderID,
		Ciphertext: base64.StdEncoding.EncodeToString(m.Ciphertext),
		Timestamp:  m.Timestamp,
	}
	if err := h.cache.PushHistory(ctx, key, entry); err != nil {
		logger.Errorf("cache push history %s/%s: %v", senderName, receiverName, err)
	}
	ts := m.Timestamp.Unix()
	if err := h.cache.BumpRecency(ctx, senderID, receiverID, ts); err != nil {
		logger.Errorf("cache bump recency user=%d: %v", senderID, err)
	}
	if err := h.cache.BumpRecency(ctx, receiverID, senderID, ts); err != nil {
		logger.Errorf("cache bump recency user=%d: %v", receiverID, err)
	}
	receiverBound := h.IsUserBound(group, receiverID)
	if !receiverBound {
		if err := h.cache.IncrementUnread(ctx, receiverID, senderID); err != nil {
			logger.Errorf("cache increment unread user=%d: %v", receiverID, err)
		}
	}

	h.sendToGroup(group, ChatMessageFrame{
		Type:       EventChatMessage,
		MessageID:  m.ID,
		Ciphertext: entry.Ciphertext,
		Sender:     senderName,
		Timestamp:  m.Timestamp,
	})

	if !receiverBound {
		h.sendToGroup(model.UserGroupName(receiverID), NewMessageAlertFrame{
			Type:      EventNewMessage,
			MessageID: m.ID,
			Sender:    senderName,
			Timestamp: m.Timestamp,
		})
		if h.notifier != nil {
			go h.notifier.Notify(context.Background(), receiverID, senderName, "New message",
				map[string]string{"sender": senderName})
		}
	}

	return m, nil
}

// IsUserBound reports whether the user has a live session subscribed to
// the given conversation group.
func (h *Hub) IsUserBound(group string, userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.groups[group] {
		if c.userID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) sendToGroup(group string, msg any) {
	h.mu.RLock()
	clients, ok := h.groups[group]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg any) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.username)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
