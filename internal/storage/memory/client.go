// Package memory is an in-process ChatCache for -dev runs and tests.
// It mirrors the redis client's semantics: bounded newest-first history
// lists, score-ordered recency, hash-like unread counters, presence set.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/p2pchat/internal/model"
	"github.com/p2pchat/internal/storage"
)

type Client struct {
	mu      sync.RWMutex
	history map[model.ConversationKey][]model.CachedMessage
	recency map[int64]map[int64]int64
	unread  map[int64]map[int64]int64
	online  map[int64]struct{}
}

func New() *Client {
	return &Client{
		history: make(map[model.ConversationKey][]model.CachedMessage),
		recency: make(map[int64]map[int64]int64),
		unread:  make(map[int64]map[int64]int64),
		online:  make(map[int64]struct{}),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) PushHistory(ctx context.Context, key model.ConversationKey, entry model.CachedMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := append([]model.CachedMessage{entry}, c.history[key]...)
	if len(list) > storage.HistoryLimit {
		list = list[:storage.HistoryLimit]
	}
	c.history[key] = list
	return nil
}

func (c *Client) GetHistory(ctx context.Context, key model.ConversationKey, limit int) ([]model.CachedMessage, error) {
	if limit <= 0 || limit > storage.HistoryLimit {
		limit = storage.HistoryLimit
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := c.history[key]
	if len(list) > limit {
		list = list[:limit]
	}
	out := make([]model.CachedMessage, len(list))
	copy(out, list)
	return out, nil
}

func (c *Client) RebuildHistory(ctx context.Context, key model.ConversationKey, newestFirst []model.CachedMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := make([]model.CachedMessage, len(newestFirst))
	copy(list, newestFirst)
	if len(list) > storage.HistoryLimit {
		list = list[:storage.HistoryLimit]
	}
	c.history[key] = list
	return nil
}

func (c *Client) RemoveHistoryEntry(ctx context.Context, key model.ConversationKey, messageID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.history[key]
	for i, e := range list {
		if e.ID == messageID {
			c.history[key] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (c *Client) InvalidateConversation(ctx context.Context, key model.ConversationKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.history, key)
	return nil
}

func (c *Client) BumpRecency(ctx context.Context, userID, peerID int64, ts int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recency[userID] == nil {
		c.recency[userID] = make(map[int64]int64)
	}
	c.recency[userID][peerID] = ts
	return nil
}

func (c *Client) RemoveRecency(ctx context.Context, userID, peerID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recency[userID], peerID)
	return nil
}

func (c *Client) RecentPeers(ctx context.Context, userID int64) ([]int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	scores := c.recency[userID]
	peers := make([]int64, 0, len(scores))
	for peer := range scores {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		if scores[peers[i]] != scores[peers[j]] {
			return scores[peers[i]] > scores[peers[j]]
		}
		return peers[i] > peers[j]
	})
	return peers, nil
}

func (c *Client) IncrementUnread(ctx context.Context, userID, peerID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unread[userID] == nil {
		c.unread[userID] = make(map[int64]int64)
	}
	c.unread[userID][peerID]++
	return nil
}

func (c *Client) ClearUnread(ctx context.Context, userID, peerID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unread[userID], peerID)
	return nil
}

func (c *Client) UnreadCounts(ctx context.Context, userID int64) (map[int64]int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	counts := make(map[int64]int64, len(c.unread[userID]))
	for peer, n := range c.unread[userID] {
		counts[peer] = n
	}
	return counts, nil
}

func (c *Client) MarkOnline(ctx context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online[userID] = struct{}{}
	return nil
}

func (c *Client) MarkOffline(ctx context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.online, userID)
	return nil
}

func (c *Client) IsOnline(ctx context.Context, userID int64) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.online[userID]
	return ok, nil
}
