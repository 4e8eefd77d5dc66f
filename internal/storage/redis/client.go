package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/p2pchat/internal/model"
	"github.com/p2pchat/internal/storage"
)

const onlineSetKey = "online_users"

func chatKey(key model.ConversationKey) string {
	return fmt.Sprintf("chat:%d:%d", key.Low, key.High)
}

func recentChatsKey(userID int64) string {
	return fmt.Sprintf("recent_chats:%d", userID)
}

func unreadKey(userID int64) string {
	return fmt.Sprintf("unread:%d", userID)
}

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) PushHistory(ctx context.Context, key model.ConversationKey, entry model.CachedMessage) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis.PushHistory marshal: %w", err)
	}
	pipe := c.cli.Pipeline()
	pipe.LPush(ctx, chatKey(key), raw)
	pipe.LTrim(ctx, chatKey(key), 0, storage.HistoryLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.PushHistory: %w", err)
	}
	return nil
}

// GetHistory returns up to limit entries, newest first. An empty result is
// the cache-miss signal; entries that no longer unmarshal are skipped.
func (c *Client) GetHistory(ctx context.Context, key model.ConversationKey, limit int) ([]model.CachedMessage, error) {
	if limit <= 0 || limit > storage.HistoryLimit {
		limit = storage.HistoryLimit
	}
	raws, err := c.cli.LRange(ctx, chatKey(key), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis.GetHistory: %w", err)
	}
	entries := make([]model.CachedMessage, 0, len(raws))
	for _, raw := range raws {
		var e model.CachedMessage
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// RebuildHistory replaces the whole list. Input is newest-first; entries
// are pushed oldest-first so the newest ends up at the head.
func (c *Client) RebuildHistory(ctx context.Context, key model.ConversationKey, newestFirst []model.CachedMessage) error {
	pipe := c.cli.Pipeline()
	pipe.Del(ctx, chatKey(key))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		raw, err := json.Marshal(newestFirst[i])
		if err != nil {
			return fmt.Errorf("redis.RebuildHistory marshal: %w", err)
		}
		pipe.LPush(ctx, chatKey(key), raw)
	}
	pipe.LTrim(ctx, chatKey(key), 0, storage.HistoryLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.RebuildHistory: %w", err)
	}
	return nil
}

func (c *Client) RemoveHistoryEntry(ctx context.Context, key model.ConversationKey, messageID int64) error {
	raws, err := c.cli.LRange(ctx, chatKey(key), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis.RemoveHistoryEntry: %w", err)
	}
	for _, raw := range raws {
		var e model.CachedMessage
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.ID == messageID {
			if err := c.cli.LRem(ctx, chatKey(key), 1, raw).Err(); err != nil {
				return fmt.Errorf("redis.RemoveHistoryEntry lrem: %w", err)
			}
			return nil
		}
	}
	return nil
}

func (c *Client) InvalidateConversation(ctx context.Context, key model.ConversationKey) error {
	if err := c.cli.Del(ctx, chatKey(key)).Err(); err != nil {
		return fmt.Errorf("redis.InvalidateConversation: %w", err)
	}
	return nil
}

func (c *Client) BumpRecency(ctx context.Context, userID, peerID int64, ts int64) error {
	err := c.cli.ZAdd(ctx, recentChatsKey(userID), redis.Z{
		Score:  float64(ts),
		Member: strconv.FormatInt(peerID, 10),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis.BumpRecency: %w", err)
	}
	return nil
}

func (c *Client) RemoveRecency(ctx context.Context, userID, peerID int64) error {
	err := c.cli.ZRem(ctx, recentChatsKey(userID), strconv.FormatInt(peerID, 10)).Err()
	if err != nil {
		return fmt.Errorf("redis.RemoveRecency: %w", err)
	}
	return nil
}

// RecentPeers returns peer IDs ordered by last activity, most recent first.
func (c *Client) RecentPeers(ctx context.Context, userID int64) ([]int64, error) {
	members, err := c.cli.ZRevRange(ctx, recentChatsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis.RecentPeers: %w", err)
	}
	peers := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		peers = append(peers, id)
	}
	return peers, nil
}

func (c *Client) IncrementUnread(ctx context.Context, userID, peerID int64) error {
	err := c.cli.HIncrBy(ctx, unreadKey(userID), strconv.FormatInt(peerID, 10), 1).Err()
	if err != nil {
		return fmt.Errorf("redis.IncrementUnread: %w", err)
	}
	return nil
}

func (c *Client) ClearUnread(ctx context.Context, userID, peerID int64) error {
	err := c.cli.HDel(ctx, unreadKey(userID), strconv.FormatInt(peerID, 10)).Err()
	if err != nil {
		return fmt.Errorf("redis.ClearUnread: %w", err)
	}
	return nil
}

func (c *Client) UnreadCounts(ctx context.Context, userID int64) (map[int64]int64, error) {
	raw, err := c.cli.HGetAll(ctx, unreadKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis.UnreadCounts: %w", err)
	}
	counts := make(map[int64]int64, len(raw))
	for k, v := range raw {
		peer, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		counts[peer] = n
	}
	return counts, nil
}

func (c *Client) MarkOnline(ctx context.Context, userID int64) error {
	err := c.cli.SAdd(ctx, onlineSetKey, strconv.FormatInt(userID, 10)).Err()
	if err != nil {
		return fmt.Errorf("redis.MarkOnline: %w", err)
	}
	return nil
}

func (c *Client) MarkOffline(ctx context.Context, userID int64) error {
	err := c.cli.SRem(ctx, onlineSetKey, strconv.FormatInt(userID, 10)).Err()
	if err != nil {
		return fmt.Errorf("redis.MarkOffline: %w", err)
	}
	return nil
}

func (c *Client) IsOnline(ctx context.Context, userID int64) (bool, error) {
	ok, err := c.cli.SIsMember(ctx, onlineSetKey, strconv.FormatInt(userID, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("redis.IsOnline: %w", err)
	}
	return ok, nil
}
