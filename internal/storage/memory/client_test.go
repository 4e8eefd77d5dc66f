package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/p2pchat/internal/model"
	"github.com/p2pchat/internal/storage"
)

func entry(id int64, senderID int64) model.CachedMessage {
	return model.CachedMessage{
		ID:         id,
		SenderID:   senderID,
		Ciphertext: fmt.Sprintf("ct-%d", id),
		Timestamp:  time.Unix(1700000000+id, 0),
	}
}

func TestPushHistoryBounded(t *testing.T) {
	c := New()
	ctx := context.Background()
	key := model.NewConversationKey(1, 2)

	for i := int64(1); i <= 150; i++ {
		if err := c.PushHistory(ctx, key, entry(i, 1)); err != nil {
			t.Fatalf("PushHistory: %v", err)
		}
	}

	got, err := c.GetHistory(ctx, key, storage.HistoryLimit)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(got) != storage.HistoryLimit {
		t.Fatalf("history length = %d, want %d", len(got), storage.HistoryLimit)
	}
	// Newest first: 150 down to 51.
	if got[0].ID != 150 {
		t.Errorf("head ID = %d, want 150", got[0].ID)
	}
	if got[len(got)-1].ID != 51 {
		t.Errorf("tail ID = %d, want 51", got[len(got)-1].ID)
	}
}

func TestGetHistoryLimit(t *testing.T) {
	c := New()
	ctx := context.Background()
	key := model.NewConversationKey(1, 2)
	for i := int64(1); i <= 10; i++ {
		c.PushHistory(ctx, key, entry(i, 1))
	}
	got, _ := c.GetHistory(ctx, key, 3)
	if len(got) != 3 || got[0].ID != 10 || got[2].ID != 8 {
		t.Errorf("GetHistory(3) = %v, want IDs [10 9 8]", got)
	}
}

func TestRebuildHistoryReplaces(t *testing.T) {
	c := New()
	ctx := context.Background()
	key := model.NewConversationKey(1, 2)
	c.PushHistory(ctx, key, entry(1, 1))

	if err := c.RebuildHistory(ctx, key, []model.CachedMessage{entry(3, 2), entry(2, 1)}); err != nil {
		t.Fatalf("RebuildHistory: %v", err)
	}
	got, _ := c.GetHistory(ctx, key, storage.HistoryLimit)
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 2 {
		t.Errorf("history after rebuild = %v, want IDs [3 2]", got)
	}
}

func TestRemoveHistoryEntry(t *testing.T) {
	c := New()
	ctx := context.Background()
	key := model.NewConversationKey(1, 2)
	for i := int64(1); i <= 3; i++ {
		c.PushHistory(ctx, key, entry(i, 1))
	}
	if err := c.RemoveHistoryEntry(ctx, key, 2); err != nil {
		t.Fatalf("RemoveHistoryEntry: %v", err)
	}
	got, _ := c.GetHistory(ctx, key, storage.HistoryLimit)
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 1 {
		t.Errorf("history after remove = %v, want IDs [3 1]", got)
	}
	// Removing a missing ID is a no-op.
	if err := c.RemoveHistoryEntry(ctx, key, 99); err != nil {
		t.Fatalf("RemoveHistoryEntry(missing): %v", err)
	}
}

func TestInvalidateConversation(t *testing.T) {
	c := New()
	ctx := context.Background()
	key := model.NewConversationKey(1, 2)
	c.PushHistory(ctx, key, entry(1, 1))
	if err := c.InvalidateConversation(ctx, key); err != nil {
		t.Fatalf("InvalidateConversation: %v", err)
	}
	got, _ := c.GetHistory(ctx, key, storage.HistoryLimit)
	if len(got) != 0 {
		t.Errorf("history after invalidate = %v, want empty", got)
	}
}

func TestRecencyOrdering(t *testing.T) {
	c := New()
	ctx := context.Background()

	c.BumpRecency(ctx, 1, 10, 100)
	c.BumpRecency(ctx, 1, 20, 300)
	c.BumpRecency(ctx, 1, 30, 200)

	peers, err := c.RecentPeers(ctx, 1)
	if err != nil {
		t.Fatalf("RecentPeers: %v", err)
	}
	want := []int64{20, 30, 10}
	if len(peers) != len(want) {
		t.Fatalf("RecentPeers = %v, want %v", peers, want)
	}
	for i := range want {
		if peers[i] != want[i] {
			t.Fatalf("RecentPeers = %v, want %v", peers, want)
		}
	}

	// Re-bumping moves a peer to the front.
	c.BumpRecency(ctx, 1, 10, 400)
	peers, _ = c.RecentPeers(ctx, 1)
	if peers[0] != 10 {
		t.Errorf("after re-bump head = %d, want 10", peers[0])
	}

	c.RemoveRecency(ctx, 1, 20)
	peers, _ = c.RecentPeers(ctx, 1)
	for _, p := range peers {
		if p == 20 {
			t.Error("peer 20 still present after RemoveRecency")
		}
	}
}

func TestUnreadCounters(t *testing.T) {
	c := New()
	ctx := context.Background()

	c.IncrementUnread(ctx, 1, 2)
	c.IncrementUnread(ctx, 1, 2)
	c.IncrementUnread(ctx, 1, 3)

	counts, err := c.UnreadCounts(ctx, 1)
	if err != nil {
		t.Fatalf("UnreadCounts: %v", err)
	}
	if counts[2] != 2 || counts[3] != 1 {
		t.Errorf("counts = %v, want map[2:2 3:1]", counts)
	}

	c.ClearUnread(ctx, 1, 2)
	counts, _ = c.UnreadCounts(ctx, 1)
	if _, ok := counts[2]; ok {
		t.Error("peer 2 still present after ClearUnread")
	}
	if counts[3] != 1 {
		t.Errorf("peer 3 count = %d, want 1", counts[3])
	}
}

func TestPresence(t *testing.T) {
	c := New()
	ctx := context.Background()

	on, _ := c.IsOnline(ctx, 5)
	if on {
		t.Error("user 5 online before MarkOnline")
	}
	c.MarkOnline(ctx, 5)
	if on, _ = c.IsOnline(ctx, 5); !on {
		t.Error("user 5 offline after MarkOnline")
	}
	c.MarkOffline(ctx, 5)
	if on, _ = c.IsOnline(ctx, 5); on {
		t.Error("user 5 online after MarkOffline")
	}
}
