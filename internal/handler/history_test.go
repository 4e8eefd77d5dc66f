package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/p2pchat/internal/crypto"
	"github.com/p2pchat/internal/model"
	"github.com/p2pchat/internal/storage"
)

func doRequest(t *testing.T, e *testEnv, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func getHistory(t *testing.T, e *testEnv, who *model.User, peer string, query string) []model.DecryptedMessage {
	t.Helper()
	path := "/api/chat/history/" + peer
	if query != "" {
		path += "?" + query
	}
	resp, data := doRequest(t, e, http.MethodGet, path, e.token(t, who.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d, body %s", resp.StatusCode, data)
	}
	var out []model.DecryptedMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	return out
}

func TestHistoryFromStoreRebuildsCache(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.seedMessage(t, e.alice, e.bob, "one")
	e.seedMessage(t, e.bob, e.alice, "two")
	e.seedMessage(t, e.alice, e.bob, "three")

	got := getHistory(t, e, e.alice, "bob", "")
	if len(got) != 3 {
		t.Fatalf("history length = %d, want 3", len(got))
	}
	// Oldest first.
	wantTexts := []string{"one", "two", "three"}
	wantSenders := []string{"alice", "bob", "alice"}
	for i := range got {
		if got[i].Message != wantTexts[i] || got[i].Sender != wantSenders[i] {
			t.Errorf("entry %d = %s/%q, want %s/%q", i, got[i].Sender, got[i].Message, wantSenders[i], wantTexts[i])
		}
	}

	// The miss repopulated the cache newest-first.
	entries, _ := e.cache.GetHistory(ctx, model.NewConversationKey(e.alice.ID, e.bob.ID), storage.HistoryLimit)
	if len(entries) != 3 || entries[0].ID <= entries[2].ID {
		t.Errorf("rebuilt cache = %v, want 3 entries newest first", entries)
	}

	// Second read is a cache hit: emptying the store must not change it.
	e.msgs.mu.Lock()
	e.msgs.rows = nil
	e.msgs.mu.Unlock()
	again := getHistory(t, e, e.alice, "bob", "")
	if len(again) != 3 {
		t.Errorf("second read length = %d, want 3 served from cache", len(again))
	}
}

func TestHistoryCacheHit(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	key := model.NewConversationKey(e.alice.ID, e.bob.ID)

	// Cache has entries the store does not, so a hit must not touch the store.
	for i := 1; i <= 2; i++ {
		ct, _ := e.codec.Encrypt(fmt.Sprintf("cached %d", i))
		e.cache.PushHistory(ctx, key, model.CachedMessage{
			ID:         int64(i),
			SenderID:   e.bob.ID,
			Ciphertext: base64.StdEncoding.EncodeToString(ct),
			Timestamp:  time.Unix(int64(1700000000+i), 0),
		})
	}

	got := getHistory(t, e, e.alice, "bob", "")
	if len(got) != 2 {
		t.Fatalf("history length = %d, want 2", len(got))
	}
	if got[0].Message != "cached 1" || got[1].Message != "cached 2" {
		t.Errorf("history = [%q %q], want oldest first", got[0].Message, got[1].Message)
	}
	if got[0].Sender != "bob" || got[0].Receiver != "alice" {
		t.Errorf("entry attribution = %s -> %s, want bob -> alice", got[0].Sender, got[0].Receiver)
	}
}

func TestHistoryClearsUnread(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.cache.IncrementUnread(ctx, e.alice.ID, e.bob.ID)

	getHistory(t, e, e.alice, "bob", "")

	counts, _ := e.cache.UnreadCounts(ctx, e.alice.ID)
	if len(counts) != 0 {
		t.Errorf("unread after history read = %v, want empty", counts)
	}
}

func TestHistoryUndecryptablePlaceholder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	key := model.NewConversationKey(e.alice.ID, e.bob.ID)
	e.cache.PushHistory(ctx, key, model.CachedMessage{
		ID:         1,
		SenderID:   e.bob.ID,
		Ciphertext: base64.StdEncoding.EncodeToString([]byte("junk")),
		Timestamp:  time.Now(),
	})

	got := getHistory(t, e, e.alice, "bob", "")
	if len(got) != 1 || got[0].Message != crypto.PlaceholderText {
		t.Errorf("history = %v, want single placeholder entry", got)
	}
}

func TestHistoryCursorBypassesCache(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	old := e.seedMessage(t, e.alice, e.bob, "old")
	e.msgs.setTimestamp(old.ID, time.Now().Add(-2*time.Hour))
	recent := e.seedMessage(t, e.bob, e.alice, "recent")
	e.msgs.setTimestamp(recent.ID, time.Now().Add(-time.Minute))

	cutoff := time.Now().Add(-time.Hour).Format(time.RFC3339)
	got := getHistory(t, e, e.alice, "bob", "before_timestamp="+url.QueryEscape(cutoff))
	if len(got) != 1 || got[0].Message != "old" {
		t.Fatalf("paged history = %v, want only the old message", got)
	}

	// The cursor path must not populate the live-window cache.
	entries, _ := e.cache.GetHistory(ctx, model.NewConversationKey(e.alice.ID, e.bob.ID), storage.HistoryLimit)
	if len(entries) != 0 {
		t.Errorf("cache populated by cursor query: %v", entries)
	}
}

func TestHistoryBadCursor(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := doRequest(t, e, http.MethodGet, "/api/chat/history/bob?before_timestamp=yesterday", e.token(t, e.alice.ID), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHistoryUnknownPeer(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := doRequest(t, e, http.MethodGet, "/api/chat/history/nobody", e.token(t, e.alice.ID), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
