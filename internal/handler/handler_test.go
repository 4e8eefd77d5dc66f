package handler

import (
	"context"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/p2pchat/internal/crypto"
	"github.com/p2pchat/internal/middleware"
	"github.com/p2pchat/internal/model"
	"github.com/p2pchat/internal/repository"
	"github.com/p2pchat/internal/storage/memory"
	"github.com/p2pchat/internal/ws"
)

var testSecret = []byte("test-secret")

// fakeUsers is an in-memory UserDirectory for both the handlers and the
// hub's presence writes.
type fakeUsers struct {
	mu     sync.Mutex
	byID   map[int64]*model.User
	online map[int64]bool

	lookupErr error
}

func newFakeUsers(users ...*model.User) *fakeUsers {
	f := &fakeUsers{byID: make(map[int64]*model.User), online: make(map[int64]bool)}
	for _, u := range users {
		f.byID[u.ID] = u
	}
	return f
}

func (f *fakeUsers) GetByID(ctx context.Context, id int64) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	u, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeUsers) GetByIDs(ctx context.Context, ids []int64) (map[int64]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]model.User, len(ids))
	for _, id := range ids {
		if u, ok := f.byID[id]; ok {
			out[id] = *u
		}
	}
	return out, nil
}

func (f *fakeUsers) SetOnline(ctx context.Context, userID int64, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = online
	return nil
}

func (f *fakeUsers) isOnline(userID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID]
}

// fakeMessages is an in-memory durable store mirroring the repository's
// query semantics: newest first, ordered by timestamp then id.
type fakeMessages struct {
	mu     sync.Mutex
	nextID int64
	rows   []model.Message

	failAppend bool
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{nextID: 1}
}

func (f *fakeMessages) Append(ctx context.Context, senderID, receiverID int64, ciphertext []byte) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppend {
		return nil, context.DeadlineExceeded
	}
	m := model.Message{
		ID:         f.nextID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Ciphertext: ciphertext,
		Timestamp:  time.Now().UTC(),
	}
	f.nextID++
	f.rows = append(f.rows, m)
	return &m, nil
}

func (f *fakeMessages) setTimestamp(id int64, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows[i].Timestamp = ts
			return
		}
	}
}

func (f *fakeMessages) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == id {
			cp := f.rows[i]
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeMessages) conversation(a, b int64) []model.Message {
	var out []model.Message
	for _, m := range f.rows {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (f *fakeMessages) GetConversation(ctx context.Context, a, b int64, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.conversation(a, b)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessages) GetConversationBefore(ctx context.Context, a, b int64, before time.Time, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.conversation(a, b)
	var out []model.Message
	for _, m := range all {
		if m.Timestamp.Before(before) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessages) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeMessages) CountBetween(ctx context.Context, a, b int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.conversation(a, b))), nil
}

func (f *fakeMessages) LatestPerPeer(ctx context.Context, userID int64) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	latest := make(map[int64]model.Message)
	for _, m := range f.rows {
		var peer int64
		switch {
		case m.SenderID == userID:
			peer = m.ReceiverID
		case m.ReceiverID == userID:
			peer = m.SenderID
		default:
			continue
		}
		cur, ok := latest[peer]
		if !ok || m.Timestamp.After(cur.Timestamp) || (m.Timestamp.Equal(cur.Timestamp) && m.ID > cur.ID) {
			latest[peer] = m
		}
	}
	out := make([]model.Message, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// testEnv wires a full stack on an in-memory cache and fake repositories.
type testEnv struct {
	srv   *httptest.Server
	users *fakeUsers
	msgs  *fakeMessages
	cache *memory.Client
	codec *crypto.Codec
	hub   *ws.Hub

	alice *model.User
	bob   *model.User
	carol *model.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	codec, err := crypto.NewCodec(key)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	alice := &model.User{ID: 1, Username: "alice"}
	bob := &model.User{ID: 2, Username: "bob"}
	carol := &model.User{ID: 3, Username: "carol"}
	users := newFakeUsers(alice, bob, carol)
	msgs := newFakeMessages()
	cache := memory.New()

	hub := ws.NewHub(msgs, users, cache, codec, ws.Settings{MaxConnections: 100}, nil)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	chatH := NewChatHandler(users, msgs, cache, codec, hub)
	wsH := NewWSHandler(hub, users, testSecret, "*")

	r := chi.NewRouter()
	r.Get("/ws/chat/{username}", wsH.ServeWS)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(testSecret))
		r.Get("/api/chat/history/{username}", chatH.GetHistory)
		r.Get("/api/chat/recent", chatH.GetRecentChats)
		r.Get("/api/chat/unread", chatH.GetUnreadCounts)
		r.Post("/api/chat/read", chatH.MarkRead)
		r.Post("/api/chat/messages", chatH.SendMessage)
		r.Delete("/api/chat/messages", chatH.DeleteMessage)
		r.Post("/api/chat/decrypt", chatH.DecryptMessage)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		hubCancel()
		<-hubDone
	})

	return &testEnv{
		srv:   srv,
		users: users,
		msgs:  msgs,
		cache: cache,
		codec: codec,
		hub:   hub,
		alice: alice,
		bob:   bob,
		carol: carol,
	}
}

func (e *testEnv) token(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := middleware.NewToken(testSecret, userID, time.Hour)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	return tok
}

// seedMessage stores an encrypted message directly, bypassing the hub.
func (e *testEnv) seedMessage(t *testing.T, sender, receiver *model.User, text string) *model.Message {
	t.Helper()
	ct, err := e.codec.Encrypt(text)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	m, err := e.msgs.Append(context.Background(), sender.ID, receiver.ID, ct)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return m
}
