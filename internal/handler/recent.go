package handler

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/p2pchat/internal/logger"
	"github.com/p2pchat/internal/middleware"
	"github.com/p2pchat/internal/model"
)

type recentChatEntry struct {
	User        model.UserPublic `json:"user"`
	LastMessage string           `json:"last_message"`
	Timestamp   time.Time        `json:"timestamp"`
	UnreadCount int64            `json:"unread_count"`
}

// GetRecentChats serves GET /api/chat/recent: the sidebar list, most
// recent conversation first. The recency index and the history heads
// come from the cache; on an empty index the list is recomputed from
// the durable store and the index repopulated.
func (h *ChatHandler) GetRecentChats(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("chat.GetRecentChats", time.Now())()
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	peers, err := h.cache.RecentPeers(ctx, userID)
	if err != nil {
		logger.Errorf("recent peers user=%d: %v", userID, err)
		peers = nil
	}
	if len(peers) == 0 {
		h.recentFromStore(w, r, userID)
		return
	}

	unread, err := h.cache.UnreadCounts(ctx, userID)
	if err != nil {
		logger.Errorf("recent unread user=%d: %v", userID, err)
		unread = map[int64]int64{}
	}
	users, err := h.users.GetByIDs(ctx, peers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load recent chats")
		return
	}

	out := make([]recentChatEntry, 0, len(peers))
	for _, peerID := range peers {
		peer, ok := users[peerID]
		if !ok {
			// Peer row gone; drop the stale index entry.
			if err := h.cache.RemoveRecency(ctx, userID, peerID); err != nil {
				logger.Errorf("recent prune user=%d peer=%d: %v", userID, peerID, err)
			}
			continue
		}
		preview, ts := h.conversationHead(r, userID, peerID)
		out = append(out, recentChatEntry{
			User:        peer.ToPublic(),
			LastMessage: preview,
			Timestamp:   ts,
			UnreadCount: unread[peerID],
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// conversationHead returns the preview text and timestamp of the newest
// cached message with the given peer. Messages sent by the requesting
// user are prefixed with "You: ".
func (h *ChatHandler) conversationHead(r *http.Request, userID, peerID int64) (string, time.Time) {
	key := model.NewConversationKey(userID, peerID)
	entries, err := h.cache.GetHistory(r.Context(), key, 1)
	if err != nil || len(entries) == 0 {
		return "", time.Time{}
	}
	head := entries[0]
	text := h.decryptCached(head.Ciphertext)
	if head.SenderID == userID {
		text = "You: " + text
	}
	return text, head.Timestamp
}

// recentFromStore recomputes the sidebar from the durable store and
// re-seeds the recency index so the next request hits the cache.
func (h *ChatHandler) recentFromStore(w http.ResponseWriter, r *http.Request, userID int64) {
	ctx := r.Context()
	latest, err := h.msgs.LatestPerPeer(ctx, userID)
	if err != nil {
		logger.Errorf("recent fallback user=%d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to load recent chats")
		return
	}
	if len(latest) == 0 {
		writeJSON(w, http.StatusOK, []recentChatEntry{})
		return
	}

	unread, err := h.cache.UnreadCounts(ctx, userID)
	if err != nil {
		unread = map[int64]int64{}
	}

	peerIDs := make([]int64, 0, len(latest))
	for _, m := range latest {
		peerIDs = append(peerIDs, peerOf(&m, userID))
	}
	users, err := h.users.GetByIDs(ctx, peerIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load recent chats")
		return
	}

	out := make([]recentChatEntry, 0, len(latest))
	for _, m := range latest {
		peerID := peerOf(&m, userID)
		peer, ok := users[peerID]
		if !ok {
			continue
		}
		if err := h.cache.BumpRecency(ctx, userID, peerID, m.Timestamp.Unix()); err != nil {
			logger.Errorf("recent reseed user=%d peer=%d: %v", userID, peerID, err)
		}
		text := h.codec.DecryptToText(m.Ciphertext)
		if m.SenderID == userID {
			text = "You: " + text
		}
		out = append(out, recentChatEntry{
			User:        peer.ToPublic(),
			LastMessage: text,
			Timestamp:   m.Timestamp,
			UnreadCount: unread[peerID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	writeJSON(w, http.StatusOK, out)
}

func peerOf(m *model.Message, userID int64) int64 {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// GetUnreadCounts serves GET /api/chat/unread: peer id -> unread count,
// keys rendered as strings for JSON object compatibility.
func (h *ChatHandler) GetUnreadCounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := h.cache.UnreadCounts(ctx, middleware.GetUserID(ctx))
	if err != nil {
		logger.Errorf("unread counts: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load unread counts")
		return
	}
	out := make(map[string]int64, len(counts))
	for peerID, n := range counts {
		out[strconv.FormatInt(peerID, 10)] = n
	}
	writeJSON(w, http.StatusOK, out)
}

type markReadRequest struct {
	Username string `json:"username"`
}

// MarkRead serves POST /api/chat/read: clears the unread counter the
// named peer has accumulated for the requesting user.
func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "'username' field is required")
		return
	}
	peer, err := h.users.GetByUsername(ctx, req.Username)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err := h.cache.ClearUnread(ctx, middleware.GetUserID(ctx), peer.ID); err != nil {
		logger.Errorf("mark read peer=%s: %v", req.Username, err)
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
