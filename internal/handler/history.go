package handler

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/p2pchat/internal/crypto"
	"github.com/p2pchat/internal/logger"
	"github.com/p2pchat/internal/middleware"
	"github.com/p2pchat/internal/model"
	"github.com/p2pchat/internal/storage"
)

// GetHistory serves GET /api/chat/history/{username}.
//
// Without a cursor it serves the live window: cache first, durable store
// on miss (repopulating the cache). With before_timestamp it always goes
// to the durable store and leaves the cache alone — only the live window
// is cached. Entries are returned oldest-first.
func (h *ChatHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("chat.GetHistory", time.Now())()
	ctx := r.Context()

	me, err := h.users.GetByID(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	peer, err := h.users.GetByUsername(ctx, chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	if cursor := r.URL.Query().Get("before_timestamp"); cursor != "" {
		before, err := time.Parse(time.RFC3339, cursor)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before_timestamp, expected RFC3339")
			return
		}
		messages, err := h.msgs.GetConversationBefore(ctx, me.ID, peer.ID, before, historyPageSize)
		if err != nil {
			logger.Errorf("history page %s/%s: %v", me.Username, peer.Username, err)
			writeError(w, http.StatusInternalServerError, "failed to load history")
			return
		}
		writeJSON(w, http.StatusOK, h.decryptOldestFirst(messages, me, peer))
		return
	}

	// Opening the conversation is the read receipt.
	if err := h.cache.ClearUnread(ctx, me.ID, peer.ID); err != nil {
		logger.Errorf("history clear unread user=%s: %v", me.Username, err)
	}

	key := model.NewConversationKey(me.ID, peer.ID)
	entries, err := h.cache.GetHistory(ctx, key, storage.HistoryLimit)
	if err != nil {
		// Cache down: degrade to the store path.
		logger.Errorf("history cache read %s/%s: %v", me.Username, peer.Username, err)
		entries = nil
	}

	if len(entries) > 0 {
		out := make([]model.DecryptedMessage, 0, len(entries))
		for _, e := range entries {
			sender, receiver := me, peer
			if e.SenderID == peer.ID {
				sender, receiver = peer, me
			}
			out = append(out, model.DecryptedMessage{
				ID:        e.ID,
				Sender:    sender.Username,
				Receiver:  receiver.Username,
				Timestamp: e.Timestamp,
				Message:   h.decryptCached(e.Ciphertext),
			})
		}
		reverseDecrypted(out)
		writeJSON(w, http.StatusOK, out)
		return
	}

	// Cache miss: durable store is authoritative; rebuild the live window.
	messages, err := h.msgs.GetConversation(ctx, me.ID, peer.ID, storage.HistoryLimit)
	if err != nil {
		logger.Errorf("history fallback %s/%s: %v", me.Username, peer.Username, err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if len(messages) > 0 {
		rebuilt := make([]model.CachedMessage, 0, len(messages))
		for _, m := range messages {
			rebuilt = append(rebuilt, model.CachedMessage{
				ID:         m.ID,
				SenderID:   m.SenderID,
				Ciphertext: base64.StdEncoding.EncodeToString(m.Ciphertext),
				Timestamp:  m.Timestamp,
			})
		}
		if err := h.cache.RebuildHistory(ctx, key, rebuilt); err != nil {
			logger.Errorf("history cache rebuild %s/%s: %v", me.Username, peer.Username, err)
		}
	}
	writeJSON(w, http.StatusOK, h.decryptOldestFirst(messages, me, peer))
}

// decryptOldestFirst turns newest-first store rows into the oldest-first
// response shape, substituting the placeholder for undecryptable entries.
func (h *ChatHandler) decryptOldestFirst(messages []model.Message, me, peer *model.User) []model.DecryptedMessage {
	out := make([]model.DecryptedMessage, 0, len(messages))
	for _, m := range messages {
		sender, receiver := me, peer
		if m.SenderID == peer.ID {
			sender, receiver = peer, me
		}
		out = append(out, model.DecryptedMessage{
			ID:        m.ID,
			Sender:    sender.Username,
			Receiver:  receiver.Username,
			Timestamp: m.Timestamp,
			Message:   h.codec.DecryptToText(m.Ciphertext),
		})
	}
	reverseDecrypted(out)
	return out
}

// decryptCached decodes the transport encoding and decrypts, mapping any
// failure to the placeholder.
func (h *ChatHandler) decryptCached(ciphertextB64 string) string {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return crypto.PlaceholderText
	}
	return h.codec.DecryptToText(raw)
}

func reverseDecrypted(s []model.DecryptedMessage) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
