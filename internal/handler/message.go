package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/p2pchat/internal/logger"
	"github.com/p2pchat/internal/middleware"
	"github.com/p2pchat/internal/model"
	"github.com/p2pchat/internal/repository"
)

type sendMessageRequest struct {
	Receiver string `json:"receiver"`
	Message  string `json:"message"`
}

type sendMessageResponse struct {
	ID        int64     `json:"id"`
	Receiver  string    `json:"receiver"`
	Timestamp time.Time `json:"timestamp"`
}

// SendMessage serves POST /api/chat/messages. It goes through the same
// pipeline as a websocket frame: encrypt, append, cache, fan out.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("chat.SendMessage", time.Now())()
	ctx := r.Context()

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Receiver == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "'receiver' and 'message' fields are required")
		return
	}

	me, err := h.users.GetByID(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	peer, err := h.users.GetByUsername(ctx, req.Receiver)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "receiver not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	if peer.ID == me.ID {
		writeError(w, http.StatusBadRequest, "cannot message yourself")
		return
	}

	m, err := h.hub.SendMessage(ctx, me.ID, me.Username, peer.ID, peer.Username, req.Message)
	if err != nil {
		logger.Errorf("rest send %s -> %s: %v", me.Username, peer.Username, err)
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	writeJSON(w, http.StatusCreated, sendMessageResponse{
		ID:        m.ID,
		Receiver:  peer.Username,
		Timestamp: m.Timestamp,
	})
}

type decryptRequest struct {
	MessageID int64 `json:"message_id"`
}

type decryptResponse struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

// DecryptMessage serves POST /api/chat/decrypt: plaintext of a single
// message, participants only.
func (h *ChatHandler) DecryptMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req decryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == 0 {
		writeError(w, http.StatusBadRequest, "'message_id' field is required")
		return
	}

	m, err := h.msgs.GetByID(ctx, req.MessageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load message")
		return
	}

	userID := middleware.GetUserID(ctx)
	if m.SenderID != userID && m.ReceiverID != userID {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	text, err := h.codec.Decrypt(m.Ciphertext)
	if err != nil {
		writeError(w, http.StatusBadRequest, "message cannot be decrypted")
		return
	}
	writeJSON(w, http.StatusOK, decryptResponse{ID: m.ID, Message: text})
}

// DeleteMessage serves DELETE /api/chat/messages with a JSON body
// carrying the message id. Sender only, hard delete, with the cache traces
// removed so history and the sidebar stay consistent.
func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("chat.DeleteMessage", time.Now())()
	ctx := r.Context()

	var req decryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == 0 {
		writeError(w, http.StatusBadRequest, "'message_id' field is required")
		return
	}

	m, err := h.msgs.GetByID(ctx, req.MessageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete message")
		return
	}
	if m.SenderID != middleware.GetUserID(ctx) {
		writeError(w, http.StatusForbidden, "only the sender can delete a message")
		return
	}

	if err := h.msgs.Delete(ctx, m.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete message")
		return
	}

	h.scrubDeleted(r, m)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// scrubDeleted removes a deleted message's cache traces. If it was the
// last message of the conversation the recency entries go too, otherwise
// both sides are re-scored to the surviving newest message.
func (h *ChatHandler) scrubDeleted(r *http.Request, m *model.Message) {
	ctx := r.Context()
	key := model.NewConversationKey(m.SenderID, m.ReceiverID)

	if err := h.cache.RemoveHistoryEntry(ctx, key, m.ID); err != nil {
		logger.Errorf("delete scrub history id=%d: %v", m.ID, err)
	}

	n, err := h.msgs.CountBetween(ctx, m.SenderID, m.ReceiverID)
	if err != nil {
		logger.Errorf("delete scrub count id=%d: %v", m.ID, err)
		return
	}
	if n == 0 {
		for _, pair := range [][2]int64{{m.SenderID, m.ReceiverID}, {m.ReceiverID, m.SenderID}} {
			if err := h.cache.RemoveRecency(ctx, pair[0], pair[1]); err != nil {
				logger.Errorf("delete scrub recency %d/%d: %v", pair[0], pair[1], err)
			}
		}
		return
	}

	rest, err := h.msgs.GetConversation(ctx, m.SenderID, m.ReceiverID, 1)
	if err != nil || len(rest) == 0 {
		return
	}
	ts := rest[0].Timestamp.Unix()
	for _, pair := range [][2]int64{{m.SenderID, m.ReceiverID}, {m.ReceiverID, m.SenderID}} {
		if err := h.cache.BumpRecency(ctx, pair[0], pair[1], ts); err != nil {
			logger.Errorf("delete rescore recency %d/%d: %v", pair[0], pair[1], err)
		}
	}
}
