package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/p2pchat/internal/logger"
	"github.com/p2pchat/internal/middleware"
	"github.com/p2pchat/internal/repository"
	"github.com/p2pchat/internal/ws"
)

// WSHandler upgrades /ws/chat/{username} connections and binds them into
// the hub. Auth happens after the upgrade so the client gets a close code
// instead of a failed handshake: browsers cannot read HTTP error bodies
// from a rejected upgrade, but they do see close codes.
type WSHandler struct {
	hub            *ws.Hub
	users          UserDirectory
	jwtSecret      []byte
	allowedOrigins string
}

func NewWSHandler(hub *ws.Hub, users UserDirectory, jwtSecret []byte, allowedOrigins string) *WSHandler {
	return &WSHandler{
		hub:            hub,
		users:          users,
		jwtSecret:      jwtSecret,
		allowedOrigins: strings.TrimSpace(allowedOrigins),
	}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	userID, err := middleware.ParseToken(h.jwtSecret, r.URL.Query().Get("token"))
	if err != nil {
		closeWith(conn, ws.CloseUnauthorized, "unauthorized")
		return
	}

	ctx := r.Context()
	user, err := h.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			closeWith(conn, ws.CloseUnauthorized, "unauthorized")
		} else {
			logger.Errorf("ws user lookup id=%d: %v", userID, err)
			closeWith(conn, ws.CloseInternal, "internal error")
		}
		return
	}
	peer, err := h.users.GetByUsername(ctx, chi.URLParam(r, "username"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			closeWith(conn, ws.ClosePeerNotFound, "peer not found")
		} else {
			logger.Errorf("ws peer lookup %q: %v", chi.URLParam(r, "username"), err)
			closeWith(conn, ws.CloseInternal, "internal error")
		}
		return
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, user, peer)
	client.Start(clientCtx, cancel)
	h.hub.Register(client)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
