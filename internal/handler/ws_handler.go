package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/hub"
	"github.com/weiawesome/wes-io-relay/internal/service"
	"github.com/weiawesome/wes-io-relay/internal/session"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/middleware"
	"github.com/weiawesome/wes-io-relay/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSConfig holds the connection settings of the websocket endpoint.
type WSConfig struct {
	Client     hub.Config
	SendBuffer int
	// RequireToken rejects upgrades that do not carry a valid token.
	RequireToken bool
}

type WSHandler struct {
	service service.RelayService
	cfg     WSConfig
}

func NewWSHandler(svc service.RelayService, cfg WSConfig) *WSHandler {
	return &WSHandler{
		service: svc,
		cfg:     cfg,
	}
}

func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)

	var identity *domain.Identity
	if h.cfg.RequireToken {
		if token == "" {
			writeError(w, http.StatusUnauthorized, domain.ErrCodeInvalidToken, "missing token")
			return
		}
		id, err := h.service.Authenticate(r.Context(), token)
		if err != nil {
			status := http.StatusUnauthorized
			pub := domain.AsError(err)
			if pub.Code == domain.ErrCodeInternalError {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, pub.Code, pub.Message)
			return
		}
		identity = &id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := log.Ctx(r.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := session.New(uuid.New().String(), h.cfg.SendBuffer)
	client := hub.NewClient(sess, conn, h.cfg.Client)

	// The request context ends when this handler returns; the connection
	// gets its own, cancelled once teardown has run.
	ctx := log.WithLogger(context.Background(), log.Ctx(r.Context()))
	ctx, cancel := context.WithCancel(log.WithSession(ctx, sess.ID()))

	go client.WritePump()

	h.service.HandleConnect(ctx, client, identity)
	if identity == nil && token != "" {
		h.service.HandleAuthenticate(ctx, client, "", token)
	}

	go client.ReadPump(
		func(c *hub.Client, message []byte) {
			h.handleMessage(ctx, c, message)
		},
		func(c *hub.Client) {
			h.service.HandleDisconnect(ctx, c)
			cancel()
		},
	)
}

func (h *WSHandler) handleMessage(ctx context.Context, client *hub.Client, message []byte) {
	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		client.Session.Deliver(domain.NewErrorMessage(domain.NewError(domain.ErrCodeBadRequest, "invalid message format")))
		return
	}

	switch base.Type {
	case domain.MsgTypeAuthenticate:
		var msg domain.AuthenticateMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.Session.Deliver(domain.NewErrorMessage(domain.NewError(domain.ErrCodeBadRequest, "invalid authenticate message")))
			return
		}
		h.service.HandleAuthenticate(ctx, client, msg.RequestID, msg.Token)

	case domain.MsgTypeSendMessage:
		var msg domain.SendMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.Session.Deliver(&domain.SendMessageResultMessage{
				Type:    domain.MsgTypeSendMessageResult,
				Success: false,
				Error:   domain.InvalidRequest("invalid send_message payload"),
			})
			return
		}
		h.service.HandleSendMessage(ctx, client, &msg)

	case domain.MsgTypePing:
		h.service.HandlePing(ctx, client)

	default:
		client.Session.Deliver(domain.NewErrorMessage(domain.NewError(domain.ErrCodeBadRequest, "unknown message type")))
	}
}

func (h *WSHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", h.HandleWebSocket)
}

// tokenFromRequest reads the handshake token from the token query
// parameter or a bearer Authorization header.
func tokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if token, ok := middleware.BearerToken(r.Header.Get(middleware.AuthHeaderKey)); ok {
		return token
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response.Response{
		Success: false,
		Error:   &response.ErrorInfo{Code: code, Message: message},
	})
}
