package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/kudos-pass/backend/internal/realtime"
	"github.com/zhouzirui/kudos-pass/backend/pkg/utils"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
	sseHeartbeat = 15 * time.Second
)

// Client message types, following the Web PubSub JSON subprotocol.
const (
	typeJoinGroup  = "joinGroup"
	typeLeaveGroup = "leaveGroup"
	typeAck        = "ack"
)

// Handler 实时推送处理器：协商、WebSocket 与 SSE。
type Handler struct {
	hub        *realtime.Hub
	negotiator *realtime.Negotiator
	upgrader   websocket.Upgrader
}

// New 创建实时推送处理器
func New(hub *realtime.Hub, negotiator *realtime.Negotiator) *Handler {
	return &Handler{
		hub:        hub,
		negotiator: negotiator,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册实时推送路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/webpubsub/negotiate", h.handleNegotiate)
	r.Get("/realtime/ws", h.handleWebSocket)
	r.Get("/realtime/sse/{code}", h.handleSSE)
}

func (h *Handler) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "realtime unavailable")
		return
	}
	url, err := h.negotiator.SubscriptionURL(r.URL.Query().Get("user"))
	if errors.Is(err, realtime.ErrUnavailable) {
		utils.RespondError(w, http.StatusServiceUnavailable, "realtime unavailable")
		return
	}
	if err != nil {
		log.Printf("[realtime] negotiate failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "negotiate failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"url": url})
}

type clientMessage struct {
	Type  string `json:"type"`
	Group string `json:"group"`
	AckID uint64 `json:"ackId,omitempty"`
}

type ackMessage struct {
	Type    string `json:"type"`
	AckID   uint64 `json:"ackId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// handleWebSocket 处理推送连接。客户端通过 joinGroup 订阅 session:<code>，服务端只下发事件帧。
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		http.Error(w, "realtime unavailable", http.StatusServiceUnavailable)
		return
	}
	claims, err := h.negotiator.Verify(r.URL.Query().Get("access_token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe()
	defer sub.Close()
	log.Printf("[websocket] connected user=%s sub=%d", claims.Subject, sub.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	acks := make(chan ackMessage, 8)
	go h.writeLoop(ctx, cancel, conn, sub, acks)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error user=%s: %v", claims.Subject, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		ack := ackMessage{Type: typeAck, AckID: msg.AckID, Success: true}
		switch {
		case msg.Type != typeJoinGroup && msg.Type != typeLeaveGroup:
			ack.Success, ack.Error = false, "unsupported message type"
		case !claims.CanJoinGroups():
			ack.Success, ack.Error = false, "forbidden"
		case !strings.HasPrefix(msg.Group, realtime.Group("")) || msg.Group == realtime.Group(""):
			ack.Success, ack.Error = false, "invalid group"
		case msg.Type == typeJoinGroup:
			sub.Join(msg.Group)
		default:
			sub.Leave(msg.Group)
		}
		if msg.AckID == 0 && ack.Success {
			continue
		}
		select {
		case acks <- ack:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop 是连接上唯一的写入者：事件、确认帧与 ping 都从这里发出。
func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *realtime.Subscription, acks <-chan ackMessage) {
	defer cancel()
	// 关闭连接以唤醒阻塞在读取上的处理协程。
	defer conn.Close()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-sub.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case ack := <-acks:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ack); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// handleSSE 以 Server-Sent Events 推送会话事件，供无法使用 WebSocket 的客户端订阅。
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	if h.hub == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "realtime unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.hub.Subscribe(realtime.Group(code))
	defer sub.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEEvent(w, flusher, "ready", map[string]string{"sessionCode": code}); err != nil {
		return
	}
	log.Printf("[sse] opening stream for session=%s", code)

	ctx := r.Context()
	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sse] closing stream for session=%s", code)
			return
		case message, ok := <-sub.C():
			if !ok {
				return
			}
			var envelope realtime.Envelope
			if err := json.Unmarshal(message, &envelope); err != nil {
				log.Printf("[sse] drop malformed message for session=%s: %v", code, err)
				continue
			}
			if err := utils.SendSSEEvent(w, flusher, envelope.Event, envelope.Payload); err != nil {
				log.Printf("[sse] write failed for session=%s: %v", code, err)
				return
			}
		case t := <-ticker.C:
			if err := utils.SendSSEEvent(w, flusher, "heartbeat", map[string]string{"time": t.UTC().Format(time.RFC3339)}); err != nil {
				return
			}
		}
	}
}
