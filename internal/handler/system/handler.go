package system

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/kudos-pass/backend/pkg/utils"
)

// Pinger reports storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Availability reports whether an optional dependency is configured.
type Availability interface {
	Available() bool
}

// Handler 提供时间同步与健康检查接口
type Handler struct {
	store Pinger
	push  Availability
	now   func() time.Time
}

// New 创建系统处理器
func New(store Pinger, push Availability) *Handler {
	return &Handler{store: store, push: push, now: time.Now}
}

// RegisterRoutes 注册系统路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/now", h.handleNow)
	r.Get("/health", h.handleHealth)
}

// handleNow returns the server clock so clients can correct their countdowns.
func (h *Handler) handleNow(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"nowUtc": h.now().UTC().Format(time.RFC3339Nano),
	})
}

type check struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	storage := check{OK: true}
	if err := h.store.Ping(ctx); err != nil {
		storage = check{Error: err.Error()}
	}
	push := check{OK: h.push != nil && h.push.Available()}

	// 推送不可用时客户端会退化为轮询，只有存储决定整体健康状态。
	status := http.StatusOK
	if !storage.OK {
		status = http.StatusServiceUnavailable
	}
	utils.RespondJSON(w, status, map[string]any{
		"ok":         storage.OK,
		"storage":    storage,
		"realtime":   push,
		"durationMs": time.Since(started).Milliseconds(),
	})
}
