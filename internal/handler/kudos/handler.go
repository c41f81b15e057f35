package kudos

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/kudos-pass/backend/internal/export"
	"github.com/zhouzirui/kudos-pass/backend/internal/middleware"
	model "github.com/zhouzirui/kudos-pass/backend/internal/model/kudos"
	"github.com/zhouzirui/kudos-pass/backend/internal/ratelimit"
	kudosService "github.com/zhouzirui/kudos-pass/backend/internal/service/kudos"
	"github.com/zhouzirui/kudos-pass/backend/pkg/utils"
)

// AdminTokenHeader carries the session capability token. It is never read
// from the query string or the body.
const AdminTokenHeader = "X-Admin-Token"

// Handler 会话相关的HTTP处理器
type Handler struct {
	svc   *kudosService.Service
	guard *ratelimit.Guard
}

// New 创建会话处理器；guard 为 nil 时不限流。
func New(svc *kudosService.Service, guard *ratelimit.Guard) *Handler {
	return &Handler{svc: svc, guard: guard}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Admit(h.guard))
		r.Post("/session", h.handleCreateSession)
		r.Get("/session", h.handleHydrate)
		r.Post("/join", h.handleJoin)
		r.Get("/assignment", h.handleAssignment)
		r.Post("/round/start", h.handleStartRound)
		r.Post("/round/end", h.handleEndRound)
		r.Post("/session/lock", h.handleLock)
		r.Post("/session/end", h.handleEndSession)
		r.Post("/moderation/softDelete", h.handleSoftDelete)
		r.Get("/moderation/notes", h.handleAuditNotes)
		r.Get("/export/csv", h.handleExportCSV)
	})
	// note 路由在解析请求体后按会话维度额外限流。
	r.Post("/note", h.handleSubmitNote)
}

func adminToken(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(AdminTokenHeader))
}

// handleCreateSession 创建会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title    string         `json:"title"`
		Settings model.Settings `json:"settings"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.svc.CreateSession(r.Context(), kudosService.CreateSessionInput{
		Title:    payload.Title,
		Settings: payload.Settings,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, res)
}

// handleHydrate 返回会话快照，支持 If-None-Match 条件请求。
func (h *Handler) handleHydrate(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		utils.RespondError(w, http.StatusBadRequest, "code query parameter is required")
		return
	}

	res, err := h.svc.Hydrate(r.Context(), code, r.Header.Get("If-None-Match"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("ETag", res.ETag)
	w.Header().Set("Cache-Control", "no-cache")
	if res.Unchanged {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	utils.RespondJSON(w, http.StatusOK, res.State)
}

func (h *Handler) handleAssignment(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	assignment, err := h.svc.Assignment(r.Context(), query.Get("code"), strings.TrimSpace(query.Get("participantId")))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, assignment)
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionCode string `json:"sessionCode"`
		Name        string `json:"name"`
		Email       string `json:"email"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	participant, err := h.svc.Join(r.Context(), kudosService.JoinInput{
		SessionCode: payload.SessionCode,
		Name:        payload.Name,
		Email:       payload.Email,
		AdminToken:  adminToken(r),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"participantId": participant.ID,
		"host":          participant.Host,
	})
}

func (h *Handler) handleStartRound(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionCode string `json:"sessionCode"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.svc.StartRound(r.Context(), payload.SessionCode, adminToken(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"roundIndex":    res.RoundIndex,
		"roundStartUtc": res.RoundStartedAt,
	})
}

// handleEndRound 结束当前轮次。round 参数为调用方看到到期的轮次，多个客户端同时触发时只推进一次。
func (h *Handler) handleEndRound(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var observed *int
	if raw := query.Get("round"); raw != "" {
		index, err := strconv.Atoi(raw)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "round must be an integer")
			return
		}
		observed = &index
	}

	res, err := h.svc.EndRound(r.Context(), query.Get("code"), adminToken(r), observed)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	body := map[string]any{
		"ok":       true,
		"finished": res.Finished,
		"advanced": res.Advanced,
	}
	if !res.Finished {
		body["roundIndex"] = res.RoundIndex
		body["roundStartUtc"] = res.RoundStartedAt
	}
	utils.RespondJSON(w, http.StatusOK, body)
}

func (h *Handler) handleSubmitNote(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionCode string `json:"sessionCode"`
		AuthorID    string `json:"authorId"`
		RecipientID string `json:"recipientId"`
		Text        string `json:"text"`
	}
	err := utils.DecodeJSON(w, r, &payload)
	action := ""
	if err == nil {
		action = "note:" + strings.ToUpper(strings.TrimSpace(payload.SessionCode))
	}
	if !h.guard.Allow(middleware.ClientIP(r), action) {
		respondServiceError(w, kudosService.ErrRateLimited)
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	note, err := h.svc.SubmitNote(r.Context(), kudosService.SubmitNoteInput{
		SessionCode: payload.SessionCode,
		AuthorID:    payload.AuthorID,
		RecipientID: payload.RecipientID,
		Text:        payload.Text,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"ok": true, "noteId": note.ID})
}

func (h *Handler) handleLock(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	locked := false
	switch query.Get("lock") {
	case "1", "true":
		locked = true
	case "0", "false", "":
	default:
		utils.RespondError(w, http.StatusBadRequest, "lock must be 0 or 1")
		return
	}

	session, err := h.svc.SetSubmissionLock(r.Context(), query.Get("code"), adminToken(r), locked)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"ok": true, "submissionLocked": session.SubmissionLocked})
}

func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.EndSession(r.Context(), r.URL.Query().Get("code"), adminToken(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"ok": true, "status": session.Status})
}

func (h *Handler) handleSoftDelete(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionCode string `json:"sessionCode"`
		NoteID      string `json:"noteId"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.svc.SoftDeleteNote(r.Context(), payload.SessionCode, adminToken(r), payload.NoteID); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleAuditNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := h.svc.AuditNotes(r.Context(), r.URL.Query().Get("code"), adminToken(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"notes": notes})
}

// handleExportCSV 导出便签为 CSV 附件
func (h *Handler) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("code")))
	rows, err := h.svc.ExportNotes(r.Context(), code, adminToken(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(code)+`"`)
	w.WriteHeader(http.StatusOK)
	if err := export.WriteCSV(w, rows); err != nil {
		log.Printf("[export] session=%s write csv failed: %v", code, err)
	}
}

// respondServiceError maps a service error to its HTTP status.
func respondServiceError(w http.ResponseWriter, err error) {
	switch kudosService.KindOf(err) {
	case kudosService.KindValidation:
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case kudosService.KindNotFound:
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case kudosService.KindUnauthorized:
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
	case kudosService.KindConflict:
		utils.RespondError(w, http.StatusConflict, err.Error())
	case kudosService.KindContent:
		var contentErr *kudosService.ContentError
		hint := err.Error()
		if errors.As(err, &contentErr) {
			hint = contentErr.Hint
		}
		utils.RespondErrorHint(w, http.StatusUnprocessableEntity, "content rejected", hint)
	case kudosService.KindRateLimited:
		utils.RespondError(w, http.StatusTooManyRequests, "too many requests")
	default:
		log.Printf("[kudos] internal error: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
