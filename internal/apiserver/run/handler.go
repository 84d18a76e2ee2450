package run

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"genflow/internal/apiserver/auth"
	"genflow/internal/pipeline"
	"genflow/internal/shared/storage"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// Handler Run 领域 HTTP 处理器
type Handler struct {
	svc *Service
}

// NewHandler 创建处理器
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册 Run 相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runs", h.Submit)
	mux.HandleFunc("GET /api/v1/runs", h.List)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.Get)
	mux.HandleFunc("DELETE /api/v1/runs/{id}", h.Delete)
	mux.HandleFunc("GET /api/v1/runs/{id}/events", h.Poll)
	mux.HandleFunc("GET /api/v1/runs/{id}/snapshot", h.Snapshot)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", h.Cancel)
	mux.HandleFunc("POST /api/v1/runs/{id}/regenerate", h.Regenerate)
	mux.HandleFunc("POST /api/v1/runs/{id}/followup", h.FollowUp)
}

// RegenerateRequest 重新生成请求体
type RegenerateRequest struct {
	Feedback string `json:"feedback"`
}

// Submit 提交 Run
// POST /api/v1/runs
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	var req SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	run, err := h.svc.Submit(r.Context(), owner, req)
	if err != nil {
		writeServiceError(w, "submit", "", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	})
}

// List 列出本人的 Run
// GET /api/v1/runs?limit=&offset=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	limit, err1 := queryInt(r, "limit", 50)
	offset, err2 := queryInt(r, "offset", 0)
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.svc.List(r.Context(), owner, limit, offset)
	if err != nil {
		writeServiceError(w, "list", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// Get 获取 Run
// GET /api/v1/runs/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	run, err := h.svc.Get(r.Context(), owner, id)
	if err != nil {
		writeServiceError(w, "get", id, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Delete 删除已结束的 Run
// DELETE /api/v1/runs/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := h.svc.Delete(r.Context(), owner, id); err != nil {
		writeServiceError(w, "delete", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Poll 增量轮询
// GET /api/v1/runs/{id}/events?cursor=&limit=
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	cursor, err1 := queryInt(r, "cursor", 0)
	limit, err2 := queryInt(r, "limit", DefaultPollLimit)
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.svc.Poll(r.Context(), owner, id, int64(cursor), limit)
	if err != nil {
		writeServiceError(w, "poll", id, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Snapshot 快照轮询
// GET /api/v1/runs/{id}/snapshot
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	snap, err := h.svc.Snapshot(r.Context(), owner, id)
	if err != nil {
		writeServiceError(w, "snapshot", id, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Cancel 请求取消
// POST /api/v1/runs/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	run, err := h.svc.Cancel(r.Context(), owner, id)
	if err != nil {
		writeServiceError(w, "cancel", id, err)
		return
	}
	status := "accepted"
	if run.IsTerminal() {
		status = string(run.Status)
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": run.ID, "status": status})
}

// Regenerate 基于反馈重新生成
// POST /api/v1/runs/{id}/regenerate
func (h *Handler) Regenerate(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	var req RegenerateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	run, err := h.svc.Regenerate(r.Context(), owner, id, req.Feedback)
	if err != nil {
		writeServiceError(w, "regenerate", id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":        run.ID,
		"parent_run_id": id,
		"status":        run.Status,
	})
}

// FollowUp 追问
// POST /api/v1/runs/{id}/followup
func (h *Handler) FollowUp(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	var req FollowUpRequest
	if !decodeBody(w, r, &req) {
		return
	}
	answer, err := h.svc.FollowUp(r.Context(), owner, id, req)
	if err != nil {
		writeServiceError(w, "followup", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

// ============================================================================
// 工具函数
// ============================================================================

func ownerOf(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, err := auth.OwnerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return "", false
	}
	return owner, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return v, nil
}

// writeServiceError 将领域错误映射为 HTTP 状态码
func writeServiceError(w http.ResponseWriter, op, runID string, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": verr.Fields})
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case pipeline.IsTransient(err):
		log.Printf("[run.%s.upstream.failed] run_id=%s error=%v", op, runID, err)
		writeError(w, http.StatusBadGateway, "upstream model unavailable")
	default:
		log.Printf("[run.%s.failed] run_id=%s error=%v", op, runID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
