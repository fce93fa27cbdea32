// Package api exposes the HTTP control surface. Handlers stay thin:
// request parsing and status mapping here, everything else in the
// store and the process supervisor.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/crewdock/crewdock/internal/server/id"
	"github.com/crewdock/crewdock/internal/server/procmgr"
	"github.com/crewdock/crewdock/internal/server/store"
	"github.com/crewdock/crewdock/internal/util/timefmt"
)

// Supervisor is the process-management surface the API needs.
// Implemented by *procmgr.Manager.
type Supervisor interface {
	Start(ctx context.Context, agentID, prompt string) (store.Agent, error)
	Stop(ctx context.Context, agentID string, force bool) error
	SendInput(ctx context.Context, agentID, content string) error
}

// Handler serves the /api routes.
type Handler struct {
	store *store.Queries
	proc  Supervisor
}

// New creates the API handler.
func New(queries *store.Queries, proc Supervisor) *Handler {
	return &Handler{store: queries, proc: proc}
}

// Routes returns the API route mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/workspaces", h.createWorkspace)
	mux.HandleFunc("POST /api/worktrees", h.createWorktree)
	mux.HandleFunc("GET /api/worktrees/{id}/agents", h.listAgents)

	mux.HandleFunc("POST /api/agents", h.createAgent)
	mux.HandleFunc("GET /api/agents/{id}", h.getAgent)
	mux.HandleFunc("POST /api/agents/{id}/start", h.startAgent)
	mux.HandleFunc("POST /api/agents/{id}/stop", h.stopAgent)
	mux.HandleFunc("POST /api/agents/{id}/input", h.sendInput)
	mux.HandleFunc("POST /api/agents/{id}/archive", h.archiveAgent)
	mux.HandleFunc("POST /api/agents/{id}/restore", h.restoreAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", h.purgeAgent)
	mux.HandleFunc("GET /api/agents/{id}/messages", h.listMessages)

	return mux
}

// DTOs

type agentDTO struct {
	ID            string   `json:"id"`
	WorktreeID    string   `json:"worktreeId"`
	Status        string   `json:"status"`
	Mode          string   `json:"mode"`
	Permissions   []string `json:"permissions"`
	PID           *int     `json:"pid,omitempty"`
	SessionID     *string  `json:"sessionId,omitempty"`
	DisplayOrder  int      `json:"displayOrder"`
	ParentAgentID *string  `json:"parentAgentId,omitempty"`
	CreatedAt     string   `json:"createdAt"`
	StartedAt     *string  `json:"startedAt,omitempty"`
	StoppedAt     *string  `json:"stoppedAt,omitempty"`
	Archived      bool     `json:"archived"`
}

func toAgentDTO(a store.Agent) agentDTO {
	return agentDTO{
		ID:            a.ID,
		WorktreeID:    a.WorktreeID,
		Status:        string(a.Status),
		Mode:          string(a.Mode),
		Permissions:   a.Permissions,
		PID:           a.PID,
		SessionID:     a.SessionID,
		DisplayOrder:  a.DisplayOrder,
		ParentAgentID: a.ParentAgentID,
		CreatedAt:     timefmt.Format(a.CreatedAt),
		StartedAt:     formatPtr(a.StartedAt),
		StoppedAt:     formatPtr(a.StoppedAt),
		Archived:      a.Archived(),
	}
}

type messageDTO struct {
	ID         string  `json:"id"`
	AgentID    string  `json:"agentId"`
	Role       string  `json:"role"`
	Content    string  `json:"content"`
	TokenCount *int    `json:"tokenCount,omitempty"`
	ToolName   *string `json:"toolName,omitempty"`
	ToolInput  *string `json:"toolInput,omitempty"`
	ToolOutput *string `json:"toolOutput,omitempty"`
	IsComplete bool    `json:"isComplete"`
	CreatedAt  string  `json:"createdAt"`
}

func toMessageDTO(m store.Message) messageDTO {
	return messageDTO{
		ID:         m.ID,
		AgentID:    m.AgentID,
		Role:       string(m.Role),
		Content:    m.Content,
		TokenCount: m.TokenCount,
		ToolName:   m.ToolName,
		ToolInput:  m.ToolInput,
		ToolOutput: m.ToolOutput,
		IsComplete: m.IsComplete,
		CreatedAt:  timefmt.Format(m.CreatedAt),
	}
}

func formatPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timefmt.Format(*t)
	return &s
}

// Handlers

func (h *Handler) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	ws := store.Workspace{ID: id.New(id.Workspace), Name: req.Name, CreatedAt: time.Now()}
	if err := h.store.CreateWorkspace(r.Context(), ws); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":        ws.ID,
		"name":      ws.Name,
		"createdAt": timefmt.Format(ws.CreatedAt),
	})
}

func (h *Handler) createWorktree(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspaceId"`
		Path        string `json:"path"`
		Branch      string `json:"branch"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !id.Valid(id.Workspace, req.WorkspaceID) || req.Path == "" || req.Branch == "" {
		writeError(w, http.StatusBadRequest, "workspaceId, path and branch are required")
		return
	}

	wt := store.Worktree{
		ID:          id.New(id.Worktree),
		WorkspaceID: req.WorkspaceID,
		Path:        req.Path,
		Branch:      req.Branch,
		CreatedAt:   time.Now(),
	}
	if err := h.store.CreateWorktree(r.Context(), wt); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":          wt.ID,
		"workspaceId": wt.WorkspaceID,
		"path":        wt.Path,
		"branch":      wt.Branch,
		"createdAt":   timefmt.Format(wt.CreatedAt),
	})
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorktreeID    string   `json:"worktreeId"`
		Mode          string   `json:"mode"`
		Permissions   []string `json:"permissions"`
		DisplayOrder  int      `json:"displayOrder"`
		ParentAgentID *string  `json:"parentAgentId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !id.Valid(id.Worktree, req.WorktreeID) {
		writeError(w, http.StatusBadRequest, "valid worktreeId is required")
		return
	}
	mode := store.AgentMode(req.Mode)
	switch mode {
	case store.ModeAuto, store.ModePlan, store.ModeRegular:
	case "":
		mode = store.ModeRegular
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", req.Mode))
		return
	}
	if req.ParentAgentID != nil && !id.Valid(id.Agent, *req.ParentAgentID) {
		writeError(w, http.StatusBadRequest, "invalid parentAgentId")
		return
	}

	agentID := id.New(id.Agent)
	err := h.store.CreateAgent(r.Context(), store.CreateAgentParams{
		ID:            agentID,
		WorktreeID:    req.WorktreeID,
		Mode:          mode,
		Permissions:   req.Permissions,
		DisplayOrder:  req.DisplayOrder,
		ParentAgentID: req.ParentAgentID,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	a, err := h.store.GetAgentByID(r.Context(), agentID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentDTO(a))
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetAgentByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentDTO(a))
}

func (h *Handler) startAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	a, err := h.proc.Start(r.Context(), r.PathValue("id"), req.Prompt)
	if err != nil {
		writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentDTO(a))
}

func (h *Handler) stopAgent(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := h.proc.Stop(r.Context(), r.PathValue("id"), force); err != nil {
		writeSupervisorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sendInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if err := h.proc.SendInput(r.Context(), r.PathValue("id"), req.Content); err != nil {
		writeSupervisorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) archiveAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ArchiveAgent(r.Context(), r.PathValue("id"), time.Now()); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) restoreAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.store.RestoreAgent(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) purgeAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.store.PurgeAgent(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("includeArchived"))
	agents, err := h.store.ListAgentsByWorktree(r.Context(), r.PathValue("id"), includeArchived)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	out := make([]agentDTO, 0, len(agents))
	for _, a := range agents {
		out = append(out, toAgentDTO(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	var before time.Time
	if s := r.URL.Query().Get("before"); s != "" {
		t, err := timefmt.Parse(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before timestamp")
			return
		}
		before = t
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	agentID := r.PathValue("id")
	if _, err := h.store.GetAgentByID(r.Context(), agentID); err != nil {
		writeStoreError(w, err)
		return
	}

	msgs, err := h.store.ListMessagesByAgent(r.Context(), agentID, before, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]messageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageDTO(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// Helpers

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrMessageComplete):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("api: store error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeSupervisorError(w http.ResponseWriter, err error) {
	var procErr *procmgr.ProcessError
	switch {
	case errors.Is(err, procmgr.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, procmgr.ErrAgentRunning),
		errors.Is(err, procmgr.ErrAgentStarting):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &procErr):
		slog.Error("api: process error", "error", err)
		writeError(w, http.StatusBadGateway, "agent process failure")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		slog.Error("api: supervisor error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
