package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdock/crewdock/internal/server/db"
	"github.com/crewdock/crewdock/internal/server/id"
	"github.com/crewdock/crewdock/internal/server/procmgr"
	"github.com/crewdock/crewdock/internal/server/store"
)

// fakeSupervisor records calls and returns scripted results.
type fakeSupervisor struct {
	store *store.Queries

	startErr error
	stopErr  error
	inputErr error

	stopForce bool
	inputSent string
}

func (f *fakeSupervisor) Start(ctx context.Context, agentID, prompt string) (store.Agent, error) {
	if f.startErr != nil {
		return store.Agent{}, f.startErr
	}
	return f.store.GetAgentByID(ctx, agentID)
}

func (f *fakeSupervisor) Stop(ctx context.Context, agentID string, force bool) error {
	f.stopForce = force
	return f.stopErr
}

func (f *fakeSupervisor) SendInput(ctx context.Context, agentID, content string) error {
	f.inputSent = content
	return f.inputErr
}

func newTestAPI(t *testing.T) (*httptest.Server, *store.Queries, *fakeSupervisor) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	queries := store.New(sqlDB)
	proc := &fakeSupervisor{store: queries}
	srv := httptest.NewServer(New(queries, proc).Routes())
	t.Cleanup(srv.Close)
	return srv, queries, proc
}

func seedWorktree(t *testing.T, q *store.Queries) string {
	t.Helper()
	ctx := context.Background()
	wsID := id.New(id.Workspace)
	require.NoError(t, q.CreateWorkspace(ctx, store.Workspace{ID: wsID, Name: "test", CreatedAt: time.Now()}))
	wtID := id.New(id.Worktree)
	require.NoError(t, q.CreateWorktree(ctx, store.Worktree{ID: wtID, WorkspaceID: wsID, Path: "/tmp/wt", Branch: "main", CreatedAt: time.Now()}))
	return wtID
}

func seedAgent(t *testing.T, q *store.Queries, worktreeID string) string {
	t.Helper()
	agentID := id.New(id.Agent)
	require.NoError(t, q.CreateAgent(context.Background(), store.CreateAgentParams{
		ID: agentID, WorktreeID: worktreeID, Mode: store.ModeRegular, CreatedAt: time.Now(),
	}))
	return agentID
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var req *http.Request
	var err error
	if body != "" {
		req, err = http.NewRequest(method, url, strings.NewReader(body))
	} else {
		req, err = http.NewRequest(method, url, nil)
	}
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCreateAgent(t *testing.T) {
	srv, q, _ := newTestAPI(t)
	wtID := seedWorktree(t, q)

	resp := do(t, "POST", srv.URL+"/api/agents", fmt.Sprintf(
		`{"worktreeId":%q,"mode":"plan","permissions":["read","edit"]}`, wtID))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	got := decodeJSON[agentDTO](t, resp)
	assert.True(t, id.Valid(id.Agent, got.ID))
	assert.Equal(t, "waiting", got.Status)
	assert.Equal(t, "plan", got.Mode)
	assert.Equal(t, []string{"read", "edit"}, got.Permissions)
	assert.False(t, got.Archived)
}

func TestCreateAgent_Validation(t *testing.T) {
	srv, q, _ := newTestAPI(t)
	wtID := seedWorktree(t, q)

	for name, body := range map[string]string{
		"bad json":       `{`,
		"no worktree":    `{"mode":"plan"}`,
		"bad worktree":   `{"worktreeId":"ag_wrong1"}`,
		"unknown mode":   fmt.Sprintf(`{"worktreeId":%q,"mode":"yolo"}`, wtID),
		"invalid parent": fmt.Sprintf(`{"worktreeId":%q,"parentAgentId":"nope"}`, wtID),
	} {
		resp := do(t, "POST", srv.URL+"/api/agents", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "case %s", name)
	}
}

func TestCreateAgent_MissingParent(t *testing.T) {
	srv, q, _ := newTestAPI(t)
	wtID := seedWorktree(t, q)

	// Well-formed but nonexistent parent id: lineage validation maps to 404.
	resp := do(t, "POST", srv.URL+"/api/agents", fmt.Sprintf(
		`{"worktreeId":%q,"parentAgentId":%q}`, wtID, id.New(id.Agent)))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateAgent_ForkLineage(t *testing.T) {
	srv, q, _ := newTestAPI(t)
	wtID := seedWorktree(t, q)
	parentID := seedAgent(t, q, wtID)

	resp := do(t, "POST", srv.URL+"/api/agents", fmt.Sprintf(
		`{"worktreeId":%q,"parentAgentId":%q}`, wtID, parentID))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	got := decodeJSON[agentDTO](t, resp)
	require.NotNil(t, got.ParentAgentID)
	assert.Equal(t, parentID, *got.ParentAgentID)
}

func TestGetAgent_NotFound(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	resp := do(t, "GET", srv.URL+"/api/agents/ag_missing1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartAgent(t *testing.T) {
	srv, q, _ := newTestAPI(t)
	agentID := seedAgent(t, q, seedWorktree(t, q))

	resp := do(t, "POST", srv.URL+"/api/agents/"+agentID+"/start", `{"prompt":"run the tests"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeJSON[agentDTO](t, resp)
	assert.Equal(t, agentID, got.ID)
}

func TestStartAgent_ErrorMapping(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int
	}{
		{procmgr.ErrAgentNotFound, http.StatusNotFound},
		{procmgr.ErrAgentRunning, http.StatusConflict},
		{&procmgr.ProcessError{Op: "spawn", Err: errors.New("no such binary")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	} {
		srv, q, proc := newTestAPI(t)
		agentID := seedAgent(t, q, seedWorktree(t, q))
		proc.startErr = tc.err

		resp := do(t, "POST", srv.URL+"/api/agents/"+agentID+"/start", "")
		assert.Equal(t, tc.want, resp.StatusCode, "error %v", tc.err)
	}
}

func TestStopAgent(t *testing.T) {
	srv, q, proc := newTestAPI(t)
	agentID := seedAgent(t, q, seedWorktree(t, q))

	resp := do(t, "POST", srv.URL+"/api/agents/"+agentID+"/stop?force=true", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, proc.stopForce)

	proc.stopErr = procmgr.ErrAgentStarting
	resp = do(t, "POST", srv.URL+"/api/agents/"+agentID+"/stop", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	proc.stopErr = procmgr.ErrAgentNotFound
	resp = do(t, "POST", srv.URL+"/api/agents/"+agentID+"/stop", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendInput(t *testing.T) {
	srv, q, proc := newTestAPI(t)
	agentID := seedAgent(t, q, seedWorktree(t, q))

	resp := do(t, "POST", srv.URL+"/api/agents/"+agentID+"/input", `{"content":"continue"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "continue", proc.inputSent)

	resp = do(t, "POST", srv.URL+"/api/agents/"+agentID+"/input", `{"content":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestArchiveRestorePurge(t *testing.T) {
	srv, q, _ := newTestAPI(t)
	agentID := seedAgent(t, q, seedWorktree(t, q))

	resp := do(t, "POST", srv.URL+"/api/agents/"+agentID+"/archive", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	a, err := q.GetAgentByID(context.Background(), agentID)
	require.NoError(t, err)
	assert.True(t, a.Archived())

	resp = do(t, "POST", srv.URL+"/api/agents/"+agentID+"/restore", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, "DELETE", srv.URL+"/api/agents/"+agentID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = q.GetAgentByID(context.Background(), agentID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// All agent mutations 404 once the row is gone.
	resp = do(t, "POST", srv.URL+"/api/agents/"+agentID+"/archive", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListAgents(t *testing.T) {
	srv, q, _ := newTestAPI(t)
	wtID := seedWorktree(t, q)
	keep := seedAgent(t, q, wtID)
	archived := seedAgent(t, q, wtID)
	require.NoError(t, q.ArchiveAgent(context.Background(), archived, time.Now()))

	resp := do(t, "GET", srv.URL+"/api/worktrees/"+wtID+"/agents", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeJSON[[]agentDTO](t, resp)
	require.Len(t, got, 1)
	assert.Equal(t, keep, got[0].ID)

	resp = do(t, "GET", srv.URL+"/api/worktrees/"+wtID+"/agents?includeArchived=true", "")
	got = decodeJSON[[]agentDTO](t, resp)
	assert.Len(t, got, 2)
}

func TestListMessages_Window(t *testing.T) {
	srv, q, _ := newTestAPI(t)
	agentID := seedAgent(t, q, seedWorktree(t, q))

	base := time.Now().Add(-time.Hour)
	for i := range 5 {
		require.NoError(t, q.CreateMessage(context.Background(), store.CreateMessageParams{
			ID:         id.New(id.Message),
			AgentID:    agentID,
			Role:       store.RoleUser,
			Content:    fmt.Sprintf("m%d", i),
			IsComplete: true,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	resp := do(t, "GET", srv.URL+"/api/agents/"+agentID+"/messages?limit=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeJSON[[]messageDTO](t, resp)
	require.Len(t, got, 2)
	assert.Equal(t, "m3", got[0].Content)
	assert.Equal(t, "m4", got[1].Content)

	// Page backwards from the oldest entry of the previous page.
	resp = do(t, "GET", srv.URL+"/api/agents/"+agentID+"/messages?limit=2&before="+got[0].CreatedAt, "")
	got = decodeJSON[[]messageDTO](t, resp)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].Content)
	assert.Equal(t, "m2", got[1].Content)
}

func TestListMessages_Validation(t *testing.T) {
	srv, q, _ := newTestAPI(t)
	agentID := seedAgent(t, q, seedWorktree(t, q))

	resp := do(t, "GET", srv.URL+"/api/agents/"+agentID+"/messages?before=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, "GET", srv.URL+"/api/agents/"+agentID+"/messages?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, "GET", srv.URL+"/api/agents/ag_missing1/messages", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
