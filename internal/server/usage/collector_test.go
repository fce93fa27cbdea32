package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdock/crewdock/internal/server/db"
	"github.com/crewdock/crewdock/internal/server/id"
	"github.com/crewdock/crewdock/internal/server/store"
	"github.com/crewdock/crewdock/internal/server/ws"
	"github.com/crewdock/crewdock/internal/util/testutil"
)

type usageRecorder struct {
	mu     sync.Mutex
	events []ws.UsageUpdateEvent
}

func (r *usageRecorder) UsageUpdate(ev ws.UsageUpdateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *usageRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *usageRecorder) last() ws.UsageUpdateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newTestStore(t *testing.T) *store.Queries {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return store.New(sqlDB)
}

func seedAgent(t *testing.T, q *store.Queries) string {
	t.Helper()
	ctx := context.Background()
	wsID := id.New(id.Workspace)
	require.NoError(t, q.CreateWorkspace(ctx, store.Workspace{ID: wsID, Name: "test", CreatedAt: time.Now()}))
	wtID := id.New(id.Worktree)
	require.NoError(t, q.CreateWorktree(ctx, store.Worktree{ID: wtID, WorkspaceID: wsID, Path: "/tmp/wt", Branch: "main", CreatedAt: time.Now()}))
	agentID := id.New(id.Agent)
	require.NoError(t, q.CreateAgent(ctx, store.CreateAgentParams{ID: agentID, WorktreeID: wtID, Mode: store.ModeRegular, CreatedAt: time.Now()}))
	return agentID
}

func seedMessage(t *testing.T, q *store.Queries, agentID string, tokens int, createdAt time.Time) {
	t.Helper()
	require.NoError(t, q.CreateMessage(context.Background(), store.CreateMessageParams{
		ID:         id.New(id.Message),
		AgentID:    agentID,
		Role:       store.RoleAssistant,
		Content:    "x",
		TokenCount: &tokens,
		IsComplete: true,
		CreatedAt:  createdAt,
	}))
}

func TestSnapshot_Windows(t *testing.T) {
	q := newTestStore(t)
	agentID := seedAgent(t, q)

	// Wednesday noon UTC: the daily window opens Wednesday 00:00, the
	// weekly window Monday 00:00.
	now := time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC)

	seedMessage(t, q, agentID, 100, now.Add(-time.Hour))       // today
	seedMessage(t, q, agentID, 40, now.Add(-36*time.Hour))     // earlier this week, not today
	seedMessage(t, q, agentID, 7000, now.Add(-5*24*time.Hour)) // previous week

	c := New(q, &usageRecorder{}, Config{DailyLimit: 1000, WeeklyLimit: 5000})
	c.now = func() time.Time { return now }

	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ws.UsageWindow{Used: 100, Limit: 1000}, snap.Daily)
	assert.Equal(t, ws.UsageWindow{Used: 140, Limit: 5000}, snap.Weekly)
}

func TestSnapshot_EmptyStore(t *testing.T) {
	q := newTestStore(t)
	c := New(q, &usageRecorder{}, Config{DailyLimit: 1000, WeeklyLimit: 5000})

	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Daily.Used)
	assert.Equal(t, int64(0), snap.Weekly.Used)
}

func TestRun_BroadcastsOnInterval(t *testing.T) {
	q := newTestStore(t)
	agentID := seedAgent(t, q)
	seedMessage(t, q, agentID, 50, time.Now())

	rec := &usageRecorder{}
	c := New(q, rec, Config{Interval: 20 * time.Millisecond, DailyLimit: 1000, WeeklyLimit: 5000})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// One immediate collection plus at least one tick.
	testutil.RequireEventually(t, func() bool { return rec.count() >= 2 }, "no periodic broadcasts")
	assert.Equal(t, int64(50), rec.last().Daily.Used)

	cancel()
	n := rec.count()
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, rec.count(), n+1, "loop kept collecting after cancel")
}
