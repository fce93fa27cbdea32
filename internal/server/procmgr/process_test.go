package procmgr

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdock/crewdock/internal/server/store"
)

// fakeCLI writes a shell script standing in for the agent binary. The
// script ignores the CLI flags it is spawned with.
func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// lineCollector gathers stdout lines from the output callback.
type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, string(line))
}

func (c *lineCollector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestSpawn_StreamsOutputAndExitsOnStdinEOF(t *testing.T) {
	bin := fakeCLI(t, `echo '{"type":"system","subtype":"init","session_id":"sess_1"}'
cat >/dev/null
echo '{"type":"result"}'`)

	var out lineCollector
	p, err := Spawn(context.Background(), Options{
		AgentID:      "ag_test1",
		Binary:       bin,
		WorktreePath: t.TempDir(),
		StopGrace:    2 * time.Second,
	}, out.add, nil)
	require.NoError(t, err)
	assert.Greater(t, p.PID(), 0)

	p.Stop(false) // stdin EOF is enough; the script exits inside the grace period
	require.NoError(t, p.Wait())
	assert.True(t, p.Stopped())

	lines := out.all()
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"system","subtype":"init","session_id":"sess_1"}`, lines[0])
	assert.JSONEq(t, `{"type":"result"}`, lines[1])

	code, sig := exitOutcome(p.Wait())
	require.NotNil(t, code)
	assert.Equal(t, 0, *code)
	assert.Nil(t, sig)
}

func TestSpawn_SendInputRoundTrip(t *testing.T) {
	// cat echoes each stdin frame back on stdout.
	bin := fakeCLI(t, `cat`)

	var out lineCollector
	p, err := Spawn(context.Background(), Options{
		AgentID:      "ag_test1",
		Binary:       bin,
		WorktreePath: t.TempDir(),
		StopGrace:    2 * time.Second,
	}, out.add, nil)
	require.NoError(t, err)

	require.NoError(t, p.SendInput("hello agent"))
	p.Stop(false)
	require.NoError(t, p.Wait())

	lines := out.all()
	require.Len(t, lines, 1)
	var frame userInput
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &frame))
	assert.Equal(t, "user", frame.Type)
	assert.Equal(t, "hello agent", frame.Message.Content)

	assert.Error(t, p.SendInput("after stop"))
}

func TestSpawn_NonZeroExit(t *testing.T) {
	bin := fakeCLI(t, `exit 3`)

	p, err := Spawn(context.Background(), Options{
		AgentID:      "ag_test1",
		Binary:       bin,
		WorktreePath: t.TempDir(),
	}, func([]byte) {}, nil)
	require.NoError(t, err)

	err = p.Wait()
	require.Error(t, err)
	assert.False(t, p.Stopped())

	code, sig := exitOutcome(err)
	require.NotNil(t, code)
	assert.Equal(t, 3, *code)
	assert.Nil(t, sig)
}

func TestSpawn_StopEscalatesAfterGrace(t *testing.T) {
	// The script ignores stdin EOF and keeps sleeping, so Stop has to
	// escalate to SIGTERM after the grace period.
	bin := fakeCLI(t, `exec sleep 30`)

	p, err := Spawn(context.Background(), Options{
		AgentID:      "ag_test1",
		Binary:       bin,
		WorktreePath: t.TempDir(),
		StopGrace:    100 * time.Millisecond,
	}, func([]byte) {}, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		p.Stop(false)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}

	err = p.Wait()
	require.Error(t, err)
	assert.True(t, p.Stopped())

	code, sig := exitOutcome(err)
	assert.Nil(t, code)
	require.NotNil(t, sig)
	assert.Equal(t, "terminated", *sig)
}

func TestSpawn_ForceStopKills(t *testing.T) {
	bin := fakeCLI(t, `trap '' TERM
sleep 30`)

	p, err := Spawn(context.Background(), Options{
		AgentID:      "ag_test1",
		Binary:       bin,
		WorktreePath: t.TempDir(),
		StopGrace:    100 * time.Millisecond,
	}, func([]byte) {}, nil)
	require.NoError(t, err)

	p.Stop(true)
	err = p.Wait()
	require.Error(t, err)

	_, sig := exitOutcome(err)
	require.NotNil(t, sig)
	assert.Equal(t, "killed", *sig)
}

func TestSpawn_StderrCaptured(t *testing.T) {
	bin := fakeCLI(t, `echo 'something broke' >&2
exit 1`)

	var stderrLines []string
	var mu sync.Mutex
	p, err := Spawn(context.Background(), Options{
		AgentID:      "ag_test1",
		Binary:       bin,
		WorktreePath: t.TempDir(),
	}, func([]byte) {}, func(line string) {
		mu.Lock()
		stderrLines = append(stderrLines, line)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Error(t, p.Wait())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stderrLines, 1)
	assert.Equal(t, "something broke", stderrLines[0])
	assert.Contains(t, p.StderrTail(), "something broke")
}

func TestSpawn_BadBinary(t *testing.T) {
	_, err := Spawn(context.Background(), Options{
		AgentID:      "ag_test1",
		Binary:       filepath.Join(t.TempDir(), "does-not-exist"),
		WorktreePath: t.TempDir(),
	}, func([]byte) {}, nil)
	require.Error(t, err)
}

func TestOptions_ModeFlags(t *testing.T) {
	// The spawned command line is not directly observable, so pin the
	// mode handling at the Options level via a script that dumps its args.
	bin := fakeCLI(t, `echo "$@"`)

	for mode, want := range map[store.AgentMode]string{
		store.ModeAuto:    "--dangerously-skip-permissions",
		store.ModePlan:    "--permission-mode plan",
		store.ModeRegular: "",
	} {
		var out lineCollector
		p, err := Spawn(context.Background(), Options{
			AgentID:      "ag_test1",
			Binary:       bin,
			WorktreePath: t.TempDir(),
			Mode:         mode,
		}, out.add, nil)
		require.NoError(t, err)
		require.NoError(t, p.Wait())

		lines := out.all()
		require.Len(t, lines, 1, "mode %s", mode)
		assert.Contains(t, lines[0], "--output-format stream-json", "mode %s", mode)
		if want != "" {
			assert.Contains(t, lines[0], want, "mode %s", mode)
		} else {
			assert.NotContains(t, lines[0], "--permission-mode", "mode %s", mode)
			assert.NotContains(t, lines[0], "--dangerously-skip-permissions", "mode %s", mode)
		}
	}
}

func TestExitOutcome_UnknownError(t *testing.T) {
	code, sig := exitOutcome(context.DeadlineExceeded)
	assert.Nil(t, code)
	assert.Nil(t, sig)
}
