package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jardesigner/jardesigner/internal/staging"
)

const (
	waitTimeout = 5 * time.Second
	pollEvery   = 20 * time.Millisecond
)

// newTestSupervisor runs script under /bin/sh. The simulator arguments land
// in $1..$7: config, --plotFile, plot path, --data-channel-id, channel id,
// --session-path, session dir.
func newTestSupervisor(t *testing.T, script string, mutate ...func(*Options)) *Supervisor {
	t.Helper()
	area, err := staging.New(filepath.Join(t.TempDir(), ".jardesigner"))
	require.NoError(t, err)

	opts := Options{
		Command:     []string{"/bin/sh", "-c", script, "sim"},
		GracePeriod: 2 * time.Second,
		Staging:     area,
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func launch(t *testing.T, s *Supervisor, clientID string) Run {
	t.Helper()
	run, err := s.Launch(context.Background(), map[string]interface{}{"dt": 0.01}, clientID)
	require.NoError(t, err)
	return run
}

func TestNewRequiresCommandAndStaging(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Command: []string{"true"}})
	assert.Error(t, err)
}

func TestLaunch_RejectsInvalidRequests(t *testing.T) {
	s := newTestSupervisor(t, "exec sleep 30")

	_, err := s.Launch(context.Background(), nil, "c1")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.Launch(context.Background(), map[string]interface{}{}, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.Launch(context.Background(), map[string]interface{}{}, "../c2")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Empty(t, s.Runs())
}

func TestLaunch_PassesSimulatorArguments(t *testing.T) {
	s := newTestSupervisor(t, `printf '%s\n' "$@" > "$7/args.txt"; exec sleep 30`)

	run := launch(t, s, "c1")
	assert.Greater(t, run.PID, 0)
	assert.Equal(t, "plot.svg", run.PlotFile)
	assert.NotEmpty(t, run.ChannelID)
	assert.True(t, filepath.IsAbs(run.PlotPath))
	assert.Equal(t, filepath.Join(run.SessionDir, "plot.svg"), run.PlotPath)

	argsFile := filepath.Join(run.SessionDir, "args.txt")
	require.Eventually(t, func() bool { return staging.Exists(argsFile) }, waitTimeout, pollEvery)

	// the file may exist before printf finishes writing it
	var args []string
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(argsFile)
		if err != nil {
			return false
		}
		args = strings.Split(strings.TrimSpace(string(b)), "\n")
		return len(args) == 7
	}, waitTimeout, pollEvery)

	assert.Equal(t, run.ConfigPath, args[0])
	assert.Equal(t, []string{"--plotFile", run.PlotPath}, args[1:3])
	assert.Equal(t, []string{"--data-channel-id", run.ChannelID}, args[3:5])
	assert.Equal(t, []string{"--session-path", run.SessionDir}, args[5:7])

	b, err := os.ReadFile(run.ConfigPath)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, 0.01, doc["dt"])

	assert.Equal(t, StateRunning, s.Status(run.PID).State)
}

func TestLaunch_SupersedesPriorRun(t *testing.T) {
	s := newTestSupervisor(t, "exec sleep 30")

	first := launch(t, s, "c1")
	second := launch(t, s, "c1")

	assert.NotEqual(t, first.PID, second.PID)
	assert.NotEqual(t, first.ChannelID, second.ChannelID)
	assert.Equal(t, StateNotFound, s.Status(first.PID).State)
	assert.Equal(t, StateRunning, s.Status(second.PID).State)

	runs := s.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, second.PID, runs[0].PID)

	active, ok := s.ActiveRun("c1")
	require.True(t, ok)
	assert.Equal(t, second.PID, active.PID)

	assert.False(t, staging.Exists(first.ConfigPath), "superseded config is removed")
}

func TestLaunch_ClientsAreIndependent(t *testing.T) {
	s := newTestSupervisor(t, "exec sleep 30")

	a := launch(t, s, "c1")
	b := launch(t, s, "c2")

	assert.Equal(t, StateRunning, s.Status(a.PID).State)
	assert.Equal(t, StateRunning, s.Status(b.PID).State)
	assert.Len(t, s.Runs(), 2)
}

func TestLaunch_SpawnFailureRegistersNothing(t *testing.T) {
	s := newTestSupervisor(t, "", func(o *Options) {
		o.Command = []string{filepath.Join(t.TempDir(), "no-such-simulator")}
	})

	_, err := s.Launch(context.Background(), map[string]interface{}{}, "c1")
	require.Error(t, err)
	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr))
	assert.Equal(t, "spawn", launchErr.Op)

	assert.Empty(t, s.Runs())
	_, ok := s.ActiveRun("c1")
	assert.False(t, ok)

	entries, err := os.ReadDir(filepath.Join(s.staging.Base(), "temp_configs"))
	require.NoError(t, err)
	assert.Empty(t, entries, "config of a failed launch is removed")
}

func TestTerminate_Idempotent(t *testing.T) {
	s := newTestSupervisor(t, "exec sleep 30")
	run := launch(t, s, "c1")

	assert.True(t, s.Terminate(run.PID))
	assert.False(t, s.Terminate(run.PID))
	assert.False(t, s.Terminate(999999))

	assert.Equal(t, StateNotFound, s.Status(run.PID).State)
	_, ok := s.ActiveRun("c1")
	assert.False(t, ok)
	assert.False(t, staging.Exists(run.ConfigPath))
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	s := newTestSupervisor(t, "trap '' TERM; while :; do sleep 0.1; done", func(o *Options) {
		o.GracePeriod = 200 * time.Millisecond
	})
	run := launch(t, s, "c1")

	s.mu.Lock()
	p := s.runs[run.PID]
	s.mu.Unlock()
	require.NotNil(t, p)

	start := time.Now()
	assert.True(t, s.Terminate(run.PID))
	assert.Less(t, time.Since(start), 3*time.Second)

	require.Eventually(t, func() bool { return !p.alive() }, waitTimeout, pollEvery)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, StateTerminated, p.state)
}

func TestStatus_CompletedWhenArtifactExists(t *testing.T) {
	s := newTestSupervisor(t, `echo '<svg/>' > "$3"`)
	run := launch(t, s, "c1")

	require.Eventually(t, func() bool {
		return s.Status(run.PID).State == StateCompleted
	}, waitTimeout, pollEvery)

	st := s.Status(run.PID)
	assert.Equal(t, "plot.svg", st.PlotFile)

	// a completed run stays registered until reset
	assert.True(t, s.Terminate(run.PID))
}

func TestStatus_CompletedErrorWithoutArtifact(t *testing.T) {
	var (
		mu     sync.Mutex
		failed []Run
	)
	s := newTestSupervisor(t, "echo boom >&2; exit 3", func(o *Options) {
		o.OnRunFailed = func(r Run, err error) {
			mu.Lock()
			failed = append(failed, r)
			mu.Unlock()
		}
	})
	run := launch(t, s, "c1")

	require.Eventually(t, func() bool {
		return s.Status(run.PID).State == StateCompletedError
	}, waitTimeout, pollEvery)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1
	}, waitTimeout, pollEvery)
	mu.Lock()
	assert.Equal(t, run.PID, failed[0].PID)
	mu.Unlock()
}

func TestStatus_RunningIgnoresArtifact(t *testing.T) {
	s := newTestSupervisor(t, `echo '<svg/>' > "$3"; exec sleep 30`)
	run := launch(t, s, "c1")

	require.Eventually(t, func() bool { return staging.Exists(run.PlotPath) }, waitTimeout, pollEvery)
	assert.Equal(t, StateRunning, s.Status(run.PID).State)
}

func TestStatus_ExitDetectedWhileChildHoldsOutput(t *testing.T) {
	lines := make(chan LogLine, 16)
	s := newTestSupervisor(t, `(sleep 0.3; echo late; exec sleep 30) & echo $! > "$7/bg.pid"; echo '<svg/>' > "$3"; exit 0`, func(o *Options) {
		o.LineSink = func(l LogLine) { lines <- l }
	})
	run := launch(t, s, "c1")

	require.Eventually(t, func() bool {
		return s.Status(run.PID).State == StateCompleted
	}, waitTimeout, pollEvery)

	b, err := os.ReadFile(filepath.Join(run.SessionDir, "bg.pid"))
	require.NoError(t, err)
	bgPID, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	t.Cleanup(func() {
		if p, err := os.FindProcess(bgPID); err == nil {
			_ = p.Kill()
		}
	})

	// output from the leftover child still flows after the run completed
	select {
	case l := <-lines:
		assert.Equal(t, "late", l.Text)
		assert.Equal(t, run.PID, l.PID)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for output from the background child")
	}
}

func TestStatus_UnknownRun(t *testing.T) {
	s := newTestSupervisor(t, "exec sleep 30")
	assert.Equal(t, StateNotFound, s.Status(12345).State)
}

func TestSendCommand_WritesJSONLine(t *testing.T) {
	s := newTestSupervisor(t, `read line; printf '%s\n' "$line" > "$7/cmd.tmp"; mv "$7/cmd.tmp" "$7/cmd.json"; exec sleep 30`)
	run := launch(t, s, "c1")

	ok := s.SendCommand(run.PID, "start", map[string]interface{}{"runtime": 1.5})
	require.True(t, ok)

	cmdFile := filepath.Join(run.SessionDir, "cmd.json")
	require.Eventually(t, func() bool { return staging.Exists(cmdFile) }, waitTimeout, pollEvery)

	b, err := os.ReadFile(cmdFile)
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "start", got["command"])
	assert.Equal(t, map[string]interface{}{"runtime": 1.5}, got["params"])
}

func TestSendCommand_NilParamsBecomeEmptyObject(t *testing.T) {
	s := newTestSupervisor(t, `read line; printf '%s\n' "$line" > "$7/cmd.tmp"; mv "$7/cmd.tmp" "$7/cmd.json"; exec sleep 30`)
	run := launch(t, s, "c1")

	require.True(t, s.SendCommand(run.PID, "pause", nil))

	cmdFile := filepath.Join(run.SessionDir, "cmd.json")
	require.Eventually(t, func() bool { return staging.Exists(cmdFile) }, waitTimeout, pollEvery)
	b, err := os.ReadFile(cmdFile)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"pause","params":{}}`, string(b))
}

func TestSendCommand_DroppedForUnknownOrExited(t *testing.T) {
	s := newTestSupervisor(t, "exit 0")
	assert.False(t, s.SendCommand(4242, "start", nil))

	run := launch(t, s, "c1")
	require.Eventually(t, func() bool {
		return s.Status(run.PID).State != StateRunning
	}, waitTimeout, pollEvery)
	assert.False(t, s.SendCommand(run.PID, "start", nil))
}

func TestOutputLinesReachSink(t *testing.T) {
	lines := make(chan LogLine, 16)
	s := newTestSupervisor(t, "echo hello; echo oops >&2", func(o *Options) {
		o.LineSink = func(l LogLine) { lines <- l }
	})
	run := launch(t, s, "c1")

	got := map[string]string{}
	deadline := time.After(waitTimeout)
	for len(got) < 2 {
		select {
		case l := <-lines:
			assert.Equal(t, run.PID, l.PID)
			got[l.Stream] = l.Text
		case <-deadline:
			t.Fatalf("timed out waiting for output lines, got %v", got)
		}
	}
	assert.Equal(t, "hello", got[StreamStdout])
	assert.Equal(t, "oops", got[StreamStderr])
}

func TestSimulatorEnvironment(t *testing.T) {
	s := newTestSupervisor(t, `printf '%s' "$JARDESIGNER_SERVER_URL" > "$7/env.tmp"; mv "$7/env.tmp" "$7/env.txt"`, func(o *Options) {
		o.Env = []string{"JARDESIGNER_SERVER_URL=http://127.0.0.1:5000"}
	})
	run := launch(t, s, "c1")

	envFile := filepath.Join(run.SessionDir, "env.txt")
	require.Eventually(t, func() bool { return staging.Exists(envFile) }, waitTimeout, pollEvery)
	b, err := os.ReadFile(envFile)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:5000", string(b))
}

func TestShutdown_TerminatesAllRuns(t *testing.T) {
	s := newTestSupervisor(t, "exec sleep 30")
	launch(t, s, "c1")
	launch(t, s, "c2")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Empty(t, s.Runs())

	_, err := s.Launch(context.Background(), map[string]interface{}{}, "c3")
	assert.ErrorIs(t, err, ErrClosed)

	// second shutdown is a no-op
	assert.NoError(t, s.Shutdown(ctx))
}
