package supervisor

import (
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/jardesigner/jardesigner/internal/staging"
)

// State is a run's lifecycle state.
type State string

const (
	StateSpawning       State = "spawning"
	StateRunning        State = "running"
	StateCompleted      State = "completed"
	StateCompletedError State = "completed_error"
	StateTerminated     State = "terminated"
	StateNotFound       State = "not_found"
)

// Run describes one simulator invocation.
type Run struct {
	PID        int       `json:"pid"`
	ClientID   string    `json:"client_id"`
	ChannelID  string    `json:"data_channel_id"`
	PlotFile   string    `json:"svg_filename"`
	PlotPath   string    `json:"-"`
	ConfigPath string    `json:"-"`
	SessionDir string    `json:"-"`
	StartedAt  time.Time `json:"started_at"`
}

// Status is the result of a status poll.
type Status struct {
	PID      int    `json:"pid"`
	State    State  `json:"status"`
	PlotFile string `json:"svg_filename,omitempty"`
}

// process is the live handle for a registered run.
type process struct {
	info  Run
	cmd   *exec.Cmd
	stdin io.WriteCloser

	stdinMu sync.Mutex

	mu          sync.Mutex
	state       State
	terminating bool
	exitErr     error
	done        chan struct{}
}

func newProcess(info Run, cmd *exec.Cmd, stdin io.WriteCloser) *process {
	return &process{
		info:  info,
		cmd:   cmd,
		stdin: stdin,
		state: StateSpawning,
		done:  make(chan struct{}),
	}
}

func (p *process) setRunning() {
	p.mu.Lock()
	if p.state == StateSpawning {
		p.state = StateRunning
	}
	p.mu.Unlock()
}

// exited records the process exit and moves to a terminal state. A
// termination in progress wins over the artifact check.
func (p *process) exited(err error) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitErr = err
	switch {
	case p.terminating:
		p.state = StateTerminated
	case staging.Exists(p.info.PlotPath):
		p.state = StateCompleted
	default:
		p.state = StateCompletedError
	}
	close(p.done)
	return p.state
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// status reports running until exit, then re-checks the artifact on disk.
func (p *process) status() State {
	if p.alive() {
		return StateRunning
	}
	if staging.Exists(p.info.PlotPath) {
		return StateCompleted
	}
	return StateCompletedError
}

// writeLine writes b to stdin if the process is still alive.
func (p *process) writeLine(b []byte) bool {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil || !p.alive() {
		return false
	}
	if _, err := p.stdin.Write(b); err != nil {
		return false
	}
	return true
}

func (p *process) closeStdin() {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
}

// stop signals the process group and waits up to grace before killing it.
// It reports whether the process was still alive when stop was called.
func (p *process) stop(grace time.Duration) bool {
	p.mu.Lock()
	p.terminating = true
	p.mu.Unlock()

	if !p.alive() {
		p.closeStdin()
		return false
	}

	_ = signalTerminate(p.cmd)
	select {
	case <-p.done:
	case <-time.After(grace):
		_ = signalKill(p.cmd)
		select {
		case <-p.done:
		case <-time.After(grace):
		}
	}
	p.closeStdin()
	return true
}
