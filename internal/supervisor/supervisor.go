// Package supervisor owns the simulator child processes and the client
// sessions that own them. It enforces at most one active run per client and
// cleans up runs and staged files when a client disconnects.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jardesigner/jardesigner/internal/events"
	"github.com/jardesigner/jardesigner/internal/logging"
	"github.com/jardesigner/jardesigner/internal/metrics"
	"github.com/jardesigner/jardesigner/internal/staging"
)

const (
	defaultGracePeriod = 5 * time.Second
	defaultPlotFile    = "plot.svg"
	lineBufferSize     = 256
)

// Options configures a Supervisor. Command and Staging are required.
type Options struct {
	// Command is the simulator program and its fixed leading arguments.
	Command     []string
	PlotFile    string
	GracePeriod time.Duration
	// Env is appended to the server's environment for every child.
	Env     []string
	Staging *staging.Area
	Metrics *metrics.Metrics
	// OnRunFailed is called when a run exits without producing its artifact.
	OnRunFailed func(run Run, exitErr error)
	// LineSink receives simulator output. Lines are logged when nil.
	LineSink func(LogLine)
}

// Supervisor is the process registry and client session store.
type Supervisor struct {
	command     []string
	plotFile    string
	grace       time.Duration
	env         []string
	staging     *staging.Area
	metrics     *metrics.Metrics
	onRunFailed func(Run, error)
	lineSink    func(LogLine)
	log         zerolog.Logger

	launchMu sync.Mutex

	mu         sync.Mutex
	runs       map[int]*process
	clientRuns map[string]int
	closed     bool

	sessions *sessions

	lines    chan LogLine
	quit     chan struct{}
	sinkDone chan struct{}
	wg       sync.WaitGroup
}

// New returns a Supervisor and starts its output sink.
func New(opts Options) (*Supervisor, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("simulator command is empty")
	}
	if opts.Staging == nil {
		return nil, errors.New("staging area is required")
	}
	s := &Supervisor{
		command:     append([]string(nil), opts.Command...),
		plotFile:    opts.PlotFile,
		grace:       opts.GracePeriod,
		env:         opts.Env,
		staging:     opts.Staging,
		metrics:     opts.Metrics,
		onRunFailed: opts.OnRunFailed,
		lineSink:    opts.LineSink,
		log:         logging.Component("supervisor"),
		runs:        make(map[int]*process),
		clientRuns:  make(map[string]int),
		sessions:    newSessions(),
		lines:       make(chan LogLine, lineBufferSize),
		quit:        make(chan struct{}),
		sinkDone:    make(chan struct{}),
	}
	if s.plotFile == "" {
		s.plotFile = defaultPlotFile
	}
	if s.grace <= 0 {
		s.grace = defaultGracePeriod
	}
	if s.lineSink == nil {
		s.lineSink = s.logLine
	}
	go s.sink()
	return s, nil
}

// Launch stages config, terminates the client's previous run and spawns a
// new simulator process.
func (s *Supervisor) Launch(ctx context.Context, config map[string]interface{}, clientID string) (Run, error) {
	if config == nil {
		return Run{}, fmt.Errorf("%w: config_data must be an object", ErrInvalidRequest)
	}
	if clientID == "" || !staging.ValidComponent(clientID) {
		return Run{}, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}

	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	prior, hasPrior := s.clientRuns[clientID]
	s.mu.Unlock()
	if closed {
		return Run{}, ErrClosed
	}

	if hasPrior {
		events.Emit("info", "run.superseded", "terminating previous run", map[string]interface{}{
			"pid":       prior,
			"client_id": clientID,
		})
		s.Terminate(prior)
	}

	if err := ctx.Err(); err != nil {
		return Run{}, err
	}

	configPath, err := s.staging.WriteConfig(config)
	if err != nil {
		return Run{}, s.launchFailed(clientID, "", &LaunchError{Op: "write config", Err: err})
	}
	sessionDir, err := s.staging.EnsureClientDir(clientID)
	if err != nil {
		return Run{}, s.launchFailed(clientID, configPath, &LaunchError{Op: "session dir", Err: err})
	}

	info := Run{
		ClientID:   clientID,
		ChannelID:  uuid.NewString(),
		PlotFile:   s.plotFile,
		PlotPath:   filepath.Join(sessionDir, s.plotFile),
		ConfigPath: configPath,
		SessionDir: sessionDir,
	}
	// a leftover artifact would make the new run look completed
	_ = os.Remove(info.PlotPath)

	p, err := s.spawn(info)
	if err != nil {
		return Run{}, s.launchFailed(clientID, configPath, &LaunchError{Op: "spawn", Err: err})
	}

	s.mu.Lock()
	s.runs[p.info.PID] = p
	s.clientRuns[clientID] = p.info.PID
	s.mu.Unlock()
	p.setRunning()

	s.metrics.RunLaunched()
	events.Emit("info", "run.launched", "", map[string]interface{}{
		"pid":        p.info.PID,
		"client_id":  clientID,
		"channel_id": p.info.ChannelID,
	})
	return p.info, nil
}

func (s *Supervisor) spawn(info Run) (*process, error) {
	args := append([]string(nil), s.command[1:]...)
	args = append(args,
		info.ConfigPath,
		"--plotFile", info.PlotPath,
		"--data-channel-id", info.ChannelID,
		"--session-path", info.SessionDir,
	)
	cmd := exec.Command(s.command[0], args...)
	cmd.Env = append(os.Environ(), s.env...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// Output goes through pipes we own, so Wait returns when the simulator
	// exits even if a forked child still holds the write ends.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, err
	}

	info.PID = cmd.Process.Pid
	info.StartedAt = time.Now().UTC()
	p := newProcess(info, cmd, stdin)

	go func() {
		defer stdoutR.Close()
		s.drain(info.PID, StreamStdout, stdoutR)
	}()
	go func() {
		defer stderrR.Close()
		s.drain(info.PID, StreamStderr, stderrR)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.exited(p, cmd.Wait())
	}()
	return p, nil
}

func (s *Supervisor) exited(p *process, err error) {
	state := p.exited(err)
	fields := map[string]interface{}{
		"pid":        p.info.PID,
		"client_id":  p.info.ClientID,
		"channel_id": p.info.ChannelID,
		"state":      string(state),
	}
	if err != nil {
		fields["exit_error"] = err.Error()
	}
	events.Emit("info", "run.exited", "", fields)

	if state == StateCompletedError && s.onRunFailed != nil {
		s.onRunFailed(p.info, err)
	}
}

func (s *Supervisor) launchFailed(clientID, configPath string, err error) error {
	s.staging.RemoveConfig(configPath)
	s.metrics.LaunchFailed()
	events.Emit("error", "run.failed", err.Error(), map[string]interface{}{
		"client_id": clientID,
	})
	return err
}

// Terminate stops and unregisters the run. It returns false if pid is not
// registered, so a second call for the same pid returns false.
func (s *Supervisor) Terminate(pid int) bool {
	s.mu.Lock()
	p, ok := s.runs[pid]
	if ok {
		delete(s.runs, pid)
		if s.clientRuns[p.info.ClientID] == pid {
			delete(s.clientRuns, p.info.ClientID)
		}
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	wasAlive := p.stop(s.grace)
	s.staging.RemoveConfig(p.info.ConfigPath)
	s.metrics.RunTerminated()
	events.Emit("info", "run.terminated", "", map[string]interface{}{
		"pid":        pid,
		"client_id":  p.info.ClientID,
		"channel_id": p.info.ChannelID,
		"was_alive":  wasAlive,
	})
	return true
}

// Status reports the state of a registered run.
func (s *Supervisor) Status(pid int) Status {
	s.mu.Lock()
	p, ok := s.runs[pid]
	s.mu.Unlock()
	if !ok {
		return Status{PID: pid, State: StateNotFound}
	}
	return Status{PID: pid, State: p.status(), PlotFile: p.info.PlotFile}
}

type commandLine struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params"`
}

// SendCommand writes {"command":name,"params":params} as one line to the
// run's stdin. Commands for unknown or exited runs are dropped.
func (s *Supervisor) SendCommand(pid int, name string, params map[string]interface{}) bool {
	s.mu.Lock()
	p, ok := s.runs[pid]
	s.mu.Unlock()

	delivered := false
	if ok {
		if params == nil {
			params = map[string]interface{}{}
		}
		b, err := json.Marshal(commandLine{Command: name, Params: params})
		if err == nil {
			delivered = p.writeLine(append(b, '\n'))
		}
	}

	s.metrics.CommandForwarded(delivered)
	fields := map[string]interface{}{"pid": pid, "command": name}
	if ok {
		fields["channel_id"] = p.info.ChannelID
	}
	if delivered {
		events.Emit("debug", "command.forwarded", "", fields)
	} else {
		events.Emit("debug", "command.dropped", "", fields)
	}
	return delivered
}

// Lookup returns the registered run for pid.
func (s *Supervisor) Lookup(pid int) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.runs[pid]
	if !ok {
		return Run{}, false
	}
	return p.info, true
}

// ActiveRun returns the client's registered run.
func (s *Supervisor) ActiveRun(clientID string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid, ok := s.clientRuns[clientID]
	if !ok {
		return Run{}, false
	}
	return s.runs[pid].info, true
}

// Runs returns a snapshot of every registered run.
func (s *Supervisor) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, p := range s.runs {
		out = append(out, p.info)
	}
	return out
}

// Shutdown terminates every registered run and stops the output sink.
// Launch fails with ErrClosed afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pids := make([]int, 0, len(s.runs))
	for pid := range s.runs {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	var stops sync.WaitGroup
	for _, pid := range pids {
		stops.Add(1)
		go func(pid int) {
			defer stops.Done()
			s.Terminate(pid)
		}(pid)
	}
	stops.Wait()

	close(s.quit)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-s.sinkDone
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
