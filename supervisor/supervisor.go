// Package supervisor keeps exactly one MCP child process alive. It spawns the
// child, pumps its stdout into a message handler, triggers the initialize
// handshake once the child has had time to boot, and respawns it after every
// exit until its context is cancelled.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-bridge/stdio"
)

const (
	// DefaultInitDelay is how long a fresh child gets to boot before the
	// initialize handshake is sent.
	DefaultInitDelay = time.Second
	// DefaultRestartDelay is the pause between a child exit and the next spawn.
	DefaultRestartDelay = 5 * time.Second
	// DefaultKillGrace is how long a child may ignore the termination signal
	// on shutdown before it is killed outright.
	DefaultKillGrace = 3 * time.Second
	// DefaultTokenEnv is the environment variable that carries the Asana
	// credential into the child.
	DefaultTokenEnv = "ASANA_ACCESS_TOKEN"
)

// ErrNotRunning is returned when there is no live child to talk to.
var ErrNotRunning = errors.New("mcp process not running")

// ExitError describes how a child terminated.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("mcp process exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func newExitError(err error) *ExitError {
	if err == nil {
		return &ExitError{}
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return &ExitError{Code: coder.ExitCode(), Err: err}
	}
	return &ExitError{Code: -1, Err: err}
}

// Config configures a Supervisor.
type Config struct {
	Spawner Spawner

	// Token is injected into the child's environment as TokenEnv. When
	// TokenFile is set its trimmed contents are used instead, re-read at
	// every spawn and watched for changes.
	Token     string
	TokenFile string
	TokenEnv  string

	InitDelay    time.Duration
	RestartDelay time.Duration
	// KillGrace bounds the wait between Kill and Terminate once Run's
	// context is done.
	KillGrace time.Duration

	// OnMessage receives every JSON line the child writes to stdout.
	OnMessage stdio.MessageHandler
	// OnStart runs InitDelay after each successful spawn while that child is
	// still current. It is where the initialize handshake is sent.
	OnStart func(ctx context.Context)

	Logger *slog.Logger
}

type process struct {
	p Process
	w *stdio.LineWriter
}

// Supervisor owns the current child process handle.
type Supervisor struct {
	spawner      Spawner
	token        string
	tokenFile    string
	tokenEnv     string
	initDelay    time.Duration
	restartDelay time.Duration
	killGrace    time.Duration
	onMessage    stdio.MessageHandler
	onStart      func(ctx context.Context)
	log          *slog.Logger

	mu           sync.Mutex
	state        State
	cur          *process
	restarts     int
	spawnedToken string
}

// New constructs a Supervisor. Nothing is spawned until Run.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		spawner:      cfg.Spawner,
		token:        cfg.Token,
		tokenFile:    cfg.TokenFile,
		tokenEnv:     cfg.TokenEnv,
		initDelay:    cfg.InitDelay,
		restartDelay: cfg.RestartDelay,
		killGrace:    cfg.KillGrace,
		onMessage:    cfg.OnMessage,
		onStart:      cfg.OnStart,
		log:          cfg.Logger,
	}
	if s.tokenEnv == "" {
		s.tokenEnv = DefaultTokenEnv
	}
	if s.initDelay <= 0 {
		s.initDelay = DefaultInitDelay
	}
	if s.restartDelay <= 0 {
		s.restartDelay = DefaultRestartDelay
	}
	if s.killGrace <= 0 {
		s.killGrace = DefaultKillGrace
	}
	if s.onMessage == nil {
		s.onMessage = func(*jsonrpc.Envelope) {}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Run spawns the child and restarts it after every exit. It returns once ctx
// is done, after killing the current child.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.spawner == nil {
		return errors.New("supervisor: no spawner configured")
	}
	if s.tokenFile != "" {
		go s.watchToken(ctx)
	}

	for {
		s.runOnce(ctx)
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return nil
		}

		s.setState(StateCrashed)
		s.log.InfoContext(ctx, "mcp.process.restart.wait", slog.Duration("delay", s.restartDelay))
		t := time.NewTimer(s.restartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.setState(StateStopped)
			return nil
		case <-t.C:
		}

		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
	}
}

func (s *Supervisor) runOnce(ctx context.Context) {
	s.setState(StateStarting)

	env, err := s.environ()
	if err != nil {
		s.log.ErrorContext(ctx, "mcp.process.spawn.fail", slog.String("err", err.Error()))
		return
	}
	p, err := s.spawner.Spawn(ctx, env)
	if err != nil {
		s.log.ErrorContext(ctx, "mcp.process.spawn.fail", slog.String("err", err.Error()))
		return
	}

	proc := &process{p: p, w: stdio.NewLineWriter(p.Stdin())}
	s.mu.Lock()
	s.cur = proc
	s.state = StateRunning
	s.mu.Unlock()

	log := s.log.With(slog.Int("pid", p.PID()))
	log.InfoContext(ctx, "mcp.process.start")

	exited := make(chan struct{})
	defer close(exited)
	stopKill := context.AfterFunc(ctx, func() { s.stop(p, exited, log) })
	defer stopKill()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stdio.CopyStderr(p.Stderr(), log)
	}()
	go func() {
		defer wg.Done()
		rd := stdio.NewReader(p.Stdout(), stdio.WithLogger(log))
		if err := rd.Run(ctx, s.onMessage); err != nil && ctx.Err() == nil {
			log.WarnContext(ctx, "mcp.stdout.read.fail", slog.String("err", err.Error()))
		}
	}()

	initTimer := time.AfterFunc(s.initDelay, func() {
		if s.current() != proc || s.onStart == nil {
			return
		}
		s.onStart(ctx)
	})

	// Pipes must be drained before Wait closes them.
	wg.Wait()
	initTimer.Stop()
	exit := newExitError(p.Wait())

	s.mu.Lock()
	if s.cur == proc {
		s.cur = nil
	}
	s.mu.Unlock()
	_ = proc.w.Close()

	attrs := []any{slog.Int("code", exit.Code)}
	if exit.Err != nil {
		attrs = append(attrs, slog.String("err", exit.Err.Error()))
	}
	log.WarnContext(ctx, "mcp.process.exit", attrs...)
}

// stop asks p to exit and escalates to Terminate if it is still running
// after the kill grace period.
func (s *Supervisor) stop(p Process, exited <-chan struct{}, log *slog.Logger) {
	if err := p.Kill(); err != nil {
		log.Warn("mcp.process.kill.fail", slog.String("err", err.Error()))
	}
	t := time.NewTimer(s.killGrace)
	defer t.Stop()
	select {
	case <-exited:
	case <-t.C:
		log.Warn("mcp.process.terminate", slog.Duration("grace", s.killGrace))
		if err := p.Terminate(); err != nil {
			log.Warn("mcp.process.terminate.fail", slog.String("err", err.Error()))
		}
	}
}

// WriteMessage writes msg as one line to the current child's stdin.
func (s *Supervisor) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	proc := s.current()
	if proc == nil {
		return ErrNotRunning
	}
	if err := proc.w.WriteMessage(ctx, msg); err != nil {
		if errors.Is(err, stdio.ErrWriterClosed) {
			return ErrNotRunning
		}
		return fmt.Errorf("failed to write to mcp process: %w", err)
	}
	return nil
}

// Running reports whether a child is currently alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && s.state == StateRunning
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restarts counts spawn attempts made after the first.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// PID returns the current child's pid, or 0 when there is none.
func (s *Supervisor) PID() int {
	if proc := s.current(); proc != nil {
		return proc.p.PID()
	}
	return 0
}

// Kill terminates the current child. The restart loop will spawn a new one
// unless Run's context is done.
func (s *Supervisor) Kill() error {
	proc := s.current()
	if proc == nil {
		return ErrNotRunning
	}
	s.log.Info("mcp.process.kill", slog.Int("pid", proc.p.PID()))
	return proc.p.Kill()
}

// TokenConfigured reports whether a non-empty credential is available for
// the child.
func (s *Supervisor) TokenConfigured() bool {
	if s.tokenFile != "" {
		token, err := readToken(s.tokenFile)
		return err == nil && token != ""
	}
	return s.token != ""
}

func (s *Supervisor) current() *process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// environ builds the child's environment: the host environment plus the
// credential variable when one is configured.
func (s *Supervisor) environ() ([]string, error) {
	token := s.token
	if s.tokenFile != "" {
		t, err := readToken(s.tokenFile)
		if err != nil {
			return nil, err
		}
		token = t
	}

	s.mu.Lock()
	s.spawnedToken = token
	s.mu.Unlock()

	env := os.Environ()
	if token != "" {
		env = append(env, s.tokenEnv+"="+token)
	}
	return env, nil
}
