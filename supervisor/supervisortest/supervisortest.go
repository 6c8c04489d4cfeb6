// Package supervisortest provides an in-memory Spawner for exercising the
// supervisor and everything layered on it without launching real processes.
package supervisortest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-bridge/supervisor"
)

// ExitStatus is returned from Process.Wait for non-zero exits.
type ExitStatus struct{ Code int }

func (e *ExitStatus) Error() string { return fmt.Sprintf("exit status %d", e.Code) }
func (e *ExitStatus) ExitCode() int { return e.Code }

// Process is a fake child whose standard streams are in-memory pipes.
type Process struct {
	pid int
	env []string

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	writeMu    sync.Mutex
	once       sync.Once
	code       int
	done       chan struct{}
	killed     atomic.Bool
	terminated atomic.Bool
	stubborn   atomic.Bool
}

func newProcess(pid int, env []string) *Process {
	p := &Process{pid: pid, env: env, done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *Process) PID() int              { return p.pid }
func (p *Process) Stdin() io.WriteCloser { return p.stdinW }
func (p *Process) Stdout() io.Reader     { return p.stdoutR }
func (p *Process) Stderr() io.Reader     { return p.stderrR }

func (p *Process) Wait() error {
	<-p.done
	if p.code != 0 {
		return &ExitStatus{Code: p.code}
	}
	return nil
}

func (p *Process) Kill() error {
	p.killed.Store(true)
	if !p.stubborn.Load() {
		p.Exit(143)
	}
	return nil
}

func (p *Process) Terminate() error {
	p.terminated.Store(true)
	p.Exit(137)
	return nil
}

// IgnoreKill makes the child survive Kill, as a process that traps SIGTERM
// would. Only Terminate or Exit end it.
func (p *Process) IgnoreKill() { p.stubborn.Store(true) }

// Terminated reports whether Terminate was called.
func (p *Process) Terminated() bool { return p.terminated.Load() }

// Exit terminates the fake child with code, closing its streams.
func (p *Process) Exit(code int) {
	p.once.Do(func() {
		p.code = code
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		_ = p.stdinR.Close()
		close(p.done)
	})
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool { return p.killed.Load() }

// Done is closed once the child has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Env returns the value of key in the environment the child was spawned
// with. Later entries win, as with exec.
func (p *Process) Env(key string) (string, bool) {
	prefix := key + "="
	for i := len(p.env) - 1; i >= 0; i-- {
		if v, ok := strings.CutPrefix(p.env[i], prefix); ok {
			return v, true
		}
	}
	return "", false
}

// StdinReader exposes what the supervisor writes to the child.
func (p *Process) StdinReader() io.Reader { return p.stdinR }

// WriteStdout emits one line of child output.
func (p *Process) WriteStdout(line string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := io.WriteString(p.stdoutW, line+"\n")
	return err
}

// WriteStderr emits one line of diagnostic output.
func (p *Process) WriteStderr(line string) error {
	_, err := io.WriteString(p.stderrW, line+"\n")
	return err
}

// Pipes returns the child's ends of stdin and stdout, for driving the fake
// with a real protocol implementation. Writes share the WriteStdout lock;
// closing the writer ends stdout as if the child had closed it.
func (p *Process) Pipes() (io.ReadCloser, io.WriteCloser) {
	return p.stdinR, stdoutWriter{p}
}

type stdoutWriter struct{ p *Process }

func (w stdoutWriter) Write(b []byte) (int, error) {
	w.p.writeMu.Lock()
	defer w.p.writeMu.Unlock()
	return w.p.stdoutW.Write(b)
}

func (w stdoutWriter) Close() error { return w.p.stdoutW.Close() }

// Responder answers one request read from the child's stdin. Returning nil
// leaves the request unanswered.
type Responder func(env *jsonrpc.Envelope) []jsonrpc.Message

// Serve reads requests from stdin and writes fn's replies to stdout until
// the child exits.
func (p *Process) Serve(fn Responder) {
	go func() {
		sc := bufio.NewScanner(p.stdinR)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for sc.Scan() {
			env, err := jsonrpc.Parse(sc.Bytes())
			if err != nil {
				continue
			}
			for _, msg := range fn(env) {
				if err := p.WriteStdout(string(msg)); err != nil {
					return
				}
			}
		}
	}()
}

// Spawner hands out Processes and records them for the test to pick up.
type Spawner struct {
	mu    sync.Mutex
	fail  int
	n     int
	procs chan *Process
	serve Responder
	run   func(*Process)
}

// NewSpawner returns an empty Spawner.
func NewSpawner() *Spawner {
	return &Spawner{procs: make(chan *Process, 16)}
}

// FailNext makes the next n Spawn calls fail as if the binary were missing.
func (s *Spawner) FailNext(n int) {
	s.mu.Lock()
	s.fail = n
	s.mu.Unlock()
}

// ServeWith makes every subsequently spawned child answer stdin with fn.
func (s *Spawner) ServeWith(fn Responder) {
	s.mu.Lock()
	s.serve = fn
	s.run = nil
	s.mu.Unlock()
}

// RunWith makes every subsequently spawned child run fn in its own
// goroutine. It replaces any Responder set with ServeWith.
func (s *Spawner) RunWith(fn func(*Process)) {
	s.mu.Lock()
	s.run = fn
	s.serve = nil
	s.mu.Unlock()
}

// Spawn implements supervisor.Spawner.
func (s *Spawner) Spawn(ctx context.Context, env []string) (supervisor.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return nil, errors.New(`exec: "npx": executable file not found in $PATH`)
	}
	s.n++
	p := newProcess(1000+s.n, env)
	switch {
	case s.run != nil:
		go s.run(p)
	case s.serve != nil:
		p.Serve(s.serve)
	}
	select {
	case s.procs <- p:
	default:
	}
	return p, nil
}

// Next waits for the next spawned child.
func (s *Spawner) Next(t testing.TB) *Process {
	t.Helper()
	select {
	case p := <-s.procs:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no process spawned")
		return nil
	}
}

var _ supervisor.Spawner = (*Spawner)(nil)
