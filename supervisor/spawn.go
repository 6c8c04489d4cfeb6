package supervisor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Process is a started child with its standard streams attached.
type Process interface {
	PID() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the child exits. Callers must finish reading Stdout
	// and Stderr first.
	Wait() error
	// Kill asks the child to exit.
	Kill() error
	// Terminate stops the child without giving it a chance to refuse.
	Terminate() error
}

// Spawner starts a new child with the given environment.
type Spawner interface {
	Spawn(ctx context.Context, env []string) (Process, error)
}

// ExecSpawner starts Command with Args as an operating system process.
type ExecSpawner struct {
	Command string
	Args    []string
	Dir     string
}

// Spawn implements Spawner.
func (e ExecSpawner) Spawn(ctx context.Context, env []string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(e.Command, e.Args...)
	cmd.Env = env
	cmd.Dir = e.Dir
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", e.Command, err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Kill() error           { return signalProcess(p.cmd, false) }
func (p *execProcess) Terminate() error      { return signalProcess(p.cmd, true) }

var _ Spawner = ExecSpawner{}
