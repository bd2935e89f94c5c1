// Package process manages engine subprocesses and their in-memory state.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/bitk/bitk/internal/engine"
)

// Compile-time check that OSProcess satisfies the adapter contract.
var _ engine.SpawnedProcess = (*OSProcess)(nil)

// SpawnSpec describes one subprocess launch.
type SpawnSpec struct {
	Argv []string
	Dir  string
	Env  []string

	// Stdin requests a stdin pipe for engines driven over stdio RPC.
	Stdin bool
}

// OSProcess is a live engine subprocess in its own process group.
type OSProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	exited chan struct{}
	result engine.ExitResult
}

// Start launches the subprocess described by spec. Output pipes are plain OS
// pipes so EOF arrives exactly when the process group releases them, not
// when Wait is called.
func Start(spec SpawnSpec) (*OSProcess, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty argv")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	setProcGroup(cmd)

	p := &OSProcess{cmd: cmd, exited: make(chan struct{})}

	if spec.Stdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		p.stdin = stdin
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	p.stdout = stdoutR
	p.stderr = stderrR

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, err
	}

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	go p.wait()
	return p, nil
}

func (p *OSProcess) wait() {
	err := p.cmd.Wait()

	res := engine.ExitResult{}
	if err != nil {
		res.Err = err
		res.Code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Code = exitErr.ExitCode()
		}
	}
	p.result = res
	close(p.exited)
}

// Stdout returns the engine output stream.
func (p *OSProcess) Stdout() io.ReadCloser { return p.stdout }

// Stderr returns the engine error stream.
func (p *OSProcess) Stderr() io.ReadCloser { return p.stderr }

// Stdin returns the stdin pipe, nil unless requested in the spec.
func (p *OSProcess) Stdin() io.WriteCloser { return p.stdin }

// Cancel asks the process group to stop.
func (p *OSProcess) Cancel() error {
	pid := p.PID()
	if pid <= 0 {
		return errors.New("process not started")
	}
	return terminateProcessGroup(pid)
}

// Kill signals the process. os.Kill takes down the whole group.
func (p *OSProcess) Kill(sig os.Signal) error {
	pid := p.PID()
	if pid <= 0 {
		return errors.New("process not started")
	}
	if sig == os.Kill {
		return killProcessGroup(pid)
	}
	return p.cmd.Process.Signal(sig)
}

// Exited is closed when the process has ended.
func (p *OSProcess) Exited() <-chan struct{} { return p.exited }

// ExitResult returns the outcome. Valid only after Exited is closed.
func (p *OSProcess) ExitResult() engine.ExitResult { return p.result }

// PID returns the OS process id, 0 if the process never started.
func (p *OSProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
