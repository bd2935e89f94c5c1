//go:build !windows

package process

import (
	"io"
	"os"
	"testing"
	"time"
)

func waitExit(t *testing.T, p *OSProcess, timeout time.Duration) {
	t.Helper()
	select {
	case <-p.Exited():
	case <-time.After(timeout):
		t.Fatal("process did not exit in time")
	}
}

func TestStartCapturesStdout(t *testing.T) {
	p, err := Start(SpawnSpec{Argv: []string{"sh", "-c", `printf 'hello\n'`}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	out, err := io.ReadAll(p.Stdout())
	if err != nil {
		t.Fatalf("reading stdout failed: %v", err)
	}
	if string(out) != "hello\n" {
		t.Errorf("stdout = %q, want %q", out, "hello\n")
	}

	waitExit(t, p, 5*time.Second)
	if res := p.ExitResult(); res.Code != 0 || res.Err != nil {
		t.Errorf("unexpected exit result: %+v", res)
	}
}

func TestStartSeparatesStderr(t *testing.T) {
	p, err := Start(SpawnSpec{Argv: []string{"sh", "-c", `printf 'out\n'; printf 'err\n' >&2`}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	out, _ := io.ReadAll(p.Stdout())
	errOut, _ := io.ReadAll(p.Stderr())
	if string(out) != "out\n" {
		t.Errorf("stdout = %q", out)
	}
	if string(errOut) != "err\n" {
		t.Errorf("stderr = %q", errOut)
	}
	waitExit(t, p, 5*time.Second)
}

func TestStartReportsExitCode(t *testing.T) {
	p, err := Start(SpawnSpec{Argv: []string{"sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitExit(t, p, 5*time.Second)
	if res := p.ExitResult(); res.Code != 3 {
		t.Errorf("exit code = %d, want 3", res.Code)
	}
}

func TestStartPassesEnvironment(t *testing.T) {
	p, err := Start(SpawnSpec{
		Argv: []string{"sh", "-c", `printf '%s' "$BITK_TEST_VALUE"`},
		Env:  []string{"BITK_TEST_VALUE=propagated"},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	out, _ := io.ReadAll(p.Stdout())
	if string(out) != "propagated" {
		t.Errorf("env not propagated, stdout = %q", out)
	}
	waitExit(t, p, 5*time.Second)
}

func TestStdinPipeRoundTrip(t *testing.T) {
	p, err := Start(SpawnSpec{Argv: []string{"cat"}, Stdin: true})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if p.Stdin() == nil {
		t.Fatal("expected stdin pipe")
	}

	if _, err := p.Stdin().Write([]byte("ping\n")); err != nil {
		t.Fatalf("stdin write failed: %v", err)
	}
	p.Stdin().Close()

	out, _ := io.ReadAll(p.Stdout())
	if string(out) != "ping\n" {
		t.Errorf("stdout = %q, want %q", out, "ping\n")
	}
	waitExit(t, p, 5*time.Second)
}

func TestCancelTerminatesProcessGroup(t *testing.T) {
	p, err := Start(SpawnSpec{Argv: []string{"sh", "-c", "sleep 30"}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := p.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	waitExit(t, p, 5*time.Second)
	if res := p.ExitResult(); res.Err == nil {
		t.Error("expected a non-nil error for a signalled process")
	}
}

func TestKillTakesDownProcessGroup(t *testing.T) {
	// The child spawns its own grandchild; the group kill must get both.
	p, err := Start(SpawnSpec{Argv: []string{"sh", "-c", "sleep 30 & sleep 30"}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := p.Kill(os.Kill); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	waitExit(t, p, 5*time.Second)
}
