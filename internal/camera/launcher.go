package camera

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Subprocess roles. The launcher maps a role plus a config to an argument
// vector; the core never interprets the argv itself.
const (
	RolePipeline  = "pipeline"
	RoleRecord    = "record"
	RoleInference = "inference"
	RolePreview   = "preview"
	RoleOverlay   = "ai-overlay"
	RoleDetector  = "detector"
	RoleStill     = "still"
)

// ExitStatus describes how a subprocess ended. Code is -1 when the process
// was terminated by a signal; Signal then carries the signal name.
type ExitStatus struct {
	Code   int
	Signal string
}

// ProcessHandle is the core's view of one spawned subprocess: exit
// notification, captured stderr, and a kill operation. The argv behind it
// is opaque.
type ProcessHandle interface {
	PID() int

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// Exit is only valid after Done is closed.
	Exit() ExitStatus

	// Signal delivers sig to the process. Signaling an exited process is
	// a no-op.
	Signal(sig os.Signal) error

	// Stderr returns the captured tail of the process's standard error.
	Stderr() string

	// Stdout returns the process's standard output stream, or nil when
	// the launch did not request it.
	Stdout() io.Reader
}

// LaunchSpec tells the launcher what to spawn. Role selects the command
// shape; OutputPath and MetaPath are the role-specific parameters.
type LaunchSpec struct {
	Role       string
	Config     PipelineConfig
	OutputPath string
	MetaPath   string
	WantStdout bool
}

// Launcher spawns camera subprocesses. Implementations own the
// command-line specifics; the core only observes exit, stderr, and kill.
type Launcher interface {
	Launch(spec LaunchSpec) (ProcessHandle, error)
}

// ArgsBuilder turns a launch spec into an argument vector. The first
// element is the binary path.
type ArgsBuilder func(spec LaunchSpec) []string

// ExecLauncher runs subprocesses via os/exec with an injected argument
// builder. A nil builder is not an error until the first Launch, so a
// misconfigured deployment fails at session start rather than at boot.
type ExecLauncher struct {
	build ArgsBuilder
}

// NewExecLauncher returns a launcher that builds argument vectors with
// build. build may be nil; Launch will then fail.
func NewExecLauncher(build ArgsBuilder) *ExecLauncher {
	return &ExecLauncher{build: build}
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(spec LaunchSpec) (ProcessHandle, error) {
	if l.build == nil {
		return nil, fmt.Errorf("launch %s: no pipeline argument builder configured", spec.Role)
	}
	argv := l.build(spec)
	if len(argv) == 0 {
		return nil, fmt.Errorf("launch %s: argument builder produced an empty command", spec.Role)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stderr := &tailBuffer{limit: 8 * 1024}
	cmd.Stderr = stderr

	var stdout io.Reader
	if spec.WantStdout {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("launch %s: stdout pipe: %w", spec.Role, err)
		}
		stdout = pipe
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.Role, err)
	}

	p := &execProcess{
		cmd:    cmd,
		done:   make(chan struct{}),
		stderr: stderr,
		stdout: stdout,
	}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	exit   ExitStatus
	stderr *tailBuffer
	stdout io.Reader
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	status := ExitStatus{}
	if err != nil {
		status.Code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status.Code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				status.Code = -1
				status.Signal = ws.Signal().String()
			}
		}
	}
	p.exit = status
	close(p.done)
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Exit() ExitStatus      { return p.exit }
func (p *execProcess) Stderr() string        { return p.stderr.String() }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }

func (p *execProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.cmd.Process.Signal(sig)
}

// killSequence is the escalation every subprocess shutdown follows:
// graceful, then medium, then forceful.
var killSequence = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL}

// terminate drives proc through the kill escalation, waiting grace between
// tiers, and returns once the process has exited. SIGKILL cannot be
// ignored, so the final wait is unbounded.
func terminate(proc ProcessHandle, grace time.Duration) {
	for _, sig := range killSequence {
		_ = proc.Signal(sig)
		select {
		case <-proc.Done():
			return
		case <-time.After(grace):
		}
	}
	<-proc.Done()
}

// tailBuffer keeps the last limit bytes written to it. Subprocess stderr
// can be unbounded; only the tail is useful in error messages.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
