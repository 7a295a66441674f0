package camera

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeProcess is a controllable ProcessHandle. By default any signal makes
// it exit as if terminated by that signal; set exitOnSignal to false to
// simulate a process that ignores graceful signals.
type fakeProcess struct {
	pid    int
	done   chan struct{}
	finish sync.Once
	stdout io.Reader

	mu           sync.Mutex
	exit         ExitStatus
	signals      []os.Signal
	exitOnSignal bool
	stderr       string
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{
		pid:          pid,
		done:         make(chan struct{}),
		exitOnSignal: true,
	}
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdout }

func (p *fakeProcess) Exit() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *fakeProcess) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	exitNow := p.exitOnSignal
	p.mu.Unlock()
	if exitNow {
		p.finishWith(ExitStatus{Code: -1, Signal: sig.String()})
	}
	return nil
}

func (p *fakeProcess) finishWith(exit ExitStatus) {
	p.finish.Do(func() {
		p.mu.Lock()
		p.exit = exit
		p.mu.Unlock()
		close(p.done)
	})
}

// exitWith simulates the process ending on its own with code.
func (p *fakeProcess) exitWith(code int) {
	p.finishWith(ExitStatus{Code: code})
}

func (p *fakeProcess) signalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signals)
}

func (p *fakeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// fakeLauncher hands out fakeProcesses and records every launch.
type fakeLauncher struct {
	mu        sync.Mutex
	nextPID   int
	launches  []LaunchSpec
	procs     map[string][]*fakeProcess
	failRoles map[string]error

	// dieAtLaunch makes processes of a role exit with the given code
	// immediately, before any health window elapses.
	dieAtLaunch map[string]int

	// stdoutData, when set for a role, becomes the process's stdout.
	stdoutData map[string]string
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		procs:       make(map[string][]*fakeProcess),
		failRoles:   make(map[string]error),
		dieAtLaunch: make(map[string]int),
		stdoutData:  make(map[string]string),
	}
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (ProcessHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failRoles[spec.Role]; err != nil {
		return nil, err
	}
	l.nextPID++
	p := newFakeProcess(l.nextPID)
	if data, ok := l.stdoutData[spec.Role]; ok && spec.WantStdout {
		p.stdout = strings.NewReader(data)
	}
	l.launches = append(l.launches, spec)
	l.procs[spec.Role] = append(l.procs[spec.Role], p)
	if code, ok := l.dieAtLaunch[spec.Role]; ok {
		p.exitWith(code)
	}
	return p, nil
}

// proc returns the most recent process launched for role, or nil.
func (l *fakeLauncher) proc(role string) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps := l.procs[role]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

func (l *fakeLauncher) launchCount(role string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs[role])
}

func (l *fakeLauncher) lastSpec(role string) (LaunchSpec, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.launches) - 1; i >= 0; i-- {
		if l.launches[i].Role == role {
			return l.launches[i], true
		}
	}
	return LaunchSpec{}, false
}

// newTestPipeline returns a pipeline with timings collapsed for tests.
func newTestPipeline(l Launcher) *SharedPipeline {
	p := NewSharedPipeline(l, "", testLogger(), nil)
	p.healthWindow = 5 * time.Millisecond
	p.restartDelay = 10 * time.Millisecond
	p.stopGrace = 5 * time.Millisecond
	return p
}

var testConfig = PipelineConfig{Width: 1280, Height: 720, FPS: 30}
