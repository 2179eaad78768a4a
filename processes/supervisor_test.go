package processes

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a display that can be read while the supervisor writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitExited(t *testing.T, s *Supervisor) {
	t.Helper()
	select {
	case <-s.exitedCh:
	case <-time.After(10 * time.Second):
		t.Fatal("child did not exit")
	}
}

func waitDone(t *testing.T, s *Supervisor) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not complete")
	}
}

func TestSupervisorNaturalExit(t *testing.T) {
	display := &syncBuffer{}
	var completions int32
	var startedPID int32

	s := NewSupervisor(Options{
		Name: "echo",
		Path: "/bin/sh",
		Args: []string{"-c", "echo hello; echo oops 1>&2"},
	}, Handler{
		OnStarted:  func(pid int) { atomic.StoreInt32(&startedPID, int32(pid)) },
		OnStdout:   func(chunk []byte) string { return strings.ToUpper(string(chunk)) },
		OnComplete: func() { atomic.AddInt32(&completions, 1) },
	}, display)

	s.Start(context.Background())
	waitDone(t, s)

	out := display.String()
	assert.Contains(t, out, "HELLO\r\n")
	assert.Contains(t, out, "oops\r\n")
	assert.Contains(t, out, "* Process stopped..")
	assert.NotZero(t, atomic.LoadInt32(&startedPID))
	assert.Equal(t, StateStopped, s.State())

	// Stop and Close after a natural exit must not fire completion again.
	s.Stop()
	s.Close()
	assert.Equal(t, int32(1), atomic.LoadInt32(&completions))
}

func TestSupervisorStopIsIdempotent(t *testing.T) {
	var completions int32
	s := NewSupervisor(Options{
		Name:                   "sleeper",
		Path:                   "/bin/sh",
		Args:                   []string{"-c", "sleep 30"},
		GracefulShutdownPeriod: 200 * time.Millisecond,
	}, Handler{
		OnComplete: func() { atomic.AddInt32(&completions, 1) },
	}, nil)

	s.Start(context.Background())
	require.Equal(t, StateRunning, s.State())

	s.Stop()
	s.Stop()
	s.Close()
	waitDone(t, s)
	s.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&completions))
	assert.Equal(t, StateStopped, s.State())
}

func TestSupervisorSpawnFailure(t *testing.T) {
	display := &syncBuffer{}
	var completions int32
	var reported error

	s := NewSupervisor(Options{
		Name: "missing",
		Path: "/definitely/not/here",
	}, Handler{
		OnError: func(err error) string {
			reported = err
			return "spawn failed: " + err.Error()
		},
		OnComplete: func() { atomic.AddInt32(&completions, 1) },
	}, display)

	s.Start(context.Background())
	waitDone(t, s)

	require.Error(t, reported)
	assert.Contains(t, display.String(), "spawn failed")
	assert.Equal(t, int32(1), atomic.LoadInt32(&completions))
	assert.Equal(t, 0, s.PID())
}

func TestSupervisorKillOnUserInput(t *testing.T) {
	display := &syncBuffer{}
	var inputs []string
	var completions int32

	s := NewSupervisor(Options{
		Name:                   "interactive",
		Path:                   "/bin/sh",
		Args:                   []string{"-c", "sleep 30"},
		KillOnUserInput:        true,
		GracefulShutdownPeriod: 200 * time.Millisecond,
	}, Handler{
		OnUserInput: func(input string) { inputs = append(inputs, input) },
		OnComplete:  func() { atomic.AddInt32(&completions, 1) },
	}, display)

	s.Start(context.Background())
	s.HandleInput("a")
	assert.Equal(t, StateRunning, s.State())

	s.HandleInput(exitKeyInterrupt)
	waitDone(t, s)

	// Input after completion must not trigger another stop.
	s.HandleInput(exitKeyEOF)
	assert.Equal(t, []string{"a", exitKeyInterrupt, exitKeyEOF}, inputs)
	assert.Equal(t, int32(1), atomic.LoadInt32(&completions))
}

func TestSupervisorCloseWithoutKillDetaches(t *testing.T) {
	var completions int32
	s := NewSupervisor(Options{
		Name:                   "detached",
		Path:                   "/bin/sh",
		Args:                   []string{"-c", "sleep 30"},
		GracefulShutdownPeriod: 200 * time.Millisecond,
	}, Handler{
		OnComplete: func() { atomic.AddInt32(&completions, 1) },
	}, nil)

	s.Start(context.Background())
	s.Close()
	waitDone(t, s)
	assert.Equal(t, int32(1), atomic.LoadInt32(&completions))

	pid := s.PID()
	require.NotZero(t, pid)
	assert.NoError(t, syscall.Kill(pid, 0), "detached child keeps running")

	// The detached child can still be stopped.
	s.Stop()
	waitExited(t, s)
	require.Eventually(t, func() bool {
		return syscall.Kill(pid, 0) != nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&completions))
}

func TestSupervisorCloseDuringStartStopsChild(t *testing.T) {
	for i := 0; i < 20; i++ {
		var completions int32
		s := NewSupervisor(Options{
			Name:                   "racing",
			Path:                   "/bin/sh",
			Args:                   []string{"-c", "sleep 30"},
			KillOnTerminalClosed:   true,
			GracefulShutdownPeriod: 200 * time.Millisecond,
		}, Handler{
			OnComplete: func() { atomic.AddInt32(&completions, 1) },
		}, nil)

		started := make(chan struct{})
		go func() {
			defer close(started)
			s.Start(context.Background())
		}()
		s.Close()
		<-started

		waitDone(t, s)
		if pid := s.PID(); pid != 0 {
			waitExited(t, s)
			require.Eventually(t, func() bool {
				return syscall.Kill(pid, 0) != nil
			}, 5*time.Second, 20*time.Millisecond)
		}
		assert.Equal(t, int32(1), atomic.LoadInt32(&completions))
	}
}

func TestSupervisorStopWhileSpawningIsDeferred(t *testing.T) {
	s := NewSupervisor(Options{
		Name:                   "pending",
		Path:                   "/bin/sh",
		Args:                   []string{"-c", "sleep 30"},
		GracefulShutdownPeriod: 200 * time.Millisecond,
	}, Handler{}, nil)

	// Simulate the window between Start claiming the supervisor and the
	// child receiving a pid.
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.Stop()
	s.mu.Lock()
	assert.True(t, s.stopPending)
	s.started = false
	s.mu.Unlock()

	s.Start(context.Background())
	waitDone(t, s)
	assert.Equal(t, StateStopped, s.State())
}

func TestSupervisorContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSupervisor(Options{
		Name:                   "cancelled",
		Path:                   "/bin/sh",
		Args:                   []string{"-c", "sleep 30"},
		GracefulShutdownPeriod: 200 * time.Millisecond,
	}, Handler{}, nil)

	s.Start(ctx)
	cancel()
	waitDone(t, s)
	assert.Equal(t, StateStopped, s.State())
}

func TestSupervisorPTY(t *testing.T) {
	display := &syncBuffer{}
	s := NewSupervisor(Options{
		Name:   "pty",
		Path:   "/bin/sh",
		Args:   []string{"-c", "echo from-pty; echo err-pty 1>&2"},
		UsePTY: true,
	}, Handler{}, display)

	s.Start(context.Background())
	waitDone(t, s)

	out := display.String()
	assert.Contains(t, out, "from-pty\r\n")
	assert.Contains(t, out, "err-pty\r\n")
}

func TestSupervisorWrite(t *testing.T) {
	display := &syncBuffer{}
	s := NewSupervisor(Options{Name: "noop"}, Handler{}, display)
	s.Write("* Starting server")
	assert.Equal(t, "* Starting server\r\n", display.String())
}

func TestNormalizeLineEndings(t *testing.T) {
	assert.Equal(t, "a\r\nb\r\n", NormalizeLineEndings("a\nb\n"))
	assert.Equal(t, "a\r\nb", NormalizeLineEndings("a\r\nb"))
	assert.Equal(t, "", NormalizeLineEndings(""))
}
