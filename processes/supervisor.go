package processes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const (
	defaultGracefulShutdownPeriod = 10 * time.Second
	ptyDrainTimeout               = 2 * time.Second
	readChunkSize                 = 32 * 1024

	exitKeyInterrupt = "\x03"
	exitKeyEOF       = "\x04"

	processStoppedMessage = "\n* Process stopped..\n"
)

// Handler receives lifecycle callbacks from a Supervisor. Every field is
// optional. Output callbacks return the text to show on the display; when a
// callback is nil the raw chunk is shown.
type Handler struct {
	OnStarted   func(pid int)
	OnStdout    func(chunk []byte) string
	OnStderr    func(chunk []byte) string
	OnError     func(err error) string
	OnComplete  func()
	OnUserInput func(input string)
	// OnOutputDone runs once the output streams of a spawned child are
	// drained, before the stop message. Its text is shown on the display.
	OnOutputDone func() string
}

// Options describes the process a Supervisor owns.
type Options struct {
	Name       string
	Path       string
	Args       []string
	Env        []string // Appended to the parent environment.
	Dir        string
	ExtraFiles []*os.File

	// UsePTY attaches the child to a pseudo-terminal; stdout and stderr are
	// then merged into OnStdout.
	UsePTY bool
	// KillOnTerminalClosed stops the child when Close is called.
	KillOnTerminalClosed bool
	// KillOnUserInput stops the child on Ctrl-C or Ctrl-D from HandleInput.
	KillOnUserInput bool

	GracefulShutdownPeriod time.Duration // Time to wait after SIGINT before SIGKILL.
	Logger                 *slog.Logger
}

// Supervisor owns exactly one child process for one lifetime. It is not
// restartable: create a new Supervisor for a new process.
type Supervisor struct {
	opts    Options
	handler Handler
	display io.Writer
	logger  *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	state     ProcessState
	started   bool
	stopping  bool
	completed bool
	exited    bool
	// stopPending records a Stop that arrived while the child was spawning.
	stopPending bool

	displayMu    sync.Mutex
	completeOnce sync.Once
	done         chan struct{}
	exitedCh     chan struct{}
}

// NewSupervisor creates a supervisor. display receives the terminal output
// and may be nil.
func NewSupervisor(opts Options, handler Handler, display io.Writer) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.GracefulShutdownPeriod == 0 {
		opts.GracefulShutdownPeriod = defaultGracefulShutdownPeriod
	}
	if display == nil {
		display = io.Discard
	}
	return &Supervisor{
		opts:     opts,
		handler:  handler,
		display:  display,
		logger:   logger.With("component", "Supervisor", "name", opts.Name),
		done:     make(chan struct{}),
		exitedCh: make(chan struct{}),
	}
}

// Start launches the process. Spawn failures are reported through
// Handler.OnError and followed by OnComplete; Start itself never fails.
// Cancelling ctx stops the process.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.completed {
		s.mu.Unlock()
		s.logger.Warn("Supervisor already started or closed")
		return
	}
	s.started = true
	s.state = StateStarting
	s.mu.Unlock()

	cmd := exec.Command(s.opts.Path, s.opts.Args...)
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.Dir = s.opts.Dir
	cmd.ExtraFiles = s.opts.ExtraFiles

	var err error
	if s.opts.UsePTY {
		err = s.startPTY(cmd)
	} else {
		// Own process group so signals reach grandchildren holding our pipes.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		err = s.startPipes(cmd)
	}
	if err != nil {
		s.logger.Error("Failed to start process", "path", s.opts.Path, "error", err)
		s.markExited()
		s.reportError(err)
		s.complete()
		return
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.exitedCh:
		}
	}()
}

func (s *Supervisor) startPipes(cmd *exec.Cmd) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	s.onSpawned(cmd)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.pump(stdout, "stdout", s.handler.OnStdout)
	}()
	go func() {
		defer readers.Done()
		s.pump(stderr, "stderr", s.handler.OnStderr)
	}()

	go func() {
		// Wait must not be called before the pipes are drained.
		readers.Wait()
		s.onExited(cmd.Wait())
	}()
	return nil
}

func (s *Supervisor) startPTY(cmd *exec.Cmd) error {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 30, Cols: 120})
	if err != nil {
		return err
	}
	s.onSpawned(cmd)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.pump(ptmx, "stdout", s.handler.OnStdout)
	}()

	go func() {
		exitErr := cmd.Wait()
		select {
		case <-readerDone:
		case <-time.After(ptyDrainTimeout):
			// A grandchild still holds the terminal open.
		}
		ptmx.Close()
		<-readerDone
		s.onExited(exitErr)
	}()
	return nil
}

func (s *Supervisor) onSpawned(cmd *exec.Cmd) {
	s.mu.Lock()
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	if !s.completed {
		s.state = StateRunning
	}
	pending := s.stopPending
	s.stopPending = false
	s.mu.Unlock()

	s.logger.Info("Process started", "pid", cmd.Process.Pid, "command", cmd.String())
	if s.handler.OnStarted != nil {
		s.handler.OnStarted(cmd.Process.Pid)
	}
	if pending {
		s.Stop()
	}
}

func (s *Supervisor) pump(r io.Reader, source string, fn func([]byte) string) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			text := string(chunk)
			if fn != nil {
				text = fn(chunk)
			}
			s.writeDisplay(text)
		}
		if err != nil {
			// A PTY master returns EIO once the slave side is gone.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				s.logger.Warn("Error reading process output", "source", source, "error", err)
			}
			return
		}
	}
}

func (s *Supervisor) onExited(exitErr error) {
	s.logger.Info("Process exited", "pid", s.PID(), "exitError", exitErr)
	s.markExited()
	if s.handler.OnOutputDone != nil {
		s.writeDisplay(s.handler.OnOutputDone())
	}
	s.writeDisplay(processStoppedMessage)
	s.complete()
}

func (s *Supervisor) markExited() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return
	}
	s.exited = true
	s.state = StateStopped
	close(s.exitedCh)
}

func (s *Supervisor) reportError(err error) {
	text := err.Error()
	if s.handler.OnError != nil {
		text = s.handler.OnError(err)
	}
	s.writeDisplay(text)
}

// complete fires OnComplete exactly once per supervisor.
func (s *Supervisor) complete() {
	s.completeOnce.Do(func() {
		s.mu.Lock()
		s.completed = true
		s.state = StateStopped
		s.mu.Unlock()
		close(s.done)

		if s.handler.OnComplete != nil {
			s.handler.OnComplete()
		}
	})
}

// Write shows a line of text on the display, not on the child's stdin.
func (s *Supervisor) Write(text string) {
	s.writeDisplay(text + "\r\n")
}

func (s *Supervisor) writeDisplay(text string) {
	if text == "" {
		return
	}
	s.displayMu.Lock()
	defer s.displayMu.Unlock()
	if _, err := io.WriteString(s.display, NormalizeLineEndings(text)); err != nil {
		s.logger.Debug("Failed to write to display", "error", err)
	}
}

// HandleInput processes keystrokes typed into the attached terminal.
func (s *Supervisor) HandleInput(data string) {
	if s.handler.OnUserInput != nil {
		s.handler.OnUserInput(data)
	}
	s.writeDisplay(data)

	if !s.opts.KillOnUserInput || (data != exitKeyInterrupt && data != exitKeyEOF) {
		return
	}
	s.Stop()
}

// Stop sends SIGINT to the child and SIGKILL after the graceful shutdown
// period. A child that outlived a detaching Close can still be stopped. A
// Stop issued while the child is spawning is applied once it has a pid. It is
// a no-op when the process has exited or is already stopping.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started || s.exited || s.stopping {
		s.mu.Unlock()
		return
	}
	if s.cmd == nil {
		s.stopPending = true
		s.mu.Unlock()
		return
	}
	s.stopping = true
	proc := s.cmd.Process
	s.mu.Unlock()

	s.logger.Info("Stopping process", "pid", proc.Pid)
	if err := signalGroup(proc, syscall.SIGINT); err != nil {
		s.logger.Warn("Failed to send SIGINT to process", "pid", proc.Pid, "error", err)
	}

	go func() {
		timer := time.NewTimer(s.opts.GracefulShutdownPeriod)
		defer timer.Stop()
		select {
		case <-s.exitedCh:
		case <-timer.C:
			s.logger.Warn("Process did not exit gracefully, sending SIGKILL", "pid", proc.Pid)
			if err := signalGroup(proc, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.logger.Error("Failed to send SIGKILL to process", "pid", proc.Pid, "error", err)
			}
		}
	}()
}

// signalGroup signals the child's process group, which both the pipe and the
// PTY modes create, and falls back to the child alone.
func signalGroup(proc *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-proc.Pid, sig); err == nil {
		return nil
	}
	return proc.Signal(sig)
}

// Close is called when the hosting terminal goes away. With
// KillOnTerminalClosed the child is stopped and completion follows its exit;
// otherwise the supervisor detaches and completes immediately. Either way
// OnComplete fires exactly once. A child still being spawned counts as
// running.
func (s *Supervisor) Close() {
	s.mu.Lock()
	completed := s.completed
	alive := s.started && !s.exited
	s.mu.Unlock()

	if completed {
		return
	}
	if alive && s.opts.KillOnTerminalClosed {
		s.Stop()
		return
	}
	s.complete()
}

// Done is closed once the supervisor has completed.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// State returns the process state.
func (s *Supervisor) State() ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the child's pid, or 0 before it was spawned.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// NormalizeLineEndings converts bare newlines to the CRLF convention of
// terminal displays.
func NormalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\n", "\r\n")
}
