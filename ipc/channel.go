package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"syscall"
)

// ChannelFDEnv tells the proxy host which inherited file descriptor is the
// IPC channel to its parent.
const ChannelFDEnv = "APPIUMHUB_IPC_FD"

// firstExtraFD is the descriptor number of exec.Cmd.ExtraFiles[0] in the child.
const firstExtraFD = 3

// Sender delivers events to the parent. Send never blocks on the reader and
// never reports failure: if nobody is listening the event is dropped.
type Sender interface {
	Send(ev Event)
}

// NopSender drops every event. Used when the host runs without a parent.
type NopSender struct{}

func (NopSender) Send(Event) {}

// StreamSender writes one JSON envelope per line to w.
type StreamSender struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
	broken bool
}

func NewStreamSender(w io.Writer, logger *slog.Logger) *StreamSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamSender{w: w, logger: logger.With("component", "IPCSender")}
}

func (s *StreamSender) Send(ev Event) {
	msg, err := Encode(ev)
	if err != nil {
		s.logger.Warn("Dropping unencodable event", "event", ev.Type(), "error", err)
		return
	}
	line, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("Dropping unencodable envelope", "event", ev.Type(), "error", err)
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return
	}
	if _, err := s.w.Write(line); err != nil {
		// The parent went away; everything after this is dropped as well.
		s.broken = true
		s.logger.Debug("IPC channel closed, dropping events", "error", err)
	}
}

// OpenChildSender opens the channel announced by ChannelFDEnv. When the
// variable is missing or invalid a NopSender is returned.
func OpenChildSender(logger *slog.Logger) Sender {
	if logger == nil {
		logger = slog.Default()
	}
	raw := os.Getenv(ChannelFDEnv)
	if raw == "" {
		logger.Info("No IPC channel configured, events will be dropped")
		return NopSender{}
	}
	fd, err := strconv.Atoi(raw)
	if err != nil || fd < firstExtraFD {
		logger.Warn("Invalid IPC channel descriptor", "value", raw)
		return NopSender{}
	}
	// Processes started by the child must not inherit the channel.
	syscall.CloseOnExec(fd)
	os.Unsetenv(ChannelFDEnv)
	return NewStreamSender(os.NewFile(uintptr(fd), "ipc"), logger)
}

// ChildEnv returns the environment entry announcing ExtraFiles[index] as
// the IPC channel.
func ChildEnv(index int) string {
	return fmt.Sprintf("%s=%d", ChannelFDEnv, firstExtraFD+index)
}

// NewPipe creates the parent read end and the child write end of a channel.
// The child end must be passed in exec.Cmd.ExtraFiles and closed by the
// parent once the child has started.
func NewPipe() (parentEnd *os.File, childEnd *os.File, err error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ipc pipe: %w", err)
	}
	return r, w, nil
}

// Receiver reads envelopes in order from the parent end of the channel.
type Receiver struct {
	r      *bufio.Reader
	logger *slog.Logger
}

func NewReceiver(r io.Reader, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{r: bufio.NewReader(r), logger: logger.With("component", "IPCReceiver")}
}

// Run calls handle for every decoded event until the channel reaches EOF or
// ctx is cancelled. Malformed lines and unknown events are skipped.
func (rc *Receiver) Run(ctx context.Context, handle func(Event)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := rc.r.ReadBytes('\n')
		if len(line) > 0 {
			rc.dispatch(line, handle)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read ipc channel: %w", err)
		}
	}
}

func (rc *Receiver) dispatch(line []byte, handle func(Event)) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		rc.logger.Warn("Skipping malformed IPC message", "error", err)
		return
	}
	ev, err := Decode(msg)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			rc.logger.Debug("Ignoring unknown IPC event", "event", msg.Event)
		} else {
			rc.logger.Warn("Skipping undecodable IPC event", "event", msg.Event, "error", err)
		}
		return
	}
	handle(ev)
}
