// Package terminal implements the attached terminal surface of a supervised
// process: it keeps the display history and streams it to WebSocket viewers.
package terminal

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomyedwab/appiumhub/processes"
)

const (
	defaultHistorySize = 2000
	clientSendBuffer   = 256
	writeWait          = 10 * time.Second
)

type viewer struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (v *viewer) close() {
	v.once.Do(func() { close(v.done) })
}

// Hub is an io.Writer display that fans output out to any number of viewers.
// Viewer keystrokes are handed to the input handler.
type Hub struct {
	logger   *slog.Logger
	history  *processes.LogBuffer
	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers map[*viewer]struct{}
	onInput func(string)
	onClose func()
	closed  bool
}

// NewHub creates a hub keeping the last historySize output chunks.
func NewHub(historySize int, logger *slog.Logger) *Hub {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger.With("component", "TerminalHub"),
		history: processes.NewLogBuffer(historySize),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		viewers: make(map[*viewer]struct{}),
	}
}

// SetInputHandler sets the receiver of viewer keystrokes.
func (h *Hub) SetInputHandler(fn func(input string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onInput = fn
}

// SetCloseHandler sets the function called once when the hub is closed.
func (h *Hub) SetCloseHandler(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = fn
}

// Write records p in the history and forwards it to every viewer. Slow
// viewers are disconnected rather than blocking the writer.
func (h *Hub) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history.AddEntry("stdout", string(p))
	msg := append([]byte(nil), p...)
	for v := range h.viewers {
		select {
		case v.send <- msg:
		default:
			h.logger.Warn("Dropping slow terminal viewer")
			delete(h.viewers, v)
			v.close()
		}
	}
	return len(p), nil
}

// History returns the retained output as one string.
func (h *Hub) History() string {
	var b strings.Builder
	for _, e := range h.history.GetEntriesFromID(0) {
		b.WriteString(e.Message)
	}
	return b.String()
}

// ViewerCount returns the number of attached viewers.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// ServeHTTP upgrades to a WebSocket, replays the history and streams output.
// Text and binary messages from the viewer are treated as keystrokes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Terminal upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	v := &viewer{
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteMessage(websocket.TextMessage, []byte(h.History()))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminal closed"),
			time.Now().Add(writeWait))
		return
	}
	// Replay and registration share the lock so no chunk is lost or repeated.
	replay := h.History()
	h.viewers[v] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("Terminal viewer attached", "remote", r.RemoteAddr)
	defer func() {
		h.mu.Lock()
		delete(h.viewers, v)
		h.mu.Unlock()
		v.close()
		h.logger.Info("Terminal viewer detached", "remote", r.RemoteAddr)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if replay != "" {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(replay)); err != nil {
				return
			}
		}
		for {
			select {
			case <-v.done:
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				conn.Close()
				return
			case msg := <-v.send:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		h.mu.Lock()
		onInput := h.onInput
		h.mu.Unlock()
		if onInput != nil {
			onInput(string(data))
		}
	}
	v.close()
	<-writerDone
}

// Close disconnects every viewer and calls the close handler once.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for v := range h.viewers {
		v.close()
	}
	h.viewers = make(map[*viewer]struct{})
	onClose := h.onClose
	h.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}
