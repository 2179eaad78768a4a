package httpsproxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/appiumhub/ipc"
)

type recordingSender struct {
	mu     sync.Mutex
	events []ipc.Event
}

func (s *recordingSender) Send(ev ipc.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSender) Events() []ipc.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ipc.Event(nil), s.events...)
}

func serverPort(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

// fakeAutomationServer answers the example session flow.
func fakeAutomationServer(t *testing.T, seenBodies chan<- string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if seenBodies != nil {
			seenBodies <- string(body)
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/wd/hub/session":
			w.Write([]byte(`{"value":{"sessionId":"abc123","capabilities":{"platformName":"Android"}}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/wd/hub/session/abc123/title":
			w.Write([]byte(`{"value":"Home"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/wd/hub/session/abc123":
			w.Write([]byte(`{"value":null}`))
		case r.URL.Path == "/status":
			w.Write([]byte(`{"value":{"ready":true}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"value":{"error":"unknown command"}}`))
		}
	}))
}

func TestInterceptorExampleScenario(t *testing.T) {
	upstream := fakeAutomationServer(t, nil)
	defer upstream.Close()

	sender := &recordingSender{}
	interceptor := NewInterceptor(Options{
		InternalPort: serverPort(t, upstream.URL),
		BasePath:     "/wd/hub",
		Sender:       sender,
	})
	front := httptest.NewServer(interceptor)
	defer front.Close()

	resp, err := http.Post(front.URL+"/wd/hub/session", "application/json", strings.NewReader(`{"capabilities":{}}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"value":{"sessionId":"abc123","capabilities":{"platformName":"Android"}}}`, string(body))

	resp, err = http.Get(front.URL + "/wd/hub/session/abc123/title?lang=en")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"value":"Home"}`, string(body))

	req, _ := http.NewRequest(http.MethodDelete, front.URL+"/wd/hub/session/abc123", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	// Outside the base path: proxied, not reported.
	resp, err = http.Get(front.URL + "/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	events := sender.Events()
	require.Len(t, events, 3)
	assert.IsType(t, ipc.SessionStarted{}, events[0])
	cmd, ok := events[1].(ipc.SessionCommand)
	require.True(t, ok)
	assert.Equal(t, "abc123", *cmd.SessionID)
	assert.Equal(t, "/wd/hub/session/abc123/title?lang=en", cmd.Path)
	assert.True(t, strings.HasSuffix(cmd.URL, "/wd/hub/session/abc123/title?lang=en"), cmd.URL)
	assert.Equal(t, http.MethodGet, cmd.Method)
	assert.Equal(t, ipc.SessionStopped{SessionID: "abc123"}, events[2])
}

func TestInterceptorPatchesCreateSessionBody(t *testing.T) {
	seen := make(chan string, 1)
	upstream := fakeAutomationServer(t, seen)
	defer upstream.Close()

	interceptor := NewInterceptor(Options{
		InternalPort: serverPort(t, upstream.URL),
		BasePath:     "/wd/hub",
		Patchers: []RequestPatcher{MjpegPortPatcher{
			BasePath: "/wd/hub",
			Allocate: func() (int, error) { return 5556, nil },
		}},
	})
	front := httptest.NewServer(interceptor)
	defer front.Close()

	resp, err := http.Post(front.URL+"/wd/hub/session", "application/json",
		strings.NewReader(`{"capabilities":{"alwaysMatch":{"platformName":"Android"}}}`))
	require.NoError(t, err)
	resp.Body.Close()

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(<-seen), &got))
	always := got["capabilities"].(map[string]any)["alwaysMatch"].(map[string]any)
	assert.Equal(t, float64(5556), always["appium:mjpegServerPort"])
	assert.Equal(t, "Android", always["platformName"])
}

func TestInterceptorForwardsUnpatchedBodyVerbatim(t *testing.T) {
	seen := make(chan string, 1)
	upstream := fakeAutomationServer(t, seen)
	defer upstream.Close()

	interceptor := NewInterceptor(Options{
		InternalPort: serverPort(t, upstream.URL),
		BasePath:     "/wd/hub",
		Patchers: []RequestPatcher{MjpegPortPatcher{
			BasePath: "/wd/hub",
			Allocate: func() (int, error) { t.Error("must not allocate"); return 0, nil },
		}},
	})
	front := httptest.NewServer(interceptor)
	defer front.Close()

	original := `{"capabilities":{"firstMatch":[{"appium:mjpegServerPort":9000}]},  "x":1}`
	resp, err := http.Post(front.URL+"/wd/hub/session", "application/json", strings.NewReader(original))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, original, <-seen)
}

func TestInterceptorPreservesClientHost(t *testing.T) {
	type seenRequest struct {
		host    string
		traceID string
	}
	seen := make(chan seenRequest, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- seenRequest{host: r.Host, traceID: r.Header.Get("X-Trace-ID")}
		w.Write([]byte(`{"value":{"ready":true}}`))
	}))
	defer upstream.Close()

	interceptor := NewInterceptor(Options{InternalPort: serverPort(t, upstream.URL), BasePath: "/wd/hub"})
	front := httptest.NewServer(interceptor)
	defer front.Close()

	req, err := http.NewRequest(http.MethodGet, front.URL+"/wd/hub/status", nil)
	require.NoError(t, err)
	req.Host = "device-farm.example:4723"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	got := <-seen
	assert.Equal(t, "device-farm.example:4723", got.host)
	assert.Empty(t, got.traceID)
}

func TestInterceptorUpstreamDown(t *testing.T) {
	port, err := freeTestPort()
	require.NoError(t, err)

	sender := &recordingSender{}
	interceptor := NewInterceptor(Options{InternalPort: port, BasePath: "/", Sender: sender})
	front := httptest.NewServer(interceptor)
	defer front.Close()

	resp, err := http.Get(front.URL + "/session/abc/title")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Empty(t, sender.Events())

	// The interceptor keeps serving.
	resp, err = http.Get(front.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func freeTestPort() (int, error) {
	l, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func TestInterceptorWebSocketPassthrough(t *testing.T) {
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(mt, append([]byte("echo:"), msg...))
		}
	}))
	defer upstream.Close()

	sender := &recordingSender{}
	interceptor := NewInterceptor(Options{
		InternalPort: serverPort(t, upstream.URL),
		BasePath:     "/",
		Sender:       sender,
	})
	front := httptest.NewServer(interceptor)
	defer front.Close()

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/session/abc123/appium/device/logcat"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:ping", string(msg))
	assert.Empty(t, sender.Events(), "upgrades are never classified")
}

func TestInterceptorStartStop(t *testing.T) {
	upstream := fakeAutomationServer(t, nil)
	defer upstream.Close()

	interceptor := NewInterceptor(Options{
		ListenAddr:   "127.0.0.1:0",
		InternalPort: serverPort(t, upstream.URL),
		BasePath:     "/wd/hub",
	})
	require.NoError(t, interceptor.Start())
	assert.Error(t, interceptor.Start())

	resp, err := http.Get("http://" + interceptor.Addr().String() + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, interceptor.Stop(ctx))

	_, err = http.Get("http://" + interceptor.Addr().String() + "/status")
	assert.Error(t, err)
}
