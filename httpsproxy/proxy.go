// Package httpsproxy fronts an automation server with a reverse proxy that
// observes WebDriver traffic and reports session lifecycle events.
package httpsproxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/appiumhub/ipc"
)

// traceIDKey carries the per-request id used in log lines. It never leaves
// the process.
type traceIDKey struct{}

func traceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// Options configures an Interceptor.
type Options struct {
	ListenAddr   string // host:port the external clients connect to
	InternalPort int
	BasePath     string
	CertFile     string
	KeyFile      string
	Patchers     []RequestPatcher
	Sender       ipc.Sender
	Logger       *slog.Logger
}

// Interceptor is the protocol-aware reverse proxy in front of one automation
// server. Upstream is always http://127.0.0.1:{InternalPort}.
type Interceptor struct {
	opts   Options
	target *url.URL
	proxy  *httputil.ReverseProxy
	sender ipc.Sender
	logger *slog.Logger

	// Serialises classification with IPC sends so events keep response order.
	emitMu sync.Mutex

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewInterceptor creates and returns a new Interceptor.
func NewInterceptor(opts Options) *Interceptor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sender := opts.Sender
	if sender == nil {
		sender = ipc.NopSender{}
	}

	target := &url.URL{
		Scheme: "http",
		Host:   "127.0.0.1:" + strconv.Itoa(opts.InternalPort),
	}

	dialer := net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 600 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	i := &Interceptor{
		opts:   opts,
		target: target,
		sender: sender,
		logger: logger.With("component", "Interceptor"),
	}

	// The client's Host header is forwarded as-is; the automation server
	// builds absolute URLs from it.
	reverseProxy := httputil.NewSingleHostReverseProxy(target)
	reverseProxy.Transport = transport
	reverseProxy.ModifyResponse = i.inspectResponse
	reverseProxy.ErrorHandler = i.handleUpstreamError
	i.proxy = reverseProxy
	return i
}

// ServeHTTP implements http.Handler.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.New().String()
	r = r.WithContext(context.WithValue(r.Context(), traceIDKey{}, traceID))

	if err := i.patchRequest(r); err != nil {
		i.logger.Warn("Failed to patch request body", "traceId", traceID, "path", r.URL.Path, "error", err)
	}

	i.logger.Debug("Proxying request", "traceId", traceID, "method", r.Method, "path", r.URL.Path, "target", i.target.String())
	i.proxy.ServeHTTP(w, r)
}

// patchRequest decodes JSON request bodies once and lets the patchers rewrite
// them. The original bytes are forwarded when nothing changed.
func (i *Interceptor) patchRequest(r *http.Request) error {
	if len(i.opts.Patchers) == 0 || r.Body == nil || !patchableMethod(r.Method) {
		return nil
	}
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return nil
	}

	raw, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	setBody(r, raw)

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return nil
	}

	changed := false
	for _, p := range i.opts.Patchers {
		if p.Patch(r.Method, r.URL.Path, body) {
			changed = true
		}
	}
	if !changed {
		return nil
	}

	patched, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode patched body: %w", err)
	}
	setBody(r, patched)
	return nil
}

func setBody(r *http.Request, body []byte) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}

// inspectResponse buffers the upstream body, classifies it and hands the
// event to the IPC sender. The client receives the body unchanged.
func (i *Interceptor) inspectResponse(res *http.Response) error {
	if res.StatusCode == http.StatusSwitchingProtocols {
		return nil
	}
	req := res.Request
	if _, under := RelativePath(req.URL.Path, i.opts.BasePath); !under {
		return nil
	}

	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read upstream response: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))

	inspected := body
	if strings.EqualFold(res.Header.Get("Content-Encoding"), "gzip") {
		if inspected, err = gunzip(body); err != nil {
			i.logger.Warn("Failed to decompress upstream response", "path", req.URL.Path, "error", err)
			inspected = body
		}
	}

	upstreamURL := i.target.String() + req.URL.RequestURI()

	i.emitMu.Lock()
	defer i.emitMu.Unlock()
	ev := Classify(req.Method, req.URL.RequestURI(), i.opts.BasePath, inspected, upstreamURL)
	if ev == nil {
		return nil
	}
	i.logger.Debug("Classified response", "event", ev.Type(), "method", req.Method, "path", req.URL.Path, "status", res.StatusCode)
	i.sender.Send(ev)
	return nil
}

func gunzip(body []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func (i *Interceptor) handleUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		i.logger.Debug("Client went away", "path", r.URL.Path)
		return
	}
	i.logger.Error("Upstream request failed", "traceId", traceIDFrom(r.Context()), "method", r.Method, "path", r.URL.Path, "error", err)
	http.Error(w, "Bad Gateway", http.StatusBadGateway)
}

// Start binds the listener and serves in the background. Serve errors after
// a successful bind are logged.
func (i *Interceptor) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.server != nil {
		return errors.New("interceptor already started")
	}

	listener, err := net.Listen("tcp", i.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", i.opts.ListenAddr, err)
	}

	server := &http.Server{
		Handler:     i,
		IdleTimeout: 120 * time.Second,
	}
	tlsEnabled := i.opts.CertFile != "" && i.opts.KeyFile != ""
	if tlsEnabled {
		cert, err := tls.LoadX509KeyPair(i.opts.CertFile, i.opts.KeyFile)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	i.server = server
	i.listener = listener

	i.logger.Info("Starting protocol interceptor", "addr", listener.Addr().String(), "upstream", i.target.String(), "tls", tlsEnabled)
	go func() {
		var err error
		if tlsEnabled {
			err = server.ServeTLS(listener, "", "")
		} else {
			err = server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			i.logger.Error("Protocol interceptor stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (i *Interceptor) Addr() net.Addr {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.listener == nil {
		return nil
	}
	return i.listener.Addr()
}

// Stop shuts the listener down. In-flight requests are given until ctx ends.
func (i *Interceptor) Stop(ctx context.Context) error {
	i.mu.Lock()
	server := i.server
	i.mu.Unlock()
	if server == nil {
		return nil
	}
	i.logger.Info("Stopping protocol interceptor")
	if err := server.Shutdown(ctx); err != nil {
		return server.Close()
	}
	return nil
}
