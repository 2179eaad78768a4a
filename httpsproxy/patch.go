package httpsproxy

import (
	"log/slog"
	"net/http"
)

const mjpegServerPortCapability = "appium:mjpegServerPort"

// RequestPatcher may rewrite a decoded JSON request body before it is sent
// upstream. It returns true when body was modified.
type RequestPatcher interface {
	Patch(method, path string, body map[string]any) bool
}

// RequestPatcherFunc adapts a function to RequestPatcher.
type RequestPatcherFunc func(method, path string, body map[string]any) bool

func (f RequestPatcherFunc) Patch(method, path string, body map[string]any) bool {
	return f(method, path, body)
}

// MjpegPortPatcher gives every new session its own MJPEG streaming port when
// the client did not request one.
type MjpegPortPatcher struct {
	BasePath string
	Allocate func() (int, error)
	Logger   *slog.Logger
}

func (p MjpegPortPatcher) Patch(method, path string, body map[string]any) bool {
	rel, ok := RelativePath(path, p.BasePath)
	if !ok || !IsCreateSession(method, rel) {
		return false
	}
	caps, ok := body["capabilities"].(map[string]any)
	if !ok {
		return false
	}
	alwaysMatch, _ := caps["alwaysMatch"].(map[string]any)
	if _, set := alwaysMatch[mjpegServerPortCapability]; set {
		return false
	}
	if firstMatch, ok := caps["firstMatch"].([]any); ok && len(firstMatch) > 0 {
		if first, ok := firstMatch[0].(map[string]any); ok {
			if _, set := first[mjpegServerPortCapability]; set {
				return false
			}
		}
	}

	port, err := p.Allocate()
	if err != nil {
		p.logger().Warn("Failed to allocate MJPEG server port", "error", err)
		return false
	}
	if alwaysMatch == nil {
		alwaysMatch = map[string]any{}
		caps["alwaysMatch"] = alwaysMatch
	}
	alwaysMatch[mjpegServerPortCapability] = port
	p.logger().Info("Injected MJPEG server port", "port", port)
	return true
}

func (p MjpegPortPatcher) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func patchableMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}
