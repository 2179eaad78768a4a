package sessions

import (
	"net/http"
	"strings"
	"unicode"
)

type route struct {
	method   string
	segments []string
	command  string
}

// Routes use ":name" for variable segments.
var routeTable = buildRoutes([]struct{ method, pattern, command string }{
	{http.MethodGet, "/status", "getStatus"},
	{http.MethodPost, "/session", "createSession"},
	{http.MethodGet, "/sessions", "getSessions"},
	{http.MethodGet, "/session/:sessionId", "getSession"},
	{http.MethodDelete, "/session/:sessionId", "deleteSession"},
	{http.MethodGet, "/session/:sessionId/timeouts", "getTimeouts"},
	{http.MethodPost, "/session/:sessionId/timeouts", "setTimeouts"},
	{http.MethodGet, "/session/:sessionId/url", "getUrl"},
	{http.MethodPost, "/session/:sessionId/url", "setUrl"},
	{http.MethodPost, "/session/:sessionId/back", "back"},
	{http.MethodPost, "/session/:sessionId/forward", "forward"},
	{http.MethodPost, "/session/:sessionId/refresh", "refresh"},
	{http.MethodGet, "/session/:sessionId/title", "getTitle"},
	{http.MethodGet, "/session/:sessionId/window", "getWindowHandle"},
	{http.MethodPost, "/session/:sessionId/window", "setWindow"},
	{http.MethodDelete, "/session/:sessionId/window", "closeWindow"},
	{http.MethodGet, "/session/:sessionId/window/handles", "getWindowHandles"},
	{http.MethodPost, "/session/:sessionId/window/new", "createNewWindow"},
	{http.MethodGet, "/session/:sessionId/window/rect", "getWindowRect"},
	{http.MethodPost, "/session/:sessionId/window/rect", "setWindowRect"},
	{http.MethodPost, "/session/:sessionId/window/maximize", "maximizeWindow"},
	{http.MethodPost, "/session/:sessionId/window/minimize", "minimizeWindow"},
	{http.MethodPost, "/session/:sessionId/window/fullscreen", "fullScreenWindow"},
	{http.MethodPost, "/session/:sessionId/frame", "setFrame"},
	{http.MethodPost, "/session/:sessionId/frame/parent", "switchToParentFrame"},
	{http.MethodGet, "/session/:sessionId/element/active", "getActiveElement"},
	{http.MethodPost, "/session/:sessionId/element", "findElement"},
	{http.MethodPost, "/session/:sessionId/elements", "findElements"},
	{http.MethodPost, "/session/:sessionId/element/:elementId/element", "findElementFromElement"},
	{http.MethodPost, "/session/:sessionId/element/:elementId/elements", "findElementsFromElement"},
	{http.MethodGet, "/session/:sessionId/element/:elementId/selected", "elementSelected"},
	{http.MethodGet, "/session/:sessionId/element/:elementId/displayed", "elementDisplayed"},
	{http.MethodGet, "/session/:sessionId/element/:elementId/enabled", "elementEnabled"},
	{http.MethodGet, "/session/:sessionId/element/:elementId/attribute/:name", "getAttribute"},
	{http.MethodGet, "/session/:sessionId/element/:elementId/property/:name", "getProperty"},
	{http.MethodGet, "/session/:sessionId/element/:elementId/css/:propertyName", "getCssProperty"},
	{http.MethodGet, "/session/:sessionId/element/:elementId/text", "getText"},
	{http.MethodGet, "/session/:sessionId/element/:elementId/name", "getName"},
	{http.MethodGet, "/session/:sessionId/element/:elementId/rect", "getElementRect"},
	{http.MethodGet, "/session/:sessionId/element/:elementId/screenshot", "getElementScreenshot"},
	{http.MethodPost, "/session/:sessionId/element/:elementId/click", "click"},
	{http.MethodPost, "/session/:sessionId/element/:elementId/clear", "clear"},
	{http.MethodPost, "/session/:sessionId/element/:elementId/value", "setValue"},
	{http.MethodGet, "/session/:sessionId/source", "getPageSource"},
	{http.MethodPost, "/session/:sessionId/execute/sync", "execute"},
	{http.MethodPost, "/session/:sessionId/execute/async", "executeAsync"},
	{http.MethodGet, "/session/:sessionId/cookie", "getCookies"},
	{http.MethodPost, "/session/:sessionId/cookie", "setCookie"},
	{http.MethodDelete, "/session/:sessionId/cookie", "deleteCookies"},
	{http.MethodGet, "/session/:sessionId/cookie/:name", "getCookie"},
	{http.MethodDelete, "/session/:sessionId/cookie/:name", "deleteCookie"},
	{http.MethodPost, "/session/:sessionId/actions", "performActions"},
	{http.MethodDelete, "/session/:sessionId/actions", "releaseActions"},
	{http.MethodPost, "/session/:sessionId/alert/dismiss", "postDismissAlert"},
	{http.MethodPost, "/session/:sessionId/alert/accept", "postAcceptAlert"},
	{http.MethodGet, "/session/:sessionId/alert/text", "getAlertText"},
	{http.MethodPost, "/session/:sessionId/alert/text", "setAlertText"},
	{http.MethodGet, "/session/:sessionId/screenshot", "getScreenshot"},
	{http.MethodGet, "/session/:sessionId/orientation", "getOrientation"},
	{http.MethodPost, "/session/:sessionId/orientation", "setOrientation"},
	{http.MethodGet, "/session/:sessionId/context", "getCurrentContext"},
	{http.MethodPost, "/session/:sessionId/context", "setContext"},
	{http.MethodGet, "/session/:sessionId/contexts", "getContexts"},
	{http.MethodGet, "/session/:sessionId/log/types", "getLogTypes"},
	{http.MethodPost, "/session/:sessionId/log", "getLog"},
	{http.MethodGet, "/session/:sessionId/appium/settings", "getSettings"},
	{http.MethodPost, "/session/:sessionId/appium/settings", "updateSettings"},
	{http.MethodPost, "/session/:sessionId/appium/device/hide_keyboard", "hideKeyboard"},
	{http.MethodGet, "/session/:sessionId/appium/device/is_keyboard_shown", "isKeyboardShown"},
	{http.MethodPost, "/session/:sessionId/appium/device/press_keycode", "pressKeyCode"},
	{http.MethodPost, "/session/:sessionId/appium/device/activate_app", "activateApp"},
	{http.MethodPost, "/session/:sessionId/appium/device/terminate_app", "terminateApp"},
	{http.MethodPost, "/session/:sessionId/appium/device/app_state", "queryAppState"},
	{http.MethodGet, "/session/:sessionId/appium/device/current_activity", "getCurrentActivity"},
	{http.MethodGet, "/session/:sessionId/appium/device/current_package", "getCurrentPackage"},
	{http.MethodPost, "/session/:sessionId/appium/app/background", "background"},
	{http.MethodPost, "/session/:sessionId/appium/start_recording_screen", "startRecordingScreen"},
	{http.MethodPost, "/session/:sessionId/appium/stop_recording_screen", "stopRecordingScreen"},
})

func buildRoutes(defs []struct{ method, pattern, command string }) []route {
	routes := make([]route, 0, len(defs))
	for _, d := range defs {
		routes = append(routes, route{
			method:   d.method,
			segments: splitPath(d.pattern),
			command:  d.command,
		})
	}
	return routes
}

func splitPath(path string) []string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func (r route) match(method string, segments []string) bool {
	if r.method != method || len(r.segments) != len(segments) {
		return false
	}
	for i, s := range r.segments {
		if strings.HasPrefix(s, ":") {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if s != segments[i] {
			return false
		}
	}
	return true
}

// CommandName derives a human readable command name such as "Get Title" from
// a request path and method. Any query is ignored and basePath is stripped
// first.
func CommandName(path, method, basePath string) string {
	method = strings.ToUpper(method)
	path, _, _ = strings.Cut(path, "?")
	if basePath != "" && basePath != "/" {
		trimmed := strings.TrimSuffix(basePath, "/")
		if path == trimmed || strings.HasPrefix(path, trimmed+"/") {
			path = path[len(trimmed):]
		}
	}
	segments := splitPath(path)

	for _, r := range routeTable {
		if r.match(method, segments) {
			return Humanize(r.command)
		}
	}
	return fallbackName(method, segments)
}

// fallbackName builds a name from the method and the static segments of an
// unknown route, skipping session and element ids.
func fallbackName(method string, segments []string) string {
	words := []string{strings.ToLower(method)}
	for i := 0; i < len(segments); i++ {
		s := segments[i]
		switch s {
		case "session", "element":
			i++ // the next segment is an id
			continue
		case "appium":
			continue
		}
		words = append(words, strings.NewReplacer("_", " ", "-", " ").Replace(s))
	}
	return Humanize(strings.Join(words, " "))
}

// Humanize splits a camelCase identifier into capitalised words.
func Humanize(name string) string {
	var b strings.Builder
	upperNext := true
	for i, r := range name {
		switch {
		case r == ' ':
			b.WriteRune(r)
			upperNext = true
			continue
		case unicode.IsUpper(r) && i > 0 && !upperNext:
			b.WriteRune(' ')
		}
		if upperNext {
			r = unicode.ToUpper(r)
			upperNext = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
