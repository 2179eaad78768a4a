package httpsproxy

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/tomyedwab/appiumhub/ipc"
)

var sessionIDPattern = regexp.MustCompile(`/session/([^/]+)`)

// SessionIDFromPath returns the first path segment following /session/.
func SessionIDFromPath(path string) (string, bool) {
	m := sessionIDPattern.FindStringSubmatch(path)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// RelativePath strips basePath from path. ok is false when path lies outside
// the base path.
func RelativePath(path, basePath string) (rel string, ok bool) {
	if basePath == "" || basePath == "/" {
		return path, true
	}
	basePath = strings.TrimSuffix(basePath, "/")
	if path == basePath {
		return "/", true
	}
	if !strings.HasPrefix(path, basePath+"/") {
		return "", false
	}
	return path[len(basePath):], true
}

// IsCreateSession reports whether method and relative path address the
// WebDriver new-session endpoint.
func IsCreateSession(method, rel string) bool {
	return method == http.MethodPost && strings.HasSuffix(strings.TrimSuffix(rel, "/"), "session")
}

// IsDeleteSession reports whether method and relative path address the
// WebDriver delete-session endpoint, returning the session id.
func IsDeleteSession(method, rel string) (string, bool) {
	if method != http.MethodDelete {
		return "", false
	}
	id, ok := SessionIDFromPath(rel)
	if !ok || !strings.HasSuffix(strings.TrimSuffix(rel, "/"), "session/"+id) {
		return "", false
	}
	return id, true
}

// Classify turns one buffered upstream response into an IPC event. It returns
// nil for requests outside basePath. requestURI is the path with its optional
// query: classification uses the path alone, while generic commands report the
// full request URI together with url, the upstream URL.
func Classify(method, requestURI, basePath string, body []byte, url string) ipc.Event {
	path, _, _ := strings.Cut(requestURI, "?")
	rel, ok := RelativePath(path, basePath)
	if !ok {
		return nil
	}

	response, parsed := responseJSON(body)
	if parsed {
		succeeded := ipc.ResponseSucceeded(response)
		if IsCreateSession(method, rel) && succeeded {
			return ipc.SessionStarted{Body: response}
		}
		if id, ok := IsDeleteSession(method, rel); ok && succeeded {
			return ipc.SessionStopped{SessionID: id}
		}
	}

	cmd := ipc.SessionCommand{
		Response: response,
		URL:      url,
		Path:     requestURI,
		Method:   method,
	}
	if id, ok := SessionIDFromPath(path); ok {
		cmd.SessionID = ipc.StringPtr(id)
	}
	return cmd
}

// responseJSON returns body as JSON. An empty body is {}; anything that is
// not a JSON object is returned as a JSON string of the raw text.
func responseJSON(body []byte) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return json.RawMessage("{}"), true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj != nil {
		return json.RawMessage(trimmed), true
	}
	raw, _ := json.Marshal(string(body))
	return raw, false
}
