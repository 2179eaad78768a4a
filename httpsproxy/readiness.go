package httpsproxy

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ReadyMarker is printed by the automation server once it accepts connections.
const ReadyMarker = "http interface listener started"

// ReadinessDetector watches process output for a marker that may be split
// across chunks. Matching is case-insensitive.
type ReadinessDetector struct {
	mu     sync.Mutex
	marker string
	tail   string
	ready  bool
}

func NewReadinessDetector(marker string) *ReadinessDetector {
	return &ReadinessDetector{marker: strings.ToLower(marker)}
}

// Observe feeds one output chunk. It returns true exactly once, for the chunk
// that completes the marker.
func (d *ReadinessDetector) Observe(chunk []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ready {
		return false
	}
	text := d.tail + strings.ToLower(string(chunk))
	if strings.Contains(text, d.marker) {
		d.ready = true
		d.tail = ""
		return true
	}
	if keep := len(d.marker) - 1; len(text) > keep {
		text = text[len(text)-keep:]
	}
	d.tail = text
	return false
}

func (d *ReadinessDetector) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// PortRewriter replaces ":internal" port references with ":external" in a
// stream of output chunks. A reference split across two chunks is held back
// until the next chunk decides it.
type PortRewriter struct {
	mu      sync.Mutex
	pattern *regexp.Regexp
	from    string
	to      string
	pending string
}

// NewPortRewriter returns a rewriter that passes text through unchanged when
// the ports are equal or internal is unset.
func NewPortRewriter(internal, external int) *PortRewriter {
	r := &PortRewriter{}
	if internal > 0 && internal != external {
		r.from = ":" + strconv.Itoa(internal)
		r.to = ":" + strconv.Itoa(external)
		r.pattern = regexp.MustCompile(regexp.QuoteMeta(r.from) + `\b`)
	}
	return r
}

// Rewrite returns the rewritten text that is safe to show. A trailing prefix
// of ":internal" is kept for the next call.
func (r *PortRewriter) Rewrite(chunk string) string {
	if r.pattern == nil {
		return chunk
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	text := r.pending + chunk
	cut := len(text) - partialSuffix(text, r.from)
	r.pending = text[cut:]
	return r.pattern.ReplaceAllString(text[:cut], r.to)
}

// Flush returns whatever Rewrite held back.
func (r *PortRewriter) Flush() string {
	if r.pattern == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	text := r.pending
	r.pending = ""
	return r.pattern.ReplaceAllString(text, r.to)
}

// partialSuffix is the length of the longest suffix of text that is a prefix
// of match, match itself included.
func partialSuffix(text, match string) int {
	for k := min(len(match), len(text)); k > 0; k-- {
		if strings.HasSuffix(text, match[:k]) {
			return k
		}
	}
	return 0
}

// RewritePort replaces ":internal" port references in a complete text.
func RewritePort(text string, internal, external int) string {
	r := NewPortRewriter(internal, external)
	return r.Rewrite(text) + r.Flush()
}
