package processes

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// StatusChecker probes whether an automation server answers protocol traffic.
type StatusChecker interface {
	Check(ctx context.Context, baseURL string) error
}

// HTTPStatusChecker implements StatusChecker with the WebDriver
// GET {base}/status endpoint.
type HTTPStatusChecker struct {
	client *http.Client
}

// NewHTTPStatusChecker creates a new HTTPStatusChecker.
// requestTimeout specifies the timeout for each status request.
func NewHTTPStatusChecker(requestTimeout time.Duration) *HTTPStatusChecker {
	return &HTTPStatusChecker{
		client: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Check returns nil when {baseURL}/status answers 200.
func (h *HTTPStatusChecker) Check(ctx context.Context, baseURL string) error {
	url := strings.TrimSuffix(baseURL, "/") + "/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create status request for %s: %w", url, err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("status request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status check at %s returned %s", url, resp.Status)
	}
	return nil
}
