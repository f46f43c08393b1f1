// Package intel provides network-backed implementations of the scoring
// capabilities: URL reputation, domain registration data and a static
// blacklist.
package intel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nhle/phish-triage/internal/scoring"
)

// DefaultVirusTotalURL is the v3 API root.
const DefaultVirusTotalURL = "https://www.virustotal.com/api/v3"

// urlReport is the subset of a VirusTotal v3 URL object that is used.
type urlReport struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats struct {
				Malicious  int `json:"malicious"`
				Suspicious int `json:"suspicious"`
				Harmless   int `json:"harmless"`
				Undetected int `json:"undetected"`
			} `json:"last_analysis_stats"`
		} `json:"attributes"`
	} `json:"data"`
}

// VirusTotal implements scoring.Reputation with the VirusTotal v3 URL
// report endpoint. Requests are rate limited to the configured budget and
// retried with backoff on HTTP 429.
type VirusTotal struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

// NewVirusTotal creates a client. requestsPerMinute <= 0 disables rate
// limiting; timeout bounds each HTTP request.
func NewVirusTotal(
	baseURL, apiKey string,
	timeout time.Duration,
	requestsPerMinute float64,
) *VirusTotal {
	if baseURL == "" {
		baseURL = DefaultVirusTotalURL
	}

	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Limit(requestsPerMinute / 60)
	}

	return &VirusTotal{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: 2,
	}
}

var _ scoring.Reputation = (*VirusTotal)(nil)

// IsFlagged reports whether any engine rated rawURL malicious or
// suspicious. A URL unknown to VirusTotal is not flagged. Every other
// failure is reported as scoring.ErrSignalUnavailable.
func (v *VirusTotal) IsFlagged(ctx context.Context, rawURL string) (bool, error) {
	var report urlReport
	found, err := v.get(ctx, "/urls/"+urlID(rawURL), &report)
	if err != nil {
		return false, fmt.Errorf("%w: virustotal: %v", scoring.ErrSignalUnavailable, err)
	}
	if !found {
		return false, nil
	}

	stats := report.Data.Attributes.LastAnalysisStats
	return stats.Malicious+stats.Suspicious > 0, nil
}

// urlID is the identifier VirusTotal uses for a URL object.
func urlID(rawURL string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(rawURL))
}

// get performs a rate-limited GET and decodes the JSON body into result.
// It returns found=false on 404.
func (v *VirusTotal) get(
	ctx context.Context,
	path string,
	result interface{},
) (bool, error) {
	var lastErr error
	for attempt := 0; attempt <= v.maxRetries; attempt++ {
		if err := v.limiter.Wait(ctx); err != nil {
			return false, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+path, nil)
		if err != nil {
			return false, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("x-apikey", v.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := v.httpClient.Do(req)
		if err != nil {
			return false, fmt.Errorf("executing request GET %s: %w", path, err)
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return false, fmt.Errorf("reading response body: %w", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = errors.New("rate limited (429)")
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(retryAfterDuration(resp, attempt)):
				continue
			}
		case resp.StatusCode == http.StatusNotFound:
			return false, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return false, fmt.Errorf("authentication failed (%d): check the API key", resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return false, fmt.Errorf("unexpected status %d on GET %s: %s",
				resp.StatusCode, path, truncate(string(body), 200))
		}

		if err := json.Unmarshal(body, result); err != nil {
			return false, fmt.Errorf("unmarshaling response from GET %s: %w", path, err)
		}
		return true, nil
	}

	return false, fmt.Errorf("max retries (%d) exceeded: %w", v.maxRetries, lastErr)
}

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
