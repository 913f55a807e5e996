package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/engine"
	"github.com/rs/zerolog"
)

const maxErrorBody = 512

// Options configure a collaborator client.
type Options struct {
	// BaseURL is the service root, e.g. https://crm.internal/api.
	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// Timeout bounds each HTTP request. Zero leaves only the context deadline.
	Timeout time.Duration

	UserAgent string

	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client

	Logger zerolog.Logger
}

// StatusError is a non-2xx response from a collaborator.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// client is the JSON transport shared by the collaborator clients.
type client struct {
	baseURL   string
	token     string
	userAgent string
	hc        *http.Client
	logger    zerolog.Logger
}

func newClient(opts Options, component string) (*client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("%s: base url is required", component)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "auditd/1.0"
	}
	return &client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		token:     opts.Token,
		userAgent: ua,
		hc:        hc,
		logger:    opts.Logger.With().Str("component", component).Logger(),
	}, nil
}

// do sends in as JSON (when non-nil) and decodes the response into out (when
// non-nil). Failures are returned as classified engine errors.
func (c *client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return engine.NewPermanentError("failed to encode request", err).WithCode(engine.ErrCodeValidation)
		}
		body = bytes.NewReader(data)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return engine.NewPermanentError("failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return engine.NewTransientError("request failed", err).
			WithCode(engine.ErrCodeDependencyFailed).
			WithOperation(method + " " + path)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Collaborator call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classifyStatus(resp, method+" "+path, &StatusError{
			Method: method,
			URL:    url,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		})
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return engine.NewPermanentError("failed to decode response", err).
			WithCode(engine.ErrCodeDependencyFailed).
			WithOperation(method + " " + path)
	}
	return nil
}

// classifyStatus maps an HTTP status to an error class. 404 is returned as the
// bare StatusError so callers can translate it to their sentinel.
func classifyStatus(resp *http.Response, op string, statusErr *StatusError) error {
	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		return statusErr
	case code == http.StatusTooManyRequests:
		e := engine.NewThrottledError("collaborator rate limited", statusErr).
			WithCode(engine.ErrCodeRateLimited).
			WithOperation(op)
		if d, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			e = e.WithDetail("retry_after", d.String())
		}
		return e
	case code == http.StatusRequestTimeout || code >= 500:
		return engine.NewTransientError("collaborator unavailable", statusErr).
			WithCode(engine.ErrCodeDependencyFailed).
			WithOperation(op)
	default:
		return engine.NewPermanentError("collaborator rejected request", statusErr).
			WithCode(engine.ErrCodeDependencyFailed).
			WithOperation(op)
	}
}

func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}

// isNotFound returns true if err is a 404 from a collaborator.
func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}
