package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentsh/execgate/internal/allowlist"
	"github.com/agentsh/execgate/internal/approvals"
	"github.com/agentsh/execgate/internal/policy"
	"github.com/agentsh/execgate/pkg/types"
)

// HTTPError is a non-2xx API response.
type HTTPError struct {
	Method     string
	Path       string
	Status     string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Method, e.Path, e.Status, body)
}

type Client struct {
	baseURL    string
	apiKey     string
	headerName string
	httpClient *http.Client
}

// New returns a client for the execgate API. The HTTP timeout must outlast
// the server's approval wait, so it is generous.
func New(baseURL string, apiKey string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		headerName: "X-API-Key",
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// WithHeader sets the header that carries the API key.
func (c *Client) WithHeader(name string) *Client {
	if name != "" {
		c.headerName = name
	}
	return c
}

func (c *Client) Check(ctx context.Context, req policy.Request) (approvals.Ticket, error) {
	var out approvals.Ticket
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/check", nil, req, &out)
	return out, err
}

// AnalyzeResult is the dry-run response.
type AnalyzeResult struct {
	Analysis json.RawMessage `json:"analysis"`
	Result   policy.Result   `json:"result"`
}

func (c *Client) Analyze(ctx context.Context, req policy.Request) (AnalyzeResult, error) {
	var out AnalyzeResult
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/analyze", nil, req, &out)
	return out, err
}

func (c *Client) GetCheck(ctx context.Context, id string) (approvals.Ticket, error) {
	var out approvals.Ticket
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/checks/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// Recheck waits up to timeout on the server for a decision on id.
func (c *Client) Recheck(ctx context.Context, id string, timeout time.Duration) (approvals.Ticket, error) {
	var out approvals.Ticket
	q := url.Values{}
	if timeout > 0 {
		q.Set("timeout", timeout.String())
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/checks/"+url.PathEscape(id)+"/recheck", q, nil, &out)
	return out, err
}

func (c *Client) CancelCheck(ctx context.Context, id, reason string) (approvals.Ticket, error) {
	var out approvals.Ticket
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	err := c.doJSON(ctx, http.MethodDelete, "/api/v1/checks/"+url.PathEscape(id), q, nil, &out)
	return out, err
}

func (c *Client) ListApprovals(ctx context.Context) ([]approvals.Request, error) {
	var out []approvals.Request
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/approvals", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ResolveApproval(ctx context.Context, id string, decision types.ApprovalDecision, reason string) error {
	body := map[string]any{"decision": decision, "reason": reason}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(id), nil, body, nil)
}

func (c *Client) ListAllowlist(ctx context.Context, agent string) ([]allowlist.Entry, error) {
	var out []allowlist.Entry
	q := url.Values{"agent": {agent}}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/allowlist", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AddAllowlist(ctx context.Context, agent string, patterns []string) ([]allowlist.Entry, error) {
	var out []allowlist.Entry
	body := map[string]any{"agent": agent, "patterns": patterns}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/allowlist", nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RemoveAllowlist(ctx context.Context, agent, pattern string) error {
	q := url.Values{"agent": {agent}, "pattern": {pattern}}
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/allowlist", q, nil, nil)
}

func (c *Client) SearchEvents(ctx context.Context, q url.Values) ([]types.Event, error) {
	var out []types.Event
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/events", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamEvents opens the server-sent event stream. An empty sessionID
// follows every session.
func (c *Client) StreamEvents(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	u := c.baseURL + "/api/v1/events/stream"
	if sessionID != "" {
		u += "?" + url.Values{"session_id": {sessionID}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.addAuth(req)
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the request timeout.
	stream := *c.httpClient
	stream.Timeout = 0
	resp, err := stream.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		return nil, &HTTPError{Method: http.MethodGet, Path: "/api/v1/events/stream", Status: resp.Status, StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp.Body, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	c.addAuth(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &HTTPError{Method: method, Path: path, Status: resp.Status, StatusCode: resp.StatusCode, Body: string(b)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) addAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set(c.headerName, c.apiKey)
	}
}
