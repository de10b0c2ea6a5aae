// Package agentclient is the typed HTTP client to the local agent described
// in §4.4 and §6: fetch next task, ack, report status, send result, and
// proxy-forward an upstream response.
//
// Two retryablehttp clients back the package, the same construction the
// retrieval pack uses for a retrying upstream client (see
// NewProxyTaskProcessor in the beckn-onix proxy service): one with
// RetryMax 0 for next/ack/status/result (never retried), one with RetryMax 2
// (at most 3 attempts, exponential backoff) for webhook delivery and the
// buffered proxy-result post.
package agentclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/easeworks/gpu-worker/internal/logging"
	"github.com/easeworks/gpu-worker/internal/task"
)

// ErrAgentUnavailable is returned by Next when the agent responds with a
// status other than 200 or 404.
var ErrAgentUnavailable = errors.New("agentclient: agent unavailable")

// hopByHopHeaders are the nine RFC 7230 §6.1 header names that must never be
// forwarded from the upstream proxy response to the agent, per §4.4 and
// Design Note "Hop-by-hop header stripping".
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Client is the persistent HTTP client targeting the agent.
type Client struct {
	baseURL    string
	userAgent  string
	plain      *retryablehttp.Client // RetryMax 0: next, ack, status, result
	retrying   *retryablehttp.Client // RetryMax 2 (3 attempts): webhook, proxy result
	httpClient *http.Client          // shared transport for streaming proxy sends
}

// New creates a Client targeting baseURL. userAgent is attached to every
// outgoing request for diagnostic correlation only (§9 Instance identity);
// it is never required for correctness.
func New(baseURL, userAgent string) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	shared := &http.Client{Transport: transport}

	plain := retryablehttp.NewClient()
	plain.RetryMax = 0
	plain.Logger = nil
	plain.HTTPClient = shared

	retrying := retryablehttp.NewClient()
	retrying.RetryMax = 2
	retrying.RetryWaitMin = 200 * time.Millisecond
	retrying.RetryWaitMax = 2 * time.Second
	retrying.Logger = nil
	retrying.HTTPClient = shared

	return &Client{
		baseURL:    baseURL,
		userAgent:  userAgent,
		plain:      plain,
		retrying:   retrying,
		httpClient: shared,
	}
}

// url joins the agent base URL with a path (which may itself carry a query
// string, e.g. "/apis/v1/request-proxy/{id}?statusCode=200"). Plain string
// concatenation is deliberate here — net/url's Path field cannot carry a raw
// query component without the "?" being percent-encoded.
func (c *Client) url(path string) string {
	return strings.TrimRight(c.baseURL, "/") + path
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*retryablehttp.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// Next fetches the next task from the agent. It returns (nil task, health)
// when the agent has no work (404); it returns ErrAgentUnavailable wrapping
// the status/body for any other non-200 status.
func (c *Client) Next(ctx context.Context) (*task.Task, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/apis/v1/request", nil)
	if err != nil {
		return nil, true, err
	}

	resp, err := c.plain.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("agentclient: next request failed: %w", err)
	}
	defer resp.Body.Close()

	health := resp.Header.Get("X-Agent-Health")
	healthy := health != "false"

	switch resp.StatusCode {
	case http.StatusOK:
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, healthy, fmt.Errorf("agentclient: failed to read task body: %w", err)
		}
		t, err := task.Parse(raw)
		if err != nil {
			return nil, healthy, err
		}
		return &t, healthy, nil
	case http.StatusNotFound:
		return nil, healthy, nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, healthy, fmt.Errorf("%w: status %d, %s", ErrAgentUnavailable, resp.StatusCode, string(body))
	}
}

// Ack notifies the agent that requestID's state can be deleted. Best-effort:
// failures are logged, never returned — per §4.4 ack is "never raised".
func (c *Client) Ack(ctx context.Context, requestID string) {
	req, err := c.newRequest(ctx, http.MethodPost, "/apis/v1/request-ack/"+requestID, nil)
	if err != nil {
		logging.Error("failed to build ack request: "+err.Error(), logging.WithRequestID(requestID))
		return
	}
	resp, err := c.plain.Do(req)
	if err != nil {
		logging.Error("failed to ack request: "+err.Error(), logging.WithRequestID(requestID))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		logging.Error(fmt.Sprintf("failed to ack request: status %d, %s", resp.StatusCode, string(body)), logging.WithRequestID(requestID))
		return
	}
	logging.Debug("ack request", logging.WithRequestID(requestID))
}

// ReportStatus posts a RequestStatus record. Best-effort, never raised.
func (c *Client) ReportStatus(ctx context.Context, requestID string, status []byte) {
	c.postBestEffort(ctx, "/apis/v1/request-metric/"+requestID, status, "report status", requestID)
}

// resultPayload is the body of POST /apis/v1/request-result/{id}, per §6.
type resultPayload struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Data       string `json:"data"`
}

// SendResult posts the handler's output to the agent result endpoint.
// Best-effort, never raised — the caller (worker loop) decides the terminal
// status independently of whether this call succeeds.
func (c *Client) SendResult(ctx context.Context, requestID string, statusCode int, message string, data []byte) error {
	payload := resultPayload{
		StatusCode: statusCode,
		Message:    message,
		Data:       base64.StdEncoding.EncodeToString(data),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.postBestEffort(ctx, "/apis/v1/request-result/"+requestID, body, "send result", requestID)
	return nil
}

func (c *Client) postBestEffort(ctx context.Context, path string, body []byte, label, requestID string) {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		logging.Error(fmt.Sprintf("failed to build %s request: %s", label, err), logging.WithRequestID(requestID))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.plain.Do(req)
	if err != nil {
		logging.Error(fmt.Sprintf("failed to %s: %s", label, err), logging.WithRequestID(requestID))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		logging.Error(fmt.Sprintf("failed to %s: status %d, %s", label, resp.StatusCode, string(respBody)), logging.WithRequestID(requestID))
		return
	}
	logging.Debug(label, logging.WithRequestID(requestID))
}

// SendProxyResult is the buffered variant of SendProxy, used when the proxy
// path fails before an upstream response exists (§4.4).
func (c *Client) SendProxyResult(ctx context.Context, requestID string, statusCode int, data []byte) error {
	path := fmt.Sprintf("/apis/v1/request-proxy/%s?statusCode=%d", requestID, statusCode)
	req, err := c.newRequest(ctx, http.MethodPost, path, data)
	if err != nil {
		return fmt.Errorf("agentclient: failed to build proxy result request: %w", err)
	}
	resp, err := c.retrying.Do(req)
	if err != nil {
		return fmt.Errorf("agentclient: failed to send proxy result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("agentclient: proxy result rejected: status %d, %s", resp.StatusCode, string(body))
	}
	return nil
}

// SendProxy streams upstream's response body to the agent's proxy endpoint
// without buffering it in memory, per §4.4. Hop-by-hop headers are stripped
// from upstream before forwarding. If upstream supplies Content-Length the
// body is still streamed (http.NewRequestWithContext accepts an io.Reader
// regardless), but the Content-Length header is preserved so the agent can
// size its own read; otherwise the request is chunked.
//
// Returns the agent's response status code so the caller can decide success
// (200) per §4.4.
func (c *Client) SendProxy(ctx context.Context, requestID string, statusCode int, upstream *http.Response) (int, error) {
	path := fmt.Sprintf("/apis/v1/request-proxy/%s?statusCode=%d", requestID, statusCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), upstream.Body)
	if err != nil {
		return 0, fmt.Errorf("agentclient: failed to build proxy stream request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for key, values := range upstream.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if upstream.ContentLength >= 0 {
		req.ContentLength = upstream.ContentLength
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("agentclient: failed to stream proxy response: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// PostWebhook delivers the handler's output (or a terminal error payload) to
// a user webhook, per §6. Exponential backoff, max 3 attempts; a non-200 or
// transport error is returned as an error string rather than raised.
func (c *Client) PostWebhook(ctx context.Context, webhook, requestID string, statusCode int, data []byte) error {
	u, err := url.Parse(webhook)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	q := u.Query()
	q.Set("requestID", requestID)
	q.Set("statusCode", strconv.Itoa(statusCode))
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.retrying.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Close releases the underlying transport's idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
