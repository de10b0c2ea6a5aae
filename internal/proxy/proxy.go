// Package proxy implements proxy mode (§4.8): forward a decoded HTTP
// request to the user's local server and stream the response into the
// agent via the agent client's SendProxy.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/easeworks/gpu-worker/internal/logging"
	"github.com/easeworks/gpu-worker/internal/task"
)

// CheckStartFunc reports whether the local user server is ready to accept
// requests. It may block briefly; Adapter polls it every 500ms until it
// returns (true, nil).
type CheckStartFunc func(ctx context.Context) (bool, error)

// AgentProxySender is the subset of agentclient.Client proxy mode needs,
// kept as an interface so tests can substitute a fake.
type AgentProxySender interface {
	SendProxy(ctx context.Context, requestID string, statusCode int, upstream *http.Response) (int, error)
	SendProxyResult(ctx context.Context, requestID string, statusCode int, data []byte) error
}

// Adapter forwards decoded proxy-mode tasks to a local user server.
type Adapter struct {
	baseURL    *url.URL
	client     *http.Client
	checkStart CheckStartFunc
	agent      AgentProxySender
}

// New creates an Adapter targeting baseURL. baseURL must have a non-empty
// scheme and host, validated by the caller per §4.9 initialisation rules.
func New(baseURL string, checkStart CheckStartFunc, agent AgentProxySender) (*Adapter, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("proxy: invalid base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("proxy: base_url must have a non-empty scheme and host")
	}
	return &Adapter{
		baseURL:    u,
		client:     &http.Client{},
		checkStart: checkStart,
		agent:      agent,
	}, nil
}

// WaitUntilReady polls CheckStart every 500ms until it reports ready or ctx
// is cancelled, per §4.8's start-up sequence.
func (a *Adapter) WaitUntilReady(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		ready, err := a.checkStart(ctx)
		if err != nil {
			logging.Warn("check_start failed, will retry: " + err.Error())
		} else if ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// joinURL resolves uri against the adapter's base URL using proper URL join
// semantics, per Design Note "the source uses os.path.join ... path-unsafe
// for absolute uri" — Go's url.Parse + ResolveReference avoids that pitfall.
func (a *Adapter) joinURL(uri string) (string, error) {
	ref, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("proxy: invalid uri %q: %w", uri, err)
	}
	return a.baseURL.ResolveReference(ref).String(), nil
}

// Forward issues the decoded request to the local user server and streams
// the response into the agent. Returns an error for any of: build failure,
// upstream failure, agent POST failure, or agent non-200 — all of which the
// worker loop reports as a failed status with no webhook delivery (proxy
// mode has no webhook, per §4.8 and the Open Questions).
func (a *Adapter) Forward(ctx context.Context, requestID string, data task.ProxyRequestData) error {
	target, err := a.joinURL(data.URI)
	if err != nil {
		a.reportFailure(ctx, requestID, err)
		return err
	}

	var body *bytes.Reader
	if data.Body != nil {
		body = bytes.NewReader(data.Body)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(data.Method), target, body)
	if err != nil {
		err = fmt.Errorf("proxy: failed to build upstream request: %w", err)
		a.reportFailure(ctx, requestID, err)
		return err
	}
	for key, values := range data.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	logging.Info(fmt.Sprintf("proxy request: %s %s", data.Method, target), logging.WithRequestID(requestID))

	resp, err := a.client.Do(req)
	if err != nil {
		err = fmt.Errorf("proxy: upstream request failed: %w", err)
		a.reportFailure(ctx, requestID, err)
		return err
	}

	status, err := a.agent.SendProxy(ctx, requestID, resp.StatusCode, resp)
	if err != nil {
		return fmt.Errorf("proxy: failed to send to agent: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("proxy: agent rejected proxied response: status %d", status)
	}
	return nil
}

// reportFailure delivers a synthetic 502 result through SendProxyResult when
// Forward fails before an upstream response exists, the case SendProxy
// cannot cover since it requires a live *http.Response to stream from.
func (a *Adapter) reportFailure(ctx context.Context, requestID string, cause error) {
	if err := a.agent.SendProxyResult(ctx, requestID, http.StatusBadGateway, []byte(cause.Error())); err != nil {
		logging.Error("proxy: failed to report forward failure: "+err.Error(), logging.WithRequestID(requestID))
	}
}
