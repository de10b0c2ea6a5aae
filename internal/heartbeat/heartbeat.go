// Package heartbeat implements the periodic liveness signal described in
// §4.6: every heartbeat interval, POST the current in-flight request ids to
// the agent, with exponential backoff capped at 3 attempts per tick.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/easeworks/gpu-worker/internal/logging"
)

// JobSource supplies the current in-flight request ids, implemented by
// *concurrency.Limiter.
type JobSource interface {
	GetJobs() []string
}

// Heartbeat sends periodic POST /apis/v1/heartbeat requests carrying the
// in-flight request ids. Start exactly once per process, per §4.6.
type Heartbeat struct {
	url      string
	interval time.Duration
	jobs     JobSource
	client   *retryablehttp.Client

	// OnFailure, if set, is invoked once per tick that did not complete
	// successfully (transport error or non-200), for optional metrics.
	OnFailure func()
}

// New creates a Heartbeat targeting baseURL, reading in-flight ids from jobs
// every interval.
func New(baseURL string, interval time.Duration, jobs JobSource) *Heartbeat {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil

	return &Heartbeat{
		url:      baseURL + "/apis/v1/heartbeat",
		interval: interval,
		jobs:     jobs,
		client:   client,
	}
}

type heartbeatPayload struct {
	RequestIDs []string `json:"requestIDs"`
}

// Run blocks sending heartbeats every interval until ctx is cancelled.
// Failures are logged, never fatal, per §4.6 and §7 item 7.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	jobs := h.jobs.GetJobs()
	if jobs == nil {
		jobs = []string{}
	}
	body, err := json.Marshal(heartbeatPayload{RequestIDs: jobs})
	if err != nil {
		logging.Error("heartbeat: failed to marshal payload: " + err.Error())
		return
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		logging.Error("heartbeat: failed to build request: " + err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		logging.Error("failed to send heartbeat: " + err.Error())
		h.fail()
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logging.Error(fmt.Sprintf("heartbeat rejected: status %d", resp.StatusCode))
		h.fail()
		return
	}
	logging.Debug(fmt.Sprintf("heartbeat status: %d", resp.StatusCode))
}

func (h *Heartbeat) fail() {
	if h.OnFailure != nil {
		h.OnFailure()
	}
}
