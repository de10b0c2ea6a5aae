// Package worker is the root library package: the worker loop (§4.9) that
// drives polling, admission, dispatch, TTL enforcement, lifecycle
// reporting, webhook delivery, and acknowledgement.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/easeworks/gpu-worker/internal/agentclient"
	"github.com/easeworks/gpu-worker/internal/concurrency"
	"github.com/easeworks/gpu-worker/internal/handler"
	"github.com/easeworks/gpu-worker/internal/heartbeat"
	"github.com/easeworks/gpu-worker/internal/logging"
	"github.com/easeworks/gpu-worker/internal/proxy"
	"github.com/easeworks/gpu-worker/internal/settings"
	"github.com/easeworks/gpu-worker/internal/task"
)

// pollBackoff is how long the main loop sleeps after a failed Next() call or
// an empty queue, to avoid hammering an unreachable or idle agent.
const pollBackoff = 500 * time.Millisecond

// Run drives the worker loop until ctx is cancelled or the agent reports
// itself unhealthy with no in-flight work left to drain, per §4.9's
// termination rule. It blocks for the life of the process.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	instanceID := uuid.NewString()
	userAgent := fmt.Sprintf("gpu-worker/%s", instanceID)

	if path := settings.WorkerConfigPath(); path != "" {
		if err := settings.Default.LoadFile(path); err != nil {
			return fmt.Errorf("worker: failed to load config file: %w", err)
		}
	}
	logging.SetLevel(logging.ParseLevel(settings.Default.LogLevel()))

	agent := agentclient.New(settings.Default.AgentURL(), userAgent)
	defer agent.Close()

	limiter := concurrency.New(concurrency.Modifier(cfg.ConcurrencyModifier))

	hb := heartbeat.New(settings.Default.AgentURL(), time.Duration(settings.Default.HeartbeatInterval())*time.Second, limiter)
	if cfg.Metrics != nil {
		hb.OnFailure = cfg.Metrics.HeartbeatFailures.Inc
	}

	var h *handler.Handler
	var px *proxy.Adapter

	switch cfg.Mode {
	case HandlerMode:
		var err error
		h, err = handler.Wrap(cfg.HandlerKind, cfg.Handler, cfg.IterHandler, cfg.Env)
		if err != nil {
			return err
		}
	case ProxyMode:
		checkStart := cfg.CheckStart
		if checkStart == nil {
			container := settings.Default.ProxyContainer()
			if container == "" {
				return &ErrInvalidConfig{"proxy mode requires CheckStart or EASE_PROXY_CONTAINER"}
			}
			built, err := proxy.DockerContainerCheck(container, cfg.BaseURL)
			if err != nil {
				return err
			}
			checkStart = built
		}
		adapter, err := proxy.New(cfg.BaseURL, checkStart, agent)
		if err != nil {
			return err
		}
		logging.Info("waiting for proxy target to become ready")
		if err := adapter.WaitUntilReady(ctx); err != nil {
			return fmt.Errorf("worker: proxy target never became ready: %w", err)
		}
		px = adapter
	}

	logging.Info(fmt.Sprintf("worker started, instance %s", instanceID))

	// The heartbeat loop and the main poll loop are supervised together:
	// either one returning (the heartbeat never does; the main loop does
	// on shutdown or on the agent health-termination rule) cancels the
	// group's context and the other stops promptly, mirroring the
	// teacher's errCh fan-in of heartbeat and job-stream goroutines.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hb.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return mainLoop(gctx, cfg, agent, limiter, h, px)
	})

	return g.Wait()
}

func mainLoop(ctx context.Context, cfg Config, agent *agentclient.Client, limiter *concurrency.Limiter, h *handler.Handler, px *proxy.Adapter) error {
	for {
		select {
		case <-ctx.Done():
			logging.Info("worker shutting down")
			return nil
		default:
		}

		if !limiter.IsAvailable() {
			time.Sleep(pollBackoff)
			continue
		}

		t, healthy, err := agent.Next(ctx)
		if err != nil {
			logging.Error("failed to poll next task: " + err.Error())
			time.Sleep(pollBackoff)
			continue
		}

		if t == nil {
			if !healthy && limiter.Len() == 0 {
				logging.Critical("agent reported unhealthy with no in-flight work, terminating")
				return fmt.Errorf("worker: agent unhealthy, no in-flight work to drain")
			}
			time.Sleep(pollBackoff)
			continue
		}

		requestID := t.Header.RequestID
		limiter.AddJob(requestID)
		if cfg.Metrics != nil {
			cfg.Metrics.InFlight.Inc()
		}
		go func(t *task.Task) {
			defer limiter.RemoveJob(t.Header.RequestID)
			if cfg.Metrics != nil {
				defer cfg.Metrics.InFlight.Dec()
			}
			status := execute(ctx, agent, h, px, *t)
			if cfg.Metrics != nil {
				cfg.Metrics.TasksTotal.WithLabelValues(string(status)).Inc()
			}
		}(t)
	}
}

// execute runs the full per-task lifecycle (§4.9 steps a-h): TTL check,
// executing status, dispatch, result/webhook delivery, terminal status, ack.
// Ack is sent strictly after the final status report so the agent never
// frees request state the worker might still need to re-report against.
func execute(ctx context.Context, agent *agentclient.Client, h *handler.Handler, px *proxy.Adapter, t task.Task) task.Status {
	header := t.Header
	requestID := header.RequestID
	enqueuedAt := time.Now().UnixMilli()

	execStartTs := enqueuedAt
	if header.EnqueueAt > execStartTs {
		execStartTs = header.EnqueueAt
	}
	if execStartTs-header.EnqueueAt > header.TTL {
		msg := fmt.Sprintf("request expired: age %dms exceeds ttl %dms", execStartTs-header.EnqueueAt, header.TTL)
		logging.Warn(msg, logging.WithRequestID(requestID))
		reportStatus(ctx, agent, header, task.StatusFailed, 0, 0, msg)
		deliverTTLExpiry(ctx, agent, header, h != nil, msg)
		agent.Ack(ctx, requestID)
		return task.StatusFailed
	}

	reportStatus(ctx, agent, header, task.StatusExecuting, 0, 0, "")
	execStart := time.Now().UnixMilli()

	var execErr error
	switch {
	case px != nil:
		execErr = executeProxy(ctx, px, requestID, t.Data)
	case h != nil:
		execErr = executeHandler(ctx, agent, h, header, requestID, t.Data)
	default:
		execErr = fmt.Errorf("worker: no handler or proxy configured")
	}

	execEnd := time.Now().UnixMilli()
	execDur := execEnd - execStart
	totalDur := execEnd - enqueuedAt

	status := task.StatusSucceed
	msg := ""
	if execErr != nil {
		status = task.StatusFailed
		msg = execErr.Error()
		logging.Error(fmt.Sprintf("task failed: %s", msg), logging.WithRequestID(requestID))
	}

	reportStatus(ctx, agent, header, status, totalDur-execDur, execDur, msg)
	agent.Ack(ctx, requestID)
	return status
}

func reportStatus(ctx context.Context, agent *agentclient.Client, h task.MsgHeader, status task.Status, queueDur, execDur int64, msg string) {
	total := queueDur + execDur
	record := task.NewStatus(h, time.Now().UnixMilli(), h.Webhook, status, queueDur, execDur, total, msg)
	body, err := record.JSON()
	if err != nil {
		logging.Error("failed to marshal status: "+err.Error(), logging.WithRequestID(h.RequestID))
		return
	}
	agent.ReportStatus(ctx, h.RequestID, body)
}

// executeHandler runs handler mode's dispatch + delivery (§4.9.b-f): parse
// the request, invoke the handler, deliver the result to the agent and, when
// a webhook is present, to the webhook as well.
func executeHandler(ctx context.Context, agent *agentclient.Client, h *handler.Handler, header task.MsgHeader, requestID string, data []byte) error {
	req, webhook, err := handler.ParseRequest(header, data)
	if err != nil {
		deliverFailure(ctx, agent, requestID, err)
		return err
	}

	result, err := h.Invoke(ctx, req)
	if err != nil {
		deliverHandlerFailure(ctx, agent, requestID, webhook, 500, err)
		return err
	}

	payload, err := handler.ToBytes(result)
	if err != nil {
		deliverHandlerFailure(ctx, agent, requestID, webhook, 500, err)
		return err
	}

	if err := agent.SendResult(ctx, requestID, 200, "", payload); err != nil {
		logging.Error("failed to send result: "+err.Error(), logging.WithRequestID(requestID))
	}

	if webhook != "" {
		if err := agent.PostWebhook(ctx, webhook, requestID, 200, payload); err != nil {
			logging.Error("failed to deliver webhook: "+err.Error(), logging.WithRequestID(requestID))
		}
	}

	return nil
}

func deliverFailure(ctx context.Context, agent *agentclient.Client, requestID string, cause error) {
	if err := agent.SendResult(ctx, requestID, 500, cause.Error(), nil); err != nil {
		logging.Error("failed to send failure result: "+err.Error(), logging.WithRequestID(requestID))
	}
}

// deliverHandlerFailure reports a handler-mode terminal failure to the agent
// result endpoint and, when a webhook is present, to the webhook as well —
// both carrying the error wrapped as {"error": "..."} JSON, mirroring the
// source's getResult/send_request pairing. Delivery no longer depends on
// sync/async mode: both destinations get the same payload whenever a
// webhook URL is present.
func deliverHandlerFailure(ctx context.Context, agent *agentclient.Client, requestID, webhook string, statusCode int, cause error) {
	msg := cause.Error()
	payload := errorPayload(msg)
	if err := agent.SendResult(ctx, requestID, statusCode, msg, payload); err != nil {
		logging.Error("failed to send failure result: "+err.Error(), logging.WithRequestID(requestID))
	}
	if webhook != "" {
		if err := agent.PostWebhook(ctx, webhook, requestID, statusCode, payload); err != nil {
			logging.Error("failed to deliver failure webhook: "+err.Error(), logging.WithRequestID(requestID))
		}
	}
}

// deliverTTLExpiry delivers the 408 failure for an expired task. Per §9, a
// proxy-mode task is dropped without any webhook or result delivery beyond
// the status record already reported by the caller — there is no webhook
// concept in proxy mode. handlerMode gates this to handler-mode tasks only.
func deliverTTLExpiry(ctx context.Context, agent *agentclient.Client, header task.MsgHeader, handlerMode bool, msg string) {
	if !handlerMode {
		return
	}
	deliverHandlerFailure(ctx, agent, header.RequestID, header.Webhook, 408, fmt.Errorf("%s", msg))
}

// errorPayload wraps a failure message into the {"error": "..."} JSON shape
// delivered as both the agent result's data field and the webhook body on
// handler-mode terminal failures.
func errorPayload(msg string) []byte {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return []byte(`{"error":"` + msg + `"}`)
	}
	return data
}

// executeProxy runs proxy mode's dispatch (§4.8): decode the proxy request
// body and forward it. Forward owns its own delivery to the agent, including
// the failure path, since streaming requires a live upstream response that
// this function never buffers.
func executeProxy(ctx context.Context, px *proxy.Adapter, requestID string, data []byte) error {
	reqData, err := task.ParseProxyRequestData(data)
	if err != nil {
		return err
	}
	return px.Forward(ctx, requestID, reqData)
}
