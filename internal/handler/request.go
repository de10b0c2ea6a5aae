package handler

import (
	"encoding/json"
	"fmt"

	"github.com/easeworks/gpu-worker/internal/logging"
	"github.com/easeworks/gpu-worker/internal/task"
)

// Request is the value passed to a handler invocation: the decoded body plus
// injected meta.requestID, matching the Python source's request dict after
// parse_data runs.
type Request struct {
	Input any            `json:"input"`
	Meta  map[string]any `json:"meta,omitempty"`
	// Extra carries any additional top-level keys present in the body so a
	// handler can still read fields the worker runtime does not interpret.
	Extra map[string]any `json:"-"`
}

// ParseRequest decodes a handler-mode task body per §4.9.b: requires field
// "input"; for async mode the webhook is overridden by the body's "webhook"
// field; meta.requestID is injected only when "meta" is absent — if "meta"
// already exists the source's behaviour (§9 Open Questions) is preserved:
// warn and leave it untouched, never overwrite.
//
// Returns the parsed Request, the effective webhook, and an error if parsing
// failed (missing "input" or invalid JSON).
func ParseRequest(h task.MsgHeader, data []byte) (Request, string, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, "", fmt.Errorf("failed to parse input by using json, err: %w", err)
	}

	input, ok := raw["input"]
	if !ok {
		return Request{}, "", fmt.Errorf("failed to parse input by using json, err: missing required field \"input\"")
	}

	webhook := h.Webhook
	if h.Mode == string(task.ModeAsync) {
		if wh, ok := raw["webhook"]; ok {
			webhook = fmt.Sprintf("%v", wh)
		}
	}

	meta, hasMeta := raw["meta"]
	var metaMap map[string]any
	if hasMeta {
		logging.Warn("meta info already exists in request, cannot add meta info", logging.WithRequestID(h.RequestID))
		if m, ok := meta.(map[string]any); ok {
			metaMap = m
		}
	} else {
		metaMap = map[string]any{"requestID": h.RequestID}
	}

	extra := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "input" || k == "meta" || k == "webhook" {
			continue
		}
		extra[k] = v
	}

	return Request{Input: input, Meta: metaMap, Extra: extra}, webhook, nil
}
