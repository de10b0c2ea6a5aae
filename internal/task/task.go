// Package task implements the wire-level task envelope (§3 MsgHeader,
// Task, RequestStatus) parsed from the agent's /apis/v1/request response.
package task

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Status is the lifecycle state reported via RequestStatus.
type Status string

const (
	StatusExecuting Status = "executing"
	StatusSucceed   Status = "succeed"
	StatusFailed    Status = "failed"
)

// Mode distinguishes sync vs async delivery semantics for webhook routing.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Header names as sent by the agent on the task envelope, fixed by §6.
const (
	HeaderMode          = "Ease-Mode"
	HeaderWebhook        = "Ease-Webhook"
	HeaderRequestID      = "Ease-Request-Id"
	HeaderEnqueueAt      = "Ease-Enqueue-At"
	HeaderCreateAt       = "Ease-Create-At"
	HeaderStatusSubject  = "Ease-Status-Subject"
	HeaderTTL            = "Ease-Time-To-Live"
)

// defaultTTLMillis is applied when Ease-Time-To-Live is absent, per §3.
const defaultTTLMillis = 600_000

// MsgHeader is the metadata extracted from the task envelope's headers.
type MsgHeader struct {
	Mode          string
	Webhook       string
	RequestID     string
	StatusSubject string
	EnqueueAt     int64
	CreateAt      int64
	TTL           int64
}

// ParseMsgHeader implements §3's header rules: comma-joined values take only
// the first element, missing numeric headers default to 0 (600000 for TTL).
// headers is a plain string map — multi-valued HTTP headers from the agent
// arrive pre-joined with commas, matching the Python source's
// `headers.get(key, default).split(",")[0]`.
func ParseMsgHeader(headers map[string]string) MsgHeader {
	get := func(key, def string) string {
		v, ok := headers[key]
		if !ok || v == "" {
			return def
		}
		return strings.SplitN(v, ",", 2)[0]
	}
	getInt := func(key string, def int64) int64 {
		s := get(key, "")
		if s == "" {
			return def
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return def
		}
		return n
	}

	return MsgHeader{
		Mode:          get(HeaderMode, ""),
		Webhook:       get(HeaderWebhook, ""),
		RequestID:     get(HeaderRequestID, ""),
		StatusSubject: get(HeaderStatusSubject, ""),
		EnqueueAt:     getInt(HeaderEnqueueAt, 0),
		CreateAt:      getInt(HeaderCreateAt, 0),
		TTL:           getInt(HeaderTTL, defaultTTLMillis),
	}
}

// Headers serialises the MsgHeader back into the canonical single-valued
// header map, the inverse of ParseMsgHeader. Used by tests asserting the P6
// round-trip property.
func (h MsgHeader) Headers() map[string]string {
	return map[string]string{
		HeaderMode:         h.Mode,
		HeaderWebhook:       h.Webhook,
		HeaderRequestID:     h.RequestID,
		HeaderStatusSubject: h.StatusSubject,
		HeaderEnqueueAt:     strconv.FormatInt(h.EnqueueAt, 10),
		HeaderCreateAt:      strconv.FormatInt(h.CreateAt, 10),
		HeaderTTL:           strconv.FormatInt(h.TTL, 10),
	}
}

// envelope is the JSON body returned by GET /apis/v1/request.
type envelope struct {
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Task is a single unit of work fetched from the agent.
type Task struct {
	Header MsgHeader
	Data   []byte
}

// Parse decodes a raw /apis/v1/request response body into a Task. The body
// field is base64-encoded; invalid base64 is a parse failure surfaced to the
// caller so the worker loop can log and drop the task.
func Parse(raw []byte) (Task, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Task{}, fmt.Errorf("task: failed to decode envelope: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(env.Body)
	if err != nil {
		return Task{}, fmt.Errorf("task: failed to decode base64 body: %w", err)
	}
	return Task{Header: ParseMsgHeader(env.Headers), Data: data}, nil
}

// RequestStatus is the status record sent to POST /apis/v1/request-metric/{id}.
// Field order matches §3 exactly and json.Marshal on a struct preserves
// declaration order, so no custom MarshalJSON is needed to keep stable keys.
type RequestStatus struct {
	Timestamp          int64  `json:"timestamp"`
	RequestID          string `json:"requestID"`
	Webhook            string `json:"webhook"`
	Status             Status `json:"status"`
	Operation          string `json:"operation"`
	EnqueueTimestamp   int64  `json:"enqueueTimestamp"`
	QueueingDuration   int64  `json:"queueingDuration"`
	ExecutionDuration  int64  `json:"executionDuration"`
	TotalDuration      int64  `json:"totalDuration"`
	RequestCreateAt    int64  `json:"requestCreateAt"`
	Message            string `json:"message"`
}

// NewStatus builds a RequestStatus from a header and the durations computed
// at each lifecycle point, mirroring task.py's getStatus helper.
func NewStatus(h MsgHeader, ts int64, webhook string, status Status, queueDur, execDur, totalDur int64, msg string) RequestStatus {
	return RequestStatus{
		Timestamp:         ts,
		RequestID:         h.RequestID,
		Webhook:           webhook,
		Status:            status,
		Operation:         h.Mode,
		EnqueueTimestamp:  h.EnqueueAt,
		QueueingDuration:  queueDur,
		ExecutionDuration: execDur,
		TotalDuration:     totalDur,
		RequestCreateAt:   h.CreateAt,
		Message:           msg,
	}
}

// JSON serialises the status with no embedded newlines, per §4.3.
func (r RequestStatus) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// ProxyRequestData is the decoded body of a proxy-mode task, per §3.
type ProxyRequestData struct {
	Method string              `json:"method"`
	URI    string              `json:"uri"`
	Header map[string][]string `json:"header"`
	Body   []byte              `json:"-"`
}

// proxyRequestWire is the on-wire shape: Body arrives base64-encoded.
type proxyRequestWire struct {
	Method string              `json:"method"`
	URI    string              `json:"uri"`
	Header map[string][]string `json:"header"`
	Body   string              `json:"body,omitempty"`
}

// ParseProxyRequestData decodes a proxy-mode task body. method and uri are
// required; header defaults to empty; body is base64-decoded when present.
func ParseProxyRequestData(data []byte) (ProxyRequestData, error) {
	var wire proxyRequestWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return ProxyRequestData{}, fmt.Errorf("task: failed to parse proxy request: %w", err)
	}
	if wire.Method == "" {
		return ProxyRequestData{}, fmt.Errorf("task: proxy request missing required field method")
	}
	if wire.URI == "" {
		return ProxyRequestData{}, fmt.Errorf("task: proxy request missing required field uri")
	}
	header := wire.Header
	if header == nil {
		header = map[string][]string{}
	}
	var body []byte
	if wire.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(wire.Body)
		if err != nil {
			return ProxyRequestData{}, fmt.Errorf("task: failed to decode proxy request body: %w", err)
		}
		body = decoded
	}
	return ProxyRequestData{Method: wire.Method, URI: wire.URI, Header: header, Body: body}, nil
}
