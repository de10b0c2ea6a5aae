package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/easeworks/gpu-worker/internal/task"
)

type fakeSender struct {
	mu            sync.Mutex
	sendProxyHits int
	resultHits    int
	lastStatus    int
	lastResultMsg string
	sendProxyErr  error
	statusToAgent int
}

func (f *fakeSender) SendProxy(ctx context.Context, requestID string, statusCode int, upstream *http.Response) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendProxyHits++
	f.lastStatus = statusCode
	io.Copy(io.Discard, upstream.Body)
	if f.sendProxyErr != nil {
		return 0, f.sendProxyErr
	}
	if f.statusToAgent != 0 {
		return f.statusToAgent, nil
	}
	return http.StatusOK, nil
}

func (f *fakeSender) SendProxyResult(ctx context.Context, requestID string, statusCode int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resultHits++
	f.lastStatus = statusCode
	f.lastResultMsg = string(data)
	return nil
}

func TestForwardStreamsUpstreamResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	sender := &fakeSender{}
	adapter, err := New(upstream.URL, func(ctx context.Context) (bool, error) { return true, nil }, sender)
	if err != nil {
		t.Fatal(err)
	}

	err = adapter.Forward(context.Background(), "req-1", task.ProxyRequestData{Method: "GET", URI: "/x"})
	if err != nil {
		t.Fatal(err)
	}
	if sender.sendProxyHits != 1 {
		t.Fatalf("expected exactly one SendProxy call, got %d", sender.sendProxyHits)
	}
	if sender.lastStatus != http.StatusTeapot {
		t.Fatalf("expected upstream status to be forwarded, got %d", sender.lastStatus)
	}
}

func TestForwardReportsFailureOnAgentRejection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	sender := &fakeSender{statusToAgent: http.StatusBadRequest}
	adapter, err := New(upstream.URL, func(ctx context.Context) (bool, error) { return true, nil }, sender)
	if err != nil {
		t.Fatal(err)
	}

	if err := adapter.Forward(context.Background(), "req-1", task.ProxyRequestData{Method: "GET", URI: "/x"}); err == nil {
		t.Fatal("expected error when agent rejects the proxied response")
	}
}

func TestForwardReportsFailureWhenUpstreamUnreachable(t *testing.T) {
	sender := &fakeSender{}
	adapter, err := New("http://127.0.0.1:1", func(ctx context.Context) (bool, error) { return true, nil }, sender)
	if err != nil {
		t.Fatal(err)
	}

	if err := adapter.Forward(context.Background(), "req-1", task.ProxyRequestData{Method: "GET", URI: "/x"}); err == nil {
		t.Fatal("expected error for unreachable upstream")
	}
	if sender.resultHits != 1 {
		t.Fatalf("expected SendProxyResult to report the failure, got %d calls", sender.resultHits)
	}
	if sender.lastStatus != http.StatusBadGateway {
		t.Fatalf("expected 502 reported, got %d", sender.lastStatus)
	}
}

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	if _, err := New("", nil, &fakeSender{}); err == nil {
		t.Fatal("expected error for empty base url")
	}
	if _, err := New("not-a-url", nil, &fakeSender{}); err == nil {
		t.Fatal("expected error for base url missing scheme/host")
	}
}

func TestJoinURLResolvesAgainstBase(t *testing.T) {
	adapter, err := New("http://example.com/base/", func(ctx context.Context) (bool, error) { return true, nil }, &fakeSender{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := adapter.joinURL("/absolute/path?x=1")
	if err != nil {
		t.Fatal(err)
	}
	if got != "http://example.com/absolute/path?x=1" {
		t.Fatalf("unexpected joined url: %q", got)
	}
}

func TestWaitUntilReadyRetriesUntilTrue(t *testing.T) {
	calls := 0
	check := func(ctx context.Context) (bool, error) {
		calls++
		return calls >= 2, nil
	}
	adapter, err := New("http://example.com", check, &fakeSender{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := adapter.WaitUntilReady(ctx); err != nil {
		t.Fatal(err)
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 checks, got %d", calls)
	}
}

func TestWaitUntilReadyRespectsCancellation(t *testing.T) {
	check := func(ctx context.Context) (bool, error) { return false, nil }
	adapter, err := New("http://example.com", check, &fakeSender{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := adapter.WaitUntilReady(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestForwardCopiesBodyAndHeaders(t *testing.T) {
	var receivedBody []byte
	var receivedHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		receivedHeader = r.Header.Get("X-Test")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	sender := &fakeSender{}
	adapter, err := New(upstream.URL, func(ctx context.Context) (bool, error) { return true, nil }, sender)
	if err != nil {
		t.Fatal(err)
	}

	data := task.ProxyRequestData{
		Method: "post",
		URI:    "/submit",
		Header: map[string][]string{"X-Test": {"1"}},
		Body:   []byte("payload"),
	}
	if err := adapter.Forward(context.Background(), "req-1", data); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(receivedBody, []byte("payload")) {
		t.Fatalf("expected body to be forwarded, got %q", receivedBody)
	}
	if receivedHeader != "1" {
		t.Fatalf("expected header to be forwarded, got %q", receivedHeader)
	}
}
