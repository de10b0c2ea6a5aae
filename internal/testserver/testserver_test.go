package testserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/easeworks/gpu-worker/internal/handler"
)

func wrapEcho(t *testing.T) *handler.Handler {
	t.Helper()
	h, err := handler.Wrap(handler.Plain, func(ctx context.Context, req any) (any, error) {
		r := req.(handler.Request)
		return map[string]any{"output": r.Input}, nil
	}, nil, handler.Env{})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestHandleInvokesHandlerAndReturnsJSON(t *testing.T) {
	s := New(0, wrapEcho(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"input":"hi"}`))

	s.handle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"output":"hi"}` {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleRejectsNonPost(t *testing.T) {
	s := New(0, wrapEcho(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	s.handle(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleRequiresInputField(t *testing.T) {
	s := New(0, wrapEcho(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{}`))

	s.handle(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
