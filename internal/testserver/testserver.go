// Package testserver implements the local development shortcut described in
// §4.10: when EASE_TEST_MODE is truthy, the worker skips the agent entirely
// and exposes the handler directly over a local HTTP server so a developer
// can curl it without running the agent. There is no concurrency limit,
// status reporting, or webhook delivery in this mode — it exists purely to
// exercise a handler's logic in isolation.
package testserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/easeworks/gpu-worker/internal/handler"
	"github.com/easeworks/gpu-worker/internal/logging"
)

// Server is a minimal HTTP front end over a single bound handler.
type Server struct {
	h   *handler.Handler
	srv *http.Server
}

// New builds a Server listening on port, invoking h for every POST request.
func New(port int, h *handler.Handler) *Server {
	mux := http.NewServeMux()
	s := &Server{h: h}
	mux.HandleFunc("/", s.handle)
	s.srv = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	return s
}

// ListenAndServe blocks serving requests until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.srv.Close()
	}()
	logging.Info(fmt.Sprintf("test-mode server listening on %s", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "invalid json body: "+err.Error(), http.StatusBadRequest)
		return
	}
	input, ok := raw["input"]
	if !ok {
		http.Error(w, `missing required field "input"`, http.StatusBadRequest)
		return
	}

	req := handler.Request{Input: input, Meta: map[string]any{"requestID": "test-mode"}}

	result, err := s.h.Invoke(r.Context(), req)
	if err != nil {
		logging.Error("test-mode handler error: " + err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	payload, err := handler.ToBytes(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
