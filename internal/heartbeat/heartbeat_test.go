package heartbeat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeJobSource struct{ jobs []string }

func (f fakeJobSource) GetJobs() []string { return f.jobs }

func TestTickPostsInFlightJobIDs(t *testing.T) {
	var captured heartbeatPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := New(srv.URL, time.Second, fakeJobSource{jobs: []string{"a", "b"}})
	h.tick(context.Background())

	if len(captured.RequestIDs) != 2 {
		t.Fatalf("expected 2 request ids, got %+v", captured.RequestIDs)
	}
}

func TestTickInvokesOnFailureOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := New(srv.URL, time.Second, fakeJobSource{})
	called := false
	h.OnFailure = func() { called = true }
	h.tick(context.Background())

	if !called {
		t.Fatal("expected OnFailure to be invoked on non-200 response")
	}
}

func TestTickNilJobsSendsEmptyList(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := New(srv.URL, time.Second, fakeJobSource{jobs: nil})
	h.tick(context.Background())

	ids, ok := captured["requestIDs"].([]any)
	if !ok {
		t.Fatalf("expected requestIDs key, got %+v", captured)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty list, got %+v", ids)
	}
}
