// Package handler normalises a user-supplied handler into the uniform
// asynchronous call described in §4.7: a single func(ctx, request) -> value
// invoked once per task. Go has no runtime introspection of "coroutine
// function" vs "generator function" the way Python does, so Design Note 9's
// tagged variant is explicit here: the caller picks a Kind when registering
// the handler instead of the adapter discovering it by reflection.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind tags which of the four calling conventions a handler implements,
// collapsing the Python source's {plain, coroutine, generator,
// async-generator} classification into one Go enum, per Design Note 9.
type Kind int

const (
	// Plain handlers run synchronously and return a single value.
	Plain Kind = iota
	// Async handlers are just Plain in Go (every call already runs on its
	// own goroutine); Kind is kept distinct for symmetry with the source
	// material and so callers can document intent.
	Async
	// Iter handlers push zero or more values onto a channel; the adapter
	// drains the channel into an ordered slice before returning, mirroring
	// the Python source's generator-draining loop.
	Iter
	// AsyncIter is identical to Iter in Go — both a sync and an async
	// generator in Python become "a function that sends values on a
	// channel" once translated, since Go has no separate coroutine
	// concept to distinguish them by.
	AsyncIter
)

// Func is a plain or async handler: invoked once, returns one value.
type Func func(ctx context.Context, request any) (any, error)

// IterFunc is an iterator/generator handler: it pushes each produced value
// onto out and returns when done (or on error). The adapter owns out's
// lifecycle — it is unbuffered-safe but handlers should not assume a buffer
// size.
type IterFunc func(ctx context.Context, request any, out chan<- any) error

// Env is the runtime environment bound once at wrap time, the Go analogue of
// env.Env in the Python source. Wrap stores it on the Handler; Invoke does
// not pass it to Func or IterFunc, neither of which takes an Env argument.
type Env struct {
	// Config carries arbitrary user configuration. Left as `any` since the
	// worker runtime has no opinion on its shape, matching sprite_gpu.conf.Config
	// being opaque to worker.py.
	Config any
}

// Handler is the normalised adapter produced by Wrap: a single async call
// returning bytes-or-JSON-able value, per §4.7.
type Handler struct {
	kind Kind
	fn   Func
	iter IterFunc
	env  Env
}

// Wrap classifies and binds a user handler. fn is used for Plain/Async,
// iterFn for Iter/AsyncIter; the unused one is ignored for the chosen kind.
func Wrap(kind Kind, fn Func, iterFn IterFunc, env Env) (*Handler, error) {
	switch kind {
	case Plain, Async:
		if fn == nil {
			return nil, fmt.Errorf("handler: Plain/Async kind requires a non-nil Func")
		}
	case Iter, AsyncIter:
		if iterFn == nil {
			return nil, fmt.Errorf("handler: Iter/AsyncIter kind requires a non-nil IterFunc")
		}
	default:
		return nil, fmt.Errorf("handler: unsupported kind %d", kind)
	}
	return &Handler{kind: kind, fn: fn, iter: iterFn, env: env}, nil
}

// Invoke runs the bound handler against request and returns its value. For
// Iter/AsyncIter kinds the returned value is an ordered []any collected from
// the channel, matching the Python source's drain-into-list behaviour.
func (h *Handler) Invoke(ctx context.Context, request any) (any, error) {
	switch h.kind {
	case Plain, Async:
		v, err := h.fn(ctx, request)
		if err != nil {
			return nil, fmt.Errorf("custom handler raise exception during running, err: %w", err)
		}
		return v, nil
	case Iter, AsyncIter:
		return h.invokeIter(ctx, request)
	default:
		return nil, fmt.Errorf("handler: unsupported kind %d", h.kind)
	}
}

func (h *Handler) invokeIter(ctx context.Context, request any) (any, error) {
	out := make(chan any)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		errCh <- h.iter(ctx, request, out)
	}()

	results := make([]any, 0)
	for v := range out {
		results = append(results, v)
	}
	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("custom handler raise exception during running, err: %w", err)
	}
	return results, nil
}

// ToBytes normalises a handler's return value into the bytes delivered to
// the webhook/agent, per §4.7: a []byte is forwarded as-is, anything else is
// JSON-marshalled.
func ToBytes(value any) ([]byte, error) {
	if b, ok := value.([]byte); ok {
		return b, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("handler: failed to marshal result: %w", err)
	}
	return data, nil
}
