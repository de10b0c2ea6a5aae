package worker

import (
	"context"
	"fmt"
	"net/url"

	"github.com/easeworks/gpu-worker/internal/handler"
	"github.com/easeworks/gpu-worker/internal/obsmetrics"
)

// Mode selects handler mode or proxy mode, mutually exclusive per process,
// per §4.9 and the GLOSSARY.
type Mode int

const (
	// HandlerMode invokes an in-process function on decoded JSON input.
	HandlerMode Mode = iota
	// ProxyMode forwards an HTTP request to a local user server.
	ProxyMode
)

// Config is the handlers configuration validated at worker startup, per
// §4.9's Initialisation rules. It is the Go analogue of the Python source's
// `handlers: Dict[str, Any]` passed to `start()`.
type Config struct {
	Mode Mode

	// --- Handler mode ---
	HandlerKind handler.Kind
	Handler     handler.Func
	IterHandler handler.IterFunc
	// ConcurrencyModifier is optional; nil keeps the identity modifier.
	ConcurrencyModifier func(prevAllowed int) int

	// --- Proxy mode ---
	BaseURL string
	// CheckStart is required in proxy mode unless ProxyContainer is set via
	// settings, in which case a Docker-backed check is built automatically
	// (§6.1, SPEC_FULL.md domain stack).
	CheckStart func(ctx context.Context) (bool, error)

	Env Env

	// Metrics is optional. When set, the worker loop increments its
	// collectors on admission and task completion; Run never creates one
	// itself — binding a Metrics value and serving /metrics is the
	// caller's responsibility (see cmd/gpu-worker).
	Metrics *obsmetrics.Metrics
}

// ErrInvalidConfig is returned by Validate when the handlers configuration
// does not satisfy §4.9's initialisation requirements.
type ErrInvalidConfig struct{ Reason string }

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("worker: invalid configuration: %s", e.Reason)
}

// Validate enforces §4.9's initialisation rules:
//   - Handler mode requires a callable handler.
//   - Proxy mode requires a base_url with non-empty scheme and host.
//
// CheckStart is not checked here: Run requires either CheckStart or
// EASE_PROXY_CONTAINER in proxy mode and returns ErrInvalidConfig otherwise.
func (c *Config) Validate() error {
	switch c.Mode {
	case HandlerMode:
		switch c.HandlerKind {
		case handler.Plain, handler.Async:
			if c.Handler == nil {
				return &ErrInvalidConfig{"handler mode requires a non-nil Handler func"}
			}
		case handler.Iter, handler.AsyncIter:
			if c.IterHandler == nil {
				return &ErrInvalidConfig{"handler mode requires a non-nil IterHandler func"}
			}
		default:
			return &ErrInvalidConfig{"unsupported HandlerKind"}
		}
	case ProxyMode:
		if c.BaseURL == "" {
			return &ErrInvalidConfig{"proxy mode requires a non-empty base_url"}
		}
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &ErrInvalidConfig{"proxy mode base_url must have a non-empty scheme and host"}
		}
	default:
		return &ErrInvalidConfig{"unsupported Mode"}
	}
	return nil
}
