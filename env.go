// Package worker is the root library package: the worker loop (§4.9) that
// drives polling, admission, dispatch, TTL enforcement, lifecycle
// reporting, webhook delivery, and acknowledgement.
package worker

import "github.com/easeworks/gpu-worker/internal/handler"

// Env is the runtime environment bound to the handler at startup, the Go
// analogue of env.Env in the Python source. handler.Wrap stores it on the
// Handler; Invoke does not pass it to the handler func, whose signature has
// no Env parameter.
type Env = handler.Env
