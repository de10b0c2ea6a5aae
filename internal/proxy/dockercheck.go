package proxy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
	dockerclient "github.com/docker/docker/client"

	"github.com/easeworks/gpu-worker/internal/logging"
)

// DockerContainerCheck builds a CheckStartFunc that first confirms a sidecar
// container is running (via the Docker SDK, the same client construction as
// agent/internal/docker's NewClient/Ping) before probing the user's local
// server over HTTP. Composing the two avoids a misleading "ready" result
// while the process inside the container is still starting up.
//
// httpURL is probed with a plain GET; any 2xx-5xx response is treated as
// "the server answered" (readiness is the user's concern, not ours) — only
// connection failures count as not-ready.
func DockerContainerCheck(containerName, httpURL string) (CheckStartFunc, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("proxy: failed to create docker client: %w", err)
	}

	httpClient := &http.Client{}

	return func(ctx context.Context) (bool, error) {
		inspect, err := cli.ContainerInspect(ctx, containerName)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return false, fmt.Errorf("proxy: container %q not found", containerName)
			}
			return false, fmt.Errorf("proxy: failed to inspect container %q: %w", containerName, err)
		}
		if inspect.State == nil || !inspect.State.Running {
			logging.Debug(fmt.Sprintf("proxy: container %q not yet running", containerName))
			return false, nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL, nil)
		if err != nil {
			return false, fmt.Errorf("proxy: failed to build check_start request: %w", err)
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return false, nil
		}
		resp.Body.Close()
		return true, nil
	}, nil
}
