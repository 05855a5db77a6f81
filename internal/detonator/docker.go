package detonator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// stratusStateDir is where stratus keeps its Terraform state in the image.
const stratusStateDir = "/root/.stratus-red-team"

// dockerEngine runs containers through the Docker Engine SDK.
type dockerEngine struct {
	cli    *client.Client
	logger *slog.Logger
}

func newDockerEngine(host string, logger *slog.Logger) (*dockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("detonator: failed to create docker client: %w", err)
	}
	return &dockerEngine{cli: cli, logger: logger}, nil
}

// Run pulls the image if asked, runs the container to completion, collects
// its demultiplexed output and removes it.
func (d *dockerEngine) Run(ctx context.Context, spec containerSpec) (result, error) {
	if spec.Pull {
		rc, err := d.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
		if err != nil {
			return result{}, fmt.Errorf("failed to pull %s: %w", spec.Image, err)
		}
		_, _ = io.Copy(io.Discard, rc)
		rc.Close()
	}

	hostCfg := &container.HostConfig{}
	if spec.StateDir != "" {
		hostCfg.Binds = []string{spec.StateDir + ":" + stratusStateDir}
	}
	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Cmd:   spec.Cmd,
		Env:   spec.Env,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return result{}, fmt.Errorf("failed to create container: %w", err)
	}
	defer d.remove(created.ID)

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return result{}, fmt.Errorf("failed to start container: %w", err)
	}

	var exitCode int64
	statusCh, errCh := d.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return result{}, fmt.Errorf("failed to wait for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return result{}, ctx.Err()
	}

	logs, err := d.cli.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return result{ExitCode: exitCode}, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return result{ExitCode: exitCode}, fmt.Errorf("failed to demultiplex logs: %w", err)
	}
	return result{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// remove force-removes a container with a fresh context so cancelled runs
// are still cleaned up.
func (d *dockerEngine) remove(id string) {
	err := d.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		d.logger.Warn("failed to remove container", "container", id, "error", err)
	}
}

func (d *dockerEngine) Close() error {
	return d.cli.Close()
}
