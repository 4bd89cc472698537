package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// LabelRunID marks containers started for a run.
const LabelRunID = "io.scrapectl.run_id"

// Docker runs jobs in containers. The container ID is the persisted identity.
type Docker struct {
	Image  string
	client *client.Client
}

// NewDocker creates a client from the standard environment variables
// (DOCKER_HOST, etc.). The daemon is not contacted until first use.
func NewDocker(image string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Docker{Image: image, client: cli}, nil
}

func (d *Docker) Spawn(ctx context.Context, cmd Command) (Handle, error) {
	img := cmd.Image
	if img == "" {
		img = d.Image
	}
	if img == "" {
		return nil, fmt.Errorf("%w: docker image is required", model.ErrSpawn)
	}

	if _, err := d.client.ImageInspect(ctx, img); err != nil {
		reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("%w: pulling image %s: %w", model.ErrSpawn, img, err)
		}
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:  img,
		Cmd:    cmd.Args,
		Env:    cmd.environ(),
		Labels: map[string]string{LabelRunID: cmd.RunID},
	}, nil, nil, nil, "scrapectl-"+cmd.RunID)
	if err != nil {
		return nil, fmt.Errorf("%w: creating container: %w", model.ErrSpawn, err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: starting container: %w", model.ErrSpawn, err)
	}
	slog.DebugContext(ctx, "job container started", "container_id", resp.ID, "image", img)
	return d.handle(resp.ID), nil
}

func (d *Docker) Attach(ref model.ProcessRef) (Handle, error) {
	if ref.Backend != model.BackendDocker {
		return nil, fmt.Errorf("%w %q for docker", ErrBackend, ref.Backend)
	}
	if ref.ContainerID == "" {
		return nil, errors.New("container id is empty")
	}
	return d.handle(ref.ContainerID), nil
}

func (d *Docker) handle(id string) *containerHandle {
	return &containerHandle{client: d.client, id: id}
}

type containerHandle struct {
	client *client.Client
	id     string
}

func (h *containerHandle) Ref() model.ProcessRef {
	return model.ProcessRef{Backend: model.BackendDocker, ContainerID: h.id}
}

func (h *containerHandle) Alive(ctx context.Context) (bool, error) {
	info, err := h.client.ContainerInspect(ctx, h.id)
	switch {
	case errdefs.IsNotFound(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("inspecting container %s: %w", h.id, err)
	}
	return info.State != nil && (info.State.Running || info.State.Paused || info.State.Restarting), nil
}

func (h *containerHandle) Signal(ctx context.Context) error {
	return h.kill(ctx, "SIGTERM")
}

func (h *containerHandle) Kill(ctx context.Context) error {
	return h.kill(ctx, "SIGKILL")
}

func (h *containerHandle) kill(ctx context.Context, signal string) error {
	alive, err := h.Alive(ctx)
	if err != nil || !alive {
		return err
	}
	err = h.client.ContainerKill(ctx, h.id, signal)
	if err != nil && (errdefs.IsNotFound(err) || errdefs.IsConflict(err)) {
		// gone or stopped in the meantime
		return nil
	}
	return err
}

func (h *containerHandle) Wait(ctx context.Context, timeout time.Duration) (model.ExitOutcome, error) {
	wctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	statusCh, errCh := h.client.ContainerWait(wctx, h.id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return model.ExitOutcome{}, fmt.Errorf("waiting for container %s: %s", h.id, status.Error.Message)
		}
		code := int(status.StatusCode)
		// 128+n is how the runtime reports death by signal n
		return model.ExitOutcome{Code: code, Signaled: code > 128}, nil
	case err := <-errCh:
		switch {
		case errdefs.IsNotFound(err):
			return model.ExitOutcome{Unknown: true}, nil
		case ctx.Err() != nil:
			return model.ExitOutcome{}, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded) || wctx.Err() != nil:
			return model.ExitOutcome{}, ErrWaitTimeout
		}
		return model.ExitOutcome{}, fmt.Errorf("waiting for container %s: %w", h.id, err)
	}
}
