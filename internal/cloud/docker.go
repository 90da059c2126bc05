package cloud

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

const dockerNodeLabel = "farpath.node"

// DockerProvider stands in for a cloud backend in self-host mode: the
// proxy node runs as a local container instead of a droplet.
type DockerProvider struct {
	cli    *client.Client
	image  string
	logger *slog.Logger
}

func NewDockerProvider(ctx context.Context, image string, logger *slog.Logger) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &DockerProvider{cli: cli, image: image, logger: logger}, nil
}

func (p *DockerProvider) Start(ctx context.Context, name, region string) (VM, error) {
	if err := p.pullImage(ctx, p.image); err != nil {
		// A locally built image is fine; create will fail if it is
		// truly absent.
		p.logger.Warn("image_pull_failed", slog.String("image", p.image), slog.String("error", err.Error()))
	}

	labels := map[string]string{
		"farpath.managed": "true",
		dockerNodeLabel:   name,
		"farpath.region":  region,
	}
	resp, err := p.cli.ContainerCreate(ctx,
		&container.Config{Image: p.image, Labels: labels},
		&container.HostConfig{},
		nil,
		nil,
		name,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already in use") {
			return VM{}, &ProviderError{Code: ErrCodeAlreadyExists, Message: err.Error()}
		}
		return VM{}, fmt.Errorf("container create: %w", err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return VM{}, fmt.Errorf("container start: %w", err)
	}

	inspect, err := p.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return VM{}, fmt.Errorf("container inspect: %w", err)
	}
	ip := "127.0.0.1"
	if inspect.NetworkSettings != nil {
		for _, netData := range inspect.NetworkSettings.Networks {
			if netData != nil && netData.IPAddress != "" {
				ip = netData.IPAddress
				break
			}
		}
	}
	p.logger.Info("node_container_started", slog.String("container_id", resp.ID), slog.String("ip", ip))
	return VM{ID: resp.ID, Name: name, PublicIP: ip}, nil
}

func (p *DockerProvider) Stop(ctx context.Context, name string) error {
	containers, err := p.findByName(ctx, name)
	if err != nil {
		return err
	}
	if len(containers) == 0 {
		return &ProviderError{Code: "not_found", Message: fmt.Sprintf("no node container named %q", name)}
	}
	for _, id := range containers {
		timeout := 10
		if err := p.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
			lerr := strings.ToLower(err.Error())
			if !strings.Contains(lerr, "not modified") && !strings.Contains(lerr, "not found") {
				return err
			}
		}
		if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !strings.Contains(strings.ToLower(err.Error()), "not found") {
			return err
		}
	}
	return nil
}

func (p *DockerProvider) Reboot(ctx context.Context, name string) error {
	containers, err := p.findByName(ctx, name)
	if err != nil {
		return err
	}
	if len(containers) == 0 {
		return &ProviderError{Code: "not_found", Message: fmt.Sprintf("no node container named %q", name)}
	}
	for _, id := range containers {
		timeout := 10
		if err := p.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
			return fmt.Errorf("container restart: %w", err)
		}
	}
	return nil
}

// HasOAuth is always false for the local backend; there is no account.
func (p *DockerProvider) HasOAuth(ctx context.Context) (bool, error) {
	return false, nil
}

func (p *DockerProvider) Close() error {
	return p.cli.Close()
}

func (p *DockerProvider) findByName(ctx context.Context, name string) ([]string, error) {
	args := filters.NewArgs(filters.Arg("label", dockerNodeLabel+"="+name))
	containers, err := p.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (p *DockerProvider) pullImage(ctx context.Context, image string) error {
	reader, err := p.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}
