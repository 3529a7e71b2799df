package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"faas-control/internal/adapters/instancehttp"
	"faas-control/internal/config"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

// Client runs one instance container per application on the local
// docker daemon. It implements instances.Runtime; per-function
// load/unload/health goes over the instance admin API.
type Client struct {
	*instancehttp.Client

	cli        *client.Client
	lg         zerolog.Logger
	cfg        config.Config
	authHeader string
}

func New(cfg config.Config, lg zerolog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	c := &Client{
		Client: instancehttp.New(),
		cli:    cli,
		cfg:    cfg,
		lg:     lg.With().Str("adapter", "docker").Logger(),
	}

	if cfg.RegistryUser != "" && cfg.RegistryPass != "" {
		authConfig := registry.AuthConfig{
			Username:      cfg.RegistryUser,
			Password:      cfg.RegistryPass,
			ServerAddress: cfg.RegistryURL,
		}
		encodedJSON, err := json.Marshal(authConfig)
		if err != nil {
			return nil, fmt.Errorf("marshal auth config: %w", err)
		}
		c.authHeader = base64.URLEncoding.EncodeToString(encodedJSON)
		c.lg.Info().Str("registry", cfg.RegistryURL).Msg("configured registry authentication")
	}

	return c, nil
}

func containerName(appID string) string {
	return "faas-instance-" + appID
}

// Provision starts the application's instance container and returns
// its host-mapped address.
func (c *Client) Provision(ctx context.Context, appID string) (string, error) {
	name := containerName(appID)

	if err := c.ensureImage(ctx, c.cfg.WorkerImage); err != nil {
		return "", err
	}

	// A leftover container from a previous run is replaced.
	_ = c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})

	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image: c.cfg.WorkerImage,
			Env: []string{
				"APP_ID=" + appID,
			},
			ExposedPorts: nat.PortSet{"8000/tcp": struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				"8000/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
			},
		},
		nil, nil, name,
	)
	if err != nil {
		return "", fmt.Errorf("docker create: %w", err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("docker start: %w", err)
	}

	inspect, err := c.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return "", fmt.Errorf("docker inspect: %w", err)
	}
	ports := inspect.NetworkSettings.Ports["8000/tcp"]
	if len(ports) == 0 {
		return "", fmt.Errorf("docker inspect: no host port bound for %s", name)
	}
	hostPort, err := strconv.Atoi(ports[0].HostPort)
	if err != nil {
		return "", fmt.Errorf("docker inspect: bad host port %q", ports[0].HostPort)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", hostPort)
	c.lg.Info().
		Str("container_id", resp.ID).
		Str("app_id", appID).
		Str("address", addr).
		Msg("instance container started")

	return addr, nil
}

// Terminate force-removes the application's instance container.
func (c *Client) Terminate(ctx context.Context, appID string) error {
	name := containerName(appID)
	c.lg.Info().Str("app_id", appID).Msg("stopping and removing instance container")
	err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (c *Client) ensureImage(ctx context.Context, img string) error {
	_, _, err := c.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("image inspect: %w", err)
	}

	c.lg.Info().Str("image", img).Msg("pulling image from registry")
	rc, err := c.cli.ImagePull(ctx, img, image.PullOptions{RegistryAuth: c.authHeader})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)

	return nil
}
