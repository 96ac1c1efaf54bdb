// Package images wraps the Docker SDK for snapshot image inspection: the
// builder asks whether a deterministic tag is cached, chat start verifies the
// tag is still present, and clean start removes orphaned tags.
package images

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/common/logger"
)

// Inspector answers image-store questions for the builder and supervisor.
type Inspector interface {
	HasImage(ctx context.Context, tag string) (bool, error)
	RemoveImage(ctx context.Context, tag string) error
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewClient creates a new Docker client and verifies the daemon is reachable.
func NewClient(ctx context.Context, cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Client{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "images")),
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	c.logger.Debug("Closing Docker client")
	return c.cli.Close()
}

// HasImage reports whether an image with the exact tag exists locally.
func (c *Client) HasImage(ctx context.Context, tag string) (bool, error) {
	args := filters.NewArgs(filters.Arg("reference", tag))
	list, err := c.cli.ImageList(ctx, image.ListOptions{Filters: args})
	if err != nil {
		return false, fmt.Errorf("failed to list images for %s: %w", tag, err)
	}
	return len(list) > 0, nil
}

// RemoveImage deletes a local image tag. Missing tags are not an error.
func (c *Client) RemoveImage(ctx context.Context, tag string) error {
	_, err := c.cli.ImageRemove(ctx, tag, image.RemoveOptions{PruneChildren: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove image %s: %w", tag, err)
	}
	c.logger.Info("Removed image", zap.String("tag", tag))
	return nil
}
