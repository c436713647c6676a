package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
)

// ErrContainerNotFound is returned when no running container matches the filter.
var ErrContainerNotFound = errors.New("executor: container not found")

// Container runs commands inside a docker container selected by name filter.
// The container id is resolved lazily and cached until the container
// disappears or Reset is called.
type Container struct {
	filter string
	run    Runner

	mu sync.Mutex
	id string
}

// NewContainer returns a Container executor for containers matching filter
// (as in `docker ps -f name=<filter>`). A nil runner selects ExecRunner.
func NewContainer(filter string, run Runner) *Container {
	if run == nil {
		run = ExecRunner
	}
	return &Container{filter: filter, run: run}
}

// ID returns the id of the first running container matching the filter.
func (c *Container) ID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != "" {
		return c.id, nil
	}

	stdout, stderr, err := c.run(ctx, "docker", "ps", "-qf", "name="+c.filter)
	if err != nil {
		return "", newExecError("docker ps -qf name="+c.filter, stderr, err)
	}
	id, _, _ := strings.Cut(strings.TrimSpace(string(stdout)), "\n")
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrContainerNotFound, c.filter)
	}
	c.id = id
	return id, nil
}

// Reset drops the cached container id. A restarted container keeps its id,
// a recreated one does not.
func (c *Container) Reset() {
	c.mu.Lock()
	c.id = ""
	c.mu.Unlock()
}

func (c *Container) exec(ctx context.Context, cmd string) ([]byte, error) {
	id, err := c.ID(ctx)
	if err != nil {
		return nil, err
	}
	stdout, stderr, err := c.run(ctx, "docker", "exec", id, "bash", "-c", cmd)
	if err != nil {
		if bytes.Contains(stderr, []byte("No such container")) {
			c.Reset()
		}
		return nil, newExecError(cmd, stderr, err)
	}
	return stdout, nil
}

func (c *Container) Run(ctx context.Context, cmd string) (string, error) {
	out, err := c.exec(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *Container) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return c.exec(ctx, shellquote.Join("cat", path))
}

// WriteFile stages data in a host temp file, copies it next to path inside
// the container and renames it into place.
func (c *Container) WriteFile(ctx context.Context, path string, data []byte) error {
	f, err := os.CreateTemp("", "reconciler-*")
	if err != nil {
		return fmt.Errorf("executor: create temp file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("executor: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("executor: close temp file: %w", err)
	}

	id, err := c.ID(ctx)
	if err != nil {
		return err
	}
	staged := path + ".tmp"
	if _, stderr, err := c.run(ctx, "docker", "cp", f.Name(), id+":"+staged); err != nil {
		return newExecError(shellquote.Join("docker", "cp", f.Name(), id+":"+staged), stderr, err)
	}
	if _, err := c.exec(ctx, shellquote.Join("mv", "-f", staged, path)); err != nil {
		return err
	}
	return nil
}
