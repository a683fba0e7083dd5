// Package docker implements the container runtime port on the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"redeploy/internal/runtime"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	defaultCallTimeout = 60 * time.Second
	defaultPullTimeout = 10 * time.Minute
	defaultStopTimeout = 10 * time.Second

	managedLabel = "redeploy.managed"
)

var _ runtime.Runtime = (*Runtime)(nil)

// Runtime implements runtime.Runtime using the Docker Engine API. Every call
// is bounded by a timeout so a wedged daemon cannot block a cycle forever.
type Runtime struct {
	cli         client.APIClient
	callTimeout time.Duration
	pullTimeout time.Duration
	stopTimeout time.Duration
}

// Option configures a Runtime.
type Option func(*Runtime)

func WithCallTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.callTimeout = d }
}

func WithPullTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.pullTimeout = d }
}

// WithStopTimeout sets the grace period given to a container before it is killed.
func WithStopTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.stopTimeout = d }
}

// NewRuntime creates a Runtime with a Docker client from the environment.
// A non-empty host overrides DOCKER_HOST.
func NewRuntime(host string, opts ...Option) (*Runtime, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if strings.TrimSpace(host) != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewRuntimeFromClient(cli, opts...), nil
}

// NewRuntimeFromClient wraps an existing Docker client.
func NewRuntimeFromClient(cli client.APIClient, opts ...Option) *Runtime {
	r := &Runtime{
		cli:         cli,
		callTimeout: defaultCallTimeout,
		pullTimeout: defaultPullTimeout,
		stopTimeout: defaultStopTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (r *Runtime) WaitReady(ctx context.Context) error {
	return WaitReady(ctx, r.cli)
}

// Pull pulls img and drains the progress stream. Errors reported inside the
// stream (unknown manifest, auth) fail the pull.
func (r *Runtime) Pull(ctx context.Context, img string) error {
	ctx, cancel := r.bounded(ctx, r.pullTimeout)
	defer cancel()

	slog.Info("Pulling image.", "image", img)
	resp, err := r.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer resp.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(resp, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context, name string) error {
	ctx, cancel := r.bounded(ctx, r.callTimeout)
	defer cancel()

	timeout := int(r.stopTimeout / time.Second)
	if err := r.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("stop container %s: %w", name, err)
		}
	}
	return nil
}

func (r *Runtime) Remove(ctx context.Context, name string) error {
	ctx, cancel := r.bounded(ctx, r.callTimeout)
	defer cancel()

	if err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("remove container %s: %w", name, err)
		}
	}
	return nil
}

// Run creates and starts spec.Name. A leftover container holding the name
// (a previous stop/remove that failed) is force-removed and the create
// retried once.
func (r *Runtime) Run(ctx context.Context, spec runtime.RunSpec) error {
	ctx, cancel := r.bounded(ctx, r.callTimeout)
	defer cancel()

	cc, hc := containerConfig(spec)
	_, err := r.cli.ContainerCreate(ctx, cc, hc, nil, (*ocispec.Platform)(nil), spec.Name)
	if err != nil {
		if !errdefs.IsConflict(err) {
			return fmt.Errorf("create container %s: %w", spec.Name, err)
		}
		slog.Warn("Container name still in use; removing leftover.", "container", spec.Name)
		if rmErr := r.cli.ContainerRemove(ctx, spec.Name, container.RemoveOptions{Force: true}); rmErr != nil && !errdefs.IsNotFound(rmErr) {
			return fmt.Errorf("remove leftover container %s: %w", spec.Name, rmErr)
		}
		if _, err = r.cli.ContainerCreate(ctx, cc, hc, nil, nil, spec.Name); err != nil {
			return fmt.Errorf("create container %s after removing leftover: %w", spec.Name, err)
		}
	}

	if err := r.cli.ContainerStart(ctx, spec.Name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", spec.Name, err)
	}
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, name string) (runtime.ContainerState, error) {
	ctx, cancel := r.bounded(ctx, r.callTimeout)
	defer cancel()

	info, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return runtime.ContainerState{Name: name, State: runtime.RunStateStopped}, nil
		}
		return runtime.ContainerState{Name: name}, fmt.Errorf("inspect container %s: %w", name, err)
	}

	st := runtime.ContainerState{Name: name, Exists: true, State: runtime.RunStateUnknown}
	if info.Config != nil {
		st.Image = info.Config.Image
	}
	if info.ContainerJSONBase != nil && info.State != nil {
		if info.State.Running {
			st.State = runtime.RunStateRunning
		} else {
			st.State = runtime.RunStateStopped
		}
		if info.State.Health != nil {
			st.Health = runtime.ParseHealth(string(info.State.Health.Status))
		}
	}
	return st, nil
}

func (r *Runtime) Restart(ctx context.Context, name string) error {
	ctx, cancel := r.bounded(ctx, r.callTimeout)
	defer cancel()

	timeout := int(r.stopTimeout / time.Second)
	if err := r.cli.ContainerRestart(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("restart container %s: %w", name, err)
	}
	return nil
}

// Exec runs a command inside the named container and returns its trimmed
// stdout. Stderr is captured separately for error reporting.
func (r *Runtime) Exec(ctx context.Context, name string, cmd ...string) (string, error) {
	ctx, cancel := r.bounded(ctx, r.callTimeout)
	defer cancel()

	resp, err := r.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("create exec %v: %w", cmd, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("attach exec %v: %w", cmd, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", fmt.Errorf("read exec output %v: %w", cmd, err)
	}

	info, err := r.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return "", fmt.Errorf("inspect exec %v: %w", cmd, err)
	}
	if info.ExitCode != 0 {
		return "", fmt.Errorf("exec %v: exit code %d: %s", cmd, info.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}

func containerConfig(spec runtime.RunSpec) (*container.Config, *container.HostConfig) {
	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[managedLabel] = "true"

	cc := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: labels,
	}
	if spec.HealthCheck != nil {
		cc.Healthcheck = &container.HealthConfig{
			Test:        spec.HealthCheck.Test,
			Interval:    spec.HealthCheck.Interval,
			Timeout:     spec.HealthCheck.Timeout,
			Retries:     spec.HealthCheck.Retries,
			StartPeriod: spec.HealthCheck.StartPeriod,
		}
	}

	hc := &container.HostConfig{
		RestartPolicy: parseRestartPolicy(spec.RestartPolicy),
	}

	if len(spec.Ports) > 0 {
		portBindings := make(nat.PortMap, len(spec.Ports))
		exposedPorts := make(nat.PortSet, len(spec.Ports))
		for _, p := range spec.Ports {
			proto := strings.ToLower(strings.TrimSpace(p.Protocol))
			if proto == "" {
				proto = "tcp"
			}
			containerPort := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
			exposedPorts[containerPort] = struct{}{}
			portBindings[containerPort] = append(portBindings[containerPort], nat.PortBinding{
				HostIP:   p.HostIP,
				HostPort: strconv.Itoa(int(p.HostPort)),
			})
		}
		cc.ExposedPorts = exposedPorts
		hc.PortBindings = portBindings
	}

	hc.Mounts = make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		hc.Mounts = append(hc.Mounts, mount.Mount{
			Type:        mount.TypeBind,
			Source:      m.Source,
			Target:      m.Target,
			ReadOnly:    m.ReadOnly,
			BindOptions: &mount.BindOptions{CreateMountpoint: true},
		})
	}
	return cc, hc
}

// parseRestartPolicy defaults to always-restart: the managed container is
// expected to survive daemon restarts and host reboots.
func parseRestartPolicy(policy string) container.RestartPolicy {
	switch strings.TrimSpace(policy) {
	case "no":
		return container.RestartPolicy{Name: container.RestartPolicyDisabled}
	case "on-failure":
		return container.RestartPolicy{Name: container.RestartPolicyOnFailure}
	case "unless-stopped":
		return container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	default:
		return container.RestartPolicy{Name: container.RestartPolicyAlways}
	}
}
