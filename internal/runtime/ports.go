// Package runtime defines the container runtime port consumed by the update
// executor, the health auditor, and the status reporter.
package runtime

import (
	"context"
	"strings"
	"time"
)

// Runtime is the imperative container API.
// Production: adapter/docker.Runtime
// Testing: adapter/fake.Runtime
type Runtime interface {
	Pull(ctx context.Context, image string) error
	// Stop and Remove treat an absent container as success.
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	// Run creates and starts a container from spec under spec.Name.
	Run(ctx context.Context, spec RunSpec) error
	Inspect(ctx context.Context, name string) (ContainerState, error)
	// Restart restarts a single container in place.
	Restart(ctx context.Context, name string) error
	// Exec runs cmd inside the named container and returns its stdout.
	Exec(ctx context.Context, name string, cmd ...string) (string, error)
}

type RunState uint8

const (
	RunStateUnknown RunState = iota
	RunStateRunning
	RunStateStopped
)

func (s RunState) String() string {
	switch s {
	case RunStateRunning:
		return "running"
	case RunStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Health uint8

const (
	HealthNone Health = iota
	HealthStarting
	HealthHealthy
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthStarting:
		return "starting"
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "none"
	}
}

// ParseHealth maps a runtime health status string. Anything unrecognised,
// including the empty string, is HealthNone.
func ParseHealth(s string) Health {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "starting":
		return HealthStarting
	case "healthy":
		return HealthHealthy
	case "unhealthy":
		return HealthUnhealthy
	default:
		return HealthNone
	}
}

// ContainerState is the observed state of one managed container.
type ContainerState struct {
	Name   string
	Exists bool
	Image  string
	State  RunState
	Health Health
}

func (s ContainerState) Running() bool {
	return s.Exists && s.State == RunStateRunning
}

// RunSpec is the fixed set of runtime parameters the executor reuses for
// every replacement of the managed container. Image changes per update.
type RunSpec struct {
	Name          string
	Image         string
	RestartPolicy string
	Ports         []PortMapping
	Mounts        []Mount
	Env           []string
	Labels        map[string]string
	HealthCheck   *HealthCheck
}

// WithImage returns a copy of s targeting image.
func (s RunSpec) WithImage(image string) RunSpec {
	s.Image = image
	return s
}

type PortMapping struct {
	HostIP        string
	HostPort      uint16
	ContainerPort uint16
	Protocol      string
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type HealthCheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}
