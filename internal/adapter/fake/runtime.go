package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"redeploy/internal/adapter/fake/fault"
	"redeploy/internal/runtime"

	"github.com/containerd/errdefs"
)

var _ runtime.Runtime = (*Runtime)(nil)

// Container is the fake's record of one container.
type Container struct {
	Spec     runtime.RunSpec
	Running  bool
	Health   runtime.Health
	Restarts int
}

// Runtime is an in-memory runtime.Runtime. Run requires the image to have
// been pulled first and fails with a conflict if the name is taken, like the
// Docker adapter does before its leftover cleanup.
type Runtime struct {
	CallRecorder
	Faults *fault.Injector

	mu         sync.Mutex
	images     map[string]bool
	containers map[string]*Container
	crashing   map[string]bool
	exec       map[string]string
}

func NewRuntime() *Runtime {
	return &Runtime{
		Faults:     fault.NewInjector(),
		images:     make(map[string]bool),
		containers: make(map[string]*Container),
		crashing:   make(map[string]bool),
		exec:       make(map[string]string),
	}
}

// AddContainer seeds an existing container. Its image counts as pulled.
func (r *Runtime) AddContainer(spec runtime.RunSpec, running bool, health runtime.Health) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[spec.Image] = true
	r.containers[spec.Name] = &Container{Spec: spec, Running: running, Health: health}
}

// Container returns a copy of the named container.
func (r *Runtime) Container(name string) (Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

func (r *Runtime) SetHealth(name string, h runtime.Health) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[name]; ok {
		c.Health = h
	}
}

// Kill marks a container as exited.
func (r *Runtime) Kill(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[name]; ok {
		c.Running = false
	}
}

// CrashOnStart makes containers of image exit right after they start.
func (r *Runtime) CrashOnStart(image string) {
	r.mu.Lock()
	r.crashing[image] = true
	r.mu.Unlock()
}

// SetExecOutput sets the stdout returned for cmd run in the named container.
func (r *Runtime) SetExecOutput(name, out string, cmd ...string) {
	r.mu.Lock()
	r.exec[execKey(name, cmd)] = out
	r.mu.Unlock()
}

func (r *Runtime) Pull(_ context.Context, image string) error {
	r.record("Pull", image)
	if err := r.Faults.Eval("Pull", image); err != nil {
		return err
	}
	r.mu.Lock()
	r.images[image] = true
	r.mu.Unlock()
	return nil
}

func (r *Runtime) Stop(_ context.Context, name string) error {
	r.record("Stop", name)
	if err := r.Faults.Eval("Stop", name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[name]; ok {
		c.Running = false
	}
	return nil
}

func (r *Runtime) Remove(_ context.Context, name string) error {
	r.record("Remove", name)
	if err := r.Faults.Eval("Remove", name); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.containers, name)
	r.mu.Unlock()
	return nil
}

// Run replaces a leftover container holding the name, matching the Docker
// adapter's conflict handling.
func (r *Runtime) Run(_ context.Context, spec runtime.RunSpec) error {
	r.record("Run", spec.Name, spec.Image)
	if err := r.Faults.Eval("Run", spec.Name, spec.Image); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.images[spec.Image] {
		return fmt.Errorf("create container %s: image %s: %w", spec.Name, spec.Image, errdefs.ErrNotFound)
	}
	health := runtime.HealthNone
	if spec.HealthCheck != nil {
		health = runtime.HealthStarting
	}
	r.containers[spec.Name] = &Container{
		Spec:    spec,
		Running: !r.crashing[spec.Image],
		Health:  health,
	}
	return nil
}

func (r *Runtime) Inspect(_ context.Context, name string) (runtime.ContainerState, error) {
	r.record("Inspect", name)
	if err := r.Faults.Eval("Inspect", name); err != nil {
		return runtime.ContainerState{Name: name}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return runtime.ContainerState{Name: name, State: runtime.RunStateStopped}, nil
	}
	st := runtime.ContainerState{
		Name:   name,
		Exists: true,
		Image:  c.Spec.Image,
		State:  runtime.RunStateStopped,
		Health: c.Health,
	}
	if c.Running {
		st.State = runtime.RunStateRunning
	}
	return st, nil
}

func (r *Runtime) Restart(_ context.Context, name string) error {
	r.record("Restart", name)
	if err := r.Faults.Eval("Restart", name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return fmt.Errorf("restart container %s: %w", name, errdefs.ErrNotFound)
	}
	c.Restarts++
	c.Running = !r.crashing[c.Spec.Image]
	if c.Spec.HealthCheck != nil {
		c.Health = runtime.HealthStarting
	}
	return nil
}

func (r *Runtime) Exec(_ context.Context, name string, cmd ...string) (string, error) {
	r.record("Exec", name, strings.Join(cmd, " "))
	if err := r.Faults.Eval("Exec", name); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok || !c.Running {
		return "", fmt.Errorf("exec in %s: container is not running", name)
	}
	out, ok := r.exec[execKey(name, cmd)]
	if !ok {
		return "", fmt.Errorf("exec %v in %s: exit code 1", cmd, name)
	}
	return out, nil
}

func execKey(name string, cmd []string) string {
	return name + "\x00" + strings.Join(cmd, "\x00")
}
