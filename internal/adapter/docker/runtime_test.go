package docker

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"
	"time"

	"redeploy/internal/runtime"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDocker records calls and returns configured responses.
// Embeds client.APIClient so unused methods panic if called.
type fakeDocker struct {
	client.APIClient

	pullBody   string
	pullErr    error
	stopErr    error
	removeErr  error
	createErrs []error
	startErr   error
	restartErr error
	inspect    container.InspectResponse
	inspectErr error

	// blockRestart makes ContainerRestart wait for its context.
	blockRestart bool

	created []*container.Config
	hosts   []*container.HostConfig
	calls   []string
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.calls = append(f.calls, "Pull "+ref)
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader(f.pullBody)), nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, name string, opts container.StopOptions) error {
	f.calls = append(f.calls, "Stop "+name)
	return f.stopErr
}

func (f *fakeDocker) ContainerRemove(_ context.Context, name string, opts container.RemoveOptions) error {
	f.calls = append(f.calls, "Remove "+name)
	return f.removeErr
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, hc *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.calls = append(f.calls, "Create "+name)
	f.created = append(f.created, cfg)
	f.hosts = append(f.hosts, hc)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return container.CreateResponse{}, err
	}
	return container.CreateResponse{ID: "abc"}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, name string, _ container.StartOptions) error {
	f.calls = append(f.calls, "Start "+name)
	return f.startErr
}

func (f *fakeDocker) ContainerRestart(ctx context.Context, name string, _ container.StopOptions) error {
	f.calls = append(f.calls, "Restart "+name)
	if f.blockRestart {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.restartErr
}

func (f *fakeDocker) ContainerInspect(_ context.Context, name string) (container.InspectResponse, error) {
	f.calls = append(f.calls, "Inspect "+name)
	return f.inspect, f.inspectErr
}

func newTestRuntime(f *fakeDocker) *Runtime {
	return NewRuntimeFromClient(f, WithCallTimeout(time.Second), WithPullTimeout(time.Second))
}

func TestPull_StreamErrorFailsPull(t *testing.T) {
	docker := &fakeDocker{
		pullBody: `{"status":"Pulling from app"}` + "\n" + `{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}` + "\n",
	}
	r := newTestRuntime(docker)

	err := r.Pull(context.Background(), "registry.example/app:9.9.9")
	if err == nil {
		t.Fatal("Pull should fail when the stream reports an error")
	}
	if !strings.Contains(err.Error(), "manifest unknown") {
		t.Errorf("err = %v, want stream error", err)
	}
}

func TestPull_Succeeds(t *testing.T) {
	docker := &fakeDocker{pullBody: `{"status":"Downloaded newer image"}` + "\n"}
	r := newTestRuntime(docker)

	if err := r.Pull(context.Background(), "registry.example/app:2.5.0"); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	want := []string{"Pull registry.example/app:2.5.0"}
	if !slices.Equal(docker.calls, want) {
		t.Errorf("calls = %v, want %v", docker.calls, want)
	}
}

func TestStopAndRemove_TolerateAbsence(t *testing.T) {
	docker := &fakeDocker{stopErr: errdefs.ErrNotFound, removeErr: errdefs.ErrNotFound}
	r := newTestRuntime(docker)

	if err := r.Stop(context.Background(), "app-web"); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := r.Remove(context.Background(), "app-web"); err != nil {
		t.Errorf("Remove: %v", err)
	}
}

func TestStop_WrapsOtherErrors(t *testing.T) {
	stopErr := errors.New("daemon busy")
	docker := &fakeDocker{stopErr: stopErr}
	r := newTestRuntime(docker)

	if err := r.Stop(context.Background(), "app-web"); !errors.Is(err, stopErr) {
		t.Errorf("Stop err = %v, want wrapped %v", err, stopErr)
	}
}

func TestRun_BuildsContainerConfig(t *testing.T) {
	docker := &fakeDocker{}
	r := newTestRuntime(docker)

	spec := runtime.RunSpec{
		Name:  "app-web",
		Image: "registry.example/app:2.5.0",
		Ports: []runtime.PortMapping{{HostPort: 8080, ContainerPort: 8080}},
		Mounts: []runtime.Mount{
			{Source: "/opt/redeploy/data", Target: "/app/data"},
			{Source: "/opt/redeploy/config", Target: "/app/config", ReadOnly: true},
		},
		Env: []string{"TZ=UTC"},
		HealthCheck: &runtime.HealthCheck{
			Test:     []string{"CMD", "curl", "-f", "http://localhost:8080/health"},
			Interval: 30 * time.Second,
			Retries:  3,
		},
	}
	if err := r.Run(context.Background(), spec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"Create app-web", "Start app-web"}
	if !slices.Equal(docker.calls, want) {
		t.Fatalf("calls = %v, want %v", docker.calls, want)
	}

	cc, hc := docker.created[0], docker.hosts[0]
	if cc.Image != spec.Image {
		t.Errorf("image = %q", cc.Image)
	}
	if cc.Labels[managedLabel] != "true" {
		t.Errorf("missing managed label: %v", cc.Labels)
	}
	if cc.Healthcheck == nil || cc.Healthcheck.Retries != 3 {
		t.Errorf("healthcheck = %+v", cc.Healthcheck)
	}
	if hc.RestartPolicy.Name != container.RestartPolicyAlways {
		t.Errorf("restart policy = %q, want always", hc.RestartPolicy.Name)
	}
	bindings := hc.PortBindings[nat.Port("8080/tcp")]
	if len(bindings) != 1 || bindings[0].HostPort != "8080" {
		t.Errorf("port bindings = %v", hc.PortBindings)
	}
	if len(hc.Mounts) != 2 || !hc.Mounts[1].ReadOnly {
		t.Errorf("mounts = %+v", hc.Mounts)
	}
}

func TestRun_RemovesLeftoverOnConflict(t *testing.T) {
	docker := &fakeDocker{createErrs: []error{errdefs.ErrConflict}}
	r := newTestRuntime(docker)

	if err := r.Run(context.Background(), runtime.RunSpec{Name: "app-web", Image: "app:1"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"Create app-web", "Remove app-web", "Create app-web", "Start app-web"}
	if !slices.Equal(docker.calls, want) {
		t.Errorf("calls = %v, want %v", docker.calls, want)
	}
}

func TestRun_StartFailure(t *testing.T) {
	startErr := errors.New("port is already allocated")
	docker := &fakeDocker{startErr: startErr}
	r := newTestRuntime(docker)

	err := r.Run(context.Background(), runtime.RunSpec{Name: "app-web", Image: "app:1"})
	if !errors.Is(err, startErr) {
		t.Fatalf("Run err = %v, want wrapped %v", err, startErr)
	}
}

func TestInspect_MapsStateAndHealth(t *testing.T) {
	docker := &fakeDocker{
		inspect: container.InspectResponse{
			ContainerJSONBase: &container.ContainerJSONBase{
				State: &container.State{
					Running: true,
					Health:  &container.Health{Status: "unhealthy"},
				},
			},
			Config: &container.Config{Image: "registry.example/app:2.5.0"},
		},
	}
	r := newTestRuntime(docker)

	st, err := r.Inspect(context.Background(), "app-web")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !st.Running() || st.Health != runtime.HealthUnhealthy || st.Image != "registry.example/app:2.5.0" {
		t.Errorf("state = %+v", st)
	}
}

func TestInspect_AbsentContainer(t *testing.T) {
	docker := &fakeDocker{inspectErr: errdefs.ErrNotFound}
	r := newTestRuntime(docker)

	st, err := r.Inspect(context.Background(), "app-web")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if st.Exists || st.Running() || st.State != runtime.RunStateStopped {
		t.Errorf("state = %+v, want absent and stopped", st)
	}
}

func TestInspect_WrapsDaemonErrors(t *testing.T) {
	inspectErr := errors.New("docker daemon unreachable")
	docker := &fakeDocker{inspectErr: inspectErr}
	r := newTestRuntime(docker)

	if _, err := r.Inspect(context.Background(), "app-web"); !errors.Is(err, inspectErr) {
		t.Errorf("Inspect err = %v, want wrapped %v", err, inspectErr)
	}
}

func TestParseRestartPolicy(t *testing.T) {
	tests := map[string]container.RestartPolicyMode{
		"":               container.RestartPolicyAlways,
		"always":         container.RestartPolicyAlways,
		"no":             container.RestartPolicyDisabled,
		"on-failure":     container.RestartPolicyOnFailure,
		"unless-stopped": container.RestartPolicyUnlessStopped,
	}
	for in, want := range tests {
		if got := parseRestartPolicy(in).Name; got != want {
			t.Errorf("parseRestartPolicy(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCallsAreBounded(t *testing.T) {
	docker := &fakeDocker{blockRestart: true}
	r := NewRuntimeFromClient(docker, WithCallTimeout(20*time.Millisecond))

	start := time.Now()
	err := r.Restart(context.Background(), "app-web")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Restart err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Restart took %s", elapsed)
	}
}
