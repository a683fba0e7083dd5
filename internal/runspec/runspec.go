// Package runspec builds the fixed run parameters of the managed container,
// either from inline config or from a compose file service.
package runspec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"redeploy/config"
	"redeploy/internal/runtime"

	"github.com/compose-spec/compose-go/v2/loader"
	compose "github.com/compose-spec/compose-go/v2/types"
)

// FromConfig returns the RunSpec for cfg, reading the compose file when one
// is configured. The returned spec's Image is the configured initial image,
// which the executor replaces on every update.
func FromConfig(ctx context.Context, cfg config.ContainerConfig) (runtime.RunSpec, error) {
	if cfg.ComposeFile != "" {
		data, err := os.ReadFile(cfg.ComposeFile)
		if err != nil {
			return runtime.RunSpec{}, fmt.Errorf("read compose file: %w", err)
		}
		spec, err := FromCompose(ctx, data, filepath.Dir(cfg.ComposeFile), cfg.Service)
		if err != nil {
			return runtime.RunSpec{}, err
		}
		spec.Name = cfg.Name
		return withTimezone(spec, cfg.Timezone), nil
	}

	spec := runtime.RunSpec{
		Name:          cfg.Name,
		Image:         cfg.Image,
		RestartPolicy: cfg.RestartPolicy,
		Env:           append([]string(nil), cfg.Env...),
		Labels:        cfg.Labels,
	}
	for _, p := range cfg.Ports {
		pm, err := ParsePort(p)
		if err != nil {
			return runtime.RunSpec{}, err
		}
		spec.Ports = append(spec.Ports, pm)
	}
	for _, v := range cfg.Volumes {
		m, err := ParseBind(v)
		if err != nil {
			return runtime.RunSpec{}, err
		}
		spec.Mounts = append(spec.Mounts, m)
	}
	if hc := cfg.HealthCheck; len(hc.Test) > 0 {
		spec.HealthCheck = &runtime.HealthCheck{
			Test:        append([]string(nil), hc.Test...),
			Interval:    hc.Interval,
			Timeout:     hc.Timeout,
			Retries:     hc.Retries,
			StartPeriod: hc.StartPeriod,
		}
	}
	return withTimezone(spec, cfg.Timezone), nil
}

// withTimezone sets TZ unless the environment already carries it.
func withTimezone(spec runtime.RunSpec, tz string) runtime.RunSpec {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return spec
	}
	for _, kv := range spec.Env {
		if strings.HasPrefix(kv, "TZ=") {
			return spec
		}
	}
	spec.Env = append(spec.Env, "TZ="+tz)
	return spec
}

// ParsePort parses "[hostIP:]hostPort:containerPort[/proto]".
func ParsePort(s string) (runtime.PortMapping, error) {
	raw := strings.TrimSpace(s)
	proto := "tcp"
	if i := strings.LastIndexByte(raw, '/'); i >= 0 {
		proto = strings.ToLower(raw[i+1:])
		raw = raw[:i]
	}
	if proto != "tcp" && proto != "udp" {
		return runtime.PortMapping{}, fmt.Errorf("port %q: unsupported protocol %q", s, proto)
	}

	parts := strings.Split(raw, ":")
	var hostIP, host, ctr string
	switch len(parts) {
	case 2:
		host, ctr = parts[0], parts[1]
	case 3:
		hostIP, host, ctr = parts[0], parts[1], parts[2]
	default:
		return runtime.PortMapping{}, fmt.Errorf("port %q: want hostPort:containerPort", s)
	}

	hostPort, err := parsePortNumber(host)
	if err != nil {
		return runtime.PortMapping{}, fmt.Errorf("port %q: host port: %w", s, err)
	}
	containerPort, err := parsePortNumber(ctr)
	if err != nil {
		return runtime.PortMapping{}, fmt.Errorf("port %q: container port: %w", s, err)
	}
	return runtime.PortMapping{
		HostIP:        hostIP,
		HostPort:      hostPort,
		ContainerPort: containerPort,
		Protocol:      proto,
	}, nil
}

func parsePortNumber(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be non-zero")
	}
	return uint16(n), nil
}

// ParseBind parses "source:target[:ro|rw]". Source must be absolute.
func ParseBind(s string) (runtime.Mount, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return runtime.Mount{}, fmt.Errorf("volume %q: want source:target[:ro]", s)
	}
	m := runtime.Mount{Source: parts[0], Target: parts[1]}
	if !filepath.IsAbs(m.Source) || !filepath.IsAbs(m.Target) {
		return runtime.Mount{}, fmt.Errorf("volume %q: source and target must be absolute", s)
	}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
		default:
			return runtime.Mount{}, fmt.Errorf("volume %q: unknown mode %q", s, parts[2])
		}
	}
	return m, nil
}

// FromCompose loads a compose document and converts the named service.
// Relative bind sources resolve against workingDir.
func FromCompose(ctx context.Context, data []byte, workingDir, service string) (runtime.RunSpec, error) {
	details := compose.ConfigDetails{
		WorkingDir:  workingDir,
		ConfigFiles: []compose.ConfigFile{{Filename: "compose.yaml", Content: data}},
	}
	project, err := loader.LoadWithContext(ctx, details, func(o *loader.Options) {
		o.SetProjectName("redeploy", false)
	})
	if err != nil {
		return runtime.RunSpec{}, fmt.Errorf("parse compose file: %w", err)
	}

	svc, ok := project.Services[service]
	if !ok {
		return runtime.RunSpec{}, fmt.Errorf("compose file has no service %q", service)
	}
	return serviceSpec(svc), nil
}

func serviceSpec(svc compose.ServiceConfig) runtime.RunSpec {
	spec := runtime.RunSpec{
		Name:          svc.Name,
		Image:         svc.Image,
		RestartPolicy: strings.TrimSpace(svc.Restart),
		Env:           environment(svc.Environment),
	}
	if len(svc.Labels) > 0 {
		spec.Labels = make(map[string]string, len(svc.Labels))
		for k, v := range svc.Labels {
			spec.Labels[k] = v
		}
	}
	for _, p := range svc.Ports {
		proto := strings.ToLower(strings.TrimSpace(p.Protocol))
		if proto == "" {
			proto = "tcp"
		}
		hostPort, _ := parsePortNumber(p.Published)
		spec.Ports = append(spec.Ports, runtime.PortMapping{
			HostIP:        p.HostIP,
			HostPort:      hostPort,
			ContainerPort: uint16(p.Target),
			Protocol:      proto,
		})
	}
	for _, v := range svc.Volumes {
		if v.Type != compose.VolumeTypeBind || strings.TrimSpace(v.Target) == "" {
			continue
		}
		spec.Mounts = append(spec.Mounts, runtime.Mount{Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly})
	}
	if hc := svc.HealthCheck; hc != nil && !hc.Disable && len(hc.Test) > 0 {
		spec.HealthCheck = &runtime.HealthCheck{
			Test:        append([]string(nil), hc.Test...),
			Interval:    duration(hc.Interval),
			Timeout:     duration(hc.Timeout),
			StartPeriod: duration(hc.StartPeriod),
		}
		if hc.Retries != nil {
			spec.HealthCheck.Retries = int(*hc.Retries)
		}
	}
	return spec
}

func environment(env compose.MappingWithEquals) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := ""
		if p := env[k]; p != nil {
			v = *p
		}
		out = append(out, k+"="+v)
	}
	return out
}

func duration(d *compose.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return time.Duration(*d)
}
