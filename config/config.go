// Package config loads the redeploy host configuration.
//
// Config is stored at /etc/redeploy/config.yaml by default. A missing file is
// not an error: every value has a default suitable for a single-host install
// where the managed application's data directory is bind-mounted from
// /opt/redeploy/data.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file location used when --config is not given.
const DefaultPath = "/etc/redeploy/config.yaml"

type Config struct {
	// DataDir holds the update lock and the history database.
	DataDir     string            `yaml:"data_dir"`
	Docker      DockerConfig      `yaml:"docker"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Update      UpdateConfig      `yaml:"update"`
	Container   ContainerConfig   `yaml:"container"`
	Supervision SupervisionConfig `yaml:"supervision"`
	Audit       AuditConfig       `yaml:"audit"`
	Logs        LogsConfig        `yaml:"logs"`
	Status      StatusConfig      `yaml:"status"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Install     InstallConfig     `yaml:"install"`
}

type DockerConfig struct {
	// Host overrides DOCKER_HOST when set.
	Host string `yaml:"host,omitempty"`
}

type RuntimeConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout"`
	PullTimeout time.Duration `yaml:"pull_timeout"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

type WatcherConfig struct {
	TriggerPath  string        `yaml:"trigger_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type UpdateConfig struct {
	// VersionEndpoint is queried when a trigger carries no image reference.
	VersionEndpoint string        `yaml:"version_endpoint"`
	ResolveTimeout  time.Duration `yaml:"resolve_timeout"`
	Settle          time.Duration `yaml:"settle"`
}

// ContainerConfig describes the managed container. When ComposeFile is set
// the run parameters come from that file's Service and the inline fields
// below are ignored, except Name.
type ContainerConfig struct {
	Name          string            `yaml:"name"`
	Image         string            `yaml:"image,omitempty"`
	ComposeFile   string            `yaml:"compose_file,omitempty"`
	Service       string            `yaml:"service,omitempty"`
	RestartPolicy string            `yaml:"restart_policy"`
	Ports         []string          `yaml:"ports,omitempty"`
	Volumes       []string          `yaml:"volumes,omitempty"`
	Env           []string          `yaml:"env,omitempty"`
	Timezone      string            `yaml:"timezone"`
	Labels        map[string]string `yaml:"labels,omitempty"`
	HealthCheck   HealthCheckConfig `yaml:"healthcheck"`
}

type HealthCheckConfig struct {
	Test        []string      `yaml:"test,omitempty"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
	StartPeriod time.Duration `yaml:"start_period"`
}

type SupervisionConfig struct {
	WatcherUnit  string        `yaml:"watcher_unit"`
	RestartDelay time.Duration `yaml:"restart_delay"`
	// WatchdogSec must outlast the longest poll, which is a full update
	// cycle. See UpdateCycleBound.
	WatchdogSec   time.Duration `yaml:"watchdog"`
	CheckInterval time.Duration `yaml:"check_interval"`
	RecheckDelay  time.Duration `yaml:"recheck_delay"`
}

type AuditConfig struct {
	Containers []string      `yaml:"containers"`
	Interval   time.Duration `yaml:"interval"`
}

type LogsConfig struct {
	Dir       string        `yaml:"dir"`
	Retention time.Duration `yaml:"retention"`
}

type StatusConfig struct {
	VersionFile    string `yaml:"version_file"`
	AuditLines     int    `yaml:"audit_lines"`
	HistoryEntries int    `yaml:"history_entries"`
	NTPServer      string `yaml:"ntp_server,omitempty"`
}

type MetricsConfig struct {
	// Listen is the watcher's metrics address. Empty disables the server.
	Listen string `yaml:"listen,omitempty"`
	// TextfileDir receives node-exporter textfiles from one-shot tasks.
	TextfileDir string `yaml:"textfile_dir,omitempty"`
}

type InstallConfig struct {
	UnitDir   string `yaml:"unit_dir"`
	CLIBinary string `yaml:"cli_binary"`
	Daemon    string `yaml:"daemon_binary"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		DataDir: "/var/lib/redeploy",
		Runtime: RuntimeConfig{
			CallTimeout: 60 * time.Second,
			PullTimeout: 10 * time.Minute,
			StopTimeout: 10 * time.Second,
		},
		Watcher: WatcherConfig{
			TriggerPath:  "/opt/redeploy/data/.update_trigger",
			PollInterval: 5 * time.Second,
		},
		Update: UpdateConfig{
			ResolveTimeout: 30 * time.Second,
			Settle:         10 * time.Second,
		},
		Container: ContainerConfig{
			Name:          "app-web",
			RestartPolicy: "always",
			Ports:         []string{"8080:8080"},
			Volumes: []string{
				"/opt/redeploy/data:/app/data",
				"/opt/redeploy/logs:/app/logs",
			},
			Timezone: "UTC",
			HealthCheck: HealthCheckConfig{
				Test:        []string{"CMD", "curl", "-f", "http://localhost:8080/health"},
				Interval:    30 * time.Second,
				Timeout:     10 * time.Second,
				Retries:     3,
				StartPeriod: 40 * time.Second,
			},
		},
		Supervision: SupervisionConfig{
			WatcherUnit:   "redeployd.service",
			RestartDelay:  10 * time.Second,
			WatchdogSec:   20 * time.Minute,
			CheckInterval: 5 * time.Minute,
			RecheckDelay:  5 * time.Second,
		},
		Audit: AuditConfig{
			Containers: []string{"app-web"},
			Interval:   5 * time.Minute,
		},
		Logs: LogsConfig{
			Dir:       "/var/log/redeploy",
			Retention: 30 * 24 * time.Hour,
		},
		Status: StatusConfig{
			VersionFile:    "/app/version.txt",
			AuditLines:     10,
			HistoryEntries: 5,
		},
		Install: InstallConfig{
			UnitDir:   "/etc/systemd/system",
			CLIBinary: "/usr/local/bin/redeploy",
			Daemon:    "/usr/local/bin/redeployd",
		},
	}
}

// Load reads the config file at path over the defaults. If the file does not
// exist, Default() is returned (not an error).
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Container.ComposeFile != "" && !filepath.IsAbs(cfg.Container.ComposeFile) {
		cfg.Container.ComposeFile = filepath.Join(filepath.Dir(path), cfg.Container.ComposeFile)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first missing or out-of-range value.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.DataDir) == "":
		return errors.New("data_dir is required")
	case strings.TrimSpace(c.Watcher.TriggerPath) == "":
		return errors.New("watcher.trigger_path is required")
	case c.Watcher.PollInterval <= 0:
		return errors.New("watcher.poll_interval must be positive")
	case strings.TrimSpace(c.Container.Name) == "":
		return errors.New("container.name is required")
	case c.Container.ComposeFile != "" && strings.TrimSpace(c.Container.Service) == "":
		return errors.New("container.service is required with container.compose_file")
	case c.Update.Settle < 0:
		return errors.New("update.settle must not be negative")
	case c.Supervision.RestartDelay <= 0:
		return errors.New("supervision.restart_delay must be positive")
	case c.Supervision.WatchdogSec > 0 && c.Supervision.WatchdogSec <= c.UpdateCycleBound():
		return fmt.Errorf("supervision.watchdog must exceed the longest update cycle (%s)", c.UpdateCycleBound())
	case c.Supervision.CheckInterval <= 0:
		return errors.New("supervision.check_interval must be positive")
	case c.Supervision.RecheckDelay < 0:
		return errors.New("supervision.recheck_delay must not be negative")
	case strings.TrimSpace(c.Supervision.WatcherUnit) == "":
		return errors.New("supervision.watcher_unit is required")
	case c.Audit.Interval <= 0:
		return errors.New("audit.interval must be positive")
	case strings.TrimSpace(c.Logs.Dir) == "":
		return errors.New("logs.dir is required")
	case c.Logs.Retention <= 0:
		return errors.New("logs.retention must be positive")
	}
	return nil
}

// UpdateCycleBound is the longest a single update cycle can take: version
// resolution, the pull, the settle wait, four bounded runtime calls (stop,
// remove, run, inspect) and one bounded systemd maintenance call.
func (c Config) UpdateCycleBound() time.Duration {
	return c.Update.ResolveTimeout + c.Runtime.PullTimeout + c.Update.Settle + 5*c.Runtime.CallTimeout
}

// LockPath is the update lock shared by the watcher and manual updates.
func (c Config) LockPath() string {
	return filepath.Join(c.DataDir, "update.lock")
}

// HistoryPath is the SQLite update history database.
func (c Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "redeploy.db")
}
