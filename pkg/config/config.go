package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/rebootverify/config.yaml"

const (
	TransportSSH  = "ssh"
	TransportExec = "exec"
)

// Config represents the runtime configuration for a verification run.
type Config struct {
	Devices            []DeviceConfig     `yaml:"devices"`
	Transport          TransportConfig    `yaml:"transport"`
	Poll               PollConfig         `yaml:"poll"`
	Readiness          ReadinessConfig    `yaml:"readiness"`
	Reboot             RebootConfig       `yaml:"reboot"`
	DeviceConfig       DeviceConfigConfig `yaml:"device_config"`
	OSVersionQuery     string             `yaml:"os_version_query"`
	Scenarios          []string           `yaml:"scenarios"`
	StopOnFailure      bool               `yaml:"stop_on_failure"`
	MaxParallelDevices int                `yaml:"max_parallel_devices"`
	Lock               LockConfig         `yaml:"lock"`
	Metrics            MetricsConfig      `yaml:"metrics"`
	Log                LogConfig          `yaml:"log"`
}

// DeviceConfig names one device under test.
type DeviceConfig struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	// OSVersion skips the version query when set.
	OSVersion string `yaml:"os_version"`
}

// TransportConfig selects how commands reach a device.
type TransportConfig struct {
	Type                  string   `yaml:"type"`
	User                  string   `yaml:"user"`
	Port                  int      `yaml:"port"`
	IdentityFile          string   `yaml:"identity_file"`
	// KnownHostsFile needs a wildcard entry such as "*.local" for the
	// hostname scenario, which renames devices to random names.
	KnownHostsFile        string   `yaml:"known_hosts_file"`
	InsecureIgnoreHostKey bool     `yaml:"insecure_ignore_host_key"`
	DialTimeoutSec        int      `yaml:"dial_timeout_sec"`
	CommandTimeoutSec     int      `yaml:"command_timeout_sec"`
	Command               []string `yaml:"command"`
	UnreachableExitCodes  []int    `yaml:"unreachable_exit_codes"`
}

// PollConfig bounds readiness waits.
type PollConfig struct {
	IntervalSec          int   `yaml:"interval_sec"`
	TimeoutSec           int   `yaml:"timeout_sec"`
	MaxAttempts          int   `yaml:"max_attempts"`
	Unbounded            bool  `yaml:"unbounded"`
	EpochCaptureAttempts int   `yaml:"epoch_capture_attempts"`
	AbortOnAuthFailure   *bool `yaml:"abort_on_auth_failure"`
}

// ReadinessConfig describes the marker probe run after a reboot.
type ReadinessConfig struct {
	Command string `yaml:"command"`
	Marker  string `yaml:"marker"`
}

// RebootConfig tunes reboot issue and boot epoch comparison.
type RebootConfig struct {
	Command           string `yaml:"command"`
	IssueTimeoutSec   int    `yaml:"issue_timeout_sec"`
	EpochQuery        string `yaml:"epoch_query"`
	EpochToleranceSec int    `yaml:"epoch_tolerance_sec"`
}

// DeviceConfigConfig points at the device's JSON configuration file.
type DeviceConfigConfig struct {
	Path string `yaml:"path"`
}

// LockConfig enables per-device etcd locking shared across runners.
type LockConfig struct {
	Enabled       bool           `yaml:"enabled"`
	EtcdEndpoints []string       `yaml:"etcd_endpoints"`
	EtcdNamespace string         `yaml:"etcd_namespace"`
	KeyPrefix     string         `yaml:"key_prefix"`
	TTLSec        int            `yaml:"ttl_sec"`
	WaitSec       int            `yaml:"wait_sec"`
	EtcdTLS       *EtcdTLSConfig `yaml:"etcd_tls"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LogConfig selects the event renderer.
type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	seen := make(map[string]int, len(c.Devices))
	for i, d := range c.Devices {
		if strings.TrimSpace(d.Host) == "" {
			problems = append(problems, fmt.Sprintf("devices[%d]: host is required", i))
		}
		if prev, dup := seen[d.Name]; dup {
			problems = append(problems, fmt.Sprintf("devices[%d]: name %q duplicates devices[%d]", i, d.Name, prev))
		} else {
			seen[d.Name] = i
		}
	}

	problems = append(problems, c.Transport.validate()...)

	if c.Poll.IntervalSec <= 0 {
		problems = append(problems, "poll.interval_sec must be greater than zero")
	}
	if c.Poll.TimeoutSec < 0 {
		problems = append(problems, "poll.timeout_sec must be non-negative")
	}
	if c.Poll.MaxAttempts < 0 {
		problems = append(problems, "poll.max_attempts must be non-negative")
	}
	if c.Poll.Unbounded && (c.Poll.TimeoutSec > 0 || c.Poll.MaxAttempts > 0) {
		problems = append(problems, "poll.unbounded cannot be combined with poll.timeout_sec or poll.max_attempts")
	}
	if c.Poll.EpochCaptureAttempts <= 0 {
		problems = append(problems, "poll.epoch_capture_attempts must be greater than zero")
	}

	if strings.TrimSpace(c.Readiness.Command) == "" {
		problems = append(problems, "readiness.command is required")
	}
	if strings.TrimSpace(c.Reboot.Command) == "" {
		problems = append(problems, "reboot.command is required")
	}
	if c.Reboot.IssueTimeoutSec <= 0 {
		problems = append(problems, "reboot.issue_timeout_sec must be greater than zero")
	}
	if strings.TrimSpace(c.Reboot.EpochQuery) == "" {
		problems = append(problems, "reboot.epoch_query is required")
	}
	if c.Reboot.EpochToleranceSec <= 0 {
		problems = append(problems, "reboot.epoch_tolerance_sec must be greater than zero")
	}
	if !path.IsAbs(c.DeviceConfig.Path) {
		problems = append(problems, "device_config.path must be absolute")
	}
	if c.MaxParallelDevices < 0 {
		problems = append(problems, "max_parallel_devices must be non-negative")
	}

	if c.Lock.Enabled {
		if len(c.Lock.EtcdEndpoints) == 0 {
			problems = append(problems, "lock.etcd_endpoints must contain at least one endpoint when locking is enabled")
		}
		if c.Lock.TTLSec <= 0 {
			problems = append(problems, "lock.ttl_sec must be greater than zero")
		}
		if c.Lock.WaitSec < 0 {
			problems = append(problems, "lock.wait_sec must be non-negative")
		}
	}
	if c.Lock.EtcdTLS != nil && c.Lock.EtcdTLS.Enabled {
		if strings.TrimSpace(c.Lock.EtcdTLS.CAFile) == "" {
			problems = append(problems, "lock.etcd_tls.ca_file is required when TLS is enabled")
		}
		if strings.TrimSpace(c.Lock.EtcdTLS.CertFile) == "" {
			problems = append(problems, "lock.etcd_tls.cert_file is required when TLS is enabled")
		}
		if strings.TrimSpace(c.Lock.EtcdTLS.KeyFile) == "" {
			problems = append(problems, "lock.etcd_tls.key_file is required when TLS is enabled")
		}
	}

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not supported", c.Log.Format))
	}
	switch c.Log.Level {
	case "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not supported", c.Log.Level))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (t TransportConfig) validate() []string {
	problems := make([]string, 0)
	switch t.Type {
	case TransportSSH:
		if strings.TrimSpace(t.User) == "" {
			problems = append(problems, "transport.user is required for ssh transport")
		}
		if t.Port <= 0 || t.Port > 65535 {
			problems = append(problems, "transport.port must be within 1-65535")
		}
		if strings.TrimSpace(t.KnownHostsFile) == "" && !t.InsecureIgnoreHostKey {
			problems = append(problems, "transport.known_hosts_file is required unless transport.insecure_ignore_host_key is true")
		}
	case TransportExec:
		if len(t.Command) == 0 || strings.TrimSpace(t.Command[0]) == "" {
			problems = append(problems, "transport.command must contain at least one element for exec transport")
		}
	default:
		problems = append(problems, fmt.Sprintf("transport.type %q is not supported", t.Type))
	}
	if t.DialTimeoutSec < 0 {
		problems = append(problems, "transport.dial_timeout_sec must be non-negative")
	}
	if t.CommandTimeoutSec < 0 {
		problems = append(problems, "transport.command_timeout_sec must be non-negative")
	}
	return problems
}

func (c *Config) applyDefaults() {
	for i := range c.Devices {
		if strings.TrimSpace(c.Devices[i].Name) == "" {
			c.Devices[i].Name = c.Devices[i].Host
		}
	}
	if c.Transport.Type == "" {
		c.Transport.Type = TransportSSH
	}
	if c.Transport.User == "" {
		c.Transport.User = "root"
	}
	if c.Transport.Port == 0 {
		c.Transport.Port = 22222
	}
	if c.Poll.IntervalSec == 0 {
		c.Poll.IntervalSec = 3
	}
	if c.Poll.TimeoutSec == 0 && c.Poll.MaxAttempts == 0 && !c.Poll.Unbounded {
		c.Poll.TimeoutSec = 600
	}
	if c.Poll.EpochCaptureAttempts == 0 {
		c.Poll.EpochCaptureAttempts = 5
	}
	if c.Poll.AbortOnAuthFailure == nil {
		abort := true
		c.Poll.AbortOnAuthFailure = &abort
	}
	if strings.TrimSpace(c.Readiness.Command) == "" {
		c.Readiness.Command = "timedatectl | grep synchronized | cut -d ':' -f 2"
	}
	if c.Readiness.Marker == "" {
		c.Readiness.Marker = "yes"
	}
	if strings.TrimSpace(c.Reboot.Command) == "" {
		c.Reboot.Command = "shutdown -r now"
	}
	if c.Reboot.IssueTimeoutSec == 0 {
		c.Reboot.IssueTimeoutSec = 30
	}
	if strings.TrimSpace(c.Reboot.EpochQuery) == "" {
		c.Reboot.EpochQuery = `echo "$(date +%s.%N) $(cut -d ' ' -f 1 /proc/uptime)"`
	}
	if c.Reboot.EpochToleranceSec == 0 {
		c.Reboot.EpochToleranceSec = 1
	}
	if c.DeviceConfig.Path == "" {
		c.DeviceConfig.Path = "/mnt/boot/config.json"
	}
	if strings.TrimSpace(c.OSVersionQuery) == "" {
		c.OSVersionQuery = `. /etc/os-release && echo "$VERSION_ID"`
	}
	if c.Lock.KeyPrefix == "" {
		c.Lock.KeyPrefix = "/rebootverify/devices"
	}
	if c.Lock.TTLSec == 0 {
		c.Lock.TTLSec = 60
	}
	if c.Lock.WaitSec == 0 {
		c.Lock.WaitSec = 1800
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// DialTimeout returns the transport connect timeout; zero selects the transport default.
func (t TransportConfig) DialTimeout() time.Duration {
	return time.Duration(t.DialTimeoutSec) * time.Second
}

// CommandTimeout returns the per-command timeout; zero selects the transport default.
func (t TransportConfig) CommandTimeout() time.Duration {
	return time.Duration(t.CommandTimeoutSec) * time.Second
}

// Interval returns the pause between readiness evaluations.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSec) * time.Second
}

// Timeout returns the readiness wait bound; zero means no time bound.
func (p PollConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSec) * time.Second
}

// AbortOnAuth reports whether authentication and host key failures end a wait
// immediately.
func (p PollConfig) AbortOnAuth() bool {
	return p.AbortOnAuthFailure == nil || *p.AbortOnAuthFailure
}

// IssueTimeout bounds the reboot command call.
func (r RebootConfig) IssueTimeout() time.Duration {
	return time.Duration(r.IssueTimeoutSec) * time.Second
}

// EpochTolerance returns how far boot epochs may drift within one boot.
func (r RebootConfig) EpochTolerance() time.Duration {
	return time.Duration(r.EpochToleranceSec) * time.Second
}

// TTL returns the etcd lease TTL as a duration.
func (l LockConfig) TTL() time.Duration {
	return time.Duration(l.TTLSec) * time.Second
}

// Wait returns how long a runner waits for a device held by another runner.
func (l LockConfig) Wait() time.Duration {
	return time.Duration(l.WaitSec) * time.Second
}

// TLSConfig loads the client certificate and CA pool. It returns nil when TLS
// is not enabled.
func (t *EtcdTLSConfig) TLSConfig() (*tls.Config, error) {
	if t == nil || !t.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load etcd client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(t.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read etcd CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("etcd CA %s contains no certificates", t.CAFile)
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            pool,
		InsecureSkipVerify: t.Insecure,
		MinVersion:         tls.VersionTLS12,
	}, nil
}
