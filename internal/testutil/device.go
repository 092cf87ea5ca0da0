package testutil

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rebootverify/rebootverify/pkg/remote"
)

// Commands understood by FakeDevice without a registered handler.
const (
	EpochQuery        = `echo "$(date +%s.%N) $(cut -d ' ' -f 1 /proc/uptime)"`
	RFC3339EpochQuery = `date -d "$(</proc/uptime awk '{print $1}') seconds ago" --rfc-3339=seconds`
	UptimeQuery       = "cut -d ' ' -f 1 /proc/uptime"
	ReadinessQuery    = "timedatectl | grep synchronized | cut -d ':' -f 2"
	RebootCommand     = "shutdown -r now"
	HostnameQuery     = "cat /etc/hostname"
	BootListQuery     = "journalctl --list-boot | wc -l"
	OSVersionQuery    = `. /etc/os-release && echo "$VERSION_ID"`
	DefaultConfigPath = "/mnt/boot/config.json"
)

var (
	writeCommandPattern = regexp.MustCompile(`^tmp=\$\(mktemp '[^']*'\) && printf '%s' '([A-Za-z0-9+/=]*)' \| base64 -d > "\$tmp" && sync && mv "\$tmp" '([^']*)'$`)
	catCommandPattern   = regexp.MustCompile(`^cat '?([^' ]+)'?$`)
)

// Handler answers a registered command. cfg is the configuration the device
// applied at its last boot.
type Handler func(cfg map[string]interface{}) (string, error)

// FakeDevice simulates a device under test reachable through remote.Executor.
// Rebooting drops the connection, keeps the device offline for BootDelay,
// applies config.json at boot and reports time synchronisation SyncDelay after
// coming back. A "hostname" key makes the device answer as "<hostname>.local"
// after the next boot.
type FakeDevice struct {
	mu sync.Mutex

	clock      *FakeClock
	link       string
	identity   string
	hostname   string
	configPath string
	files      map[string][]byte
	applied    map[string]interface{}
	osVersion  string

	bootDelay    time.Duration
	syncDelay    time.Duration
	bootStart    time.Time
	offlineUntil time.Time
	syncedAt     time.Time

	persistent   bool
	journalBoots int
	reboots      int

	ignoreReboot bool
	authFailure  bool
	issueErr     error

	handlers map[string]Handler
	commands []ExecutedCommand
}

// ExecutedCommand records one call against the device.
type ExecutedCommand struct {
	At      time.Time
	Host    string
	Command string
}

// DeviceOption configures a FakeDevice.
type DeviceOption func(*FakeDevice)

// WithBootDelay sets how long the device stays unreachable after a reboot.
func WithBootDelay(d time.Duration) DeviceOption {
	return func(dev *FakeDevice) { dev.bootDelay = d }
}

// WithSyncDelay sets how long after coming back the clock reports synchronised.
func WithSyncDelay(d time.Duration) DeviceOption {
	return func(dev *FakeDevice) { dev.syncDelay = d }
}

// WithOSVersion sets the VERSION_ID the device reports.
func WithOSVersion(v string) DeviceOption {
	return func(dev *FakeDevice) { dev.osVersion = v }
}

// WithConfig seeds config.json with raw bytes.
func WithConfig(raw string) DeviceOption {
	return func(dev *FakeDevice) { dev.files[dev.configPath] = []byte(raw) }
}

// NewFakeDevice builds a device reachable as link, for example "dut-1.local".
// Its initial hostname is the first label of link.
func NewFakeDevice(clock *FakeClock, link string, opts ...DeviceOption) *FakeDevice {
	if clock == nil {
		clock = NewFakeClock()
	}
	dev := &FakeDevice{
		clock:        clock,
		link:         link,
		identity:     link,
		hostname:     strings.SplitN(link, ".", 2)[0],
		configPath:   DefaultConfigPath,
		files:        map[string][]byte{DefaultConfigPath: []byte(`{"deviceType":"raspberrypi4-64","persistentLogging":false}`)},
		applied:      map[string]interface{}{},
		osVersion:    "2.50.1",
		bootDelay:    20 * time.Second,
		syncDelay:    10 * time.Second,
		journalBoots: 1,
		handlers:     make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(dev)
	}
	now := clock.Now()
	dev.bootStart = now.Add(-time.Hour)
	dev.syncedAt = dev.bootStart
	dev.applied = dev.parseConfig()
	return dev
}

// Handle registers an answer for an exact command string.
func (d *FakeDevice) Handle(command string, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[command] = fn
}

// SetIgnoreReboot makes the reboot command succeed without rebooting.
func (d *FakeDevice) SetIgnoreReboot(ignore bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ignoreReboot = ignore
}

// SetAuthFailure makes every command fail authentication.
func (d *FakeDevice) SetAuthFailure(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.authFailure = fail
}

// SetRebootIssueError overrides the error returned by the reboot command.
// Nil restores the default dropped-connection error.
func (d *FakeDevice) SetRebootIssueError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.issueErr = err
}

// Identity returns the name the device currently answers to.
func (d *FakeDevice) Identity() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity
}

// Reboots returns how many reboots the device performed.
func (d *FakeDevice) Reboots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reboots
}

// BootStart returns when the current boot began.
func (d *FakeDevice) BootStart() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bootStart
}

// Config returns the raw config.json bytes.
func (d *FakeDevice) Config() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.files[d.configPath]...)
}

// Commands returns every command executed so far.
func (d *FakeDevice) Commands() []ExecutedCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ExecutedCommand(nil), d.commands...)
}

// CountCommand returns how many times command was executed.
func (d *FakeDevice) CountCommand(command string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.commands {
		if c.Command == command {
			n++
		}
	}
	return n
}

// Execute implements remote.Executor.
func (d *FakeDevice) Execute(ctx context.Context, host, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	d.commands = append(d.commands, ExecutedCommand{At: now, Host: host, Command: command})

	if host != d.identity {
		return "", d.unreachable(host, command, errors.New("could not resolve hostname"))
	}
	if now.Before(d.offlineUntil) {
		return "", d.unreachable(host, command, errors.New("connection refused"))
	}
	if d.authFailure {
		return "", &remote.ExecutionError{Host: host, Command: command, Kind: remote.KindAuth, Err: errors.New("unable to authenticate")}
	}

	if fn, ok := d.handlers[command]; ok {
		return fn(d.applied)
	}

	switch command {
	case EpochQuery:
		uptime := now.Sub(d.bootStart)
		return fmt.Sprintf("%d.%09d %.2f", now.Unix(), now.Nanosecond(), uptime.Seconds()), nil
	case RFC3339EpochQuery:
		return d.bootStart.Truncate(time.Second).Format("2006-01-02 15:04:05-07:00"), nil
	case UptimeQuery:
		return fmt.Sprintf("%.2f", now.Sub(d.bootStart).Seconds()), nil
	case ReadinessQuery:
		if now.Before(d.syncedAt) {
			return "no", nil
		}
		return "yes", nil
	case RebootCommand:
		return d.reboot(host, command, now)
	case HostnameQuery:
		return d.hostname, nil
	case BootListQuery:
		return fmt.Sprintf("%d", d.journalBoots), nil
	case OSVersionQuery:
		return d.osVersion, nil
	case "echo true":
		return "true", nil
	}

	if m := writeCommandPattern.FindStringSubmatch(command); m != nil {
		data, err := base64.StdEncoding.DecodeString(m[1])
		if err != nil {
			return "", d.exit(host, command, 1, "base64: invalid input")
		}
		d.files[m[2]] = data
		return "", nil
	}
	if m := catCommandPattern.FindStringSubmatch(command); m != nil {
		data, ok := d.files[m[1]]
		if !ok {
			return "", d.exit(host, command, 1, fmt.Sprintf("cat: %s: No such file or directory", m[1]))
		}
		return strings.TrimSpace(string(data)), nil
	}

	return "", d.exit(host, command, 127, "sh: command not found")
}

func (d *FakeDevice) reboot(host, command string, now time.Time) (string, error) {
	if d.ignoreReboot {
		return "", nil
	}
	d.reboots++
	d.offlineUntil = now.Add(d.bootDelay)
	d.bootStart = now.Add(d.bootDelay / 2)
	d.syncedAt = d.offlineUntil.Add(d.syncDelay)

	d.applied = d.parseConfig()
	if name, ok := d.applied["hostname"].(string); ok && name != "" {
		d.hostname = name
		d.identity = name + ".local"
	} else {
		d.hostname = strings.SplitN(d.link, ".", 2)[0]
		d.identity = d.link
	}
	persistent, _ := d.applied["persistentLogging"].(bool)
	if persistent && d.persistent {
		d.journalBoots++
	} else {
		d.journalBoots = 1
	}
	d.persistent = persistent

	if d.issueErr != nil {
		return "", d.issueErr
	}
	return "", d.unreachable(host, command, errors.New("connection closed by remote host"))
}

func (d *FakeDevice) parseConfig() map[string]interface{} {
	cfg := map[string]interface{}{}
	if raw, ok := d.files[d.configPath]; ok {
		_ = json.Unmarshal(raw, &cfg)
	}
	return cfg
}

func (d *FakeDevice) unreachable(host, command string, err error) error {
	return &remote.ExecutionError{Host: host, Command: command, Kind: remote.KindUnreachable, Err: err}
}

func (d *FakeDevice) exit(host, command string, code int, stderr string) error {
	return &remote.ExecutionError{Host: host, Command: command, Kind: remote.KindExit, ExitCode: code, Stderr: stderr}
}

var _ remote.Executor = (*FakeDevice)(nil)
