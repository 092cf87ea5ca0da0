package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rebootverify/rebootverify/pkg/bootepoch"
	"github.com/rebootverify/rebootverify/pkg/config"
	"github.com/rebootverify/rebootverify/pkg/deviceconfig"
	"github.com/rebootverify/rebootverify/pkg/lock"
	"github.com/rebootverify/rebootverify/pkg/observability"
	"github.com/rebootverify/rebootverify/pkg/poll"
	"github.com/rebootverify/rebootverify/pkg/reboot"
	"github.com/rebootverify/rebootverify/pkg/remote"
	"github.com/rebootverify/rebootverify/pkg/scenario"
)

// exitError carries the process exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	logFormat  string
	logLevel   string

	// Hooks replaced in tests.
	newExecutor func(config.TransportConfig) (remote.Executor, error)
	sleep       func(time.Duration)
	now         func() time.Time
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:      stdout,
		stderr:      stderr,
		newExecutor: newTransport,
	}
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(a.stderr, exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintf(a.stderr, "%v\n", err)
	fmt.Fprintln(a.stderr, "run 'rebootverify --help' for usage")
	return exitUsage
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "rebootverify",
		Short: "Verify device configuration changes across reboots",
		Long: `rebootverify mutates a device's persistent configuration, reboots it,
proves the reboot happened by comparing boot epochs and checks that the
configuration took effect. Every change is reverted afterwards.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultConfigPath, "path to configuration file")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "event format: json or console (overrides log.format)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "minimum event level: info, warn or error (overrides log.level)")

	root.AddCommand(
		a.runCommand(),
		a.rebootCommand(),
		a.epochCommand(),
		a.validateCommand(),
		a.scenariosCommand(),
		a.versionCommand(),
	)
	return root
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, withCode(exitConfigError, fmt.Errorf("failed to load configuration: %w", err))
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, withCode(exitConfigError, fmt.Errorf("configuration invalid: %w", err))
	}
	return cfg, nil
}

// runtime holds the components shared by every command that talks to devices.
type runtime struct {
	cfg      *config.Config
	exec     remote.Executor
	reporter observability.Reporter
	poller   *poll.Poller
	tracker  *bootepoch.Tracker
	orch     *reboot.Orchestrator
	closers  []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *app) setup(ctx context.Context) (*runtime, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg}

	reporter, err := a.newReporter(ctx, rt)
	if err != nil {
		rt.Close()
		return nil, withCode(exitConfigError, err)
	}
	rt.reporter = reporter

	exec, err := a.newExecutor(cfg.Transport)
	if err != nil {
		rt.Close()
		return nil, withCode(exitConfigError, fmt.Errorf("failed to build transport: %w", err))
	}
	rt.exec = exec

	rt.poller = poll.New(
		poll.WithReporter(reporter),
		poll.WithSleepFunc(a.sleep),
		poll.WithTimeSource(a.now),
		poll.WithDefaultInterval(cfg.Poll.Interval()),
	)

	rt.tracker, err = bootepoch.NewTracker(exec,
		bootepoch.WithQuery(cfg.Reboot.EpochQuery),
		bootepoch.WithTimeSource(a.now),
	)
	if err != nil {
		rt.Close()
		return nil, withCode(exitConfigError, err)
	}

	var classify poll.Classifier
	if cfg.Poll.AbortOnAuth() {
		classify = remote.IsFatal
	}
	rt.orch, err = reboot.New(exec, rt.tracker, rt.poller,
		reboot.WithRebootCommand(cfg.Reboot.Command),
		reboot.WithIssueTimeout(cfg.Reboot.IssueTimeout()),
		reboot.WithTolerance(cfg.Reboot.EpochTolerance()),
		reboot.WithEpochCaptureAttempts(cfg.Poll.EpochCaptureAttempts),
		reboot.WithDefaultProbe(reboot.MarkerProbe{Command: cfg.Readiness.Command, Marker: cfg.Readiness.Marker}),
		reboot.WithClassifier(classify),
		reboot.WithReporter(reporter),
		reboot.WithTimeSource(a.now),
	)
	if err != nil {
		rt.Close()
		return nil, withCode(exitConfigError, err)
	}
	return rt, nil
}

func (a *app) newReporter(ctx context.Context, rt *runtime) (observability.Reporter, error) {
	level, err := observability.ParseLevel(rt.cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	var logger observability.Logger
	switch rt.cfg.Log.Format {
	case "console":
		l := observability.NewConsoleLogger(a.stderr)
		l.SetMinLevel(level)
		logger = l
	default:
		l := observability.NewJSONLogger(a.stderr)
		l.SetMinLevel(level)
		logger = l
	}

	var metrics observability.MetricsCollector
	if rt.cfg.Metrics.Enabled {
		collector := observability.NewPrometheusCollector()
		metrics = collector
		serveCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := collector.Serve(serveCtx, rt.cfg.Metrics.Listen); err != nil {
				_ = logger.Log(serveCtx, observability.Event{
					Timestamp: time.Now().UTC(),
					Level:     observability.LevelError,
					Component: "metrics",
					Event:     "metrics_server_failed",
					Fields:    map[string]interface{}{"listen": rt.cfg.Metrics.Listen, "error": err.Error()},
				})
			}
		}()
		rt.closers = append(rt.closers, func() {
			cancel()
			<-done
		})
	}
	return observability.NewStructuredReporter(logger, metrics), nil
}

func newTransport(t config.TransportConfig) (remote.Executor, error) {
	switch t.Type {
	case config.TransportExec:
		return remote.NewCommandExecutor(t.Command, t.UnreachableExitCodes)
	default:
		return remote.NewSSHExecutor(remote.SSHOptions{
			User:                  t.User,
			Port:                  t.Port,
			IdentityFile:          t.IdentityFile,
			KnownHostsFile:        t.KnownHostsFile,
			InsecureIgnoreHostKey: t.InsecureIgnoreHostKey,
			DialTimeout:           t.DialTimeout(),
			CommandTimeout:        t.CommandTimeout(),
		})
	}
}

func readinessPoll(cfg *config.Config) poll.Options {
	return poll.Options{
		Interval:    cfg.Poll.Interval(),
		Timeout:     cfg.Poll.Timeout(),
		MaxAttempts: cfg.Poll.MaxAttempts,
		Unbounded:   cfg.Poll.Unbounded,
	}
}

func newLockManager(cfg *config.Config) (lock.Manager, func(), error) {
	if !cfg.Lock.Enabled {
		return lock.NewLocalManager(), func() {}, nil
	}
	tlsCfg, err := cfg.Lock.EtcdTLS.TLSConfig()
	if err != nil {
		return nil, nil, err
	}
	manager, err := lock.NewEtcdManager(lock.EtcdManagerOptions{
		Endpoints: cfg.Lock.EtcdEndpoints,
		KeyPrefix: cfg.Lock.KeyPrefix,
		Namespace: cfg.Lock.EtcdNamespace,
		TTL:       cfg.Lock.TTL(),
		TLS:       tlsCfg,
	})
	if err != nil {
		return nil, nil, err
	}
	return manager, func() { _ = manager.Close() }, nil
}

func (rt *runtime) newSuite(now func() time.Time) (*scenario.Suite, error) {
	store, err := deviceconfig.NewStore(rt.exec, rt.cfg.DeviceConfig.Path)
	if err != nil {
		return nil, withCode(exitConfigError, err)
	}
	runner, err := scenario.NewRunner(rt.exec, rt.orch, store,
		scenario.WithPollOptions(readinessPoll(rt.cfg)),
		scenario.WithOSVersionQuery(rt.cfg.OSVersionQuery),
		scenario.WithReporter(rt.reporter),
		scenario.WithTimeSource(now),
	)
	if err != nil {
		return nil, withCode(exitConfigError, err)
	}

	locks, closeLocks, err := newLockManager(rt.cfg)
	if err != nil {
		return nil, withCode(exitConfigError, fmt.Errorf("failed to build lock manager: %w", err))
	}
	rt.closers = append(rt.closers, closeLocks)

	return scenario.NewSuite(runner, locks,
		scenario.WithPoller(rt.poller),
		scenario.WithLockWait(poll.Options{Interval: 10 * time.Second, Timeout: rt.cfg.Lock.Wait()}),
		scenario.WithMaxParallelDevices(rt.cfg.MaxParallelDevices),
		scenario.WithStopOnFailure(rt.cfg.StopOnFailure),
		scenario.WithSuiteReporter(rt.reporter),
	)
}

// selectDevices filters the configured devices by name. An empty filter keeps all.
func selectDevices(cfg *config.Config, names []string) ([]scenario.Device, error) {
	byName := make(map[string]config.DeviceConfig, len(cfg.Devices))
	for _, d := range cfg.Devices {
		byName[d.Name] = d
	}
	toDevice := func(d config.DeviceConfig) scenario.Device {
		return scenario.Device{Name: d.Name, Host: d.Host, OSVersion: d.OSVersion}
	}

	if len(names) == 0 {
		devices := make([]scenario.Device, 0, len(cfg.Devices))
		for _, d := range cfg.Devices {
			devices = append(devices, toDevice(d))
		}
		return devices, nil
	}
	devices := make([]scenario.Device, 0, len(names))
	var unknown []string
	for _, name := range names {
		d, ok := byName[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		devices = append(devices, toDevice(d))
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown devices: %s", strings.Join(unknown, ", "))
	}
	return devices, nil
}

// resolveHost maps a --device name to its host or passes a --host through.
func resolveHost(cfg *config.Config, device, host string) (string, error) {
	switch {
	case host != "" && device != "":
		return "", errors.New("--host and --device are mutually exclusive")
	case host != "":
		return host, nil
	case device != "":
		devices, err := selectDevices(cfg, []string{device})
		if err != nil {
			return "", err
		}
		return devices[0].Host, nil
	case len(cfg.Devices) == 1:
		return cfg.Devices[0].Host, nil
	default:
		return "", errors.New("a target is required: pass --host or --device")
	}
}
