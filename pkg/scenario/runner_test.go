package scenario_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rebootverify/rebootverify/internal/testutil"
	"github.com/rebootverify/rebootverify/pkg/observability"
	"github.com/rebootverify/rebootverify/pkg/reboot"
	"github.com/rebootverify/rebootverify/pkg/scenario"
)

const scenarioReadyTimeout = 5 * time.Minute

func TestHostnameScenarioFollowsIdentityChange(t *testing.T) {
	restore := scenario.NewHostname
	scenario.NewHostname = func() string { return "abc12345" }
	t.Cleanup(func() { scenario.NewHostname = restore })

	e := newEnv(t)
	res := e.run(scenario.Hostname())

	require.Equal(t, scenario.StatusPassed, res.Status, res.Message)
	require.Len(t, res.Reboots, 2)
	assert.Equal(t, "abc12345.local", res.Reboots[0].ReadyHost)
	assert.True(t, res.Reboots[0].After.AdvancedSince(res.Reboots[0].Before, time.Second))
	assert.Equal(t, "abc12345.local", res.Reboots[1].Host)
	assert.Equal(t, "dut-1.local", res.Reboots[1].ReadyHost)
	assert.Equal(t, "dut-1.local", e.device.Identity())
	assert.False(t, res.Reverted, "scenario removed its own key")
	assert.JSONEq(t, seededConfig, string(e.device.Config()))
}

func TestFailedHostnameScenarioRestoresIdentity(t *testing.T) {
	restore := scenario.NewHostname
	scenario.NewHostname = func() string { return "abc12345" }
	t.Cleanup(func() { scenario.NewHostname = restore })

	e := newEnv(t)
	e.device.Handle(scenario.HostnameCommand, func(map[string]interface{}) (string, error) {
		return "wrong", nil
	})

	res := e.run(scenario.Hostname())
	require.Equal(t, scenario.StatusFailed, res.Status, res.Message)
	assert.True(t, res.Reverted)
	require.Len(t, res.Reboots, 2, "rename plus restoring reboot")
	assert.Equal(t, "abc12345.local", res.Reboots[1].Host)
	assert.Equal(t, "dut-1.local", res.Reboots[1].ReadyHost)
	assert.True(t, res.Reboots[1].Succeeded())
	assert.Equal(t, "dut-1.local", e.device.Identity())
	assert.Equal(t, seededConfig, string(e.device.Config()))

	next := e.run(scenario.SSHKeys())
	assert.Equal(t, scenario.StatusPassed, next.Status, next.Message)
}

func TestRenameThatNeverBecomesReadyIsReverted(t *testing.T) {
	e := newEnv(t)
	e.device.Handle(testutil.ReadinessQuery, func(cfg map[string]interface{}) (string, error) {
		if _, renamed := cfg["hostname"]; renamed {
			return "no", nil
		}
		return "yes", nil
	})

	res := e.run(scenario.Scenario{
		Name: "rename-stuck",
		Run: func(ctx context.Context, s *scenario.Session) error {
			if err := s.Config().Set(ctx, "hostname", "abc12345"); err != nil {
				return err
			}
			_, err := s.RebootAs(ctx, "abc12345.local")
			return err
		},
	})

	assert.Equal(t, scenario.StatusError, res.Status)
	require.Len(t, res.Reboots, 2)
	assert.Equal(t, reboot.StateAwaitingReady, res.Reboots[0].FailedIn)
	assert.Equal(t, "abc12345.local", res.Reboots[1].Host)
	assert.True(t, res.Reboots[1].Succeeded())
	assert.True(t, res.Reverted)
	assert.Equal(t, "dut-1.local", e.device.Identity())
	assert.Equal(t, seededConfig, string(e.device.Config()))
}

func TestPersistentLoggingScenario(t *testing.T) {
	e := newEnv(t)
	res := e.run(scenario.PersistentLogging())

	require.Equal(t, scenario.StatusPassed, res.Status, res.Message)
	assert.Len(t, res.Reboots, 3)
	assert.Equal(t, 3, e.device.Reboots())
	assert.True(t, res.Reverted, "removing the key differs from the seeded false value")
	assert.Equal(t, seededConfig, string(e.device.Config()))
}

func TestBuiltinScenariosPassOnHealthyDevice(t *testing.T) {
	for _, sc := range scenario.Builtins() {
		if sc.Name == "hostname" || sc.Name == "persistent-logging" {
			continue
		}
		t.Run(sc.Name, func(t *testing.T) {
			e := newEnv(t)
			simulateServices(e.device)

			res := e.run(sc)
			require.Equal(t, scenario.StatusPassed, res.Status, res.Message)
			assert.JSONEq(t, seededConfig, string(e.device.Config()))
		})
	}
}

func TestAssertionFailureRevertsConfig(t *testing.T) {
	e := newEnv(t)
	res := e.run(scenario.Scenario{
		Name: "dns-mismatch",
		Run: func(ctx context.Context, s *scenario.Session) error {
			if err := s.Config().Set(ctx, "dnsServers", "8.8.4.4"); err != nil {
				return err
			}
			return s.Equal("server=8.8.4.4", "server=8.8.8.8", "dnsmasq should use the configured server")
		},
	})

	assert.Equal(t, scenario.StatusFailed, res.Status)
	var failure *scenario.AssertionFailure
	require.True(t, errors.As(res.Err, &failure))
	assert.Equal(t, "server=8.8.4.4", failure.Expected)
	assert.Equal(t, "server=8.8.8.8", failure.Actual)
	assert.Contains(t, res.Message, "dnsmasq should use the configured server")
	assert.True(t, res.Reverted)
	assert.Equal(t, seededConfig, string(e.device.Config()))
}

func TestPanicRevertsConfig(t *testing.T) {
	e := newEnv(t)
	res := e.run(scenario.Scenario{
		Name: "panics",
		Run: func(ctx context.Context, s *scenario.Session) error {
			if err := s.Config().Set(ctx, "ntpServers", "pool.ntp.org"); err != nil {
				return err
			}
			panic("boom")
		},
	})

	assert.Equal(t, scenario.StatusError, res.Status)
	assert.Contains(t, res.Message, "boom")
	assert.True(t, res.Reverted)
	assert.Equal(t, seededConfig, string(e.device.Config()))
}

func TestCancellationStillReverts(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	res := e.runner.Run(ctx, scenario.Device{Name: "dut-1", Host: "dut-1.local"}, scenario.Scenario{
		Name: "cancelled",
		Run: func(ctx context.Context, s *scenario.Session) error {
			if err := s.Config().Set(ctx, "hostname", "abc12345"); err != nil {
				return err
			}
			cancel()
			return ctx.Err()
		},
	})

	assert.Equal(t, scenario.StatusError, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.True(t, res.Reverted)
	assert.Equal(t, seededConfig, string(e.device.Config()))
}

func TestDeviceThatDoesNotRebootFails(t *testing.T) {
	e := newEnv(t)
	e.device.SetIgnoreReboot(true)

	res := e.run(scenario.NTPServers(scenario.DefaultNTPServer))

	assert.Equal(t, scenario.StatusFailed, res.Status)
	var notAdvanced *reboot.EpochNotAdvancedError
	assert.True(t, errors.As(res.Err, &notAdvanced))
	require.Len(t, res.Reboots, 1)
	assert.Equal(t, reboot.StateVerifying, res.Reboots[0].FailedIn)
	assert.Equal(t, seededConfig, string(e.device.Config()))
}

func TestUnreachableDeviceIsAnError(t *testing.T) {
	e := newEnv(t)
	res := e.runner.Run(context.Background(), scenario.Device{Name: "ghost", Host: "ghost.local"}, scenario.SSHKeys())
	assert.Equal(t, scenario.StatusError, res.Status)
	assert.Contains(t, res.Message, "begin configuration transaction")
}

func TestOSVersionGate(t *testing.T) {
	t.Run("old release skips", func(t *testing.T) {
		e := newEnv(t, testutil.WithOSVersion("2.30.0"))
		res := e.run(scenario.NetworkConnectivity(scenario.DefaultConnectivityURI))
		assert.Equal(t, scenario.StatusSkipped, res.Status)
		assert.Equal(t, "2.30.0", res.OSVersion)
		assert.Equal(t, 0, e.device.Reboots())
	})

	t.Run("release metadata is tolerated", func(t *testing.T) {
		e := newEnv(t, testutil.WithOSVersion("2.50.1+rev1"))
		simulateServices(e.device)
		res := e.run(scenario.NetworkConnectivity(scenario.DefaultConnectivityURI))
		assert.Equal(t, scenario.StatusPassed, res.Status, res.Message)
	})

	t.Run("configured version skips the query", func(t *testing.T) {
		e := newEnv(t)
		res := e.runner.Run(context.Background(), scenario.Device{Name: "dut-1", Host: "dut-1.local", OSVersion: "2.34.0"}, scenario.NetworkConnectivity(scenario.DefaultConnectivityURI))
		assert.Equal(t, scenario.StatusSkipped, res.Status)
		assert.Equal(t, 0, e.device.CountCommand(scenario.DefaultOSVersionQuery))
	})

	t.Run("invalid constraint", func(t *testing.T) {
		e := newEnv(t)
		res := e.run(scenario.Scenario{Name: "bad", OSVersion: "newer than 2", Run: func(context.Context, *scenario.Session) error { return nil }})
		assert.Equal(t, scenario.StatusError, res.Status)
	})
}

func TestRunnerRecordsResultMetrics(t *testing.T) {
	clock := testutil.NewFakeClock()
	device := testutil.NewFakeDevice(clock, "dut-1.local", testutil.WithConfig(seededConfig))
	var mu sync.Mutex
	var metrics []observability.Metric
	var finished []observability.Event
	rep := observability.ReporterFuncs{
		OnMetric: func(m observability.Metric) {
			mu.Lock()
			metrics = append(metrics, m)
			mu.Unlock()
		},
		OnEvent: func(_ context.Context, ev observability.Event) {
			if ev.Event == "scenario_finished" {
				mu.Lock()
				finished = append(finished, ev)
				mu.Unlock()
			}
		},
	}
	runner, _ := newRunner(t, clock, device, rep)

	res := runner.Run(context.Background(), scenario.Device{Name: "dut-1", Host: "dut-1.local"}, scenario.SSHKeys())
	require.Equal(t, scenario.StatusPassed, res.Status)

	mu.Lock()
	defer mu.Unlock()
	var found bool
	for _, m := range metrics {
		if m.Name == "scenario_results_total" {
			found = true
			assert.Equal(t, map[string]string{"scenario": "ssh-keys", "status": "passed"}, m.Labels)
		}
	}
	assert.True(t, found)
	require.Len(t, finished, 1)
	assert.Equal(t, "dut-1", finished[0].Device)
	assert.Equal(t, res.RunID, finished[0].RunID)
}

func TestSessionAssertions(t *testing.T) {
	e := newEnv(t)
	res := e.run(scenario.Scenario{
		Name: "assertions",
		Run: func(ctx context.Context, s *scenario.Session) error {
			if err := s.Equal(2, 2, "numbers"); err != nil {
				return err
			}
			if err := s.Resolves(ctx, "echo true", "echo"); err != nil {
				return err
			}
			var failure *scenario.AssertionFailure
			if err := s.Resolves(ctx, "false", "false should fail"); !errors.As(err, &failure) {
				return errors.New("expected assertion failure for failing command")
			}
			return nil
		},
	})
	assert.Equal(t, scenario.StatusPassed, res.Status, res.Message)
}

func TestLookup(t *testing.T) {
	all, err := scenario.Lookup(nil)
	require.NoError(t, err)
	assert.Len(t, all, 8)

	picked, err := scenario.Lookup([]string{"ssh-keys", "hostname"})
	require.NoError(t, err)
	require.Len(t, picked, 2)
	assert.Equal(t, "ssh-keys", picked[0].Name)

	_, err = scenario.Lookup([]string{"does-not-exist"})
	assert.ErrorContains(t, err, "does-not-exist")
}
