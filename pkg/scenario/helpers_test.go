package scenario_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rebootverify/rebootverify/internal/testutil"
	"github.com/rebootverify/rebootverify/pkg/bootepoch"
	"github.com/rebootverify/rebootverify/pkg/deviceconfig"
	"github.com/rebootverify/rebootverify/pkg/observability"
	"github.com/rebootverify/rebootverify/pkg/poll"
	"github.com/rebootverify/rebootverify/pkg/reboot"
	"github.com/rebootverify/rebootverify/pkg/remote"
	"github.com/rebootverify/rebootverify/pkg/scenario"
)

const seededConfig = `{"deviceType":"raspberrypi4-64","persistentLogging":false}`

type env struct {
	clock  *testutil.FakeClock
	device *testutil.FakeDevice
	poller *poll.Poller
	runner *scenario.Runner
}

func newRunner(t *testing.T, clock *testutil.FakeClock, exec remote.Executor, rep observability.Reporter) (*scenario.Runner, *poll.Poller) {
	t.Helper()
	poller := poll.New(poll.WithSleepFunc(clock.Sleep), poll.WithTimeSource(clock.Now))
	tracker, err := bootepoch.NewTracker(exec, bootepoch.WithTimeSource(clock.Now))
	require.NoError(t, err)
	orch, err := reboot.New(exec, tracker, poller, reboot.WithTimeSource(clock.Now), reboot.WithEpochCaptureAttempts(2))
	require.NoError(t, err)
	store, err := deviceconfig.NewStore(exec, "")
	require.NoError(t, err)
	runner, err := scenario.NewRunner(exec, orch, store,
		scenario.WithPollOptions(poll.Options{Timeout: scenarioReadyTimeout}),
		scenario.WithTimeSource(clock.Now),
		scenario.WithReporter(rep),
	)
	require.NoError(t, err)
	return runner, poller
}

func newEnv(t *testing.T, opts ...testutil.DeviceOption) *env {
	t.Helper()
	clock := testutil.NewFakeClock()
	device := testutil.NewFakeDevice(clock, "dut-1.local", append([]testutil.DeviceOption{testutil.WithConfig(seededConfig)}, opts...)...)
	runner, poller := newRunner(t, clock, device, nil)
	return &env{clock: clock, device: device, poller: poller, runner: runner}
}

func (e *env) run(sc scenario.Scenario) scenario.Result {
	return e.runner.Run(context.Background(), scenario.Device{Name: "dut-1", Host: "dut-1.local"}, sc)
}

// router dispatches commands to whichever device currently answers to host.
type router []*testutil.FakeDevice

func (r router) Execute(ctx context.Context, host, command string) (string, error) {
	for _, dev := range r {
		if dev.Identity() == host {
			return dev.Execute(ctx, host, command)
		}
	}
	return r[0].Execute(ctx, host, command)
}

func exitError(command string) error {
	return &remote.ExecutionError{Command: command, Kind: remote.KindExit, ExitCode: 1}
}

func nested(cfg map[string]interface{}, keys ...string) (interface{}, bool) {
	var cur interface{} = cfg
	for _, key := range keys {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// simulateServices teaches the device how the OS reacts to config.json keys.
func simulateServices(dev *testutil.FakeDevice) {
	ntpCheck := "chronyc sources | grep " + scenario.DefaultNTPServer
	dev.Handle(ntpCheck, func(cfg map[string]interface{}) (string, error) {
		if cfg["ntpServers"] == scenario.DefaultNTPServer {
			return "^* " + scenario.DefaultNTPServer + "  2  6  377  12  +20us[ +31us] +/-  14ms", nil
		}
		return "", exitError(ntpCheck)
	})
	dev.Handle(scenario.DNSServersFileCommand, func(map[string]interface{}) (string, error) {
		return "/run/dnsmasq.servers", nil
	})
	dev.Handle("cat /run/dnsmasq.servers", func(cfg map[string]interface{}) (string, error) {
		if server, ok := cfg["dnsServers"].(string); ok {
			return "server=" + server, nil
		}
		return "server=" + scenario.DefaultUpstreamDNS, nil
	})
	dev.Handle(scenario.ConnectivityCommand, func(cfg map[string]interface{}) (string, error) {
		uri, ok := nested(cfg, "os", "network", "connectivity", "uri")
		if !ok {
			return "", nil
		}
		return "# generated\nuri=" + uri.(string), nil
	})
	dev.Handle(scenario.DeviceSectionCommand, func(cfg map[string]interface{}) (string, error) {
		if v, _ := nested(cfg, "os", "network", "wifi", "randomMacAddressScan"); v == true {
			return "wifi.scan-rand-mac-address=yes", nil
		}
		return "wifi.scan-rand-mac-address=no", nil
	})
	dev.Handle(scenario.UdevTestLinkCommand, func(cfg map[string]interface{}) (string, error) {
		if _, ok := nested(cfg, "os", "udevRules", "99"); ok {
			return "/dev/mmcblk0p1", nil
		}
		return "", exitError(scenario.UdevTestLinkCommand)
	})
	dev.Handle(scenario.UdevBootLabelCommand, func(map[string]interface{}) (string, error) {
		return "/dev/mmcblk0p1", nil
	})
}
