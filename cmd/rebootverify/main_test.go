package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/rebootverify/rebootverify/internal/testutil"
	"github.com/rebootverify/rebootverify/pkg/config"
	"github.com/rebootverify/rebootverify/pkg/remote"
	"github.com/rebootverify/rebootverify/pkg/version"
)

const testDevice = "dut-1.local"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func baseConfig(extra string) string {
	return fmt.Sprintf(`devices:
  - name: pi4
    host: %s
transport:
  insecure_ignore_host_key: true
%s`, testDevice, extra)
}

type harness struct {
	app    *app
	clock  *testutil.FakeClock
	device *testutil.FakeDevice
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: testutil.NewFakeClock()}
	h.device = testutil.NewFakeDevice(h.clock, testDevice)
	h.app = newApp(&h.stdout, &h.stderr)
	h.app.newExecutor = func(config.TransportConfig) (remote.Executor, error) {
		return h.device, nil
	}
	h.app.sleep = h.clock.Sleep
	h.app.now = h.clock.Now
	return h
}

func (h *harness) run(args ...string) int {
	return h.app.execute(context.Background(), args)
}

func TestVersionCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"version"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("expected exitOK, got %d (stderr: %s)", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != version.String() {
		t.Fatalf("expected version %q, got %q", version.String(), stdout.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"frobnicate"}, &stdout, &stderr); code != exitUsage {
		t.Fatalf("expected exitUsage, got %d", code)
	}
	if !strings.Contains(stderr.String(), "unknown command") {
		t.Fatalf("expected unknown command message, got %q", stderr.String())
	}
}

func TestValidateConfig(t *testing.T) {
	path := writeConfig(t, baseConfig("scenarios: [hostname]\n"))

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"validate-config", "--config", path}, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("expected exitOK, got %d (stderr: %s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "is valid (1 devices)") {
		t.Fatalf("unexpected output %q", stdout.String())
	}
}

func TestValidateConfigFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown field", body: "node_name: a\n", want: "parse config"},
		{name: "invalid transport", body: "transport:\n  type: telnet\n", want: `transport.type "telnet" is not supported`},
		{name: "unknown scenario", body: baseConfig("scenarios: [nope]\n"), want: "unknown scenarios nope"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), []string{"validate-config", "--config", path}, &stdout, &stderr)
			if code != exitConfigError {
				t.Fatalf("expected exitConfigError, got %d", code)
			}
			if !strings.Contains(stderr.String(), tc.want) {
				t.Fatalf("expected %q in stderr, got %q", tc.want, stderr.String())
			}
		})
	}

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"validate-config", "--config", filepath.Join(t.TempDir(), "missing.yaml")}, &stdout, &stderr)
	if code != exitConfigError {
		t.Fatalf("expected exitConfigError for missing file, got %d", code)
	}
}

func TestLogFlagsAreValidated(t *testing.T) {
	path := writeConfig(t, baseConfig(""))
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"validate-config", "--config", path, "--log-format", "xml"}, &stdout, &stderr)
	if code != exitConfigError {
		t.Fatalf("expected exitConfigError, got %d", code)
	}
}

func TestScenariosCommandListsBuiltins(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"scenarios"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("expected exitOK, got %d", code)
	}
	for _, name := range []string{"hostname", "persistent-logging", "network-connectivity", "> 2.34.0"} {
		if !strings.Contains(stdout.String(), name) {
			t.Fatalf("expected %q in scenario list, got:\n%s", name, stdout.String())
		}
	}
}

func TestRebootCommandVerifiesReboot(t *testing.T) {
	h := newHarness(t)
	path := writeConfig(t, baseConfig(""))

	if code := h.run("reboot", "--config", path, "--device", "pi4"); code != exitOK {
		t.Fatalf("expected exitOK, got %d (stderr: %s)", code, h.stderr.String())
	}
	if h.device.Reboots() != 1 {
		t.Fatalf("expected one reboot, got %d", h.device.Reboots())
	}
	if !strings.Contains(h.stdout.String(), "done") {
		t.Fatalf("expected done state in output, got:\n%s", h.stdout.String())
	}
	if !strings.Contains(h.stderr.String(), `"event":"reboot_verified"`) {
		t.Fatalf("expected JSON reboot_verified event, got:\n%s", h.stderr.String())
	}
}

func TestRebootCommandReportsIgnoredReboot(t *testing.T) {
	h := newHarness(t)
	h.device.SetIgnoreReboot(true)
	path := writeConfig(t, baseConfig(""))

	code := h.run("reboot", "--config", path, "--log-format", "console")
	if code != exitFailed {
		t.Fatalf("expected exitFailed, got %d", code)
	}
	if !strings.Contains(h.stderr.String(), "reboot not verified") {
		t.Fatalf("expected failure message, got:\n%s", h.stderr.String())
	}
	if !strings.Contains(h.stdout.String(), "verifying") {
		t.Fatalf("expected failed-in state in output, got:\n%s", h.stdout.String())
	}
}

func TestRebootCommandRequiresTarget(t *testing.T) {
	h := newHarness(t)
	path := writeConfig(t, `devices:
  - host: a.local
  - host: b.local
transport:
  insecure_ignore_host_key: true
`)
	if code := h.run("reboot", "--config", path); code != exitUsage {
		t.Fatalf("expected exitUsage, got %d", code)
	}
	if code := h.run("reboot", "--config", path, "--device", "c.local"); code != exitUsage {
		t.Fatalf("expected exitUsage for unknown device, got %d", code)
	}
}

func TestEpochCommand(t *testing.T) {
	h := newHarness(t)
	path := writeConfig(t, baseConfig(""))

	if code := h.run("epoch", "--config", path, "--host", testDevice); code != exitOK {
		t.Fatalf("expected exitOK, got %d (stderr: %s)", code, h.stderr.String())
	}
	want := "boot epoch:  " + h.device.BootStart().UTC().Format("2006-01-02T15:04:05")
	if !strings.Contains(h.stdout.String(), want) {
		t.Fatalf("expected %q in output, got:\n%s", want, h.stdout.String())
	}

	if code := h.run("epoch", "--config", path, "--host", "other.local"); code != exitRuntimeError {
		t.Fatalf("expected exitRuntimeError for unreachable host, got %d", code)
	}
}

func TestRunCommandPassesHostnameScenario(t *testing.T) {
	h := newHarness(t)
	path := writeConfig(t, baseConfig(""))

	code := h.run("run", "--config", path, "--scenario", "hostname", "--log-level", "warn")
	if code != exitOK {
		t.Fatalf("expected exitOK, got %d (stdout: %s, stderr: %s)", code, h.stdout.String(), h.stderr.String())
	}
	if !strings.Contains(h.stdout.String(), "passed") || !strings.Contains(h.stdout.String(), "1 passed, 0 failed") {
		t.Fatalf("expected a passed result, got:\n%s", h.stdout.String())
	}
	if h.device.Identity() != testDevice {
		t.Fatalf("expected device back on %s, got %s", testDevice, h.device.Identity())
	}
	if strings.Contains(h.stderr.String(), `"level":"info"`) {
		t.Fatalf("expected info events to be filtered, got:\n%s", h.stderr.String())
	}
}

func TestRunCommandFailsOnUnverifiedReboot(t *testing.T) {
	h := newHarness(t)
	h.device.SetIgnoreReboot(true)
	path := writeConfig(t, baseConfig("stop_on_failure: true\n"))

	code := h.run("run", "--config", path, "--scenario", "persistent-logging", "--scenario", "hostname")
	if code != exitFailed {
		t.Fatalf("expected exitFailed, got %d (stderr: %s)", code, h.stderr.String())
	}
	if !strings.Contains(h.stdout.String(), "skipped after an earlier failure") {
		t.Fatalf("expected second scenario to be skipped, got:\n%s", h.stdout.String())
	}
}

func TestRunCommandRejectsUnknownSelections(t *testing.T) {
	h := newHarness(t)
	path := writeConfig(t, baseConfig(""))

	if code := h.run("run", "--config", path, "--scenario", "nope"); code != exitUsage {
		t.Fatalf("expected exitUsage for unknown scenario, got %d", code)
	}
	if code := h.run("run", "--config", path, "--device", "nope"); code != exitUsage {
		t.Fatalf("expected exitUsage for unknown device, got %d", code)
	}
	if h.device.Reboots() != 0 {
		t.Fatalf("expected no reboots, got %d", h.device.Reboots())
	}
}

func TestRunCommandWithEtcdLock(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	h := newHarness(t)
	path := writeConfig(t, baseConfig(fmt.Sprintf(`lock:
  enabled: true
  etcd_endpoints: [%q]
  etcd_namespace: /cli-test
  ttl_sec: 10
`, cluster.Endpoints[0])))

	code := h.run("run", "--config", path, "--scenario", "hostname")
	if code != exitOK {
		t.Fatalf("expected exitOK, got %d (stderr: %s)", code, h.stderr.String())
	}

	client := cluster.Client(t)
	resp, err := client.Get(context.Background(), "/cli-test/rebootverify/devices/pi4/", clientv3.WithPrefix())
	if err != nil {
		t.Fatalf("failed to read lock keys: %v", err)
	}
	if resp.Count != 0 {
		t.Fatalf("expected lease to be released, found %d keys", resp.Count)
	}
}
