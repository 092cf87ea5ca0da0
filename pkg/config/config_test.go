package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecodeValidConfig(t *testing.T) {
	yaml := `devices:
  - name: pi4
    host: 10.0.0.17
  - host: dut-2.local
    os_version: "2.50.1"
transport:
  identity_file: /root/.ssh/id_ed25519
  known_hosts_file: /root/.ssh/known_hosts
poll:
  timeout_sec: 900
scenarios: [hostname, ntp-servers]
`

	cfg, err := decode(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}

	if len(cfg.Devices) != 2 {
		t.Fatalf("expected two devices, got %d", len(cfg.Devices))
	}
	if cfg.Devices[1].Name != "dut-2.local" {
		t.Fatalf("expected device name to default to host, got %q", cfg.Devices[1].Name)
	}
	if cfg.Transport.Type != TransportSSH || cfg.Transport.User != "root" || cfg.Transport.Port != 22222 {
		t.Fatalf("unexpected transport defaults: %+v", cfg.Transport)
	}
	if cfg.Poll.Timeout() != 15*time.Minute {
		t.Fatalf("expected poll timeout 15m, got %s", cfg.Poll.Timeout())
	}
	if cfg.Poll.Interval() != 3*time.Second {
		t.Fatalf("expected default interval 3s, got %s", cfg.Poll.Interval())
	}
	if cfg.Poll.EpochCaptureAttempts != 5 {
		t.Fatalf("expected 5 epoch capture attempts, got %d", cfg.Poll.EpochCaptureAttempts)
	}
	if !cfg.Poll.AbortOnAuth() {
		t.Fatal("expected auth failures to abort by default")
	}
	if cfg.Readiness.Command != "timedatectl | grep synchronized | cut -d ':' -f 2" || cfg.Readiness.Marker != "yes" {
		t.Fatalf("unexpected readiness defaults: %+v", cfg.Readiness)
	}
	if cfg.Reboot.Command != "shutdown -r now" {
		t.Fatalf("unexpected reboot command %q", cfg.Reboot.Command)
	}
	if cfg.Reboot.IssueTimeout() != 30*time.Second || cfg.Reboot.EpochTolerance() != time.Second {
		t.Fatalf("unexpected reboot durations: %+v", cfg.Reboot)
	}
	if cfg.DeviceConfig.Path != "/mnt/boot/config.json" {
		t.Fatalf("unexpected device config path %q", cfg.DeviceConfig.Path)
	}
	if len(cfg.Scenarios) != 2 || cfg.Scenarios[1] != "ntp-servers" {
		t.Fatalf("unexpected scenarios %v", cfg.Scenarios)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "info" {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
}

func TestDecodeEmptyDocumentUsesDefaults(t *testing.T) {
	cfg, err := decode(strings.NewReader("transport:\n  insecure_ignore_host_key: true\n"))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if cfg.Poll.TimeoutSec != 600 {
		t.Fatalf("expected bounded default timeout, got %d", cfg.Poll.TimeoutSec)
	}
}

func TestUnboundedPollSkipsDefaultTimeout(t *testing.T) {
	yaml := `transport:
  insecure_ignore_host_key: true
poll:
  unbounded: true
`
	cfg, err := decode(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if cfg.Poll.TimeoutSec != 0 || cfg.Poll.MaxAttempts != 0 {
		t.Fatalf("expected no bound for unbounded poll, got %+v", cfg.Poll)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := decode(strings.NewReader("node_name: node-1\n"))
	if err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		t.Fatalf("expected parse error, got validation error %v", err)
	}
}

func TestValidateDetectsProblems(t *testing.T) {
	yaml := `devices:
  - name: a
    host: ""
  - name: a
    host: b.local
transport:
  type: ssh
  port: 70000
poll:
  unbounded: true
  timeout_sec: 10
device_config:
  path: boot/config.json
lock:
  enabled: true
log:
  format: xml
`
	_, err := decode(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if !errors.Is(err, &ValidationError{}) {
		t.Fatal("expected errors.Is to match ValidationError")
	}

	want := []string{
		"devices[0]: host is required",
		`devices[1]: name "a" duplicates devices[0]`,
		"transport.port must be within 1-65535",
		"transport.known_hosts_file is required",
		"poll.unbounded cannot be combined",
		"device_config.path must be absolute",
		"lock.etcd_endpoints must contain at least one endpoint",
		`log.format "xml" is not supported`,
	}
	joined := strings.Join(verr.Problems, "\n")
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Errorf("expected problem containing %q, got:\n%s", w, joined)
		}
	}
}

func TestExecTransportRequiresCommand(t *testing.T) {
	cfg := Config{Transport: TransportConfig{Type: TransportExec}}
	cfg.applyDefaults()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "transport.command must contain at least one element") {
		t.Fatalf("expected exec command problem, got %v", err)
	}

	cfg.Transport.Command = []string{"ssh", "-p", "22222", "root@{host}"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected exec transport to validate, got %v", err)
	}
}

func TestEtcdTLSValidation(t *testing.T) {
	cfg := Config{
		Transport: TransportConfig{InsecureIgnoreHostKey: true},
		Lock: LockConfig{
			Enabled:       true,
			EtcdEndpoints: []string{"https://127.0.0.1:2379"},
			EtcdTLS:       &EtcdTLSConfig{Enabled: true},
		},
	}
	cfg.applyDefaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected TLS validation error")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) || len(verr.Problems) != 3 {
		t.Fatalf("expected three TLS problems, got %v", err)
	}
}

func TestTLSConfigDisabled(t *testing.T) {
	var tlsCfg *EtcdTLSConfig
	got, err := tlsCfg.TLSConfig()
	if err != nil || got != nil {
		t.Fatalf("expected nil TLS config for nil settings, got %v, %v", got, err)
	}
	got, err = (&EtcdTLSConfig{}).TLSConfig()
	if err != nil || got != nil {
		t.Fatalf("expected nil TLS config when disabled, got %v, %v", got, err)
	}
}

func TestTLSConfigMissingFiles(t *testing.T) {
	dir := t.TempDir()
	tlsCfg := &EtcdTLSConfig{
		Enabled:  true,
		CAFile:   filepath.Join(dir, "ca.pem"),
		CertFile: filepath.Join(dir, "client.pem"),
		KeyFile:  filepath.Join(dir, "client-key.pem"),
	}
	if _, err := tlsCfg.TLSConfig(); err == nil || !strings.Contains(err.Error(), "load etcd client certificate") {
		t.Fatalf("expected certificate load error, got %v", err)
	}
}

func TestLoadFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `devices:
  - host: dut.local
transport:
  type: exec
  command: ["ssh", "root@{host}"]
lock:
  enabled: true
  etcd_endpoints: ["http://127.0.0.1:2379"]
  ttl_sec: 30
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Lock.TTL() != 30*time.Second {
		t.Fatalf("expected lock TTL 30s, got %s", cfg.Lock.TTL())
	}
	if cfg.Lock.Wait() != 30*time.Minute {
		t.Fatalf("expected default lock wait 30m, got %s", cfg.Lock.Wait())
	}
	if cfg.Lock.KeyPrefix != "/rebootverify/devices" {
		t.Fatalf("unexpected key prefix %q", cfg.Lock.KeyPrefix)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
