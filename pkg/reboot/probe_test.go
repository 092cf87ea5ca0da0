package reboot

import (
	"context"
	"errors"
	"testing"

	"github.com/rebootverify/rebootverify/pkg/poll"
	"github.com/rebootverify/rebootverify/pkg/remote"
)

func TestMarkerProbe(t *testing.T) {
	tests := []struct {
		name   string
		output string
		err    error
		marker string
		ready  bool
	}{
		{name: "synchronised", output: " yes", marker: "yes", ready: true},
		{name: "not yet", output: " no", marker: "yes"},
		{name: "marker with padding", output: "active", marker: " active\n", ready: true},
		{name: "empty output", output: "", marker: "yes"},
		{name: "device unreachable", err: &remote.ExecutionError{Kind: remote.KindUnreachable}, marker: "yes"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotHost, gotCommand string
			exec := remote.ExecutorFunc(func(_ context.Context, host, command string) (string, error) {
				gotHost, gotCommand = host, command
				return tc.output, tc.err
			})
			probe := MarkerProbe{Command: "probe-cmd", Marker: tc.marker}

			ready, err := probe.Ready(context.Background(), exec, "dut.local")
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected executor error, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ready != tc.ready {
				t.Fatalf("expected ready=%v, got %v", tc.ready, ready)
			}
			if gotHost != "dut.local" || gotCommand != "probe-cmd" {
				t.Fatalf("unexpected call %q on %q", gotCommand, gotHost)
			}
		})
	}
}

func TestMarkerProbeRequiresCommand(t *testing.T) {
	exec := remote.ExecutorFunc(func(context.Context, string, string) (string, error) {
		t.Fatal("executor must not be called")
		return "", nil
	})
	_, err := (MarkerProbe{Marker: "yes"}).Ready(context.Background(), exec, "dut.local")
	var fatal *poll.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected fatal error for empty command, got %v", err)
	}
}

func TestTimeSyncProbeDefaults(t *testing.T) {
	p := TimeSyncProbe()
	if p.Command != "timedatectl | grep synchronized | cut -d ':' -f 2" || p.Marker != "yes" {
		t.Fatalf("unexpected time sync probe %+v", p)
	}
}
