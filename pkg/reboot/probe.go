package reboot

import (
	"context"
	"errors"
	"strings"

	"github.com/rebootverify/rebootverify/pkg/poll"
	"github.com/rebootverify/rebootverify/pkg/remote"
)

const (
	// DefaultReadinessCommand reports whether the device clock is synchronised.
	DefaultReadinessCommand = "timedatectl | grep synchronized | cut -d ':' -f 2"
	// DefaultReadinessMarker is the output DefaultReadinessCommand prints once synchronised.
	DefaultReadinessMarker = "yes"
)

// Probe decides whether a rebooted device is ready for verification.
type Probe interface {
	Ready(ctx context.Context, exec remote.Executor, host string) (bool, error)
}

// ProbeFunc adapts a function into a Probe.
type ProbeFunc func(ctx context.Context, exec remote.Executor, host string) (bool, error)

// Ready implements Probe.
func (f ProbeFunc) Ready(ctx context.Context, exec remote.Executor, host string) (bool, error) {
	return f(ctx, exec, host)
}

// MarkerProbe runs Command and reports ready when its trimmed output equals Marker.
type MarkerProbe struct {
	Command string
	Marker  string
}

// TimeSyncProbe waits for the device clock to report synchronisation.
func TimeSyncProbe() MarkerProbe {
	return MarkerProbe{Command: DefaultReadinessCommand, Marker: DefaultReadinessMarker}
}

// Ready implements Probe.
func (p MarkerProbe) Ready(ctx context.Context, exec remote.Executor, host string) (bool, error) {
	if strings.TrimSpace(p.Command) == "" {
		return false, poll.Fatal(errors.New("readiness command is empty"))
	}
	out, err := exec.Execute(ctx, host, p.Command)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == strings.TrimSpace(p.Marker), nil
}

var _ Probe = MarkerProbe{}
var _ Probe = ProbeFunc(nil)
