package scenario

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Commands run by the built-in scenarios.
const (
	HostnameCommand        = "cat /etc/hostname"
	BootListCommand        = "journalctl --list-boot | wc -l"
	DNSServersFileCommand  = `systemctl show dnsmasq  | grep ExecStart | sed -n 's/.*--servers-file=\([^ ]*\)\s.*$/\1/p'`
	ConnectivityCommand    = `NetworkManager --print-config | awk "/\[connectivity\]/{flag=1;next}/\[/{flag=0}flag"`
	DeviceSectionCommand   = `NetworkManager --print-config | awk "/\[device\]/{flag=1;next}/\[/{flag=0}flag"`
	UdevTestLinkCommand    = "readlink -e /dev/disk/test"
	UdevBootLabelCommand   = "readlink -e /dev/disk/by-label/resin-boot"
	SSHProbeCommand        = "echo true"
	DefaultNTPServer       = "chronos.csr.net"
	DefaultDNSServer       = "8.8.4.4"
	DefaultUpstreamDNS     = "8.8.8.8"
	DefaultConnectivityURI = "http://www.archlinux.org/check_network_status.txt"
	UdevTestRule           = `ENV{ID_FS_LABEL_ENC}=="resin-boot", SYMLINK+="disk/test"`
)

// NewHostname returns a random eight character hostname.
var NewHostname = func() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Builtins returns the configuration scenarios shipped with the tool.
func Builtins() []Scenario {
	return []Scenario{
		Hostname(),
		PersistentLogging(),
		NTPServers(DefaultNTPServer),
		DNSServers(DefaultDNSServer),
		NetworkConnectivity(DefaultConnectivityURI),
		WifiRandomMacScan(),
		UdevRules(),
		SSHKeys(),
	}
}

// Lookup returns the built-in scenarios with the given names, in order. An
// empty list selects all of them.
func Lookup(names []string) ([]Scenario, error) {
	all := Builtins()
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]Scenario, len(all))
	for _, sc := range all {
		byName[sc.Name] = sc
	}
	selected := make([]Scenario, 0, len(names))
	var unknown []string
	for _, name := range names {
		sc, ok := byName[strings.TrimSpace(name)]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		selected = append(selected, sc)
	}
	if len(unknown) > 0 {
		known := make([]string, 0, len(byName))
		for name := range byName {
			known = append(known, name)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("unknown scenarios %s (known: %s)", strings.Join(unknown, ", "), strings.Join(known, ", "))
	}
	return selected, nil
}

// Hostname renames the device, expects it back as "<hostname>.local", then
// removes the key and expects the original identity again.
func Hostname() Scenario {
	return Scenario{
		Name:  "hostname",
		Title: "hostname configuration test",
		Run: func(ctx context.Context, s *Session) error {
			original := s.Host()
			hostname := NewHostname()

			if err := s.Config().Set(ctx, "hostname", hostname); err != nil {
				return err
			}
			if _, err := s.RebootAs(ctx, hostname+".local"); err != nil {
				return err
			}
			got, err := s.Exec(ctx, HostnameCommand)
			if err != nil {
				return err
			}
			if err := s.Equal(hostname, got, "Device should have new hostname"); err != nil {
				return err
			}

			if err := s.Config().Remove(ctx, "hostname"); err != nil {
				return err
			}
			if _, err := s.RebootAs(ctx, original); err != nil {
				return err
			}
			got, err = s.Exec(ctx, HostnameCommand)
			if err != nil {
				return err
			}
			return s.Equal(strings.SplitN(original, ".", 2)[0], got, "Device should have old hostname")
		},
	}
}

// PersistentLogging expects the journal to keep boot records across reboots
// only while persistentLogging is enabled.
func PersistentLogging() Scenario {
	bootCount := func(ctx context.Context, s *Session) (int, error) {
		out, err := s.Exec(ctx, BootListCommand)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(out))
		if err != nil {
			return 0, fmt.Errorf("parse boot count %q: %w", out, err)
		}
		return n, nil
	}
	return Scenario{
		Name:  "persistent-logging",
		Title: "persistentLogging configuration test",
		Run: func(ctx context.Context, s *Session) error {
			if err := s.Config().Set(ctx, "persistentLogging", true); err != nil {
				return err
			}
			if _, err := s.Reboot(ctx); err != nil {
				return err
			}
			before, err := bootCount(ctx, s)
			if err != nil {
				return err
			}
			if _, err := s.Reboot(ctx); err != nil {
				return err
			}
			after, err := bootCount(ctx, s)
			if err != nil {
				return err
			}
			if err := s.Equal(before+1, after, "Device should show previous boot records"); err != nil {
				return err
			}

			if err := s.Config().Remove(ctx, "persistentLogging"); err != nil {
				return err
			}
			if _, err := s.Reboot(ctx); err != nil {
				return err
			}
			after, err = bootCount(ctx, s)
			if err != nil {
				return err
			}
			return s.Equal(1, after, "Device should only show current boot records")
		},
	}
}

// NTPServers expects chrony to list the configured server.
func NTPServers(server string) Scenario {
	return Scenario{
		Name:  "ntp-servers",
		Title: "ntpServers test",
		Run: func(ctx context.Context, s *Session) error {
			if err := s.Config().Set(ctx, "ntpServers", server); err != nil {
				return err
			}
			if _, err := s.Reboot(ctx); err != nil {
				return err
			}
			if err := s.Resolves(ctx, "chronyc sources | grep "+server, "Device should show one record with our ntp server"); err != nil {
				return err
			}
			return s.Config().Remove(ctx, "ntpServers")
		},
	}
}

// DNSServers expects dnsmasq to switch from the default upstream to server.
func DNSServers(server string) Scenario {
	return Scenario{
		Name:  "dns-servers",
		Title: "dnsServer test",
		Run: func(ctx context.Context, s *Session) error {
			serverFile, err := s.Exec(ctx, DNSServersFileCommand)
			if err != nil {
				return err
			}
			current, err := s.Exec(ctx, "cat "+serverFile)
			if err != nil {
				return err
			}
			if err := s.Equal("server="+DefaultUpstreamDNS, strings.TrimSpace(current), "dnsmasq should start with the default upstream"); err != nil {
				return err
			}

			if err := s.Config().Set(ctx, "dnsServers", server); err != nil {
				return err
			}
			if _, err := s.Reboot(ctx); err != nil {
				return err
			}
			current, err = s.Exec(ctx, "cat "+serverFile)
			if err != nil {
				return err
			}
			if err := s.Equal("server="+server, strings.TrimSpace(current), "dnsmasq should use the configured server"); err != nil {
				return err
			}
			return s.Config().Remove(ctx, "dnsServers")
		},
	}
}

// NetworkConnectivity expects NetworkManager to pick up the connectivity check
// URI and leave interval and response unset.
func NetworkConnectivity(uri string) Scenario {
	return Scenario{
		Name:      "network-connectivity",
		Title:     "os.network.connectivity test",
		OSVersion: "> 2.34.0",
		Run: func(ctx context.Context, s *Session) error {
			if err := s.Config().Set(ctx, "os.network.connectivity", map[string]interface{}{"uri": uri}); err != nil {
				return err
			}
			if _, err := s.Reboot(ctx); err != nil {
				return err
			}
			section, err := s.Exec(ctx, ConnectivityCommand)
			if err != nil {
				return err
			}
			values := parseINISection(section)
			if err := s.Equal(uri, values["uri"], "NetworkManager should be configured with uri: "+uri); err != nil {
				return err
			}
			if err := s.Equal("", values["interval"], "NetworkManager should not be configured with an interval"); err != nil {
				return err
			}
			if err := s.Equal("", values["response"], "NetworkManager should not be configured with a response"); err != nil {
				return err
			}
			return s.Config().Remove(ctx, "os.network.connectivity")
		},
	}
}

var randomMacPattern = regexp.MustCompile(`wifi\.scan-rand-mac-address=yes`)

// WifiRandomMacScan expects NetworkManager to randomise the MAC while scanning.
func WifiRandomMacScan() Scenario {
	return Scenario{
		Name:  "wifi-random-mac-scan",
		Title: "os.network.wifi.randomMacAddressScan test",
		Run: func(ctx context.Context, s *Session) error {
			if err := s.Config().Set(ctx, "os.network.wifi.randomMacAddressScan", true); err != nil {
				return err
			}
			if _, err := s.Reboot(ctx); err != nil {
				return err
			}
			section, err := s.Exec(ctx, DeviceSectionCommand)
			if err != nil {
				return err
			}
			if err := s.Match(randomMacPattern, section, "NetworkManager should be configured to randomize wifi MAC"); err != nil {
				return err
			}
			return s.Config().Remove(ctx, "os.network.wifi")
		},
	}
}

// UdevRules installs a rule creating /dev/disk/test for the boot partition.
func UdevRules() Scenario {
	return Scenario{
		Name:  "udev-rules",
		Title: "udevRules test",
		Run: func(ctx context.Context, s *Session) error {
			if err := s.Config().Set(ctx, "os.udevRules", map[string]interface{}{"99": UdevTestRule}); err != nil {
				return err
			}
			if _, err := s.Reboot(ctx); err != nil {
				return err
			}
			link, err := s.Exec(ctx, UdevTestLinkCommand)
			if err != nil {
				return err
			}
			target, err := s.Exec(ctx, UdevBootLabelCommand)
			if err != nil {
				return err
			}
			if err := s.Equal(target, link, "Dev link should point to the correct device"); err != nil {
				return err
			}
			return s.Config().Remove(ctx, "os.udevRules")
		},
	}
}

// SSHKeys checks that a command can be run over the configured transport.
func SSHKeys() Scenario {
	return Scenario{
		Name:  "ssh-keys",
		Title: "sshKeys test",
		Run: func(ctx context.Context, s *Session) error {
			return s.Resolves(ctx, SSHProbeCommand, "Should be able to establish ssh connection to the device")
		},
	}
}

// parseINISection reads key=value lines, ignoring comments.
func parseINISection(section string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return values
}
