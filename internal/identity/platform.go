package identity

import (
	"net"
	"os"
	"strings"
)

// Platform supplies the stable inputs hashed into the device ID.
type Platform interface {
	PlatformID() string
	HardwareID() string
}

// OSPlatform reads the machine ID and the first hardware address.
type OSPlatform struct{}

// PlatformID returns the systemd machine ID, or the hostname if unavailable.
func (OSPlatform) PlatformID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if v := strings.TrimSpace(string(data)); v != "" {
				return v
			}
		}
	}
	host, _ := os.Hostname()
	return host
}

// HardwareID returns the MAC address of the first non-loopback interface.
func (OSPlatform) HardwareID() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

// StaticPlatform returns fixed values. Use in tests.
type StaticPlatform struct {
	Platform string
	Hardware string
}

func (p StaticPlatform) PlatformID() string { return p.Platform }
func (p StaticPlatform) HardwareID() string { return p.Hardware }
