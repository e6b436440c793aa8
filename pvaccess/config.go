// SPDX-License-Identifier: Apache-2.0

package pvaccess

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for the pvAccess configuration surface.
const (
	DefaultServerPort    uint16 = 5075
	DefaultBroadcastPort uint16 = 5076
	DefaultTimeout              = 5 * time.Second
)

// Config is the client/server address configuration, read from the standard
// EPICS_PVA_* environment variables. Network binding itself lives behind the
// Transport and Listener collaborators; the configuration is carried so
// transports can consume it.
type Config struct {
	// AddrList is the unicast search address list.
	AddrList []string
	// AutoAddrList enables interface-derived broadcast addresses.
	AutoAddrList bool
	// ServerPort is the TCP port servers bind.
	ServerPort uint16
	// BroadcastPort is the UDP port searches are sent to.
	BroadcastPort uint16
}

// DefaultConfig returns the configuration with no environment applied.
func DefaultConfig() Config {
	return Config{
		AutoAddrList:  true,
		ServerPort:    DefaultServerPort,
		BroadcastPort: DefaultBroadcastPort,
	}
}

// ConfigFromEnv reads EPICS_PVA_ADDR_LIST, EPICS_PVA_AUTO_ADDR_LIST,
// EPICS_PVA_SERVER_PORT and EPICS_PVA_BROADCAST_PORT, with defaults for
// anything unset or malformed.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("EPICS_PVA_ADDR_LIST"); v != "" {
		cfg.AddrList = strings.Fields(v)
	}
	if v := os.Getenv("EPICS_PVA_AUTO_ADDR_LIST"); v != "" {
		cfg.AutoAddrList = strings.EqualFold(v, "yes") || strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("EPICS_PVA_SERVER_PORT"); v != "" {
		if p, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.ServerPort = uint16(p)
		}
	}
	if v := os.Getenv("EPICS_PVA_BROADCAST_PORT"); v != "" {
		if p, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.BroadcastPort = uint16(p)
		}
	}
	return cfg
}
