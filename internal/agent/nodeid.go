package agent

import (
	"errors"
	"net"
	"strings"
)

// ErrNoInterface is returned when no interface qualifies as the node's
// identity.
var ErrNoInterface = errors.New("no suitable network interface found")

// virtual interfaces whose MACs are not stable across reboots
var skipPrefixes = []string{"veth", "br-", "docker", "lo", "virbr"}

type ifaceInfo struct {
	name     string
	mac      net.HardwareAddr
	loopback bool
	hasIPv4  bool
}

// DiscoverNodeID returns the upper-case MAC address that identifies this
// node. A non-empty override wins.
func DiscoverNodeID(override string) (string, error) {
	if o := strings.TrimSpace(override); o != "" {
		return strings.ToUpper(o), nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	infos := make([]ifaceInfo, 0, len(ifaces))
	for _, ifc := range ifaces {
		info := ifaceInfo{
			name:     ifc.Name,
			mac:      ifc.HardwareAddr,
			loopback: ifc.Flags&net.FlagLoopback != 0,
		}
		addrs, err := ifc.Addrs()
		if err == nil {
			for _, a := range addrs {
				if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
					info.hasIPv4 = true
					break
				}
			}
		}
		infos = append(infos, info)
	}
	return selectNodeID(infos)
}

func selectNodeID(ifaces []ifaceInfo) (string, error) {
	for _, ifc := range ifaces {
		if ifc.loopback || !ifc.hasIPv4 || hasSkippedPrefix(ifc.name) {
			continue
		}
		if len(ifc.mac) == 0 || isZeroMAC(ifc.mac) {
			continue
		}
		return strings.ToUpper(ifc.mac.String()), nil
	}
	return "", ErrNoInterface
}

func hasSkippedPrefix(name string) bool {
	for _, p := range skipPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func isZeroMAC(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}
