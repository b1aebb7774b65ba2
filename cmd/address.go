package main

import (
	"net"
)

// GetPreferredOutboundIP returns the LAN IP the machine would use for
// outbound traffic. No packets are sent; the UDP dial only selects a
// route. Returns "" when no route exists (offline machine).
func GetPreferredOutboundIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return local.IP.String()
}

// GetTailscaleIP returns the machine's Tailscale address if one is
// assigned. Tailscale allocates from the CGNAT range 100.64.0.0/10.
func GetTailscaleIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	_, cgnat, err := net.ParseCIDR("100.64.0.0/10")
	if err != nil {
		return ""
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 != nil && cgnat.Contains(ip4) {
				return ip4.String()
			}
		}
	}
	return ""
}
