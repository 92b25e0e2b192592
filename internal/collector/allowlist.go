package collector

import (
	"net"

	"flowd/internal/config"
)

// allowedPeer reports whether addr (a "host:port" remote address key)
// matches cfg's allowed_peers CIDR list, or is admitted unconditionally
// when that list is empty (spec §3: "Peer registry... capacity bounds...
// scrubbed on reconfiguration if the new config no longer admits its
// address").
func allowedPeer(cfg *config.Config, addr string) bool {
	if len(cfg.AllowedPeers) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, cidr := range cfg.AllowedPeers {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
