// Package geoip provides a trivial in-module country lookup satisfying
// g2core.GeoIP. Production deployments should inject a real MaxMind/GeoLite
// backed implementation; this one only distinguishes private/unroutable
// addresses from everything else, so the core's country-preference ordering
// has a GeoIP collaborator to call.
package geoip

import "github.com/shurlinet/g2node/pkg/g2core"

// Stub is a no-op g2core.GeoIP that returns "" for every public address and
// "LAN" for private/loopback ones.
type Stub struct{}

// FindCountry satisfies g2core.GeoIP.
func (Stub) FindCountry(ep g2core.Endpoint) string {
	if ep.IP == nil {
		return ""
	}
	if ep.IP.IsLoopback() || ep.IP.IsPrivate() || ep.IP.IsLinkLocalUnicast() {
		return "LAN"
	}
	return ""
}
