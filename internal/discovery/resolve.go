// ABOUTME: Endpoint resolution for explicitly configured hosts
// ABOUTME: Handles literals, zone suffixes, and per-family DNS lookup ordering
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
)

// Family selects which address families to try and in what order.
type Family int

const (
	// FamilyAuto prefers IPv6 and falls back to IPv4.
	FamilyAuto Family = iota
	// FamilyIPv4 prefers IPv4 and falls back to IPv6.
	FamilyIPv4
	// FamilyIPv6 prefers IPv6 and falls back to IPv4.
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "auto"
	}
}

// ParseFamily maps a configuration string onto a Family.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return FamilyAuto, nil
	case "ipv4", "4":
		return FamilyIPv4, nil
	case "ipv6", "6":
		return FamilyIPv6, nil
	default:
		return FamilyAuto, fmt.Errorf("discovery: unknown address family %q", s)
	}
}

// ErrNoAddress reports that resolution produced nothing usable.
var ErrNoAddress = errors.New("discovery: no address found")

// Resolve turns an explicitly configured host into a literal address and
// reports which family it belongs to. Literals pass through: an IPv6 literal
// may carry a %zone suffix, which is only legal on link-local addresses.
// Hostnames are looked up one family at a time in preference order, and when
// both lookups fail the error carries both causes.
func (m *Manager) Resolve(ctx context.Context, host string, family Family) (string, Family, error) {
	if host == "" {
		return "", FamilyAuto, fmt.Errorf("discovery: empty host")
	}

	if i := strings.IndexByte(host, '%'); i >= 0 {
		literal, zone := host[:i], host[i+1:]
		ip := net.ParseIP(literal)
		if ip == nil || ip.To4() != nil {
			return "", FamilyAuto, fmt.Errorf("discovery: zone suffix requires an IPv6 literal, got %q", host)
		}
		if zone == "" {
			return "", FamilyAuto, fmt.Errorf("discovery: empty zone in %q", host)
		}
		if !isLinkLocal(ip) {
			return "", FamilyAuto, fmt.Errorf("discovery: zone suffix is only legal on link-local addresses, got %q", host)
		}
		return host, FamilyIPv6, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			return host, FamilyIPv4, nil
		}
		return host, FamilyIPv6, nil
	}

	networks := []string{"ip6", "ip4"}
	if family == FamilyIPv4 {
		networks = []string{"ip4", "ip6"}
	}

	var errs []error
	for _, network := range networks {
		ips, err := m.resolver.LookupIP(ctx, network, host)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", network, err))
			continue
		}
		if len(ips) == 0 {
			errs = append(errs, fmt.Errorf("%s: no records", network))
			continue
		}
		fam := FamilyIPv6
		if network == "ip4" {
			fam = FamilyIPv4
		}
		addr := ips[0].String()
		m.log.WithFields(logrus.Fields{
			"host":   host,
			"addr":   addr,
			"family": fam.String(),
		}).Debug("resolved host")
		return addr, fam, nil
	}
	return "", FamilyAuto, fmt.Errorf("%w for %q: %w; %w", ErrNoAddress, host, errs[0], errs[1])
}
