// ABOUTME: mDNS advertisement and browsing for lansound servers
// ABOUTME: Queries every multicast interface and tags link-local results with their zone
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/sirupsen/logrus"

	"github.com/chrisjbillington/lansound/internal/version"
)

const (
	// ServiceType is the DNS-SD service lansound servers advertise.
	ServiceType = "_lansound._tcp"

	mdnsDomain = "local"

	defaultQueryTimeout = time.Second
)

// Candidate is one advertised server instance. Addr is a literal address;
// for link-local IPv6 it carries a %zone naming the interface the answer
// arrived on, because such addresses are only reachable through that
// interface.
type Candidate struct {
	Name string
	Host string
	Addr string
	Port int
}

// HostPort returns the dialable "host:port" form of the candidate.
func (c Candidate) HostPort() string {
	return net.JoinHostPort(c.Addr, strconv.Itoa(c.Port))
}

// Config tunes discovery behavior.
type Config struct {
	// QueryTimeout bounds each per-interface mDNS query. Defaults to one
	// second.
	QueryTimeout time.Duration
}

// Manager browses for servers and resolves explicit hosts.
type Manager struct {
	cfg      Config
	resolver *net.Resolver
	log      *logrus.Entry
}

// NewManager returns a discovery manager using the system resolver.
func NewManager(cfg Config) *Manager {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	return &Manager{
		cfg:      cfg,
		resolver: net.DefaultResolver,
		log:      logrus.WithField("component", "discovery"),
	}
}

// FindCandidates queries each usable interface once and returns discovered
// instances split by address family, each family in discovery order.
// Interfaces that fail to query are skipped, not fatal: discovery reports
// whatever part of the network answered.
func (m *Manager) FindCandidates(ctx context.Context) (v4, v6 []Candidate, err error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: list interfaces: %w", err)
	}

	seen := make(map[string]bool)
	for i := range ifaces {
		iface := &ifaces[i]
		if !usableInterface(iface) {
			continue
		}
		if ctx.Err() != nil {
			return v4, v6, nil
		}

		entries := make(chan *mdns.ServiceEntry, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for entry := range entries {
				name := Unescape(trimServiceSuffix(entry.Name))
				if entry.AddrV4 != nil {
					c := Candidate{Name: name, Host: entry.Host, Addr: entry.AddrV4.String(), Port: entry.Port}
					if !seen[c.HostPort()] {
						seen[c.HostPort()] = true
						v4 = append(v4, c)
					}
				}
				if entry.AddrV6 != nil {
					addr := entry.AddrV6.String()
					if isLinkLocal(entry.AddrV6) {
						addr += "%" + iface.Name
					}
					c := Candidate{Name: name, Host: entry.Host, Addr: addr, Port: entry.Port}
					if !seen[c.HostPort()] {
						seen[c.HostPort()] = true
						v6 = append(v6, c)
					}
				}
			}
		}()

		params := &mdns.QueryParam{
			Service:   ServiceType,
			Domain:    mdnsDomain,
			Timeout:   m.cfg.QueryTimeout,
			Interface: iface,
			Entries:   entries,
		}
		if qerr := mdns.Query(params); qerr != nil {
			m.log.WithError(qerr).WithField("interface", iface.Name).Debug("mdns query failed")
		}
		close(entries)
		<-done
	}

	m.log.WithFields(logrus.Fields{
		"ipv4": len(v4),
		"ipv6": len(v6),
	}).Debug("discovery pass complete")
	return v4, v6, nil
}

// OrderCandidates flattens discovery results into connection-attempt order:
// the preferred family first, the other as fallback.
func OrderCandidates(v4, v6 []Candidate, family Family) []Candidate {
	ordered := make([]Candidate, 0, len(v4)+len(v6))
	if family == FamilyIPv4 {
		ordered = append(ordered, v4...)
		return append(ordered, v6...)
	}
	ordered = append(ordered, v6...)
	return append(ordered, v4...)
}

// Advertiser keeps one mDNS registration alive until shut down.
type Advertiser struct {
	server *mdns.Server
	log    *logrus.Entry
}

// Advertise registers name and port on the local domain. The name is escaped
// so instance labels containing '.' or '\' browse back intact.
func Advertise(name string, port int) (*Advertiser, error) {
	ips := localIPs()
	if len(ips) == 0 {
		return nil, fmt.Errorf("discovery: no usable addresses to advertise")
	}

	txt := []string{"product=" + version.Product, "version=" + version.Version}
	service, err := mdns.NewMDNSService(Escape(name), ServiceType, "", "", port, ips, txt)
	if err != nil {
		return nil, fmt.Errorf("discovery: build mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("discovery: start mdns server: %w", err)
	}

	log := logrus.WithField("component", "discovery")
	log.WithFields(logrus.Fields{
		"name": name,
		"port": port,
	}).Info("advertising via mdns")
	return &Advertiser{server: server, log: log}, nil
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() error {
	a.log.Debug("withdrawing mdns registration")
	return a.server.Shutdown()
}

func usableInterface(iface *net.Interface) bool {
	if iface.Flags&net.FlagUp == 0 {
		return false
	}
	if iface.Flags&net.FlagLoopback != 0 {
		return false
	}
	return iface.Flags&net.FlagMulticast != 0
}

// trimServiceSuffix strips the service and domain labels from a browsed
// FQDN, leaving the raw escaped instance label. Dots inside the instance
// label are escaped, so trimming at the literal suffix is safe.
func trimServiceSuffix(fqdn string) string {
	s := strings.TrimSuffix(fqdn, ".")
	s = strings.TrimSuffix(s, "."+mdnsDomain)
	s = strings.TrimSuffix(s, "."+ServiceType)
	return s
}

var linkLocalPrefix = [8]byte{0xfe, 0x80, 0, 0, 0, 0, 0, 0}

// isLinkLocal reports whether ip is inside fe80::/64, the only range a zone
// suffix is meaningful for.
func isLinkLocal(ip net.IP) bool {
	if ip.To4() != nil {
		return false
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return false
	}
	return bytes.Equal(ip16[:8], linkLocalPrefix[:])
}

// localIPs collects the addresses worth advertising: everything bound to an
// up, non-loopback interface, both families.
func localIPs() []net.IP {
	var ips []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			ips = append(ips, ipnet.IP)
		}
	}
	return ips
}
