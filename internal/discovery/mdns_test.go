// ABOUTME: Tests for discovery escaping, resolution, and candidate ordering
// ABOUTME: Network-independent: literals, grammar round trips, and injected resolvers
package discovery

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscape(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "Kitchen", want: "Kitchen"},
		{name: "spaces pass through", in: "Living Room", want: "Living Room"},
		{name: "dots escaped", in: "node.local", want: `node\.local`},
		{name: "backslash escaped", in: `a\b`, want: `a\\b`},
		{name: "control byte", in: "\x07bell", want: `\007bell`},
		{name: "high byte", in: "caf\xc3\xa9", want: `caf\195\169`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Escape(tt.in))
		})
	}
}

func TestUnescape(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "Kitchen", want: "Kitchen"},
		{name: "escaped dot", in: `node\.local`, want: "node.local"},
		{name: "escaped backslash", in: `a\\b`, want: `a\b`},
		{name: "decimal byte", in: `\065BC`, want: "ABC"},
		{name: "decimal needs three digits", in: `\65`, want: `\65`},
		{name: "decimal out of range stays literal", in: `\999`, want: `\999`},
		{name: "unknown escape stays literal", in: `\x`, want: `\x`},
		{name: "trailing backslash stays literal", in: `abc\`, want: `abc\`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Unescape(tt.in))
		})
	}
}

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	names := []string{
		"Kitchen",
		"Living Room",
		"node.local",
		`already\escaped`,
		`dots.and\slashes.every\where`,
		"tab\there",
		"caf\xc3\xa9 \xf0\x9f\x8e\xb5",
		`trailing\`,
		".",
		"",
	}

	for _, name := range names {
		assert.Equal(t, name, Unescape(Escape(name)), "round trip of %q", name)
	}
}

func TestTrimServiceSuffix(t *testing.T) {
	tests := []struct {
		name string
		fqdn string
		want string
	}{
		{
			name: "plain instance",
			fqdn: "Kitchen._lansound._tcp.local.",
			want: "Kitchen",
		},
		{
			name: "escaped dot stays in instance",
			fqdn: `node\.local._lansound._tcp.local.`,
			want: `node\.local`,
		},
		{
			name: "no trailing dot",
			fqdn: "Kitchen._lansound._tcp.local",
			want: "Kitchen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, trimServiceSuffix(tt.fqdn))
		})
	}
}

func TestIsLinkLocal(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{addr: "fe80::1", want: true},
		{addr: "fe80::abcd:1234", want: true},
		// fe80::/10 but outside fe80::/64: a zone would not help dialing.
		{addr: "fe81::1", want: false},
		{addr: "2001:db8::1", want: false},
		{addr: "::1", want: false},
		{addr: "169.254.1.1", want: false},
		{addr: "192.168.0.1", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			ip := net.ParseIP(tt.addr)
			require.NotNil(t, ip)
			assert.Equal(t, tt.want, isLinkLocal(ip))
		})
	}
}

func TestCandidateHostPort(t *testing.T) {
	c := Candidate{Addr: "fe80::1%eth0", Port: 9670}
	assert.Equal(t, "[fe80::1%eth0]:9670", c.HostPort())

	c = Candidate{Addr: "192.168.0.7", Port: 9670}
	assert.Equal(t, "192.168.0.7:9670", c.HostPort())
}

func TestOrderCandidates(t *testing.T) {
	v4 := []Candidate{{Name: "a4"}, {Name: "b4"}}
	v6 := []Candidate{{Name: "a6"}}

	names := func(cands []Candidate) []string {
		out := make([]string, len(cands))
		for i, c := range cands {
			out[i] = c.Name
		}
		return out
	}

	assert.Equal(t, []string{"a6", "a4", "b4"}, names(OrderCandidates(v4, v6, FamilyAuto)))
	assert.Equal(t, []string{"a6", "a4", "b4"}, names(OrderCandidates(v4, v6, FamilyIPv6)))
	assert.Equal(t, []string{"a4", "b4", "a6"}, names(OrderCandidates(v4, v6, FamilyIPv4)))
}

func TestParseFamily(t *testing.T) {
	tests := []struct {
		in      string
		want    Family
		wantErr bool
	}{
		{in: "", want: FamilyAuto},
		{in: "auto", want: FamilyAuto},
		{in: "ipv4", want: FamilyIPv4},
		{in: "4", want: FamilyIPv4},
		{in: "IPv6", want: FamilyIPv6},
		{in: "both", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFamily(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveLiterals(t *testing.T) {
	m := NewManager(Config{})
	ctx := context.Background()

	tests := []struct {
		name       string
		host       string
		wantAddr   string
		wantFamily Family
		wantErr    bool
	}{
		{name: "ipv4 literal", host: "192.168.1.5", wantAddr: "192.168.1.5", wantFamily: FamilyIPv4},
		{name: "ipv6 literal", host: "2001:db8::5", wantAddr: "2001:db8::5", wantFamily: FamilyIPv6},
		{name: "link local with zone", host: "fe80::1%eth0", wantAddr: "fe80::1%eth0", wantFamily: FamilyIPv6},
		{name: "zone on global ipv6", host: "2001:db8::5%eth0", wantErr: true},
		{name: "zone on ipv4", host: "192.168.1.5%eth0", wantErr: true},
		{name: "empty zone", host: "fe80::1%", wantErr: true},
		{name: "zone on hostname", host: "myhost%eth0", wantErr: true},
		{name: "empty host", host: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, fam, err := m.Resolve(ctx, tt.host, FamilyAuto)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, addr)
			assert.Equal(t, tt.wantFamily, fam)
		})
	}
}

func TestResolveLiteralIgnoresFamilyPreference(t *testing.T) {
	m := NewManager(Config{})

	addr, fam, err := m.Resolve(context.Background(), "192.168.1.5", FamilyIPv6)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5", addr)
	assert.Equal(t, FamilyIPv4, fam)
}

func TestResolveAggregatesLookupFailures(t *testing.T) {
	m := NewManager(Config{})
	m.resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("resolver unreachable")
		},
	}

	_, _, err := m.Resolve(context.Background(), "no-such-host.lan", FamilyAuto)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoAddress)
	assert.Contains(t, err.Error(), "ip6")
	assert.Contains(t, err.Error(), "ip4")
}
