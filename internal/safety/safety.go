// Package safety decides whether a caller-supplied target URL may be fetched
// by the proxy.
//
// The default Validator accepts http and https targets whose hostname is not
// one of the fixed loopback names. Private network blocking is opt-in.
package safety

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

var allowedSchemes = map[string]struct{}{
	"http":  {},
	"https": {},
}

var blockedHostnames = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

var (
	ipv4Private = []netip.Prefix{
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("169.254.0.0/16"),
		netip.MustParsePrefix("0.0.0.0/8"),
		netip.MustParsePrefix("100.64.0.0/10"),
		netip.MustParsePrefix("198.18.0.0/15"),
		netip.MustParsePrefix("224.0.0.0/4"),
		netip.MustParsePrefix("240.0.0.0/4"),
	}
	ipv6Private = []netip.Prefix{
		netip.MustParsePrefix("::1/128"),
		netip.MustParsePrefix("::/128"),
		netip.MustParsePrefix("fe80::/10"),
		netip.MustParsePrefix("fc00::/7"),
		netip.MustParsePrefix("ff00::/8"),
	}
)

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Options enables hardening beyond the loopback deny-list.
type Options struct {
	// BlockPrivateNetworks rejects literal IP targets inside private, link-local,
	// CGNAT, multicast and reserved ranges.
	BlockPrivateNetworks bool

	// ResolveHosts additionally resolves hostnames and rejects the target when
	// any resolved address is blocked. Only used with BlockPrivateNetworks.
	ResolveHosts bool

	// Resolver overrides net.DefaultResolver.
	Resolver Resolver

	// LookupTimeout bounds a single resolution. Defaults to 2s.
	LookupTimeout time.Duration
}

// Validator checks candidate targets. The zero value applies the default
// allow/deny policy.
type Validator struct {
	opts Options
}

// NewValidator returns a Validator with the given options.
func NewValidator(opts Options) *Validator {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	return &Validator{opts: opts}
}

// IsSafeTarget reports whether target passes the default policy. It never
// resolves names.
func IsSafeTarget(target string) bool {
	_, ok := parseTarget(target)
	return ok
}

// IsSafeTarget reports whether target may be fetched. Unparsable input is
// never safe.
func (v *Validator) IsSafeTarget(ctx context.Context, target string) bool {
	u, ok := parseTarget(target)
	if !ok {
		return false
	}
	return v.allowHost(ctx, u.Hostname())
}

// IsSafeURL applies the same policy to an already parsed URL, e.g. a redirect
// location.
func (v *Validator) IsSafeURL(ctx context.Context, u *url.URL) bool {
	if u == nil {
		return false
	}
	return v.reasonParsed(ctx, u) == ""
}

// Reason describes why target was rejected, or returns "" when it is safe.
func (v *Validator) Reason(ctx context.Context, target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ReasonUnparsable
	}
	return v.reasonParsed(ctx, u)
}

// Rejection reasons returned by Reason.
const (
	ReasonUnparsable     = "unparsable url"
	ReasonScheme         = "scheme not allowed"
	ReasonMissingHost    = "missing host"
	ReasonLoopback       = "loopback host"
	ReasonPrivateNetwork = "private network address"
)

func (v *Validator) reasonParsed(ctx context.Context, u *url.URL) string {
	if reason := checkParsed(u); reason != "" {
		return reason
	}
	if !v.allowHost(ctx, u.Hostname()) {
		return ReasonPrivateNetwork
	}
	return ""
}

func parseTarget(target string) (*url.URL, bool) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, false
	}
	return u, checkParsed(u) == ""
}

// checkParsed applies the scheme allow-list and hostname deny-list.
func checkParsed(u *url.URL) string {
	if _, ok := allowedSchemes[strings.ToLower(u.Scheme)]; !ok {
		return ReasonScheme
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ReasonMissingHost
	}
	if _, blocked := blockedHostnames[host]; blocked {
		return ReasonLoopback
	}
	return ""
}

func (v *Validator) allowHost(ctx context.Context, host string) bool {
	if v == nil || !v.opts.BlockPrivateNetworks {
		return true
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return !isBlockedIP(addr)
	}

	if !v.opts.ResolveHosts {
		return true
	}

	lookupCtx, cancel := context.WithTimeout(ctx, v.opts.LookupTimeout)
	defer cancel()

	addrs, err := v.opts.Resolver.LookupNetIP(lookupCtx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return false
	}
	for _, addr := range addrs {
		if isBlockedIP(addr) {
			return false
		}
	}
	return true
}

func isBlockedIP(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, p := range ipv4Private {
		if p.Contains(ip) {
			return true
		}
	}
	for _, p := range ipv6Private {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// BlocksPrivateNetworks reports whether private ranges are rejected.
func (v *Validator) BlocksPrivateNetworks() bool {
	return v != nil && v.opts.BlockPrivateNetworks
}

// IsBlockedAddr reports whether addr falls in a loopback, private,
// link-local or reserved range.
func IsBlockedAddr(addr netip.Addr) bool {
	return isBlockedIP(addr)
}
