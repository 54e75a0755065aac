// Package ssrf guards every outbound fetch against server-side request
// forgery. A URL passes only if it parses as http(s) and none of its
// resolved addresses fall in a disallowed range. The contract: no socket is
// opened before Validate returns nil.
package ssrf

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/jmylchreest/distil/internal/kinds"
)

// Resolver is the DNS dependency; *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Validator validates URLs before any outbound connection.
type Validator struct {
	resolver  Resolver
	allowlist map[string]struct{} // hostnames exempt from address checks
	logger    *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowedHosts exempts the given hostnames from the deny checks.
// The allow-list overrides the deny-list per the safety contract.
func WithAllowedHosts(hosts ...string) Option {
	return func(v *Validator) {
		for _, h := range hosts {
			v.allowlist[strings.ToLower(h)] = struct{}{}
		}
	}
}

// WithResolver overrides the DNS resolver (used by tests).
func WithResolver(r Resolver) Option {
	return func(v *Validator) { v.resolver = r }
}

// NewValidator creates a validator with the default system resolver.
func NewValidator(logger *slog.Logger, opts ...Option) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{
		resolver:  net.DefaultResolver,
		allowlist: make(map[string]struct{}),
		logger:    logger.With("component", "ssrf"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// metadataAddrs are cloud metadata endpoints, always refused.
var metadataAddrs = []netip.Addr{
	netip.MustParseAddr("169.254.169.254"),
	netip.MustParseAddr("fd00:ec2::254"),
}

// Validate parses the URL, resolves its host and refuses loopback,
// link-local, RFC1918, unique-local and metadata addresses. Every resolved
// address is checked; one bad address refuses the whole URL.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return kinds.Wrap(kinds.KindInvalidURL, 400, "cannot parse URL", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return kinds.New(kinds.KindInvalidURL, 400, "unsupported scheme: "+parsed.Scheme)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return kinds.New(kinds.KindInvalidURL, 400, "URL has no host")
	}

	if _, ok := v.allowlist[host]; ok {
		return nil
	}

	// Literal IP hosts skip DNS.
	if addr, err := netip.ParseAddr(host); err == nil {
		return v.checkAddr(rawURL, addr)
	}

	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return kinds.Wrap(kinds.KindInvalidURL, 400, "DNS resolution failed for "+host, err)
	}
	if len(addrs) == 0 {
		return kinds.New(kinds.KindInvalidURL, 400, "no addresses for "+host)
	}
	for _, addr := range addrs {
		if err := v.checkAddr(rawURL, addr); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkAddr(rawURL string, addr netip.Addr) error {
	// Compare IPv4-mapped IPv6 in its IPv4 form so ::ffff:127.0.0.1 is
	// treated as loopback.
	addr = addr.Unmap()

	if reason := disallowedReason(addr); reason != "" {
		v.logger.Warn("blocked outbound URL", "url", rawURL, "address", addr.String(), "reason", reason)
		return kinds.New(kinds.KindSSRFBlocked, 403, "address "+addr.String()+" is "+reason)
	}
	return nil
}

// disallowedReason returns why the address is refused, or "" if allowed.
func disallowedReason(addr netip.Addr) string {
	for _, meta := range metadataAddrs {
		if addr == meta {
			return "a cloud metadata endpoint"
		}
	}
	switch {
	case addr.IsLoopback():
		return "loopback"
	case addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast():
		return "link-local"
	case addr.IsPrivate():
		// Covers RFC1918 for IPv4 and unique-local (fc00::/7) for IPv6.
		return "private"
	case addr.IsUnspecified():
		return "unspecified"
	}
	return ""
}
