package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlockedEndpoint is returned for URLs the server must not call out to.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// carrier-grade NAT, not covered by net.IP.IsPrivate
var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// EndpointPolicy decides whether an operator-configured URL (reputation
// feed, ledger RPC) is safe to dial from the server.
type EndpointPolicy struct {
	RequireTLS bool
	Lookup     func(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validate rejects non-HTTP URLs, internal hostnames, and hosts that are or
// resolve to loopback, private, link-local or unspecified addresses.
func (p EndpointPolicy) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrBlockedEndpoint)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if p.RequireTLS {
			return fmt.Errorf("%w: URL scheme must be https", ErrBlockedEndpoint)
		}
	default:
		return fmt.Errorf("%w: URL scheme must be http or https", ErrBlockedEndpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrBlockedEndpoint)
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	lookup := p.Lookup
	if lookup == nil {
		lookup = net.DefaultResolver.LookupIPAddr
	}
	addrs, err := lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve host %s", ErrBlockedEndpoint, host)
	}
	for _, a := range addrs {
		if err := checkIP(a.IP); err != nil {
			return fmt.Errorf("host %q resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

// ValidateEndpointURL applies the production policy: https only.
func ValidateEndpointURL(ctx context.Context, rawURL string) error {
	return EndpointPolicy{RequireTLS: true}.Validate(ctx, rawURL)
}

func checkIP(ip net.IP) error {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedEndpoint)
	case ip.IsPrivate(), sharedAddressSpace.Contains(ip):
		return fmt.Errorf("%w: private address", ErrBlockedEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedEndpoint)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrBlockedEndpoint)
	}
	return nil
}
