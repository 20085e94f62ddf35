// Package guard holds the input checks shared by the stylesheet fetcher and
// the collector: outbound URL safety and bounded body reads.
package guard

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

var (
	// ErrPrivateAddress is returned for URLs resolving to loopback,
	// link-local or private ranges.
	ErrPrivateAddress = errors.New("guard: url targets a private or loopback address")
	// ErrScheme is returned for anything but http and https.
	ErrScheme = errors.New("guard: only http and https urls are allowed")
	// ErrTooLarge is returned by ReadAll above its limit.
	ErrTooLarge = errors.New("guard: body too large")
)

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// Resolver looks up host addresses.
type Resolver interface {
	LookupHost(host string) ([]string, error)
}

type netResolver struct{}

func (netResolver) LookupHost(host string) ([]string, error) { return net.LookupHost(host) }

// CheckURL rejects non-HTTP URLs and URLs whose host is, or resolves to, a
// private address. A failed lookup passes; the fetch fails later anyway.
func CheckURL(raw string) error {
	return checkURL(raw, netResolver{})
}

func checkURL(raw string, res Resolver) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("guard: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return ErrScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("guard: %q has no host", raw)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if private(addr) {
			return ErrPrivateAddress
		}
		return nil
	}
	addrs, err := res.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if addr, err := netip.ParseAddr(a); err == nil && private(addr) {
			return ErrPrivateAddress
		}
	}
	return nil
}

func private(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return true
	}
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ReadAll reads at most limit bytes from r and fails with ErrTooLarge
// beyond.
func ReadAll(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}
