package tools

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// checkSSRF rejects URLs that point at internal infrastructure: loopback,
// RFC1918/ULA ranges, link-local (cloud metadata endpoints live there), and
// unspecified addresses. Hostnames are resolved and every returned address
// must pass; redirects are re-checked by the caller.
func checkSSRF(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("missing hostname")
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("localhost is not allowed")
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIPAllowed(ip, host)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("no addresses for %s", host)
	}
	for _, ip := range ips {
		if err := checkIPAllowed(ip, host); err != nil {
			return err
		}
	}
	return nil
}

func checkIPAllowed(ip net.IP, host string) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%s resolves to a loopback address", host)
	case ip.IsPrivate():
		return fmt.Errorf("%s resolves to a private address", host)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%s resolves to a link-local address", host)
	case ip.IsUnspecified():
		return fmt.Errorf("%s resolves to an unspecified address", host)
	case ip.IsMulticast():
		return fmt.Errorf("%s resolves to a multicast address", host)
	}
	return nil
}
