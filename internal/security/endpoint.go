package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrEndpointNotAllowed is wrapped by every webhook target rejection.
var ErrEndpointNotAllowed = errors.New("endpoint not allowed")

// blockedHosts are names that always point inside the deployment.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
}

// LookupFunc resolves a host name to addresses, like net.LookupHost.
type LookupFunc func(host string) ([]string, error)

// ValidateEndpointURL checks that a webhook target is a public http(s)
// address. The literal host and every resolved address must be outside
// loopback, private, link-local and unspecified ranges.
func ValidateEndpointURL(rawURL string) error {
	return validateEndpoint(rawURL, net.LookupHost)
}

func validateEndpoint(rawURL string, lookup LookupFunc) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: malformed URL", ErrEndpointNotAllowed)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrEndpointNotAllowed)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrEndpointNotAllowed)
	}
	if blockedHosts[strings.ToLower(host)] {
		return fmt.Errorf("%w: host %q", ErrEndpointNotAllowed, host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(host, ip)
	}

	addrs, err := lookup(host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %q", ErrEndpointNotAllowed, host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(host, ip); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkIP(host string, ip net.IP) error {
	var kind string
	switch {
	case ip.IsLoopback():
		kind = "loopback"
	case ip.IsPrivate():
		kind = "private"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		kind = "link-local"
	case ip.IsUnspecified():
		kind = "unspecified"
	default:
		return nil
	}
	return fmt.Errorf("%w: %q is a %s address (%s)", ErrEndpointNotAllowed, host, kind, ip)
}
