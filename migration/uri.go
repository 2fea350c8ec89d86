package migration

import (
	"fmt"
	"net"
	"strings"
)

// NormalizeURI accepts only tcp: URIs. The legacy tcp:HOST:PORT shorthand
// (no "//") is rewritten to tcp://HOST:PORT; anything else is rejected.
func NormalizeURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "tcp:") {
		return "", invalidArgument(fmt.Sprintf("unsupported migration URI scheme: %q", uri))
	}
	rest := uri[len("tcp:"):]
	if strings.HasPrefix(rest, "//") {
		return uri, nil
	}
	return "tcp://" + rest, nil
}

// HostFromURI extracts the bare host from a normalized tcp://HOST:PORT
// migration URI, for building NBD export URLs against the same
// destination the main migration will target.
func HostFromURI(uri string) (string, error) {
	rest := strings.TrimPrefix(uri, "tcp://")
	host, _, err := net.SplitHostPort(rest)
	if err != nil {
		return "", invalidArgument(fmt.Sprintf("extracting host from migration URI %q: %v", uri, err))
	}
	return host, nil
}

// GenerateURI builds a destination URI from this host's own resolved
// hostname and a port acquired from the pool, rejecting a hostname that
// resolves to localhost (an auto-generated URI nobody but this host could
// dial is worse than failing loudly).
func GenerateURI(hostname string, port int) (string, error) {
	if hostname == "" {
		return "", invalidArgument("cannot generate a migration URI: no local hostname available")
	}
	addrs, err := net.LookupHost(hostname)
	if err != nil {
		return "", invalidArgument(fmt.Sprintf("resolving local hostname %q: %v", hostname, err))
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.IsLoopback() {
			return "", invalidArgument(fmt.Sprintf("auto-generated migration URI would resolve to localhost via %q", hostname))
		}
	}
	return fmt.Sprintf("tcp://%s:%d", hostname, port), nil
}
