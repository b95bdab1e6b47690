package broker

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// resolveZMQAddress rewrites a zmq endpoint's hostname to an IP address when
// the endpoint names a port, leaving endpoints without a port, wildcard hosts
// (e.g. "tcp://*:5555") and hosts that fail to resolve untouched. Grounded on
// drone-ci-butler's networking.resolve_zmq_address.
func resolveZMQAddress(address string) (string, error) {
	parsed, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parse zmq address %q: %w", address, err)
	}

	host := parsed.Host
	hostname := host
	port := ""
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		hostname = host[:idx]
		port = host[idx+1:]
	}

	if port == "" {
		return address, nil
	}

	if hostname == "*" || hostname == "" {
		return address, nil
	}

	addrs, err := net.LookupHost(hostname)
	if err != nil || len(addrs) == 0 {
		return address, nil
	}

	netloc := addrs[0] + ":" + port
	return parsed.Scheme + "://" + netloc, nil
}
