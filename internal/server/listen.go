package server

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// ListenNetwork picks the socket family for a bind address. The IPv6
// wildcard (and an empty address) gets a dual-stack socket; any other
// address listens only on the family it resolves to, using the first
// resolved address for host names.
func ListenNetwork(ctx context.Context, bind string) (string, error) {
	bind = strings.Trim(bind, "[]")
	if bind == "" {
		return "tcp", nil
	}

	ip := net.ParseIP(bind)
	if ip == nil {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, bind)
		if err != nil {
			return "", fmt.Errorf("resolving bind address %q: %w", bind, err)
		}
		if len(addrs) == 0 {
			return "", fmt.Errorf("bind address %q resolved to nothing", bind)
		}
		ip = addrs[0].IP
	}

	switch {
	case ip.To4() != nil:
		return "tcp4", nil
	case ip.IsUnspecified():
		return "tcp", nil
	default:
		return "tcp6", nil
	}
}
