package modbus

import (
	"context"
	"net"
	"sort"
)

// ResolveEndpoints resolves host:port (or a bare host, taking defaultPort)
// into the set of TCP addresses it names, sorted and de-duplicated, mirroring
// network.cpp's resolve_endpoint: DNS can return the same address through
// multiple records, and callers (the client's connect-to-first-reachable
// logic) need a stable, duplicate-free order to iterate.
func ResolveEndpoints(ctx context.Context, host, defaultPort string) ([]*net.TCPAddr, error) {
	_, _, err := net.SplitHostPort(host)
	target := host
	if err != nil {
		target = net.JoinHostPort(host, defaultPort)
	}

	h, port, err := net.SplitHostPort(target)
	if err != nil {
		return nil, wrapErrno(KindAddressResolution, "split host port", err)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, h)
	if err != nil {
		return nil, wrapErrno(KindAddressResolution, "lookup", err)
	}
	if len(ips) == 0 {
		return nil, newErrorf(KindAddressResolution, "no addresses found for %q", h)
	}

	portNum, err := net.DefaultResolver.LookupPort(ctx, "tcp", port)
	if err != nil {
		return nil, wrapErrno(KindAddressResolution, "lookup port", err)
	}

	seen := make(map[string]bool, len(ips))
	addrs := make([]*net.TCPAddr, 0, len(ips))
	for _, ip := range ips {
		a := &net.TCPAddr{IP: ip.IP, Port: portNum, Zone: ip.Zone}
		key := a.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		addrs = append(addrs, a)
	}

	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].String() < addrs[j].String()
	})
	return addrs, nil
}
