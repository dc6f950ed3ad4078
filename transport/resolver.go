// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
)

// newResolver returns a resolver that queries servers in turn, or the system
// resolver when servers is empty.
func newResolver(servers []string) *net.Resolver {
	if len(servers) == 0 {
		return net.DefaultResolver
	}

	addrs := make([]string, len(servers))
	for i, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		addrs[i] = s
	}

	var next atomic.Uint32
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			server := addrs[int(next.Add(1)-1)%len(addrs)]
			var d net.Dialer
			return d.DialContext(ctx, network, server)
		},
	}
}

// resolve returns the broker address. A configured IP, or a hostname that is
// already an IP literal, skips DNS.
func resolve(ctx context.Context, r *net.Resolver, cfg Config) (netip.Addr, error) {
	if cfg.IP != "" {
		addr, err := netip.ParseAddr(cfg.IP)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, cfg.IP)
		}
		return addr.Unmap(), nil
	}
	if cfg.Hostname == "" {
		return netip.Addr{}, fmt.Errorf("%w: empty hostname", ErrInvalidAddress)
	}
	if addr, err := netip.ParseAddr(cfg.Hostname); err == nil {
		return addr.Unmap(), nil
	}

	addrs, err := r.LookupNetIP(ctx, "ip", cfg.Hostname)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to resolve %s: %w", cfg.Hostname, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrNoAddress, cfg.Hostname)
	}

	// Prefer IPv4, constrained networks rarely route v6.
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	return addrs[0], nil
}
