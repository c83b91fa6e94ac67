// Package sysinfo names the machine in operator notifications.
package sysinfo

import (
	"context"
	"net"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/loykin/vktunnel/internal/tunnel"
)

const (
	fallbackHost = "localhost"
	fallbackIP   = "127.0.0.1"
	// probeAddr is only used to pick the outbound interface; nothing is sent.
	probeAddr = "8.8.8.8:80"
)

// Identity resolves the hostname and primary IP, falling back to localhost
// values when either cannot be determined.
func Identity(ctx context.Context) tunnel.Identity {
	return tunnel.Identity{Hostname: Hostname(ctx), IP: OutboundIP(ctx)}
}

// Hostname prefers the fully qualified name of the host.
func Hostname(ctx context.Context) string {
	name := ""
	if info, err := host.InfoWithContext(ctx); err == nil {
		name = info.Hostname
	}
	if name == "" {
		name, _ = os.Hostname()
	}
	if name == "" {
		return fallbackHost
	}
	return fqdn(ctx, name)
}

func fqdn(ctx context.Context, name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var r net.Resolver
	addrs, err := r.LookupHost(ctx, name)
	if err != nil {
		return name
	}
	for _, a := range addrs {
		names, err := r.LookupAddr(ctx, a)
		if err != nil {
			continue
		}
		for _, n := range names {
			n = strings.TrimSuffix(n, ".")
			if strings.HasPrefix(n, name+".") {
				return n
			}
		}
	}
	return name
}

// OutboundIP returns the local address the kernel would use to reach the
// internet.
func OutboundIP(ctx context.Context) string {
	var d net.Dialer
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := d.DialContext(ctx, "udp", probeAddr)
	if err != nil {
		return fallbackIP
	}
	defer func() { _ = conn.Close() }()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil && !addr.IP.IsUnspecified() {
		return addr.IP.String()
	}
	return fallbackIP
}
