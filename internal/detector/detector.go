// Package detector holds the endpoint probes used to decide whether the
// tunnel is still serving.
package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// ErrUnreachable marks an expected connectivity failure: refused, reset,
// timed out or unresolvable. Callers count it toward the restart threshold.
var ErrUnreachable = errors.New("endpoint unreachable")

// Prober checks an endpoint once. It must be safe for concurrent use.
type Prober interface {
	Probe(ctx context.Context) error
	// Describe returns a human-readable description of the probe.
	Describe() string
}

// HTTPProbe issues a GET; any HTTP response, whatever its status, is success.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p HTTPProbe) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	c := p.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return nil
}

func (p HTTPProbe) Describe() string { return "http:" + p.URL }

// TCPProbe succeeds when a TCP connection to Addr can be opened.
type TCPProbe struct {
	Addr string
}

func (p TCPProbe) Probe(ctx context.Context) error {
	if _, _, err := net.SplitHostPort(p.Addr); err != nil {
		return fmt.Errorf("probe address %q: %w", p.Addr, err)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return conn.Close()
}

func (p TCPProbe) Describe() string { return "tcp:" + p.Addr }

// New builds the probe for mode ("http" or "tcp") against host:port.
func New(mode, host string, port int) (Prober, error) {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	switch mode {
	case "", "http":
		return HTTPProbe{URL: "http://" + addr}, nil
	case "tcp":
		return TCPProbe{Addr: addr}, nil
	default:
		return nil, fmt.Errorf("unknown health probe mode %q", mode)
	}
}
