package sysinfo

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityIsNeverEmpty(t *testing.T) {
	id := Identity(context.Background())
	assert.NotEmpty(t, id.Hostname)
	assert.NotNil(t, net.ParseIP(id.IP), "ip %q", id.IP)
}

func TestFQDNKeepsDottedNames(t *testing.T) {
	assert.Equal(t, "box.example.com", fqdn(context.Background(), "box.example.com"))
}
