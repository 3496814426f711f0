package terminal

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"
)

// DefaultProbeTimeout bounds a single reachability probe.
const DefaultProbeTimeout = time.Second

// Prober answers port questions for the registry.
type Prober interface {
	// IsPortOpen reports whether something accepts TCP connections on
	// 127.0.0.1:port. Every failure collapses to false.
	IsPortOpen(ctx context.Context, port int) bool
	// FindFreePort returns the first port in [startPort, startPort+rangeSize)
	// that can currently be bound.
	FindFreePort(startPort, rangeSize int) (int, error)
}

// TCPProber probes the local TCP stack.
type TCPProber struct {
	Timeout time.Duration
}

// NewTCPProber creates a TCPProber. A non-positive timeout selects DefaultProbeTimeout.
func NewTCPProber(timeout time.Duration) *TCPProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &TCPProber{Timeout: timeout}
}

// IsPortOpen dials the port with a bounded timeout.
func (p *TCPProber) IsPortOpen(ctx context.Context, port int) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	if err := conn.Close(); err != nil {
		log.Printf("Failed to close probe connection to port %d: %v", port, err)
	}
	return true
}

// FindFreePort scans ascending and binds then releases a listener on each
// candidate; the first successful bind wins.
func (p *TCPProber) FindFreePort(startPort, rangeSize int) (int, error) {
	for port := startPort; port < startPort+rangeSize; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		if err := ln.Close(); err != nil {
			log.Printf("Failed to close listener: %v", err)
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w %d-%d", ErrNoPortAvailable, startPort, startPort+rangeSize-1)
}
