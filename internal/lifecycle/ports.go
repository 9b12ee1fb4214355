// Package lifecycle manages server instances: finding a free port, locating
// the instance that owns a session, spawning new daemons, and watching the
// owning client processes so an abandoned instance tears itself down.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// AllocatePort scans [base, base+count) on host and returns the first port
// that can be bound. The probe listener is closed immediately; the small race
// against another allocator is acceptable because spawn failure falls back to
// discovery.
func AllocatePort(host string, base, count int) (int, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	for port := base; port < base+count; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", base, base+count-1)
}

// Prober answers "is there a healthy instance on this port, and does it know
// this session/pid" with short per-request timeouts.
type Prober struct {
	client *http.Client
	host   string
}

// NewProber returns a prober for instances on host with the given per-probe
// timeout. An empty host means localhost.
func NewProber(host string, timeout time.Duration) *Prober {
	if host == "" {
		host = "127.0.0.1"
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Prober{
		client: &http.Client{Timeout: timeout},
		host:   host,
	}
}

func (p *Prober) get(ctx context.Context, port int, path string) (int, bool) {
	url := fmt.Sprintf("http://%s:%d%s", p.host, port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	return resp.StatusCode, true
}

// Healthy reports whether an instance on port answers its health probe.
func (p *Prober) Healthy(ctx context.Context, port int) bool {
	code, ok := p.get(ctx, port, "/health")
	return ok && code == http.StatusOK
}

// OwnsSession reports whether the instance on port has a registry row for
// sessionID.
func (p *Prober) OwnsSession(ctx context.Context, port int, sessionID string) bool {
	code, ok := p.get(ctx, port, "/sessions/"+sessionID)
	return ok && code == http.StatusOK
}

// OwnsPID reports whether the instance on port has a session registered by
// the given client pid.
func (p *Prober) OwnsPID(ctx context.Context, port int, pid int) bool {
	code, ok := p.get(ctx, port, fmt.Sprintf("/instances/%d/settings", pid))
	return ok && code == http.StatusOK
}

// DiscoverServer probes [base, base+count) for a healthy instance that owns
// sessionID. Returns the port and true on a match.
func (p *Prober) DiscoverServer(ctx context.Context, sessionID string, base, count int) (int, bool) {
	for port := base; port < base+count; port++ {
		if ctx.Err() != nil {
			return 0, false
		}
		if !p.Healthy(ctx, port) {
			continue
		}
		if p.OwnsSession(ctx, port, sessionID) {
			return port, true
		}
	}
	return 0, false
}

// FindServerForPID probes the range for a healthy instance owning a session
// registered by pid. Used by soft-reset SessionStart to reuse the existing
// server.
func (p *Prober) FindServerForPID(ctx context.Context, pid int, base, count int) (int, bool) {
	for port := base; port < base+count; port++ {
		if ctx.Err() != nil {
			return 0, false
		}
		if !p.Healthy(ctx, port) {
			continue
		}
		if p.OwnsPID(ctx, port, pid) {
			return port, true
		}
	}
	return 0, false
}

// AnyHealthy returns the first healthy instance in the range, for best-effort
// auto-registration when a session has no known owner.
func (p *Prober) AnyHealthy(ctx context.Context, base, count int) (int, bool) {
	for port := base; port < base+count; port++ {
		if ctx.Err() != nil {
			return 0, false
		}
		if p.Healthy(ctx, port) {
			return port, true
		}
	}
	return 0, false
}
