// Package health runs liveness probes against worker processes. A probe is
// a pure call: it touches the network or runs a command, reports the result,
// and mutates nothing — the pool decides what to do with it.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/tomyedwab/poolhub/internal/config"
)

// Result is the outcome of a single probe. Reachable distinguishes a
// worker that answered but failed (Unhealthy) from one the probe could not
// reach at all (Unreachable).
type Result struct {
	Pass      bool
	Reachable bool
	Latency   time.Duration
	Err       error
}

// Prober performs one bounded liveness check against a worker endpoint.
type Prober interface {
	// Probe checks the worker listening on host:port. It returns within the
	// probe's configured timeout; a probe that outlives its deadline is
	// reported as a failure, never left hanging.
	Probe(ctx context.Context, host string, port int) Result
}

// New builds the prober for a health check descriptor. The descriptor must
// have passed config validation.
func New(check config.HealthCheck) Prober {
	switch check.Kind {
	case config.CheckHTTP:
		return &httpProber{
			path: check.Target,
			client: &http.Client{
				Timeout: check.Timeout,
			},
		}
	case config.CheckCommand:
		return &commandProber{command: check.Target, timeout: check.Timeout}
	default:
		return &tcpProber{timeout: check.Timeout}
	}
}

// tcpProber passes iff a TCP connection completes within the timeout.
type tcpProber struct {
	timeout time.Duration
}

func (p *tcpProber) Probe(ctx context.Context, host string, port int) Result {
	start := time.Now()
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	latency := time.Since(start)
	if err != nil {
		return Result{Pass: false, Reachable: false, Latency: latency, Err: fmt.Errorf("tcp probe: %w", err)}
	}
	conn.Close()
	return Result{Pass: true, Reachable: true, Latency: latency}
}

// httpProber passes iff GET http://host:port<path> returns a 2xx status
// within the timeout.
type httpProber struct {
	path   string
	client *http.Client
}

func (p *httpProber) Probe(ctx context.Context, host string, port int) Result {
	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(host, fmt.Sprintf("%d", port)), p.path)

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Pass: false, Err: fmt.Errorf("http probe: building request: %w", err)}
	}

	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		// Connection refused, timeout, reset: the worker is unreachable.
		return Result{Pass: false, Reachable: false, Latency: latency, Err: fmt.Errorf("http probe: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{Pass: false, Reachable: true, Latency: latency, Err: fmt.Errorf("http probe: %s returned status %s", url, resp.Status)}
	}
	return Result{Pass: true, Reachable: true, Latency: latency}
}

// commandProber passes iff the configured shell command exits 0 within the
// timeout. The worker's address is exported as HOST and PORT so one command
// can probe any instance of the pool.
type commandProber struct {
	command string
	timeout time.Duration
}

func (p *commandProber) Probe(ctx context.Context, host string, port int) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", p.command)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("HOST=%s", host),
		fmt.Sprintf("PORT=%d", port),
	)

	start := time.Now()
	err := cmd.Run()
	latency := time.Since(start)
	if ctx.Err() == context.DeadlineExceeded {
		return Result{Pass: false, Reachable: false, Latency: latency, Err: fmt.Errorf("command probe: timed out after %s", p.timeout)}
	}
	if err != nil {
		return Result{Pass: false, Reachable: true, Latency: latency, Err: fmt.Errorf("command probe: %w", err)}
	}
	return Result{Pass: true, Reachable: true, Latency: latency}
}
