package transfer

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// Timeouts bound the phases of a transfer independently.
type Timeouts struct {
	// Connect bounds dialing and the TLS handshake.
	Connect time.Duration
	// Write is the longest the body may stall without progress.
	Write time.Duration
	// Read bounds the wait for response headers once the body was sent.
	Read time.Duration
}

// DefaultTimeouts match the platform workers this engine replaces.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: 30 * time.Second,
		Write:   60 * time.Second,
		Read:    60 * time.Second,
	}
}

// DefaultHTTPClient creates an HTTP client for uploads. There is no overall
// timeout; each phase is bounded separately.
func DefaultHTTPClient(t Timeouts) *http.Client {
	dialer := &net.Dialer{
		Timeout:   t.Connect,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          50,
			MaxConnsPerHost:       20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   t.Connect,
			ResponseHeaderTimeout: t.Read,
			ExpectContinueTimeout: time.Second,
		},
	}
}

var errStalled = errors.New("transfer stalled")

// stallGuard cancels a request when its body is not read for longer than the
// write timeout.
type stallGuard struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	once    sync.Once
}

func newStallGuard(r io.Reader, timeout time.Duration, cancel context.CancelCauseFunc) *stallGuard {
	g := &stallGuard{r: r, timeout: timeout}
	if timeout > 0 {
		g.timer = time.AfterFunc(timeout, func() { cancel(errStalled) })
	}
	return g
}

func (g *stallGuard) Read(p []byte) (int, error) {
	n, err := g.r.Read(p)
	if g.timer != nil {
		if err != nil {
			g.stop()
		} else {
			g.timer.Reset(g.timeout)
		}
	}
	return n, err
}

func (g *stallGuard) stop() {
	g.once.Do(func() {
		if g.timer != nil {
			g.timer.Stop()
		}
	})
}
