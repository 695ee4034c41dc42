package limits

import (
	"net"
	"net/http"
	"time"
)

// sharedTransport is the one connection pool behind every outbound
// HTTP client of the process. The KV providers, the queue publisher,
// the D1 backend, and the chat client each talk to a small set of
// hosts over and over; a shared pool keeps those connections warm
// instead of re-dialing per subsystem.
var sharedTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          64,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: time.Second,
	ForceAttemptHTTP2:     true,
}

// NewHTTPClient returns a client over the shared connection pool.
// A zero |timeout| means no whole-request deadline; callers bound
// such requests with contexts instead.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: sharedTransport,
		Timeout:   timeout,
	}
}
