package downloader

import (
	"net"
	"net/http"
	"time"
)

const defaultHeaderTimeout = 30 * time.Second

// NewHTTPClient returns a client for document transfers. It has no overall
// Timeout: a body may stream for as long as it keeps arriving. Connection
// setup and the wait for response headers are bounded on the transport, and
// TCP keep-alives detect a peer that has gone away mid-body.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: headerTimeout,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}
