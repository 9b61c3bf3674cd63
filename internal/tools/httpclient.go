package tools

import (
	"net/http"
	"time"
)

const (
	defaultPoolSize    = 4
	defaultToolTimeout = 10 * time.Second
	maxHeaderWait      = 30 * time.Second
)

// NewToolHTTPClient returns the shared client for webhook and booking calls.
// callTimeout bounds one whole tool call (TOOL_TIMEOUT); the transport never
// waits longer than that for response headers.
func NewToolHTTPClient(poolSize int, callTimeout time.Duration) *http.Client {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	if callTimeout <= 0 {
		callTimeout = defaultToolTimeout
	}
	return &http.Client{
		Timeout: callTimeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: min(callTimeout, maxHeaderWait),
			ForceAttemptHTTP2:     true,
		},
	}
}
