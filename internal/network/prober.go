// Package network connectivity probing primitive.
package network

import (
	"context"
	"net/http"
	"time"
)

// Prober reports whether the device currently has connectivity.
type Prober interface {
	// Probe returns the current connectivity state. An error means the
	// probe itself could not run, not that the device is offline.
	Probe(ctx context.Context) (bool, error)
}

// HTTPProber checks connectivity with a HEAD request against a
// generate-204-style endpoint.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber creates an HTTPProber for the given endpoint.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		url: url,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Probe performs the HEAD request. Any transport failure means offline; any
// HTTP response at all means the network path is up.
func (p *HTTPProber) Probe(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, nil
	}
	resp.Body.Close()

	return true, nil
}
