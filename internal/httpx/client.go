// Package httpx provides the HTTP client contract the gateway core depends
// on: context-cancellable fetches with streaming bodies and a bounded
// redirect policy.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// MaxRedirects is the redirect hop cap when following is enabled.
const MaxRedirects = 8

// Client executes a single HTTP round trip. The response body is a lazy,
// finite, non-restartable byte stream the caller must close.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a client.
type Options struct {
	// FollowRedirects enables automatic redirect following, capped at
	// MaxRedirects hops. Callers that need the original Range header
	// re-applied to a pre-signed Location follow redirects themselves.
	FollowRedirects bool

	// Timeout bounds a whole request including body read. Zero means no
	// intrinsic timeout; cancellation comes from the request context.
	Timeout time.Duration
}

type httpClient struct {
	client *http.Client
}

// New builds a client. The zero Options value follows no redirects; use
// Default() for the common follow-up-to-8 behavior.
func New(opts Options) Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	checkRedirect := func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if opts.FollowRedirects {
		checkRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", MaxRedirects)
			}
			return nil
		}
	}
	return &httpClient{
		client: &http.Client{
			Transport:     transport,
			Timeout:       opts.Timeout,
			CheckRedirect: checkRedirect,
		},
	}
}

// Default returns a redirect-following client with no intrinsic timeout.
func Default() Client {
	return New(Options{FollowRedirects: true})
}

// Follow executes req with a non-following client and walks up to
// MaxRedirects 3xx hops, re-applying the original headers (notably Range,
// which pre-signed URLs must see again) at every hop.
func Follow(client Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	for hops := 0; hops < MaxRedirects; hops++ {
		if resp.StatusCode < 300 || resp.StatusCode > 399 {
			return resp, nil
		}
		location := resp.Header.Get("Location")
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if location == "" {
			return nil, fmt.Errorf("redirect without Location")
		}
		target, err := resp.Request.URL.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("bad redirect target %q: %v", location, err)
		}
		next := req.Clone(req.Context())
		next.URL = target
		next.Host = ""
		next.Body = nil
		resp, err = client.Do(next)
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("stopped after %d redirects", MaxRedirects)
}

func (c *httpClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil || errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		return nil, err
	}
	return resp, nil
}
