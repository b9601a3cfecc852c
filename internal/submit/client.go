package submit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Client is one live connection handle to the inference endpoint.
type Client interface {
	// Do posts body and returns the HTTP status and response body. A non-nil
	// error means no HTTP response was obtained.
	Do(ctx context.Context, body []byte) (int, []byte, error)
	// Close releases the handle and any pooled connections.
	Close() error
}

// Factory opens fresh clients. The submitter calls Open again after a reset.
type Factory interface {
	Open() (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func() (Client, error)

func (f FactoryFunc) Open() (Client, error) { return f() }

// HTTPFactory builds clients with a private transport so a reset drops every
// pooled connection.
type HTTPFactory struct {
	URL     string
	APIKey  string
	Headers map[string]string
	Timeout time.Duration
}

// Open validates the endpoint and constructs a new client.
func (f *HTTPFactory) Open() (Client, error) {
	u, err := url.Parse(f.URL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint scheme must be http or https, got %q", u.Scheme)
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &httpClient{
		url:     u.String(),
		apiKey:  f.APIKey,
		headers: f.Headers,
		tr:      tr,
		hc:      &http.Client{Timeout: timeout, Transport: tr},
	}, nil
}

type httpClient struct {
	url     string
	apiKey  string
	headers map[string]string
	tr      *http.Transport
	hc      *http.Client
}

func (c *httpClient) Do(ctx context.Context, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func (c *httpClient) Close() error {
	c.tr.CloseIdleConnections()
	return nil
}
