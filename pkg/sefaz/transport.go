package sefaz

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport posts a SOAP envelope to a clearinghouse service URL and
// returns the raw response body. Implementations must not retry.
type Transport interface {
	Post(ctx context.Context, url string, envelope []byte) ([]byte, error)
}

// HTTPSConfig contains transport configuration for the clearinghouse
// connection. SEFAZ endpoints require TLS 1.2 or newer and, in
// production, a client certificate issued under ICP-Brasil.
type HTTPSConfig struct {
	MinTLSVersion   uint16
	Certificates    []tls.Certificate
	Timeout         time.Duration
	IdleConnTimeout time.Duration
}

// DefaultHTTPSConfig returns a default transport configuration.
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   tls.VersionTLS12,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
	}
}

// HTTPSTransport posts SOAP 1.2 envelopes over HTTPS.
type HTTPSTransport struct {
	client *http.Client
}

// NewHTTPSTransport creates an HTTPS transport for the clearinghouse.
func NewHTTPSTransport(config *HTTPSConfig) *HTTPSTransport {
	if config == nil {
		config = DefaultHTTPSConfig()
	}

	tlsConfig := &tls.Config{
		MinVersion:   config.MinTLSVersion,
		Certificates: config.Certificates,
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
	}

	return &HTTPSTransport{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
	}
}

// Post sends a SOAP envelope and returns the response body.
func (t *HTTPSTransport) Post(ctx context.Context, url string, envelope []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")
	req.Header.Set("User-Agent", "bedm/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return body, nil
}
