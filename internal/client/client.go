// Package client implements the device-side API clients: authorization,
// inventory submission, deployment polling, status reporting, and the
// resumable artifact download.
package client

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ocx/device-agent/internal/scripts"
)

// ErrUnauthorized is raised on any 401 from the device APIs. It unwinds the
// authorized state machine back to the unauthorized one.
var ErrUnauthorized = errors.New("the server rejected the authorization token")

const (
	apiTimeout            = 60 * time.Second
	dialTimeout           = 30 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 60 * time.Second
)

// NewHTTPClient builds the client used for the API requests. When
// serverCertificate is set the connection is pinned to that trust anchor;
// otherwise the system pool is used. Verification is never skipped.
func NewHTTPClient(serverCertificate string) (*http.Client, error) {
	transport, err := newTransport(serverCertificate)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport, Timeout: apiTimeout}, nil
}

// NewDownloadClient builds the client used for artifact downloads. It
// bounds the connect and header phases but places no deadline on the body,
// which can legitimately stream for a long time.
func NewDownloadClient(serverCertificate string) (*http.Client, error) {
	transport, err := newTransport(serverCertificate)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport}, nil
}

func newTransport(serverCertificate string) (*http.Transport, error) {
	tlsConfig, err := TLSConfig(serverCertificate)
	if err != nil {
		return nil, err
	}
	return &http.Transport{
		DialContext:           (&net.Dialer{Timeout: dialTimeout}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		TLSClientConfig:       tlsConfig,
	}, nil
}

// TLSConfig returns a config pinned to the given trust anchor, or nil for
// system trust when serverCertificate is empty.
func TLSConfig(serverCertificate string) (*tls.Config, error) {
	if serverCertificate == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(serverCertificate)
	if err != nil {
		return nil, fmt.Errorf("reading the server certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificate found in %s", serverCertificate)
	}
	return &tls.Config{RootCAs: pool}, nil
}

// flatten renders aggregated key=value data the way the server expects it:
// a single value stays a string, multiple values become an array.
func flatten(vals scripts.KeyValues) map[string]any {
	out := make(map[string]any, len(vals))
	for k, v := range vals {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = v
		}
	}
	return out
}
