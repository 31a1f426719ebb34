// Package transport builds the HTTP client used by the CalDAV backend and
// classifies the failures it returns.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/pimalaya/calendula/internal/calendar"
	"github.com/pimalaya/calendula/internal/metrics"
)

// DefaultTimeout bounds every request when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Options configures NewClient.
type Options struct {
	Timeout time.Duration
	// Insecure disables certificate verification.
	Insecure bool
	// CAFile adds a PEM bundle to the system roots.
	CAFile string
	// TLSConfig replaces the config built from Insecure and CAFile.
	TLSConfig *tls.Config
	// RateLimit paces requests per host, in requests per second. Zero disables pacing.
	RateLimit float64
	Burst     int
}

// NewClient returns an http.Client that never follows redirects on its own.
// The DAV layer follows them itself so that PROPFIND and REPORT keep their
// method and body.
func NewClient(opts Options) (*http.Client, error) {
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = buildTLSConfig(opts)
		if err != nil {
			return nil, err
		}
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = tlsConfig

	var rt http.RoundTripper = base
	if opts.RateLimit > 0 {
		rt = &pacedTransport{next: rt, pacer: NewHostPacer(opts.RateLimit, opts.Burst)}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &http.Client{
		Timeout:       timeout,
		Transport:     &instrumentedTransport{next: rt},
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}, nil
}

func buildTLSConfig(opts Options) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.Insecure {
		cfg.InsecureSkipVerify = true
	}
	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s: no certificates found", opts.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

type instrumentedTransport struct {
	next http.RoundTripper
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	metrics.ObserveDAVRequest(req.Method, status, start)
	return resp, err
}

// Classify converts an error returned by http.Client.Do into a
// *calendar.TransportError. Errors that already carry a category pass through.
func Classify(err error, uri string) error {
	if err == nil {
		return nil
	}
	var te *calendar.TransportError
	if errors.As(err, &te) {
		return err
	}
	var ae *calendar.AuthError
	if errors.As(err, &ae) {
		return err
	}
	return &calendar.TransportError{Kind: kindOf(err), URI: redact(uri), Err: err}
}

func kindOf(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return calendar.ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return calendar.ErrTimeout
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verify           *tls.CertificateVerificationError
		record           tls.RecordHeaderError
	)
	switch {
	case errors.As(err, &unknownAuthority),
		errors.As(err, &hostname),
		errors.As(err, &invalid),
		errors.As(err, &verify),
		errors.As(err, &record):
		return calendar.ErrTLS
	}
	return calendar.ErrConnectionFailed
}

// redact strips user info from a URI before it ends up in an error message.
func redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	u.User = nil
	return u.String()
}
