package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crashrelay/internal/pool"
	"crashrelay/pkg/dsn"
)

// Timeout is applied to connecting and to waiting for the response.
const Timeout = 10 * time.Second

// ClientID identifies this client in the auth and User-Agent headers.
const ClientID = "crashrelay-go/1.0"

// ContentType of the POST body. Kept as text/html for compatibility with the
// receiving service.
const ContentType = "text/html; charset=utf-8"

var (
	// ErrTransport covers connect, DNS, TLS, timeout and read failures.
	ErrTransport = errors.New("transport failure")

	// ErrRejected is wrapped by *StatusError.
	ErrRejected = errors.New("rejected by server")
)

// StatusError is a non-200 answer from the endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", ErrRejected, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", ErrRejected, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrRejected }

// Sender performs one delivery attempt of a serialized event.
type Sender interface {
	Send(ctx context.Context, payload string) error
}

// HTTPSender POSTs payloads to the store URL of a DSN.
type HTTPSender struct {
	dsn    *dsn.DSN
	client *http.Client
	now    func() time.Time
}

// NewHTTPSender builds a sender with its own client. Certificate checks are
// disabled only when the DSN carries verify_ssl=0.
func NewHTTPSender(d *dsn.DSN) *HTTPSender {
	return NewHTTPSenderWithClient(d, NewHTTPClient(d.VerifyTLS()))
}

func NewHTTPSenderWithClient(d *dsn.DSN, client *http.Client) *HTTPSender {
	return &HTTPSender{dsn: d, client: client, now: time.Now}
}

// NewHTTPClient returns a client with the fixed connect and response
// timeouts. verifyTLS=false accepts any certificate chain and any host name.
func NewHTTPClient(verifyTLS bool) *http.Client {
	dialer := &net.Dialer{Timeout: Timeout}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   Timeout,
		ResponseHeaderTimeout: Timeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	if !verifyTLS {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opted in via verify_ssl=0
	}
	return &http.Client{Transport: tr}
}

// AuthHeader renders the X-Sentry-Auth value for a request sent at ts.
func AuthHeader(d *dsn.DSN, ts time.Time) string {
	var b strings.Builder
	b.WriteString("Sentry sentry_version=4,sentry_client=")
	b.WriteString(ClientID)
	b.WriteString(",sentry_timestamp=")
	b.WriteString(strconv.FormatInt(ts.UnixMilli(), 10))
	b.WriteString(",sentry_key=")
	b.WriteString(d.PublicKey())
	b.WriteString(",sentry_secret=")
	b.WriteString(d.SecretKey())
	return b.String()
}

// Send returns nil on status 200, a *StatusError for any other status and
// an error wrapping ErrTransport otherwise.
func (s *HTTPSender) Send(ctx context.Context, payload string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.dsn.StoreURL(), strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("X-Sentry-Auth", AuthHeader(s.dsn, s.now()))
	req.Header.Set("User-Agent", ClientID)
	req.Header.Set("Content-Type", ContentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	// the body only matters for logging
	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, 64*1024)
	_, readErr := io.Copy(buf, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(buf.String())}
	}
	if readErr != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransport, readErr)
	}
	return nil
}
