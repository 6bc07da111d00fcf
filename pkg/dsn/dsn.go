// Package dsn parses the endpoint descriptor that tells the pipeline where
// and how to deliver reports.
//
//	<scheme>[+<transport>]://<publicKey>:<secretKey>@<host>[:<port>]<basePath>/<projectId>[?options]
//
// The parsed DSN is read-only. Its base URI is computed once by Parse and
// reused for every request.
package dsn

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrMalformed is the sentinel wrapped by every parse failure.
var ErrMalformed = errors.New("malformed endpoint descriptor")

// MalformedError reports why a descriptor was rejected. Missing lists every
// required component that was absent, in a stable order.
type MalformedError struct {
	Missing []string
	Err     error
}

func (e *MalformedError) Error() string {
	var b strings.Builder
	b.WriteString(ErrMalformed.Error())
	if len(e.Missing) > 0 {
		b.WriteString(": missing ")
		b.WriteString(strings.Join(e.Missing, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

func (e *MalformedError) Unwrap() error { return e.Err }

// DSN is an immutable, validated endpoint descriptor.
type DSN struct {
	scheme    string
	settings  []string
	host      string
	port      int
	basePath  string
	projectID string
	publicKey string
	secretKey string
	options   map[string]string

	baseURI *url.URL
}

var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
}

// Parse validates descriptor and returns the DSN. Any failure, including a
// base URI that cannot be composed, is a *MalformedError.
func Parse(descriptor string) (*DSN, error) {
	u, err := url.Parse(strings.TrimSpace(descriptor))
	if err != nil {
		return nil, &MalformedError{Err: err}
	}

	d := &DSN{options: map[string]string{}}

	// "sentry+https" -> transport "https", settings ["sentry"]
	if u.Scheme != "" {
		parts := strings.Split(u.Scheme, "+")
		d.scheme = parts[len(parts)-1]
		d.settings = parts[:len(parts)-1]
	}

	if u.User != nil {
		d.publicKey = u.User.Username()
		d.secretKey, _ = u.User.Password()
	}

	d.host = u.Hostname()
	var portErr error
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			portErr = fmt.Errorf("invalid port %q", p)
		} else {
			d.port = n
		}
	} else {
		d.port = defaultPorts[d.scheme]
	}

	idx := strings.LastIndex(u.Path, "/") + 1
	d.basePath = u.Path[:idx]
	d.projectID = u.Path[idx:]

	for key, values := range u.Query() {
		if len(values) > 0 {
			d.options[key] = values[0]
		} else {
			d.options[key] = ""
		}
	}

	var missing []string
	if d.host == "" {
		missing = append(missing, "host")
	}
	if d.publicKey == "" {
		missing = append(missing, "publicKey")
	}
	if d.secretKey == "" {
		missing = append(missing, "secretKey")
	}
	if d.projectID == "" {
		missing = append(missing, "projectId")
	}
	if len(missing) > 0 || portErr != nil {
		return nil, &MalformedError{Missing: missing, Err: portErr}
	}

	if err := d.buildBaseURI(); err != nil {
		return nil, &MalformedError{Err: err}
	}
	return d, nil
}

// MustParse is Parse that panics on error. Intended for tests and constants.
func MustParse(descriptor string) *DSN {
	d, err := Parse(descriptor)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *DSN) buildBaseURI() error {
	if d.scheme == "" {
		return errors.New("missing scheme")
	}
	if d.port == 0 {
		return fmt.Errorf("no port given and no default port for scheme %q", d.scheme)
	}
	raw := (&url.URL{
		Scheme: d.scheme,
		Host:   net.JoinHostPort(d.host, strconv.Itoa(d.port)),
		Path:   d.basePath,
	}).String()

	// Round-trip through the parser so a composite we cannot re-read is rejected here
	// rather than on the first delivery.
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("compose base uri: %w", err)
	}
	d.baseURI = u
	return nil
}

func (d *DSN) Scheme() string    { return d.scheme }
func (d *DSN) Host() string      { return d.host }
func (d *DSN) Port() int         { return d.port }
func (d *DSN) BasePath() string  { return d.basePath }
func (d *DSN) ProjectID() string { return d.projectID }
func (d *DSN) PublicKey() string { return d.publicKey }
func (d *DSN) SecretKey() string { return d.secretKey }

// Settings returns the scheme prefix tags, e.g. ["sentry"] for "sentry+https".
func (d *DSN) Settings() []string {
	return append([]string(nil), d.settings...)
}

// Option returns the value of a descriptor query option.
func (d *DSN) Option(key string) (string, bool) {
	v, ok := d.options[key]
	return v, ok
}

// VerifyTLS reports whether server certificates must be verified. Only an
// explicit verify_ssl=0 (or false) turns verification off.
func (d *DSN) VerifyTLS() bool {
	v, ok := d.options["verify_ssl"]
	if !ok {
		return true
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return true
	}
	return b
}

// BaseURI returns scheme://host:port/basePath.
func (d *DSN) BaseURI() string {
	return d.baseURI.String()
}

// StoreURL is the endpoint events are POSTed to.
func (d *DSN) StoreURL() string {
	return d.BaseURI() + "api/" + d.projectID + "/store/"
}

// String never includes the credentials.
func (d *DSN) String() string {
	return "Dsn{uri=" + d.BaseURI() + "}"
}
