// File: secure/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TLS context provisioning. Problems with key material are collected rather
// than returned so a controller without certificates still serves plain
// connections.

package secure

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/multierr"
)

// Config names the TLS material and policy.
type Config struct {
	CertFile   string
	KeyFile    string
	TrustFiles []string
	// CipherSuites lists crypto/tls suite names; empty keeps the defaults.
	CipherSuites []string
	// ClientAuth requires and verifies a client certificate on accepted
	// connections.
	ClientAuth bool
	// ServerName is used when verifying peers of outbound connections.
	ServerName         string
	InsecureSkipVerify bool
}

// Enabled reports whether any TLS material is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// Context holds the server and client TLS configurations built from Config.
type Context struct {
	server *tls.Config
	client *tls.Config
	errs   []error
}

// NewContext builds a context. It never fails; check Usable and Errors.
func NewContext(cfg Config) *Context {
	c := &Context{}
	if !cfg.Enabled() {
		c.errs = append(c.errs, errors.New("tls: no certificate configured"))
		return c
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("tls: load key pair: %w", err))
	}

	var pool *x509.CertPool
	if len(cfg.TrustFiles) > 0 {
		pool = x509.NewCertPool()
		for _, f := range cfg.TrustFiles {
			data, err := os.ReadFile(f)
			if err != nil {
				c.errs = append(c.errs, fmt.Errorf("tls: read trust file %s: %w", f, err))
				continue
			}
			if !pool.AppendCertsFromPEM(data) {
				c.errs = append(c.errs, fmt.Errorf("tls: no certificates in trust file %s", f))
			}
		}
		if pool.Equal(x509.NewCertPool()) {
			c.errs = append(c.errs, errors.New("tls: trust pool is empty"))
			pool = nil
		}
	} else if cfg.ClientAuth {
		c.errs = append(c.errs, errors.New("tls: client auth requires trust files"))
	}

	suites, err := cipherSuites(cfg.CipherSuites)
	if err != nil {
		c.errs = append(c.errs, err)
	}

	if cert.Certificate == nil || (cfg.ClientAuth && pool == nil) {
		return c
	}

	c.server = &tls.Config{
		Certificates: []tls.Certificate{cert},
		CipherSuites: suites,
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.ClientAuth {
		c.server.ClientAuth = tls.RequireAndVerifyClientCert
		c.server.ClientCAs = pool
	}
	c.client = &tls.Config{
		Certificates:       []tls.Certificate{cert},
		CipherSuites:       suites,
		MinVersion:         tls.VersionTLS12,
		RootCAs:            pool,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	return c
}

// FromTLS wraps prepared configurations. Either may be nil.
func FromTLS(server, client *tls.Config) *Context {
	return &Context{server: server, client: client}
}

func cipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	var (
		ids  []uint16
		errs error
	)
	for _, n := range names {
		id, ok := known[strings.TrimSpace(n)]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("tls: unknown cipher suite %q", n))
			continue
		}
		ids = append(ids, id)
	}
	return ids, errs
}

// Usable reports whether secure connections can be served.
func (c *Context) Usable() bool { return c != nil && c.server != nil }

// Errors lists the provisioning problems.
func (c *Context) Errors() []error {
	if c == nil {
		return nil
	}
	out := make([]error, 0, len(c.errs))
	for _, e := range c.errs {
		out = append(out, multierr.Errors(e)...)
	}
	return out
}

// Err combines Errors into one error, nil when there were none.
func (c *Context) Err() error { return multierr.Combine(c.Errors()...) }

// ServerEngine returns a record engine for an accepted connection.
func (c *Context) ServerEngine() (RecordEngine, error) {
	if c == nil || c.server == nil {
		return nil, errors.New("tls: server context unavailable")
	}
	return newTLSEngine(c.server, true), nil
}

// ClientEngine returns a record engine for an outbound connection.
func (c *Context) ClientEngine() (RecordEngine, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("tls: client context unavailable")
	}
	return newTLSEngine(c.client, false), nil
}
