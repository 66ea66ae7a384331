package ldapstream

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
)

// Pool limits.
const (
	// MaxPoolLimit is the maximum allowed connections in a pool. Staying well
	// below typical directory server connection limits protects both sides
	// from socket exhaustion.
	MaxPoolLimit = 100

	// DefaultPageSize is the wire page size applied when a search request
	// does not specify one. Paging is always enabled internally; an unpaged
	// search puts unbounded memory pressure on some directory servers.
	DefaultPageSize = 200

	// MaxFiltersPerBatch caps the number of identity filters coalesced into a
	// single OR-filter search, to respect server-side filter size limits.
	MaxFiltersPerBatch = 100
)

// Config holds the full configuration surface of a Client.
type Config struct {
	// Connection settings. URL takes precedence over Host/Port/Secure.
	URL     string
	Host    string
	Port    int           `default:"389"`
	Secure  bool          // connect with LDAPS instead of plain LDAP
	BaseDN  string        // default search base when a request leaves it empty
	Timeout time.Duration `default:"30s"`

	// Authentication settings. An empty BindDN skips the bind (anonymous).
	BindDN       string
	BindPassword string

	// Kerberos settings; a non-empty realm selects GSSAPI bind.
	KerberosRealm  string
	KerberosKeytab string
	KerberosCCache string
	KerberosConfig string
	KerberosSPN    string

	// TLS settings.
	StartTLS      bool
	TLSConfig     *tls.Config
	TLSCACertFile string
	TLSCACert     string

	// Pool settings. IdleTimeout of zero disables idle eviction.
	PoolSize    int           `default:"5"`
	IdleTimeout time.Duration
	KeepAlive   time.Duration

	// Readiness probe settings. WaitAttempts of zero retries until the
	// context is cancelled.
	WaitInterval time.Duration `default:"2s"`
	WaitAttempts int

	// Search settings.
	PageSize     uint32        `default:"200"`
	BatchSize    int           `default:"100"`
	BatchDelay   time.Duration `default:"2ms"`
	PreserveCase bool          `default:"true"` // keep declared attribute casing in JSON projection
	BinaryAttrs  []string      // attribute names treated as binary, in addition to the built-in set
	Transform    func(*Record) // per-record mutation hook, applied before a Record is emitted

	// Logger receives pool and stream events; nil discards them.
	Logger Logger

	// Dial overrides how transport connections are established. Nil uses the
	// go-ldap dialer with the settings above.
	Dial DialFunc
}

// DefaultConfig returns a configuration with secure defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		// Static tags; cannot fail at runtime.
		panic(err)
	}
	return cfg
}

// applyDefaults fills zero-valued fields from the struct tags.
func (c *Config) applyDefaults() error {
	return defaults.Set(c)
}

// validate checks the configuration for internal consistency.
func (c *Config) validate() error {
	if c.PoolSize <= 0 {
		return errors.New("PoolSize must be positive")
	}

	if c.PoolSize > MaxPoolLimit {
		return fmt.Errorf("PoolSize too high (max %d)", MaxPoolLimit)
	}

	if c.Timeout <= 0 {
		return errors.New("Timeout must be positive")
	}

	if c.IdleTimeout < 0 {
		return errors.New("IdleTimeout cannot be negative")
	}

	if c.PageSize == 0 {
		return errors.New("PageSize must be positive")
	}

	if c.BatchSize <= 0 || c.BatchSize > 1000 {
		return errors.New("BatchSize must be between 1 and 1000")
	}

	if c.WaitInterval <= 0 {
		return errors.New("WaitInterval must be positive")
	}

	if c.Dial == nil && c.URL == "" && c.Host == "" {
		return errors.New("either URL or Host must be specified")
	}

	return nil
}

// serverURL returns the transport URL derived from the configuration.
func (c *Config) serverURL() string {
	if c.URL != "" {
		return c.URL
	}

	scheme := "ldap"
	port := c.Port
	if c.Secure {
		scheme = "ldaps"
		if port == 0 || port == 389 {
			port = 636
		}
	}

	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, port)
}

// logger returns the configured logger or a discard logger.
func (c *Config) logger() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return nopLogger{}
}

// buildTLSConfig assembles the TLS configuration for StartTLS or LDAPS,
// loading a custom CA bundle when one is configured.
func (c *Config) buildTLSConfig() (*tls.Config, error) {
	tlsConfig := c.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsConfig = tlsConfig.Clone()
	}

	if c.TLSCACertFile != "" || c.TLSCACert != "" {
		pool, err := buildCertPool(c.TLSCACertFile, c.TLSCACert)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	if tlsConfig.ServerName == "" && !tlsConfig.InsecureSkipVerify && c.Host != "" {
		tlsConfig.ServerName = c.Host
	}

	return tlsConfig, nil
}

// buildCertPool builds a certificate pool from the system roots plus an
// optional custom CA given as a file path or PEM content.
func buildCertPool(caCertFile, caCert string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}

	content := caCert
	if caCertFile != "" {
		data, err := os.ReadFile(caCertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		content = string(data)
	}

	if content != "" {
		if !pool.AppendCertsFromPEM([]byte(content)) {
			return nil, errors.New("invalid PEM format in CA certificate")
		}
	}

	return pool, nil
}
