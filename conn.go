package ldapstream

import (
	"net"

	"github.com/go-ldap/ldap/v3"
)

// Conn is the wire capability the session layer drives. *ldap.Conn satisfies
// it; tests substitute scripted implementations.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Del(req *ldap.DelRequest) error
	ModifyDN(req *ldap.ModifyDNRequest) error
	IsClosing() bool
	Unbind() error
	Close() error
}

// DialFunc establishes a transport connection. The returned connection is not
// yet bound; the pool binds it before handing it out.
type DialFunc func(cfg *Config) (Conn, error)

// dialDirectory is the default dialer, connecting with go-ldap and upgrading
// to TLS when configured.
func dialDirectory(cfg *Config) (Conn, error) {
	url := cfg.serverURL()

	dialer := &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: cfg.KeepAlive,
	}

	var conn *ldap.Conn
	var err error

	if cfg.Secure {
		tlsConfig, tlsErr := cfg.buildTLSConfig()
		if tlsErr != nil {
			return nil, tlsErr
		}
		conn, err = ldap.DialURL(url, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(tlsConfig))
	} else {
		conn, err = ldap.DialURL(url, ldap.DialWithDialer(dialer))
		if err == nil && cfg.StartTLS {
			tlsConfig, tlsErr := cfg.buildTLSConfig()
			if tlsErr == nil {
				tlsErr = conn.StartTLS(tlsConfig)
			}
			if tlsErr != nil {
				conn.Close()
				return nil, tlsErr
			}
		}
	}

	if err != nil {
		return nil, err
	}

	conn.SetTimeout(cfg.Timeout)
	return conn, nil
}

// bindConn authenticates a freshly dialed connection using the configured
// method. An empty BindDN without Kerberos settings leaves the connection
// anonymous.
func bindConn(conn Conn, cfg *Config) error {
	if cfg.KerberosRealm != "" {
		return kerberosBind(conn, cfg)
	}

	if cfg.BindDN == "" {
		return nil
	}

	return conn.Bind(cfg.BindDN, cfg.BindPassword)
}
