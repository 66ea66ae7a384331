package ldapstream

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

// gssapiBinder is the extended bind capability of *ldap.Conn. Kerberos is
// only available on transports that expose it.
type gssapiBinder interface {
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
}

// kerberosBind performs a GSSAPI bind on the connection.
func kerberosBind(conn Conn, cfg *Config) error {
	binder, ok := conn.(gssapiBinder)
	if !ok {
		return fmt.Errorf("transport does not support GSSAPI bind")
	}

	gssapiClient, err := newGSSAPIClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := servicePrincipal(cfg)
	if err != nil {
		return err
	}

	if err := binder.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	return nil
}

// newGSSAPIClient creates a GSSAPI client from the configured credential
// source. Priority order: credential cache, keytab, password.
func newGSSAPIClient(cfg *Config) (ldap.GSSAPIClient, error) {
	krb5conf := cfg.KerberosConfig
	if krb5conf == "" {
		krb5conf = "/etc/krb5.conf"
	}

	if !fileExists(krb5conf) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s", krb5conf)
	}

	if cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache) {
		return gssapi.NewClientFromCCache(cfg.KerberosCCache, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab) {
		return gssapi.NewClientWithKeytab(cfg.BindDN, cfg.KerberosRealm, cfg.KerberosKeytab, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if cfg.BindDN != "" && cfg.BindPassword != "" {
		return gssapi.NewClientWithPassword(cfg.BindDN, cfg.KerberosRealm, cfg.BindPassword, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	return nil, fmt.Errorf("no suitable credentials found for Kerberos authentication")
}

// servicePrincipal constructs the LDAP SPN from the configured host, unless
// an explicit override is set.
func servicePrincipal(cfg *Config) (string, error) {
	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	hostname := cfg.Host
	if hostname == "" && cfg.URL != "" {
		hostname = hostFromURL(cfg.URL)
	}
	if hostname == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	// SPNs never include a port.
	if colon := strings.Index(hostname, ":"); colon != -1 {
		hostname = hostname[:colon]
	}

	return "ldap/" + hostname, nil
}

// hostFromURL extracts the host portion from an ldap:// or ldaps:// URL.
func hostFromURL(url string) string {
	rest := url
	if idx := strings.Index(rest, "://"); idx != -1 {
		rest = rest[idx+3:]
	}
	if idx := strings.IndexAny(rest, ":/"); idx != -1 {
		rest = rest[:idx]
	}
	return rest
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
