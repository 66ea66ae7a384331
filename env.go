package ldapstream

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variable names recognized by ConfigFromEnv. Every
// configuration option has a fallback here so short-lived tools can run with
// zero explicit configuration.
const (
	EnvURL           = "LDAP_URL"
	EnvHost          = "LDAP_HOST"
	EnvPort          = "LDAP_PORT"
	EnvSecure        = "LDAP_SECURE"
	EnvStartTLS      = "LDAP_STARTTLS"
	EnvCACertFile    = "LDAP_CA_CERT_FILE"
	EnvBaseDN        = "LDAP_BASE_DN"
	EnvBindDN        = "LDAP_BIND_DN"
	EnvBindPassword  = "LDAP_BIND_PASSWORD"
	EnvPoolSize      = "LDAP_POOL_SIZE"
	EnvIdleTimeout   = "LDAP_IDLE_TIMEOUT"
	EnvKeepAlive     = "LDAP_KEEPALIVE"
	EnvPageSize      = "LDAP_PAGE_SIZE"
	EnvPreserveCase  = "LDAP_PRESERVE_CASE"
	EnvKerberosRealm = "LDAP_KERBEROS_REALM"
)

// ConfigFromEnv builds a configuration from environment variables, loading a
// .env file first when one is present. Unset variables leave the defaults in
// place.
func ConfigFromEnv() (*Config, error) {
	// A missing .env file is not an error; explicit environment wins anyway.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	cfg.URL = envString(EnvURL, cfg.URL)
	cfg.Host = envString(EnvHost, cfg.Host)
	cfg.BaseDN = envString(EnvBaseDN, cfg.BaseDN)
	cfg.BindDN = envString(EnvBindDN, cfg.BindDN)
	cfg.BindPassword = envString(EnvBindPassword, cfg.BindPassword)
	cfg.TLSCACertFile = envString(EnvCACertFile, cfg.TLSCACertFile)
	cfg.KerberosRealm = envString(EnvKerberosRealm, cfg.KerberosRealm)

	var err error
	if cfg.Port, err = envInt(EnvPort, cfg.Port); err != nil {
		return nil, err
	}
	if cfg.PoolSize, err = envInt(EnvPoolSize, cfg.PoolSize); err != nil {
		return nil, err
	}
	if cfg.Secure, err = envBool(EnvSecure, cfg.Secure); err != nil {
		return nil, err
	}
	if cfg.StartTLS, err = envBool(EnvStartTLS, cfg.StartTLS); err != nil {
		return nil, err
	}
	if cfg.PreserveCase, err = envBool(EnvPreserveCase, cfg.PreserveCase); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout, err = envSeconds(EnvIdleTimeout, cfg.IdleTimeout); err != nil {
		return nil, err
	}
	if cfg.KeepAlive, err = envSeconds(EnvKeepAlive, cfg.KeepAlive); err != nil {
		return nil, err
	}

	pageSize, err := envInt(EnvPageSize, int(cfg.PageSize))
	if err != nil {
		return nil, err
	}
	cfg.PageSize = uint32(pageSize)

	return cfg, nil
}

func envString(name, fallback string) string {
	if value, ok := os.LookupEnv(name); ok {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return fallback, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return parsed, nil
}

func envBool(name string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return fallback, nil
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return parsed, nil
}

// envSeconds parses a duration given as whole seconds.
func envSeconds(name string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return fallback, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return time.Duration(parsed) * time.Second, nil
}
