package ldapstream

import (
	"context"
	"strings"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsNilConfig(t *testing.T) {
	_, err := New(nil)
	// No endpoint configured.
	require.Error(t, err)
}

func TestClientWriteOperations(t *testing.T) {
	dir := &fakeDirectory{}
	client := newTestClient(t, dir, nil)
	ctx := context.Background()

	require.NoError(t, client.Add(ctx, &AddRequest{
		DN:         "cn=new,dc=example,dc=org",
		Attributes: map[string][]string{"objectClass": {"person"}},
	}))

	require.NoError(t, client.Modify(ctx, &ModifyRequest{
		DN:                "cn=new,dc=example,dc=org",
		ReplaceAttributes: map[string][]string{"mail": {"new@example.org"}},
	}))

	require.NoError(t, client.Rename(ctx, "cn=new,dc=example,dc=org", "cn=renamed", "", true))

	require.NoError(t, client.Delete(ctx, "cn=renamed,dc=example,dc=org"))

	assert.Equal(t, []string{
		"add cn=new,dc=example,dc=org",
		"modify cn=new,dc=example,dc=org",
		"rename cn=new,dc=example,dc=org",
		"delete cn=renamed,dc=example,dc=org",
	}, dir.writes)

	// Every write went through one pooled connection.
	assert.Equal(t, 1, dir.dialCount())
	assert.Equal(t, 0, client.Stats().Busy)
}

func TestClientWriteValidation(t *testing.T) {
	dir := &fakeDirectory{}
	client := newTestClient(t, dir, nil)
	ctx := context.Background()

	assert.Error(t, client.Add(ctx, nil))
	assert.Error(t, client.Add(ctx, &AddRequest{}))
	assert.Error(t, client.Modify(ctx, nil))
	assert.Error(t, client.Delete(ctx, ""))
	assert.Error(t, client.Rename(ctx, "cn=a,dc=x", "", "", false))

	assert.Equal(t, 0, dir.dialCount())
}

func TestClientTransformHook(t *testing.T) {
	dir := &fakeDirectory{onSearch: servePages([]*ldap.Entry{
		dirEntry("cn=jane,dc=example,dc=org", attrDef{name: "cn", values: []string{"jane"}}),
	})}
	client := newTestClient(t, dir, func(cfg *Config) {
		cfg.Transform = func(rec *Record) {
			rec.SetValues("cn", []string{strings.ToUpper(rec.Value("cn"))})
		}
	})

	rec, err := client.Get(context.Background(), &SearchRequest{})
	require.NoError(t, err)
	assert.Equal(t, "JANE", rec.Value("cn"))
}

func TestBindConn(t *testing.T) {
	conn := &fakeConn{dir: &fakeDirectory{}}

	// Anonymous: no bind issued.
	require.NoError(t, bindConn(conn, &Config{}))
	assert.Empty(t, conn.bindUser)

	// Simple bind.
	require.NoError(t, bindConn(conn, &Config{BindDN: "cn=svc,dc=x", BindPassword: "pw"}))
	assert.Equal(t, "cn=svc,dc=x", conn.bindUser)

	// Kerberos requires a GSSAPI-capable transport.
	err := bindConn(conn, &Config{KerberosRealm: "EXAMPLE.ORG"})
	require.Error(t, err)
}
