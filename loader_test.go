package ldapstream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orgEntries(n int) []*ldap.Entry {
	entries := make([]*ldap.Entry, 0, n)
	for i := range n {
		dn := fmt.Sprintf("cn=user%03d,ou=people,dc=example,dc=org", i)
		entries = append(entries, dirEntry(dn, attrDef{name: "cn", values: []string{fmt.Sprintf("user%03d", i)}}))
	}
	return entries
}

func TestLoadCoalescesConcurrentLookups(t *testing.T) {
	entries := orgEntries(250)
	dir := &fakeDirectory{onSearch: serveTree(entries)}
	client := newTestClient(t, dir, func(cfg *Config) {
		// A wide window so every lookup below lands in the same burst.
		cfg.BatchDelay = 100 * time.Millisecond
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := client.Load(ctx, entry.DN, "cn")
			if assert.NoError(t, err) {
				assert.Equal(t, entry.DN, rec.DN)
			}
		}()
	}
	wg.Wait()

	// 250 identities against one parent, 100 filters per search.
	assert.Equal(t, 3, dir.searchCount())
}

func TestLoadReportsMissingEntry(t *testing.T) {
	dir := &fakeDirectory{onSearch: serveTree(orgEntries(2))}
	client := newTestClient(t, dir, nil)

	_, err := client.Load(context.Background(), "cn=ghost,ou=people,dc=example,dc=org")
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFoundError(err))
}

func TestLoadRejectsEmptyDN(t *testing.T) {
	dir := &fakeDirectory{}
	client := newTestClient(t, dir, nil)

	_, err := client.Load(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, 0, dir.searchCount())
}

func TestLoadSeparatesBatchesByParent(t *testing.T) {
	entries := []*ldap.Entry{
		dirEntry("cn=a,ou=people,dc=example,dc=org", attrDef{name: "cn", values: []string{"a"}}),
		dirEntry("cn=b,ou=groups,dc=example,dc=org", attrDef{name: "cn", values: []string{"b"}}),
	}
	dir := &fakeDirectory{onSearch: serveTree(entries)}
	client := newTestClient(t, dir, func(cfg *Config) { cfg.BatchDelay = 50 * time.Millisecond })
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Load(ctx, entry.DN)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, dir.searchCount())

	for _, req := range dir.searches {
		assert.Equal(t, ldap.ScopeSingleLevel, req.Scope)
	}
}

func TestLoadSeparatesBatchesByAttributeSet(t *testing.T) {
	entries := orgEntries(2)
	dir := &fakeDirectory{onSearch: serveTree(entries)}
	client := newTestClient(t, dir, func(cfg *Config) { cfg.BatchDelay = 50 * time.Millisecond })
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := client.Load(ctx, entries[0].DN, "cn")
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := client.Load(ctx, entries[1].DN, "mail")
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.Equal(t, 2, dir.searchCount())
}

func TestLoadFullBatchDispatchesImmediately(t *testing.T) {
	entries := orgEntries(2)
	dir := &fakeDirectory{onSearch: serveTree(entries)}
	client := newTestClient(t, dir, func(cfg *Config) {
		cfg.BatchSize = 2
		cfg.BatchDelay = time.Hour // dispatch must not depend on the timer
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Load(ctx, entry.DN)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, dir.searchCount())
}

func TestLoadDeduplicatesSameDN(t *testing.T) {
	entries := orgEntries(1)
	dir := &fakeDirectory{onSearch: serveTree(entries)}
	client := newTestClient(t, dir, func(cfg *Config) { cfg.BatchDelay = 50 * time.Millisecond })
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := client.Load(ctx, entries[0].DN)
			if assert.NoError(t, err) {
				assert.Equal(t, entries[0].DN, rec.DN)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, dir.searchCount())
}

func TestLoadHonorsCallerContext(t *testing.T) {
	dir := &fakeDirectory{onSearch: serveTree(nil)}
	client := newTestClient(t, dir, func(cfg *Config) { cfg.BatchDelay = time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Load(ctx, "cn=a,ou=people,dc=example,dc=org")
	require.ErrorIs(t, err, context.Canceled)
}

func TestLoadManySkipsMissingEntries(t *testing.T) {
	entries := []*ldap.Entry{
		dirEntry("cn=a,ou=people,dc=example,dc=org", attrDef{name: "cn", values: []string{"a"}}),
		dirEntry("cn=b,ou=people,dc=example,dc=org", attrDef{name: "cn", values: []string{"b"}}),
		dirEntry("cn=c,ou=groups,dc=example,dc=org", attrDef{name: "cn", values: []string{"c"}}),
	}
	dir := &fakeDirectory{onSearch: serveTree(entries)}
	client := newTestClient(t, dir, nil)

	dns := []string{
		entries[0].DN,
		entries[1].DN,
		entries[2].DN,
		"cn=ghost,ou=people,dc=example,dc=org",
	}

	records, err := client.loader.LoadMany(context.Background(), dns, []string{"cn"})
	require.NoError(t, err)
	assert.Len(t, records, 3)

	// Two parents, so two searches.
	assert.Equal(t, 2, dir.searchCount())
}

func TestLoadManyEmptyInput(t *testing.T) {
	dir := &fakeDirectory{}
	client := newTestClient(t, dir, nil)

	records, err := client.loader.LoadMany(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Nil(t, records)
	assert.Equal(t, 0, dir.searchCount())
}

func TestIdentityFilter(t *testing.T) {
	assert.Equal(t,
		"(distinguishedName=cn=a,dc=x)",
		identityFilter([]string{"cn=a,dc=x"}))

	assert.Equal(t,
		"(|(distinguishedName=cn=a,dc=x)(distinguishedName=cn=b,dc=x))",
		identityFilter([]string{"cn=a,dc=x", "cn=b,dc=x"}))

	// Filter metacharacters in DNs must be escaped.
	assert.Equal(t,
		`(distinguishedName=cn=a\28b\29,dc=x)`,
		identityFilter([]string{"cn=a(b),dc=x"}))
}

func TestAttrsKey(t *testing.T) {
	assert.Equal(t, "*", attrsKey(nil))
	assert.Equal(t, "cn,mail", attrsKey([]string{"mail", "CN"}))
	assert.Equal(t, attrsKey([]string{"cn", "mail"}), attrsKey([]string{"Mail", "Cn"}))
}

func TestParentDN(t *testing.T) {
	tests := []struct {
		dn   string
		want string
	}{
		{"cn=a,ou=people,dc=example,dc=org", "ou=people,dc=example,dc=org"},
		{"cn=a, ou=people,dc=example,dc=org", "ou=people,dc=example,dc=org"},
		{`cn=Doe\, Jane,ou=people,dc=example,dc=org`, "ou=people,dc=example,dc=org"},
		{"dc=org", ""},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parentDN(tt.dn), "dn %q", tt.dn)
	}
}
