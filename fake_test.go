package ldapstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"
)

// searchHandler scripts a fake directory's answer to one search.
type searchHandler func(conn *fakeConn, req *ldap.SearchRequest) (*ldap.SearchResult, error)

// fakeDirectory is an in-memory stand-in for a directory server. It counts
// dials, records every search, and delegates search semantics to a handler.
type fakeDirectory struct {
	mu        sync.Mutex
	dials     int
	failDials int // fail this many dials before succeeding
	conns     []*fakeConn
	searches  []*ldap.SearchRequest
	writes    []string
	onSearch  searchHandler
}

func (d *fakeDirectory) dial(*Config) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.failDials > 0 {
		d.failDials--
		return nil, fmt.Errorf("connection refused")
	}

	conn := &fakeConn{dir: d}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDirectory) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDirectory) searchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.searches)
}

func (d *fakeDirectory) config() *Config {
	return &Config{
		Host:   "directory.test",
		BaseDN: "dc=example,dc=org",
		Dial:   d.dial,
	}
}

// fakeConn is a scripted transport connection.
type fakeConn struct {
	dir *fakeDirectory

	mu       sync.Mutex
	closing  bool
	closed   bool
	unbound  bool
	bindUser string
	bindErr  error
}

func (c *fakeConn) Bind(username, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindUser = username
	return c.bindErr
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.dir.mu.Lock()
	c.dir.searches = append(c.dir.searches, req)
	handler := c.dir.onSearch
	c.dir.mu.Unlock()

	if handler == nil {
		return &ldap.SearchResult{}, nil
	}
	return handler(c, req)
}

func (c *fakeConn) recordWrite(op, dn string) error {
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()
	c.dir.writes = append(c.dir.writes, op+" "+dn)
	return nil
}

func (c *fakeConn) Add(req *ldap.AddRequest) error { return c.recordWrite("add", req.DN) }

func (c *fakeConn) Modify(req *ldap.ModifyRequest) error { return c.recordWrite("modify", req.DN) }

func (c *fakeConn) Del(req *ldap.DelRequest) error { return c.recordWrite("delete", req.DN) }

func (c *fakeConn) ModifyDN(req *ldap.ModifyDNRequest) error {
	return c.recordWrite("rename", req.DN)
}

func (c *fakeConn) IsClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *fakeConn) Unbind() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unbound = true
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) markClosing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// attrDef keeps attribute declaration order deterministic in test entries.
type attrDef struct {
	name   string
	values []string
}

func dirEntry(dn string, attrs ...attrDef) *ldap.Entry {
	entry := &ldap.Entry{DN: dn}
	for _, attr := range attrs {
		raw := make([][]byte, len(attr.values))
		for i, v := range attr.values {
			raw[i] = []byte(v)
		}
		entry.Attributes = append(entry.Attributes, &ldap.EntryAttribute{
			Name:       attr.name,
			Values:     attr.values,
			ByteValues: raw,
		})
	}
	return entry
}

func findPagingControl(req *ldap.SearchRequest) *ldap.ControlPaging {
	for _, ctrl := range req.Controls {
		if paging, ok := ctrl.(*ldap.ControlPaging); ok {
			return paging
		}
	}
	return nil
}

// pageSlice applies the request's paging control to the matched entries; the
// continuation cookie encodes the next offset.
func pageSlice(req *ldap.SearchRequest, entries []*ldap.Entry) *ldap.SearchResult {
	paging := findPagingControl(req)
	if paging == nil {
		return &ldap.SearchResult{Entries: entries}
	}

	offset := 0
	if len(paging.Cookie) > 0 {
		offset, _ = strconv.Atoi(string(paging.Cookie))
	}

	end := min(offset+int(paging.PagingSize), len(entries))
	result := &ldap.SearchResult{Entries: entries[offset:end]}

	cookie := ""
	if end < len(entries) {
		cookie = strconv.Itoa(end)
	}
	result.Controls = []ldap.Control{&ldap.ControlPaging{Cookie: []byte(cookie)}}

	return result
}

// servePages answers every search with the same entry list, paged.
func servePages(entries []*ldap.Entry) searchHandler {
	return func(_ *fakeConn, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		return pageSlice(req, entries), nil
	}
}

// serveTree answers searches the way a directory would: entries directly
// under the request base, matched against the identity filters the batched
// loader emits.
func serveTree(entries []*ldap.Entry) searchHandler {
	return func(_ *fakeConn, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		var matched []*ldap.Entry
		for _, entry := range entries {
			if !strings.EqualFold(parentDN(entry.DN), req.BaseDN) {
				continue
			}
			if strings.Contains(req.Filter, "(distinguishedName="+ldap.EscapeFilter(entry.DN)+")") {
				matched = append(matched, entry)
			}
		}
		return pageSlice(req, matched), nil
	}
}

func newTestClient(t *testing.T, dir *fakeDirectory, mutate func(*Config)) *Client {
	t.Helper()

	cfg := dir.config()
	if mutate != nil {
		mutate(cfg)
	}

	client, err := New(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.CloseContext(ctx)
	})

	return client
}

// waitFor polls a condition that a background goroutine will make true.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
