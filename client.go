package ldapstream

import (
	"context"
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

// Client is the top-level handle: a connection pool plus the streaming,
// batching and traversal layers built on it. Each Client owns an independent
// pool; there is no process-wide shared state.
type Client struct {
	cfg    *Config
	pool   *Pool
	loader *Loader
	log    Logger
}

// New creates a client. The pool is lazy: no connection is made until the
// first operation (use Wait to probe reachability at startup).
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Client{
		cfg:  cfg,
		pool: newPool(cfg),
		log:  cfg.logger(),
	}
	c.loader = newLoader(c)

	c.log.Debug("client created", map[string]any{
		"url":       cfg.serverURL(),
		"pool_size": cfg.PoolSize,
		"page_size": cfg.PageSize,
	})

	return c, nil
}

// NewWithLogger creates a client with the given logger, overriding any
// logger carried by the configuration.
func NewWithLogger(cfg *Config, log Logger) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Logger = log
	return New(cfg)
}

// Close drains the pool and unbinds every connection. The client remains
// usable; the pool reopens on the next operation.
func (c *Client) Close() error {
	return c.pool.Close(context.Background())
}

// CloseContext is Close bounded by a context deadline while waiting for
// checked-out connections to come back.
func (c *Client) CloseContext(ctx context.Context) error {
	return c.pool.Close(ctx)
}

// Wait blocks until the directory answers an acquire/release probe,
// retrying at the configured interval. With Config.WaitAttempts zero it
// retries until the context is cancelled.
func (c *Client) Wait(ctx context.Context) error {
	return c.pool.Wait(ctx)
}

// Stats returns a snapshot of pool state.
func (c *Client) Stats() PoolStats {
	return c.pool.Stats()
}

// Load resolves one record by DN through the batched lookup coalescer.
func (c *Client) Load(ctx context.Context, dn string, attributes ...string) (*Record, error) {
	return c.loader.Load(ctx, dn, attributes)
}

// ModifyRequest describes attribute changes to one entry.
type ModifyRequest struct {
	DN                string
	AddAttributes     map[string][]string
	ReplaceAttributes map[string][]string
	DeleteAttributes  []string
}

// Modify applies attribute changes to an entry.
func (c *Client) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil || req.DN == "" {
		return fmt.Errorf("modify request requires a DN")
	}

	wireReq := ldap.NewModifyRequest(req.DN, nil)
	for attr, values := range req.AddAttributes {
		wireReq.Add(attr, values)
	}
	for attr, values := range req.ReplaceAttributes {
		wireReq.Replace(attr, values)
	}
	for _, attr := range req.DeleteAttributes {
		wireReq.Delete(attr, []string{})
	}

	return c.withConn(ctx, "modify", req.DN, func(conn Conn) error {
		return conn.Modify(wireReq)
	})
}

// AddRequest describes a new entry.
type AddRequest struct {
	DN         string
	Attributes map[string][]string
}

// Add creates a new entry.
func (c *Client) Add(ctx context.Context, req *AddRequest) error {
	if req == nil || req.DN == "" {
		return fmt.Errorf("add request requires a DN")
	}

	wireReq := ldap.NewAddRequest(req.DN, nil)
	for attr, values := range req.Attributes {
		wireReq.Attribute(attr, values)
	}

	return c.withConn(ctx, "add", req.DN, func(conn Conn) error {
		return conn.Add(wireReq)
	})
}

// Delete removes an entry.
func (c *Client) Delete(ctx context.Context, dn string) error {
	if dn == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	wireReq := ldap.NewDelRequest(dn, nil)

	return c.withConn(ctx, "delete", dn, func(conn Conn) error {
		return conn.Del(wireReq)
	})
}

// Rename moves or renames an entry. An empty newSuperior keeps the entry
// under its current parent.
func (c *Client) Rename(ctx context.Context, dn, newRDN, newSuperior string, deleteOldRDN bool) error {
	if dn == "" || newRDN == "" {
		return fmt.Errorf("rename requires a DN and a new RDN")
	}

	wireReq := ldap.NewModifyDNRequest(dn, newRDN, deleteOldRDN, newSuperior)

	return c.withConn(ctx, "rename", dn, func(conn Conn) error {
		return conn.ModifyDN(wireReq)
	})
}

// withConn runs one wire operation on a pooled connection. A server-reported
// failure still returns the connection to the pool, since the connection
// itself is healthy.
func (c *Client) withConn(ctx context.Context, operation, dn string, fn func(Conn) error) error {
	return logOperation(c.log, operation, map[string]any{"dn": dn}, func() error {
		pc, err := c.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		defer pc.Release()

		if err := fn(pc.Conn()); err != nil {
			return wrapError(operation, dn, err)
		}
		return nil
	})
}
