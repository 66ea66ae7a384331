package ldapstream

import (
	"context"
	"iter"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// Scope defines the depth of a search.
type Scope int

const (
	ScopeBase Scope = iota
	ScopeOneLevel
	ScopeSubtree
)

func (s Scope) wire() int {
	switch s {
	case ScopeBase:
		return ldap.ScopeBaseObject
	case ScopeOneLevel:
		return ldap.ScopeSingleLevel
	default:
		return ldap.ScopeWholeSubtree
	}
}

// SearchRequest describes one logical search. Get, Search and Stream all
// reduce to a SearchRequest plus a consumption strategy.
type SearchRequest struct {
	BaseDN     string // empty uses Config.BaseDN
	Scope      Scope  // defaults to subtree
	Filter     string // empty matches everything
	Attributes []string
	PageSize   uint32 // page-size hint; zero uses the configured default
	Controls   []ldap.Control
}

// withDefaults returns a shallow copy with defaults applied.
func (req *SearchRequest) withDefaults(cfg *Config) *SearchRequest {
	out := *req

	if out.BaseDN == "" {
		out.BaseDN = cfg.BaseDN
	}
	if out.Filter == "" {
		out.Filter = "(objectClass=*)"
	}
	if out.PageSize == 0 {
		out.PageSize = cfg.PageSize
	}

	return &out
}

// Stream is a lazy, single-pass, cancelable sequence of Records. It owns one
// pooled connection for its whole lifetime and releases it exactly once, on
// whichever terminal path occurs first: exhaustion, Close, or a wire error.
//
// Usage follows the rows pattern:
//
//	stream := client.Stream(req)
//	defer stream.Close()
//	for stream.Next(ctx) {
//	    rec := stream.Record()
//	    ...
//	}
//	if err := stream.Err(); err != nil { ... }
//
// The next wire page is requested only when the buffered page is consumed, so
// a slow consumer holds back page continuation and memory stays bounded to
// roughly one page.
type Stream struct {
	client *Client
	req    *SearchRequest
	id     string

	mu       sync.Mutex
	pc       *PooledConnection
	paging   *ldap.ControlPaging
	buf      []*Record
	cur      *Record
	started  bool
	finished bool
	err      error

	releaseOnce sync.Once
}

// Stream starts a lazy paged search. The connection is acquired on the first
// call to Next, not here.
func (c *Client) Stream(req *SearchRequest) *Stream {
	return &Stream{
		client: c,
		req:    req.withDefaults(c.cfg),
		id:     uuid.NewString(),
	}
}

// Next advances to the next record, fetching the next wire page on demand.
// It returns false when the stream is exhausted, closed, or faulted; consult
// Err afterwards.
func (s *Stream) Next(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return false
	}

	for len(s.buf) == 0 {
		if s.finished {
			return false
		}
		if err := ctx.Err(); err != nil {
			// Consumer cancellation is expected control flow, not an error.
			s.closeLocked()
			return false
		}
		if err := s.fetchPageLocked(ctx); err != nil {
			s.err = err
			return false
		}
	}

	s.cur = s.buf[0]
	s.buf = s.buf[1:]
	return true
}

// Record returns the record produced by the last successful Next.
func (s *Stream) Record() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Err returns the terminal error, if the stream faulted. Cancellation via
// Close or context never counts as an error.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the stream. No further wire activity occurs, the connection
// returns to the pool, and any racing wire error is suppressed. Close is
// idempotent and safe after exhaustion.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Stream) closeLocked() {
	s.finished = true
	s.buf = nil
	s.releaseLocked()
}

// releaseLocked returns the stream's connection to the pool exactly once.
func (s *Stream) releaseLocked() {
	s.releaseOnce.Do(func() {
		if s.pc != nil {
			s.pc.Release()
			s.pc = nil
		}
	})
}

// fetchPageLocked drives one paged wire exchange: acquire the connection on
// first use, request one page, wrap its entries, and withhold the
// continuation cookie until the next demand.
func (s *Stream) fetchPageLocked(ctx context.Context) error {
	c := s.client

	if !s.started {
		pc, err := c.pool.Acquire(ctx)
		if err != nil {
			s.finished = true
			return err
		}
		s.pc = pc
		s.started = true
		s.paging = ldap.NewControlPaging(s.req.PageSize)

		c.log.Debug("stream started", map[string]any{
			"stream_id": s.id,
			"base_dn":   s.req.BaseDN,
			"filter":    s.req.Filter,
			"page_size": s.req.PageSize,
		})
	}

	controls := append([]ldap.Control{s.paging}, s.req.Controls...)
	wireReq := ldap.NewSearchRequest(
		s.req.BaseDN,
		s.req.Scope.wire(),
		ldap.NeverDerefAliases,
		0, 0, false,
		s.req.Filter,
		s.req.Attributes,
		controls,
	)

	result, err := s.pc.Conn().Search(wireReq)
	if err != nil {
		s.finished = true
		s.releaseLocked()
		return wrapError("search", s.req.BaseDN, err)
	}

	for _, entry := range result.Entries {
		rec := newRecord(entry, c.cfg)
		if c.cfg.Transform != nil {
			c.cfg.Transform(rec)
		}
		s.buf = append(s.buf, rec)
	}

	// Advance or finish based on the continuation cookie.
	ctrl := ldap.FindControl(result.Controls, ldap.ControlTypePaging)
	if paging, ok := ctrl.(*ldap.ControlPaging); ok && len(paging.Cookie) != 0 {
		s.paging.SetCookie(paging.Cookie)
	} else {
		s.finished = true
		s.releaseLocked()

		c.log.Debug("stream exhausted", map[string]any{"stream_id": s.id})
	}

	return nil
}

// Records adapts the stream to a range-over iterator. Breaking out of the
// loop closes the stream; a terminal error is yielded as the final element.
func (s *Stream) Records(ctx context.Context) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		defer s.Close()

		for s.Next(ctx) {
			if !yield(s.Record(), nil) {
				return
			}
		}

		if err := s.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Search materializes a stream into an ordered list.
func (c *Client) Search(ctx context.Context, req *SearchRequest) ([]*Record, error) {
	stream := c.Stream(req)
	defer stream.Close()

	var records []*Record
	for stream.Next(ctx) {
		records = append(records, stream.Record())
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// Get returns the first matching record, or ErrNotFound.
func (c *Client) Get(ctx context.Context, req *SearchRequest) (*Record, error) {
	stream := c.Stream(req)
	defer stream.Close()

	if stream.Next(ctx) {
		return stream.Record(), nil
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return nil, ErrNotFound
}
