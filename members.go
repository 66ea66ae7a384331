package ldapstream

import (
	"context"
	"errors"
	"iter"
	"slices"
	"strings"
	"sync"
)

// memberItem is one element of the traversal output: a record or the
// terminal error.
type memberItem struct {
	rec *Record
	err error
}

// MemberStream is a lazy sequence of every non-group member reachable from a
// group, including through nested subgroups. Each member appears at most
// once, even when reachable via multiple paths, and cyclic group graphs
// terminate. It follows the same consumption contract as Stream.
type MemberStream struct {
	cancel context.CancelFunc
	items  chan memberItem

	mu     sync.Mutex
	cur    *Record
	err    error
	closed bool
}

// MemberStream starts a recursive membership walk rooted at groupDN. The
// requested attributes are fetched for every member; the member attribute is
// always included so subgroups can be recognized.
func (c *Client) MemberStream(ctx context.Context, groupDN string, attributes ...string) *MemberStream {
	ctx, cancel := context.WithCancel(ctx)

	s := &MemberStream{
		cancel: cancel,
		items:  make(chan memberItem),
	}

	go c.traverseMembers(ctx, groupDN, attributes, s.items)

	return s
}

// Next advances to the next member record. Expansion of further levels is
// held back until the consumer is ready (the producer blocks on the handoff).
func (s *MemberStream) Next(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.err != nil {
		return false
	}

	select {
	case item, ok := <-s.items:
		if !ok {
			s.closed = true
			return false
		}
		if item.err != nil {
			s.err = item.err
			s.closed = true
			s.cancel()
			return false
		}
		s.cur = item.rec
		return true

	case <-ctx.Done():
		s.closed = true
		s.cancel()
		return false
	}
}

// Record returns the member produced by the last successful Next.
func (s *MemberStream) Record() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Err returns the terminal error, if the walk faulted.
func (s *MemberStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the walk. The producer stops issuing searches, a consumer
// blocked in Next is unblocked, and every sub-search the walk opened releases
// its own pooled connection.
func (s *MemberStream) Close() error {
	// Cancel before taking the lock: a Next blocked on the handoff holds it.
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// Records adapts the member stream to a range-over iterator.
func (s *MemberStream) Records(ctx context.Context) iter.Seq2[*Record, error] {
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

// traverseMembers walks the membership graph breadth-first. Groups are
// marked visited before their expansion is queued, which guarantees
// termination on cyclic graphs.
func (c *Client) traverseMembers(ctx context.Context, root string, attributes []string, out chan<- memberItem) {
	defer close(out)

	fail := func(err error) {
		// Cancellation of the walk is expected control flow, not an error.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		select {
		case out <- memberItem{err: err}:
		case <-ctx.Done():
		}
	}

	reqAttrs := attributes
	if len(reqAttrs) > 0 && !slices.ContainsFunc(reqAttrs, func(a string) bool {
		return strings.EqualFold(a, "member")
	}) {
		reqAttrs = append(append([]string(nil), reqAttrs...), "member")
	}

	visited := map[string]bool{strings.ToLower(root): true}
	emitted := map[string]bool{}

	rootRec, err := c.loader.Load(ctx, root, []string{"member"})
	if err != nil {
		fail(wrapError("member_stream", root, err))
		return
	}

	// Each level holds the group records discovered at the previous one.
	level := []*Record{rootRec}

	for len(level) > 0 {
		// Gather the member DNs of every group at this level, so the whole
		// level expands in O(members / batch size) round trips.
		var pending []string
		for _, group := range level {
			members, err := c.FullRange(ctx, group, "member")
			if err != nil {
				fail(err)
				return
			}
			for _, dn := range members {
				lower := strings.ToLower(dn)
				if visited[lower] || emitted[lower] {
					continue
				}
				pending = append(pending, dn)
			}
		}

		if len(pending) == 0 {
			return
		}

		// Resolve and emit one batch before fetching the next, so buffered
		// records stay bounded by one batch rather than the whole level.
		var next []*Record
		for start := 0; start < len(pending); start += MaxFiltersPerBatch {
			end := min(start+MaxFiltersPerBatch, len(pending))

			records, err := c.loader.LoadMany(ctx, pending[start:end], reqAttrs)
			if err != nil {
				fail(err)
				return
			}

			for _, rec := range records {
				lower := strings.ToLower(rec.DN)

				if rec.Has("member") {
					// Subgroup: defer its expansion to the next level.
					if !visited[lower] {
						visited[lower] = true
						next = append(next, rec)
					}
					continue
				}

				if emitted[lower] {
					continue
				}
				emitted[lower] = true

				select {
				case out <- memberItem{rec: rec}:
				case <-ctx.Done():
					return
				}
			}
		}

		level = next
	}
}
