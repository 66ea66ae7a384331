package ldapstream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"golang.org/x/sync/errgroup"
)

// loaderKey groups coalesced lookups: only lookups against the same base DN
// with the same attribute set can share a batched search.
type loaderKey struct {
	base  string
	attrs string
}

type loadResult struct {
	rec *Record
	err error
}

// loadBatch is one pending coalesced lookup: the still-unresolved identities
// and the timer that will dispatch them as a single OR-filter search.
type loadBatch struct {
	base  string
	attrs []string
	dns   map[string][]chan loadResult // lowercased DN -> waiters
	order []string                     // original DNs, arrival order
	timer *time.Timer
}

// Loader coalesces point-lookups issued within the same dispatch window into
// batched OR-filter searches, amortizing round trips from O(N) to
// O(N / batch size). The pending map is swapped out the moment a batch is
// dispatched, so overlapping bursts start a fresh batch instead of waiting.
type Loader struct {
	client *Client

	mu      sync.Mutex
	pending map[loaderKey]*loadBatch
}

func newLoader(client *Client) *Loader {
	return &Loader{
		client:  client,
		pending: make(map[loaderKey]*loadBatch),
	}
}

// Load resolves one record by DN. Lookups against the same parent DN and
// attribute set issued within the dispatch window share one underlying
// search, capped at MaxFiltersPerBatch identities per request.
func (l *Loader) Load(ctx context.Context, dn string, attributes []string) (*Record, error) {
	if dn == "" {
		return nil, fmt.Errorf("DN cannot be empty")
	}

	base := parentDN(dn)
	key := loaderKey{base: strings.ToLower(base), attrs: attrsKey(attributes)}
	ch := make(chan loadResult, 1)

	l.mu.Lock()

	batch := l.pending[key]
	if batch == nil {
		batch = &loadBatch{
			base:  base,
			attrs: attributes,
			dns:   make(map[string][]chan loadResult),
		}
		l.pending[key] = batch
		batch.timer = time.AfterFunc(l.client.cfg.BatchDelay, func() {
			if l.detach(key, batch) {
				l.run(batch)
			}
		})
	}

	lower := strings.ToLower(dn)
	if _, ok := batch.dns[lower]; !ok {
		batch.order = append(batch.order, dn)
	}
	batch.dns[lower] = append(batch.dns[lower], ch)

	// A full batch dispatches immediately instead of waiting out the window.
	full := len(batch.order) >= l.client.cfg.BatchSize
	if full {
		delete(l.pending, key)
	}

	l.mu.Unlock()

	if full {
		batch.timer.Stop()
		go l.run(batch)
	}

	select {
	case res := <-ch:
		return res.rec, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// detach removes the batch from the pending map if it is still current.
func (l *Loader) detach(key loaderKey, batch *loadBatch) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pending[key] == batch {
		delete(l.pending, key)
		return true
	}
	return false
}

// run executes a dispatched batch and distributes results to all waiters.
// The batch outlives any single caller's context.
func (l *Loader) run(batch *loadBatch) {
	found := make(map[string]*Record, len(batch.order))
	var foundMu sync.Mutex

	err := l.searchChunks(context.Background(), batch.base, batch.attrs, batch.order, func(rec *Record) {
		foundMu.Lock()
		found[strings.ToLower(rec.DN)] = rec
		foundMu.Unlock()
	})

	for lower, waiters := range batch.dns {
		var res loadResult
		switch {
		case err != nil:
			res.err = err
		case found[lower] != nil:
			res.rec = found[lower]
		default:
			res.err = ErrNotFound
		}
		for _, ch := range waiters {
			ch <- res
		}
	}
}

// LoadMany resolves a set of DNs, partitioned by parent DN and chunked into
// OR-filter searches. Missing entries are skipped; the result order is
// unspecified.
func (l *Loader) LoadMany(ctx context.Context, dns []string, attributes []string) ([]*Record, error) {
	if len(dns) == 0 {
		return nil, nil
	}

	partitions := make(map[string][]string)
	for _, dn := range dns {
		base := parentDN(dn)
		partitions[base] = append(partitions[base], dn)
	}

	var (
		mu      sync.Mutex
		records []*Record
	)

	group, groupCtx := errgroup.WithContext(ctx)
	for base, members := range partitions {
		group.Go(func() error {
			return l.searchChunks(groupCtx, base, attributes, members, func(rec *Record) {
				mu.Lock()
				records = append(records, rec)
				mu.Unlock()
			})
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return records, nil
}

// searchChunks issues one OR-filter search per chunk of at most
// MaxFiltersPerBatch identities against a single base DN.
func (l *Loader) searchChunks(ctx context.Context, base string, attributes, dns []string, emit func(*Record)) error {
	size := l.client.cfg.BatchSize
	if size <= 0 || size > MaxFiltersPerBatch {
		size = MaxFiltersPerBatch
	}

	group, groupCtx := errgroup.WithContext(ctx)

	for start := 0; start < len(dns); start += size {
		end := min(start+size, len(dns))
		chunk := dns[start:end]

		group.Go(func() error {
			records, err := l.client.Search(groupCtx, &SearchRequest{
				BaseDN:     base,
				Scope:      ScopeOneLevel,
				Filter:     identityFilter(chunk),
				Attributes: attributes,
			})
			if err != nil {
				return err
			}
			for _, rec := range records {
				emit(rec)
			}
			return nil
		})
	}

	return group.Wait()
}

// identityFilter builds an OR filter matching any of the given DNs.
func identityFilter(dns []string) string {
	if len(dns) == 1 {
		return fmt.Sprintf("(distinguishedName=%s)", ldap.EscapeFilter(dns[0]))
	}

	var sb strings.Builder
	sb.WriteString("(|")
	for _, dn := range dns {
		sb.WriteString("(distinguishedName=")
		sb.WriteString(ldap.EscapeFilter(dn))
		sb.WriteString(")")
	}
	sb.WriteString(")")
	return sb.String()
}

// attrsKey canonicalizes a requested-attribute set for batch grouping.
func attrsKey(attributes []string) string {
	if len(attributes) == 0 {
		return "*"
	}

	lowered := make([]string, len(attributes))
	for i, a := range attributes {
		lowered[i] = strings.ToLower(a)
	}
	sort.Strings(lowered)
	return strings.Join(lowered, ",")
}

// parentDN returns the immediate parent of a DN, honoring escaped commas.
// The empty string means the DN has no parent.
func parentDN(dn string) string {
	escaped := false
	for i := 0; i < len(dn); i++ {
		switch {
		case escaped:
			escaped = false
		case dn[i] == '\\':
			escaped = true
		case dn[i] == ',':
			return strings.TrimLeft(dn[i+1:], " ")
		}
	}
	return ""
}
