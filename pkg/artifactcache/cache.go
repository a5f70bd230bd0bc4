// Package artifactcache stores successful loader results keyed by identity
// and input fingerprint.
//
// GetOrCompute runs at most one computation per identity at a time;
// concurrent callers for the same identity share the single in-flight
// computation and receive the identical *Entry. The shared computation is
// canceled only after every waiting caller has gone. Failed computations are
// recorded for reporting but never served as hits.
package artifactcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/3leaps/golade/pkg/cachestore"
	"github.com/3leaps/golade/pkg/fingerprint"
	"github.com/3leaps/golade/pkg/resolve"
	"github.com/3leaps/golade/pkg/runner"
)

// Entry is an immutable cache entry. Entries are replaced, never mutated.
type Entry struct {
	Identity    resolve.Identity
	Fingerprint fingerprint.Fingerprint
	Result      *runner.Result
	CreatedAt   time.Time
}

// Artifact returns the artifact bytes (the loader's stdout).
func (e *Entry) Artifact() []byte {
	if e == nil || e.Result == nil {
		return nil
	}
	return e.Result.Stdout
}

// OK reports whether the entry holds a successful result.
func (e *Entry) OK() bool {
	return e != nil && e.Result.OK()
}

// Failure is the most recent failed computation for an identity.
type Failure struct {
	Identity resolve.Identity
	Outcome  runner.Outcome
	Err      error
	At       time.Time
}

// FingerprintFunc computes the current fingerprint of an identity's inputs.
type FingerprintFunc func(ctx context.Context) (fingerprint.Fingerprint, error)

// ComputeFunc produces a fresh result; typically a runner invocation.
type ComputeFunc func(ctx context.Context) *runner.Result

// Options configures a Cache.
type Options struct {
	// Store persists entries across processes. Optional; the Cache takes
	// ownership and closes it.
	Store *cachestore.Store

	// OnStoreError is called when persisting fails. Store errors never fail
	// a computation. Optional.
	OnStoreError func(key string, err error)

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// Stats reports cache activity since construction.
type Stats struct {
	Hits         int64
	Misses       int64
	Computations int64
	Failures     int64
	Entries      int
}

// Cache is the artifact cache. Construct with New; release with Close.
type Cache struct {
	opts  Options
	group singleflight.Group

	flightMu sync.Mutex
	flights  map[string]*flight

	mu       sync.RWMutex
	entries  map[string]*Entry
	failures map[string]Failure

	hits         atomic.Int64
	misses       atomic.Int64
	computations atomic.Int64
	failed       atomic.Int64
}

// New creates a Cache.
func New(opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		opts:     opts,
		flights:  make(map[string]*flight),
		entries:  make(map[string]*Entry),
		failures: make(map[string]Failure),
	}
}

type outcome struct {
	entry *Entry
	hit   bool

	// abandoned is set when the computation ended because all of its
	// waiters left.
	abandoned bool
}

// flight counts the callers waiting on one key. The shared computation runs
// under ctx, which keeps the first caller's values but not its cancellation.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (c *Cache) join(ctx context.Context, key string) *flight {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	f := c.flights[key]
	if f == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops one waiter from f and reports whether it was the last. The
// last waiter cancels the flight's context.
func (c *Cache) leave(key string, f *flight) bool {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return false
	}
	f.cancel()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	return true
}

// GetOrCompute returns the entry for id, computing it if no stored entry
// matches the fresh fingerprint. hit is true when compute was not invoked.
//
// A non-nil error means the fingerprint could not be computed (compute was
// not attempted) or ctx ended first. A caller whose ctx ends stops waiting
// at once; the computation keeps running for the remaining callers and is
// canceled when the last one leaves, in which case that caller returns only
// after compute has returned. A failed computation is returned as an entry
// whose Result is not OK.
func (c *Cache) GetOrCompute(ctx context.Context, id resolve.Identity, fp FingerprintFunc, compute ComputeFunc) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	key := id.Key()
	f := c.join(ctx, key)

	for retried := false; ; retried = true {
		ch := c.group.DoChan(key, func() (any, error) {
			return c.getOrCompute(f.ctx, id, fp, compute)
		})

		select {
		case res := <-ch:
			// A computation abandoned by an earlier flight can still be
			// in the group when this caller joins; run it again once.
			if res.Err == nil && res.Val.(outcome).abandoned && !retried && ctx.Err() == nil {
				continue
			}
			c.leave(key, f)
			if res.Err != nil {
				return nil, false, res.Err
			}
			o := res.Val.(outcome)
			return o.entry, o.hit, nil
		case <-ctx.Done():
			if c.leave(key, f) {
				<-ch
			}
			return nil, false, ctx.Err()
		}
	}
}

func (c *Cache) getOrCompute(ctx context.Context, id resolve.Identity, fpFn FingerprintFunc, compute ComputeFunc) (outcome, error) {
	key := id.Key()

	fresh, err := fpFn(ctx)
	if err != nil {
		return outcome{}, fmt.Errorf("fingerprint %s: %w", id.SourcePath, err)
	}

	if e := c.lookup(ctx, id); e != nil && fresh.Matches(e.Fingerprint, e.CreatedAt, c.opts.Now()) {
		c.hits.Add(1)
		return outcome{entry: e, hit: true}, nil
	}

	c.misses.Add(1)
	c.computations.Add(1)
	res := compute(ctx)
	if res == nil {
		res = &runner.Result{Identity: id, Outcome: runner.OutcomeCrashed, Err: errors.New("compute returned no result")}
	}

	entry := &Entry{Identity: id, Fingerprint: fresh, Result: res, CreatedAt: c.opts.Now()}
	if !res.OK() {
		c.recordFailure(ctx, entry)
		return outcome{entry: entry, abandoned: ctx.Err() != nil}, nil
	}

	c.mu.Lock()
	c.entries[key] = entry
	delete(c.failures, key)
	c.mu.Unlock()

	c.persist(ctx, entry)
	return outcome{entry: entry}, nil
}

// lookup returns the current entry for id, hydrating from the store.
func (c *Cache) lookup(ctx context.Context, id resolve.Identity) *Entry {
	key := id.Key()
	c.mu.RLock()
	e := c.entries[key]
	c.mu.RUnlock()
	if e != nil || c.opts.Store == nil {
		return e
	}

	rec, err := c.opts.Store.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, cachestore.ErrNotFound) {
			c.storeError(key, err)
		}
		return nil
	}

	e = entryFromRecord(id, rec)
	c.mu.Lock()
	if cur, ok := c.entries[key]; ok {
		e = cur
	} else {
		c.entries[key] = e
	}
	c.mu.Unlock()
	return e
}

func (c *Cache) recordFailure(ctx context.Context, e *Entry) {
	c.failed.Add(1)
	key := e.Identity.Key()
	f := Failure{Identity: e.Identity, Outcome: e.Result.Outcome, Err: e.Result.Err, At: e.CreatedAt}

	c.mu.Lock()
	c.failures[key] = f
	c.mu.Unlock()

	if c.opts.Store == nil {
		return
	}
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	err := c.opts.Store.RecordFailure(ctx, cachestore.FailureRecord{
		Key:        key,
		SourcePath: e.Identity.SourcePath,
		Digest:     e.Fingerprint.Digest,
		Outcome:    string(f.Outcome),
		ExitCode:   e.Result.ExitCode,
		Error:      msg,
		Stderr:     e.Result.Stderr,
		FailedAt:   f.At,
	})
	if err != nil {
		c.storeError(key, err)
	}
}

func (c *Cache) persist(ctx context.Context, e *Entry) {
	if c.opts.Store == nil {
		return
	}
	err := c.opts.Store.Save(ctx, &cachestore.Record{
		Key:         e.Identity.Key(),
		SourcePath:  e.Identity.SourcePath,
		ContentType: e.Identity.ContentType.Token,
		MIME:        e.Identity.ContentType.MIME,
		Fingerprint: e.Fingerprint,
		Data:        e.Result.Stdout,
		ExitCode:    e.Result.ExitCode,
		Stderr:      e.Result.Stderr,
		StartedAt:   e.Result.StartedAt,
		FinishedAt:  e.Result.FinishedAt,
		CreatedAt:   e.CreatedAt,
	})
	if err != nil {
		c.storeError(e.Identity.Key(), err)
	}
}

func (c *Cache) storeError(key string, err error) {
	if c.opts.OnStoreError != nil {
		c.opts.OnStoreError(key, err)
	}
}

func entryFromRecord(id resolve.Identity, rec *cachestore.Record) *Entry {
	return &Entry{
		Identity:    id,
		Fingerprint: rec.Fingerprint,
		CreatedAt:   rec.CreatedAt,
		Result: &runner.Result{
			Identity:   id,
			Outcome:    runner.OutcomeSuccess,
			ExitCode:   rec.ExitCode,
			Stdout:     rec.Data,
			Stderr:     rec.Stderr,
			StartedAt:  rec.StartedAt,
			FinishedAt: rec.FinishedAt,
		},
	}
}

// Fresh reports whether a stored entry for id satisfies fp, without
// computing anything.
func (c *Cache) Fresh(ctx context.Context, id resolve.Identity, fp fingerprint.Fingerprint) bool {
	e := c.lookup(ctx, id)
	return e != nil && fp.Matches(e.Fingerprint, e.CreatedAt, c.opts.Now())
}

// Peek returns the current entry for id without checking freshness, or nil.
func (c *Cache) Peek(ctx context.Context, id resolve.Identity) *Entry {
	return c.lookup(ctx, id)
}

// Failure returns the latest failure recorded for id in this process.
func (c *Cache) Failure(id resolve.Identity) (Failure, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.failures[id.Key()]
	return f, ok
}

// Failures returns the latest failure per identity, ordered by key.
func (c *Cache) Failures() []Failure {
	c.mu.RLock()
	out := make([]Failure, 0, len(c.failures))
	for _, f := range c.failures {
		out = append(out, f)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.Key() < out[j].Identity.Key()
	})
	return out
}

// Retain drops entries and failures for identities not in keys, in memory
// and in the store. It returns the number of entries evicted.
func (c *Cache) Retain(ctx context.Context, keys []string) (int, error) {
	keep := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keep[k] = struct{}{}
	}

	evicted := 0
	c.mu.Lock()
	for k := range c.entries {
		if _, ok := keep[k]; !ok {
			delete(c.entries, k)
			evicted++
		}
	}
	for k := range c.failures {
		if _, ok := keep[k]; !ok {
			delete(c.failures, k)
		}
	}
	c.mu.Unlock()

	if c.opts.Store == nil {
		return evicted, nil
	}
	res, err := c.opts.Store.Retain(ctx, keys)
	if err != nil {
		return evicted, fmt.Errorf("retain cache store: %w", err)
	}
	return max(evicted, res.Entries), nil
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Computations: c.computations.Load(),
		Failures:     c.failed.Load(),
		Entries:      n,
	}
}

// Close releases the backing store, if any.
func (c *Cache) Close() error {
	if c.opts.Store == nil {
		return nil
	}
	return c.opts.Store.Close()
}
