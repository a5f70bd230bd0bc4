package artifactcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/golade/pkg/cachestore"
	"github.com/3leaps/golade/pkg/fingerprint"
	"github.com/3leaps/golade/pkg/resolve"
	"github.com/3leaps/golade/pkg/runner"
)

func ident(p string) resolve.Identity {
	id, err := resolve.New(nil, nil).Resolve(p)
	if err != nil {
		panic(err)
	}
	return id
}

func staticFP(digest string) FingerprintFunc {
	return func(context.Context) (fingerprint.Fingerprint, error) {
		return fingerprint.Fingerprint{Digest: digest}, nil
	}
}

type counter struct {
	calls   atomic.Int64
	outcome runner.Outcome
	out     string
}

func (c *counter) compute(id resolve.Identity) ComputeFunc {
	return func(context.Context) *runner.Result {
		c.calls.Add(1)
		o := c.outcome
		if o == "" {
			o = runner.OutcomeSuccess
		}
		now := time.Now()
		return &runner.Result{Identity: id, Outcome: o, Err: o.Err(), Stdout: []byte(c.out), StartedAt: now, FinishedAt: now}
	}
}

func TestGetOrCompute_HitOnUnchangedFingerprint(t *testing.T) {
	ctx := context.Background()
	c := New(Options{})
	id := ident("a.csv.sh")
	cnt := &counter{out: "x,y\n"}

	e1, hit, err := c.GetOrCompute(ctx, id, staticFP("d1"), cnt.compute(id))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, e1.OK())

	e2, hit, err := c.GetOrCompute(ctx, id, staticFP("d1"), cnt.compute(id))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, e1, e2)
	assert.Equal(t, int64(1), cnt.calls.Load())
	assert.Equal(t, []byte("x,y\n"), e2.Artifact())

	st := c.Stats()
	assert.Equal(t, Stats{Hits: 1, Misses: 1, Computations: 1, Entries: 1}, st)
}

func TestGetOrCompute_StaleFingerprintRecomputes(t *testing.T) {
	ctx := context.Background()
	c := New(Options{})
	id := ident("a.csv.sh")
	cnt := &counter{}

	_, _, err := c.GetOrCompute(ctx, id, staticFP("d1"), cnt.compute(id))
	require.NoError(t, err)
	e, hit, err := c.GetOrCompute(ctx, id, staticFP("d2"), cnt.compute(id))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "d2", e.Fingerprint.Digest)
	assert.Equal(t, int64(2), cnt.calls.Load())
}

func TestGetOrCompute_SingleFlight(t *testing.T) {
	ctx := context.Background()
	c := New(Options{})
	id := ident("slow.json.sh")

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	compute := func(context.Context) *runner.Result {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return &runner.Result{Identity: id, Outcome: runner.OutcomeSuccess, Stdout: []byte(`{"k":1}`)}
	}

	const n = 16
	entries := make([]*Entry, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, _, err := c.GetOrCompute(ctx, id, staticFP("d"), compute)
			assert.NoError(t, err)
			entries[i] = e
		}(i)
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for i := 1; i < n; i++ {
		assert.Same(t, entries[0], entries[i])
	}
}

func TestGetOrCompute_FailuresAreNotCached(t *testing.T) {
	ctx := context.Background()
	c := New(Options{})
	id := ident("b.json.py")
	cnt := &counter{outcome: runner.OutcomeNonZeroExit}

	e, hit, err := c.GetOrCompute(ctx, id, staticFP("d"), cnt.compute(id))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.False(t, e.OK())

	failures := c.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, runner.OutcomeNonZeroExit, failures[0].Outcome)
	assert.ErrorIs(t, failures[0].Err, runner.ErrNonZeroExit)

	// Same fingerprint: failure must not short-circuit the retry.
	cnt.outcome = runner.OutcomeSuccess
	e, hit, err = c.GetOrCompute(ctx, id, staticFP("d"), cnt.compute(id))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, e.OK())
	assert.Equal(t, int64(2), cnt.calls.Load())
	assert.Empty(t, c.Failures())
	assert.Equal(t, int64(1), c.Stats().Failures)
}

func TestGetOrCompute_Volatile(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c := New(Options{Now: func() time.Time { return now }})
	id := ident("quakes.json.py")
	cnt := &counter{}

	fp := func(window time.Duration) FingerprintFunc {
		return func(context.Context) (fingerprint.Fingerprint, error) {
			return fingerprint.Fingerprint{Digest: "d", Volatile: true, Window: window}, nil
		}
	}

	_, _, err := c.GetOrCompute(ctx, id, fp(0), cnt.compute(id))
	require.NoError(t, err)
	_, hit, err := c.GetOrCompute(ctx, id, fp(0), cnt.compute(id))
	require.NoError(t, err)
	assert.False(t, hit, "zero window never reuses network results")

	now = now.Add(10 * time.Minute)
	_, hit, err = c.GetOrCompute(ctx, id, fp(time.Hour), cnt.compute(id))
	require.NoError(t, err)
	assert.True(t, hit)

	now = now.Add(2 * time.Hour)
	_, hit, err = c.GetOrCompute(ctx, id, fp(time.Hour), cnt.compute(id))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int64(3), cnt.calls.Load())
}

func TestGetOrCompute_FingerprintError(t *testing.T) {
	c := New(Options{})
	id := ident("a.csv.sh")
	cnt := &counter{}
	boom := errors.New("unreadable")

	_, _, err := c.GetOrCompute(context.Background(), id, func(context.Context) (fingerprint.Fingerprint, error) {
		return fingerprint.Fingerprint{}, boom
	}, cnt.compute(id))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), cnt.calls.Load())
}

func TestCache_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	id := ident("a.csv.sh")
	cnt := &counter{out: "x,y\n1,2\n"}

	store, err := cachestore.Open(ctx, cachestore.Config{Dir: dir})
	require.NoError(t, err)
	c1 := New(Options{Store: store})
	_, _, err = c1.GetOrCompute(ctx, id, staticFP("d"), cnt.compute(id))
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	store2, err := cachestore.Open(ctx, cachestore.Config{Dir: dir})
	require.NoError(t, err)
	c2 := New(Options{Store: store2})
	defer func() { _ = c2.Close() }()

	assert.True(t, c2.Fresh(ctx, id, fingerprint.Fingerprint{Digest: "d"}))

	e, hit, err := c2.GetOrCompute(ctx, id, staticFP("d"), cnt.compute(id))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("x,y\n1,2\n"), e.Artifact())
	assert.Equal(t, id, e.Identity)
	assert.Equal(t, int64(1), cnt.calls.Load())
}

func TestCache_Retain(t *testing.T) {
	ctx := context.Background()
	store, err := cachestore.Open(ctx, cachestore.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	c := New(Options{Store: store})
	defer func() { _ = c.Close() }()

	keep := ident("keep.csv.sh")
	gone := ident("gone.csv.sh")
	cnt := &counter{out: "data"}
	for _, id := range []resolve.Identity{keep, gone} {
		_, _, err := c.GetOrCompute(ctx, id, staticFP("d"), cnt.compute(id))
		require.NoError(t, err)
	}

	evicted, err := c.Retain(ctx, []string{keep.Key()})
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	assert.True(t, c.Fresh(ctx, keep, fingerprint.Fingerprint{Digest: "d"}))
	assert.False(t, c.Fresh(ctx, gone, fingerprint.Fingerprint{Digest: "d"}))

	_, hit, err := c.GetOrCompute(ctx, gone, staticFP("d"), cnt.compute(gone))
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestGetOrCompute_WaiterContextCanceled(t *testing.T) {
	c := New(Options{})
	id := ident("slow.csv.sh")
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _, _ = c.GetOrCompute(context.Background(), id, staticFP("d"), func(context.Context) *runner.Result {
			close(started)
			<-release
			return &runner.Result{Identity: id, Outcome: runner.OutcomeSuccess}
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.GetOrCompute(ctx, id, staticFP("d"), func(context.Context) *runner.Result {
		t.Error("waiter must not compute")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	close(release)
}

func TestGetOrCompute_LeaderCancelDoesNotCancelWaiters(t *testing.T) {
	c := New(Options{})
	id := ident("shared.csv.sh")
	key := id.Key()
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int64

	compute := func(ctx context.Context) *runner.Result {
		calls.Add(1)
		close(started)
		select {
		case <-release:
			return &runner.Result{Identity: id, Outcome: runner.OutcomeSuccess, Stdout: []byte("ok")}
		case <-ctx.Done():
			return &runner.Result{Identity: id, Outcome: runner.OutcomeCanceled, Err: runner.OutcomeCanceled.Err()}
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(leaderCtx, id, staticFP("d"), compute)
		leaderErr <- err
	}()
	<-started

	type result struct {
		entry *Entry
		hit   bool
		err   error
	}
	waiter := make(chan result, 1)
	go func() {
		e, hit, err := c.GetOrCompute(context.Background(), id, staticFP("d"), compute)
		waiter <- result{e, hit, err}
	}()
	require.Eventually(t, func() bool {
		c.flightMu.Lock()
		defer c.flightMu.Unlock()
		f := c.flights[key]
		return f != nil && f.waiters == 2
	}, 5*time.Second, 5*time.Millisecond)

	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	got := <-waiter
	require.NoError(t, got.err)
	assert.False(t, got.hit)
	assert.True(t, got.entry.OK())
	assert.Equal(t, []byte("ok"), got.entry.Artifact())
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetOrCompute_LastWaiterCancelsAndWaits(t *testing.T) {
	c := New(Options{})
	id := ident("slow.csv.sh")
	started := make(chan struct{})
	var exited atomic.Bool

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, _, err := c.GetOrCompute(ctx, id, staticFP("d"), func(ctx context.Context) *runner.Result {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		exited.Store(true)
		return &runner.Result{Identity: id, Outcome: runner.OutcomeCanceled, Err: runner.OutcomeCanceled.Err()}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, exited.Load(), "compute must have returned")

	_, failed := c.Failure(id)
	assert.True(t, failed)
}
