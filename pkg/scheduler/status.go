package scheduler

import (
	"context"

	"github.com/3leaps/golade/pkg/resolve"
)

// State describes a planned loader relative to the cache.
type State string

const (
	// StateFresh means the next pass will serve the loader from cache.
	StateFresh State = "fresh"
	// StateStale means a cached artifact exists but its inputs changed.
	StateStale State = "stale"
	// StateMissing means nothing is cached for the loader.
	StateMissing State = "missing"
	// StateError means the loader's inputs could not be fingerprinted.
	StateError State = "error"
)

// LoaderStatus is one row of a dry-run plan.
type LoaderStatus struct {
	Identity resolve.Identity `json:"identity"`
	State    State            `json:"state"`
	Network  bool             `json:"network,omitempty"`
	Digest   string           `json:"digest,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Status reports, without running anything, what the next pass would do for
// each planned loader.
func (s *Scheduler) Status(ctx context.Context, plan *Plan) ([]LoaderStatus, error) {
	out := make([]LoaderStatus, 0, len(plan.Loaders))
	for _, id := range plan.Loaders {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		st := LoaderStatus{Identity: id}
		fp, err := s.fp.Compute(id, s.resolver.Command(id, id.SourcePath))
		if err != nil {
			st.State = StateError
			st.Error = err.Error()
			out = append(out, st)
			continue
		}
		st.Digest = fp.Short()
		st.Network = fp.Volatile
		switch {
		case s.cache.Fresh(ctx, id, fp):
			st.State = StateFresh
		case s.cache.Peek(ctx, id) != nil:
			st.State = StateStale
		default:
			st.State = StateMissing
		}
		out = append(out, st)
	}
	return out, nil
}
