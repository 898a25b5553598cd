package bulk

import (
	"context"
	"sync"

	"github.com/cuemby/backplane/pkg/errdefs"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism bounds concurrent operations when none is configured
const DefaultParallelism = 4

// Outcome is the result of one item of a bulk run
type Outcome struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`

	err error
}

// Err returns the error of the item, nil on success
func (o Outcome) Err() error { return o.err }

// OK reports whether the item succeeded
func (o Outcome) OK() bool { return o.err == nil }

// Runner executes independent operations with bounded parallelism. One
// failing item never cancels the others.
type Runner struct {
	limit int
}

// NewRunner creates a runner executing at most limit items at once
func NewRunner(limit int) *Runner {
	if limit <= 0 {
		limit = DefaultParallelism
	}
	return &Runner{limit: limit}
}

// Run calls fn for every id and returns the outcomes in the order of ids
func (r *Runner) Run(ctx context.Context, ids []string, fn func(ctx context.Context, id string) error) []Outcome {
	out := make([]Outcome, len(ids))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(r.limit)
	for i, id := range ids {
		g.Go(func() error {
			var err error
			if err = ctx.Err(); err == nil {
				err = fn(ctx, id)
			}
			mu.Lock()
			out[i] = Outcome{ID: id, err: err}
			if err != nil {
				out[i].Error = err.Error()
				out[i].Kind = errdefs.Kind(err)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
