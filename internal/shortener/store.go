package shortener

import (
	"context"
	"time"
)

// Scope narrows which rows FindReusable may return.
type Scope struct {
	// UngroupedOnly restricts results to pooled links.
	UngroupedOnly bool
}

// Queries is the set of statements a unit of work can run. Implementations
// return errx-classified errors: NotFound for missing rows and Conflict for
// unique violations.
type Queries interface {
	InsertGroup(ctx context.Context, g Group) (Group, error)
	GetGroup(ctx context.Context, id string) (Group, error)

	// GateGroup bumps updated_at only when id and secretHash both match, and
	// holds the group row for the rest of the transaction. It returns NotFound
	// when no row matched.
	GateGroup(ctx context.Context, id, secretHash string, at time.Time) (Group, error)

	ListGroupLinks(ctx context.Context, groupID string) ([]Link, error)

	// FindReusable returns at most one link per target. Pooled links are
	// preferred, then the oldest. Retired links are never returned.
	FindReusable(ctx context.Context, targets []string, scope Scope) ([]Link, error)

	InsertLink(ctx context.Context, l Link) (Link, error)
	TouchLink(ctx context.Context, id string, at time.Time) (Link, error)

	// ClaimLink moves a pooled link into a group. ok is false when the link
	// stopped being pooled since it was found.
	ClaimLink(ctx context.Context, id, groupID string, at time.Time) (l Link, ok bool, err error)

	// UnlinkLink returns a link to the pool, or retires it when the pool
	// already holds its target.
	UnlinkLink(ctx context.Context, id string, at time.Time) (Link, error)
}

// Store runs units of work atomically.
type Store interface {
	// WithinTx runs fn in a transaction. Any error from fn, or a panic, rolls
	// every statement back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
}

// Step is one stage of a batch. Steps share state through closures.
type Step func(ctx context.Context, q Queries) error

// RunBatch executes steps in order inside one transaction.
func RunBatch(ctx context.Context, store Store, steps ...Step) error {
	return store.WithinTx(ctx, func(ctx context.Context, q Queries) error {
		for _, step := range steps {
			if err := step(ctx, q); err != nil {
				return err
			}
		}
		return nil
	})
}

// GroupCache caches assembled group views. Implementations may be lossy.
type GroupCache interface {
	Get(ctx context.Context, groupID string) (GroupView, bool, error)

	// Set stores view, replacing any cached entry. Writers that just
	// committed the view use it.
	Set(ctx context.Context, view GroupView) error

	// Fill stores view only when nothing is cached for its group, so a read
	// that lost a race with a writer cannot replace the writer's view.
	Fill(ctx context.Context, view GroupView) error

	Delete(ctx context.Context, groupID string) error
}
