package shortener

import (
	"context"
	"errors"
	"time"

	"github.com/sundayezeilo/urlgroups/internal/errx"
	"github.com/sundayezeilo/urlgroups/internal/metrics"
	"github.com/sundayezeilo/urlgroups/internal/secret"
)

// CreateGroup creates a group whose children reuse pooled links where possible.
// Children are returned reused first, then created, each in input order.
func (s *service) CreateGroup(ctx context.Context, in CreateGroupInput) (view GroupView, err error) {
	const op = "shortener.service.CreateGroup"
	defer func() { s.record("create_group", err) }()

	if len(in.children) == 0 || in.secret == "" {
		return GroupView{}, errx.New(op, errx.Invalid, "group input is required")
	}

	hash, err := s.hasher.Hash(in.secret)
	if err != nil {
		return GroupView{}, errx.E(op, errx.Internal, err)
	}

	var reused, created []Link
	err = s.atomically(ctx, op, func() []Step {
		view, reused, created = GroupView{}, nil, nil
		var remaining []string
		now := s.timestamp()

		return []Step{
			func(ctx context.Context, q Queries) error {
				id, err := s.newID(op)
				if err != nil {
					return err
				}
				view.Group, err = q.InsertGroup(ctx, Group{
					ID:         id,
					SecretHash: hash,
					CreatedAt:  now,
					UpdatedAt:  now,
				})
				return err
			},
			func(ctx context.Context, q Queries) error {
				var err error
				reused, remaining, err = claimPooled(ctx, q, in.children, view.Group.ID, now)
				return err
			},
			func(ctx context.Context, q Queries) error {
				var err error
				created, err = s.createLinks(ctx, q, op, remaining, view.Group.ID, now)
				return err
			},
		}
	})
	if err != nil {
		return GroupView{}, err
	}

	metrics.RecordReconcile(metrics.ClassReused, len(reused))
	metrics.RecordReconcile(metrics.ClassCreated, len(created))

	view.Children = append(reused, created...)
	s.cacheView(ctx, view)
	return view, nil
}

// EditGroup converges a group's membership to the requested children.
// Children are returned retained, then reused, then created.
func (s *service) EditGroup(ctx context.Context, in EditGroupInput) (view GroupView, err error) {
	const op = "shortener.service.EditGroup"
	defer func() { s.record("edit_group", err) }()

	if in.id == "" || len(in.children) == 0 {
		return GroupView{}, errx.New(op, errx.Invalid, "group input is required")
	}

	var stored Group
	err = RunBatch(ctx, s.store, func(ctx context.Context, q Queries) error {
		var err error
		stored, err = q.GetGroup(ctx, in.id)
		return err
	})
	if err != nil {
		return GroupView{}, errx.Wrap(op, err)
	}

	if err := s.hasher.Compare(stored.SecretHash, in.secret); err != nil {
		if errors.Is(err, secret.ErrMismatch) {
			return GroupView{}, errx.E(op, errx.Unauthorized, err)
		}
		return GroupView{}, errx.E(op, errx.Internal, err)
	}

	var (
		plan                      Plan
		retained, reused, created []Link
	)
	err = s.atomically(ctx, op, func() []Step {
		view, plan = GroupView{}, Plan{}
		retained, reused, created = nil, nil, nil
		var remaining []string
		now := s.timestamp()

		return []Step{
			func(ctx context.Context, q Queries) error {
				var err error
				view.Group, err = q.GateGroup(ctx, in.id, stored.SecretHash, now)
				if errx.KindOf(err) == errx.NotFound {
					return errx.E(op, errx.Unauthorized, errors.New("group secret changed"))
				}
				return err
			},
			func(ctx context.Context, q Queries) error {
				current, err := q.ListGroupLinks(ctx, in.id)
				if err != nil {
					return err
				}
				plan = Reconcile(current, in.children)
				return nil
			},
			func(ctx context.Context, q Queries) error {
				for _, l := range plan.Removed {
					if _, err := q.UnlinkLink(ctx, l.ID, now); err != nil {
						return err
					}
				}
				return nil
			},
			func(ctx context.Context, q Queries) error {
				retained = make([]Link, 0, len(plan.Retained))
				for _, l := range plan.Retained {
					touched, err := q.TouchLink(ctx, l.ID, now)
					if err != nil {
						return err
					}
					retained = append(retained, touched)
				}
				return nil
			},
			func(ctx context.Context, q Queries) error {
				var err error
				reused, remaining, err = claimPooled(ctx, q, plan.Wanted, in.id, now)
				return err
			},
			func(ctx context.Context, q Queries) error {
				var err error
				created, err = s.createLinks(ctx, q, op, remaining, in.id, now)
				return err
			},
		}
	})
	if err != nil {
		return GroupView{}, err
	}

	metrics.RecordReconcile(metrics.ClassRemoved, len(plan.Removed))
	metrics.RecordReconcile(metrics.ClassRetained, len(retained))
	metrics.RecordReconcile(metrics.ClassReused, len(reused))
	metrics.RecordReconcile(metrics.ClassCreated, len(created))

	view.Children = make([]Link, 0, len(retained)+len(reused)+len(created))
	view.Children = append(view.Children, retained...)
	view.Children = append(view.Children, reused...)
	view.Children = append(view.Children, created...)
	s.cacheView(ctx, view)
	return view, nil
}

// RetrieveGroup returns a group and its links. A group without links is
// reported as NotFound. A miss fills the cache without overwriting a view a
// concurrent CreateGroup or EditGroup stored after this read.
func (s *service) RetrieveGroup(ctx context.Context, id string) (view GroupView, err error) {
	const op = "shortener.service.RetrieveGroup"
	defer func() { s.record("retrieve_group", err) }()

	id, err = ParseID(id)
	if err != nil {
		return GroupView{}, errx.E(op, errx.Invalid, err)
	}

	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, id)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "group cache read failed", "group_id", id, "error", err.Error())
		case ok:
			metrics.RecordCacheHit()
			return cached, nil
		default:
			metrics.RecordCacheMiss()
		}
	}

	err = RunBatch(ctx, s.store,
		func(ctx context.Context, q Queries) error {
			var err error
			view.Group, err = q.GetGroup(ctx, id)
			return err
		},
		func(ctx context.Context, q Queries) error {
			var err error
			view.Children, err = q.ListGroupLinks(ctx, id)
			return err
		},
	)
	if err != nil {
		return GroupView{}, errx.Wrap(op, err)
	}
	if len(view.Children) == 0 {
		return GroupView{}, errx.New(op, errx.NotFound, "group has no links")
	}

	if s.cache != nil {
		if err := s.cache.Fill(ctx, view); err != nil {
			s.logger.WarnContext(ctx, "group cache fill failed",
				"group_id", view.Group.ID,
				"error", err.Error(),
			)
		}
	}
	return view, nil
}

// claimPooled moves pooled links for targets into groupID. Targets without a
// pooled link, or whose link was claimed concurrently, are returned as
// remaining. Both results follow the order of targets.
func claimPooled(ctx context.Context, q Queries, targets []string, groupID string, at time.Time) (claimed []Link, remaining []string, err error) {
	if len(targets) == 0 {
		return nil, nil, nil
	}

	found, err := q.FindReusable(ctx, targets, Scope{UngroupedOnly: true})
	if err != nil {
		return nil, nil, err
	}
	byTarget := make(map[string]Link, len(found))
	for _, l := range found {
		byTarget[l.Target] = l
	}

	for _, t := range targets {
		if l, ok := byTarget[t]; ok {
			got, ok, err := q.ClaimLink(ctx, l.ID, groupID, at)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				claimed = append(claimed, got)
				continue
			}
		}
		remaining = append(remaining, t)
	}
	return claimed, remaining, nil
}

func (s *service) createLinks(ctx context.Context, q Queries, op string, targets []string, groupID string, at time.Time) ([]Link, error) {
	created := make([]Link, 0, len(targets))
	for _, t := range targets {
		id, err := s.newID(op)
		if err != nil {
			return nil, err
		}
		gid := groupID
		l, err := q.InsertLink(ctx, Link{
			ID:        id,
			GroupID:   &gid,
			Target:    t,
			CreatedAt: at,
			UpdatedAt: at,
		})
		if err != nil {
			return nil, err
		}
		created = append(created, l)
	}
	return created, nil
}

// cacheView replaces the cached view after a committed write.
func (s *service) cacheView(ctx context.Context, view GroupView) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, view); err != nil {
		s.logger.WarnContext(ctx, "group cache write failed",
			"group_id", view.Group.ID,
			"error", err.Error(),
		)
	}
}
