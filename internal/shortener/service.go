package shortener

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sundayezeilo/urlgroups/internal/errx"
	"github.com/sundayezeilo/urlgroups/internal/idgen"
	"github.com/sundayezeilo/urlgroups/internal/metrics"
	"github.com/sundayezeilo/urlgroups/internal/secret"
)

const DefaultIDMaxRetries = 3

// Service defines the link and group operations.
type Service interface {
	Shorten(ctx context.Context, in ShortenInput) (Link, error)
	Retrieve(ctx context.Context, id string) (Link, error)
	CreateGroup(ctx context.Context, in CreateGroupInput) (GroupView, error)
	EditGroup(ctx context.Context, in EditGroupInput) (GroupView, error)
	RetrieveGroup(ctx context.Context, id string) (GroupView, error)
}

type service struct {
	store        Store
	ids          idgen.Generator
	hasher       secret.Hasher
	cache        GroupCache
	idMaxRetries int
	now          func() time.Time
	logger       *slog.Logger
}

// ServiceConfig holds configuration for the service.
type ServiceConfig struct {
	IDGenerator  idgen.Generator
	Hasher       secret.Hasher
	Cache        GroupCache // optional
	IDMaxRetries int        // attempts per unit of work on identifier conflicts (default: 3)
	Now          func() time.Time
	Logger       *slog.Logger
}

// NewService creates a new service instance.
func NewService(store Store, config *ServiceConfig) Service {
	if config == nil {
		config = &ServiceConfig{}
	}

	ids := config.IDGenerator
	if ids == nil {
		ids = idgen.New()
	}

	hasher := config.Hasher
	if hasher == nil {
		hasher = secret.NewBcrypt(0)
	}

	retries := config.IDMaxRetries
	if retries <= 0 {
		retries = DefaultIDMaxRetries
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &service{
		store:        store,
		ids:          ids,
		hasher:       hasher,
		cache:        config.Cache,
		idMaxRetries: retries,
		now:          now,
		logger:       logger,
	}
}

// Shorten returns the link for a target, creating a pooled one if none exists.
func (s *service) Shorten(ctx context.Context, in ShortenInput) (link Link, err error) {
	const op = "shortener.service.Shorten"
	defer func() { s.record("shorten", err) }()

	if in.target == "" {
		return Link{}, errx.New(op, errx.Invalid, "target is required")
	}

	err = s.atomically(ctx, op, func() []Step {
		link = Link{}
		now := s.timestamp()

		return []Step{
			func(ctx context.Context, q Queries) error {
				found, err := q.FindReusable(ctx, []string{in.target}, Scope{})
				if err != nil || len(found) == 0 {
					return err
				}
				link, err = q.TouchLink(ctx, found[0].ID, now)
				return err
			},
			func(ctx context.Context, q Queries) error {
				if link.ID != "" {
					return nil
				}
				id, err := s.newID(op)
				if err != nil {
					return err
				}
				link, err = q.InsertLink(ctx, Link{
					ID:        id,
					Target:    in.target,
					CreatedAt: now,
					UpdatedAt: now,
				})
				return err
			},
		}
	})
	if err != nil {
		return Link{}, err
	}
	return link, nil
}

// Retrieve resolves an identifier and refreshes its updated time. Touching a
// grouped link drops its group's cached view.
func (s *service) Retrieve(ctx context.Context, id string) (link Link, err error) {
	const op = "shortener.service.Retrieve"
	defer func() { s.record("retrieve", err) }()

	id, err = ParseID(id)
	if err != nil {
		return Link{}, errx.E(op, errx.Invalid, err)
	}

	now := s.timestamp()
	err = RunBatch(ctx, s.store, func(ctx context.Context, q Queries) error {
		var err error
		link, err = q.TouchLink(ctx, id, now)
		return err
	})
	if err != nil {
		return Link{}, errx.Wrap(op, err)
	}

	if link.GroupID != nil && s.cache != nil {
		if err := s.cache.Delete(ctx, *link.GroupID); err != nil {
			s.logger.WarnContext(ctx, "group cache invalidation failed",
				"group_id", *link.GroupID,
				"error", err.Error(),
			)
		}
	}
	return link, nil
}

// atomically runs the steps from build in one transaction, rebuilding and
// retrying them while the store reports a conflict.
func (s *service) atomically(ctx context.Context, op string, build func() []Step) error {
	var last error
	for attempt := range s.idMaxRetries {
		err := RunBatch(ctx, s.store, build()...)
		if err == nil {
			return nil
		}
		if errx.KindOf(err) != errx.Conflict {
			return errx.Wrap(op, err)
		}

		last = err
		if attempt+1 < s.idMaxRetries {
			metrics.RecordIDRetry()
			s.logger.DebugContext(ctx, "retrying after conflict",
				"operation", op,
				"attempt", attempt+1,
				"error", err.Error(),
			)
		}
	}

	return errx.E(op, errx.Unavailable,
		errors.Join(errors.New("could not persist unique identifiers after retries"), last))
}

func (s *service) newID(op string) (string, error) {
	id, err := s.ids.Generate()
	if err != nil {
		return "", errx.E(op, errx.Unavailable, err)
	}
	return id, nil
}

// timestamp truncates to milliseconds, the coarsest precision any store keeps.
func (s *service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func (s *service) record(operation string, err error) {
	result := "ok"
	if err != nil {
		result = errx.KindOf(err).String()
	}
	metrics.RecordOperation(operation, result)
}
