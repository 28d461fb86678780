package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/sundayezeilo/urlgroups/internal/shortener"
)

const linkColumns = `id, group_id, target, created_at, updated_at, retired_at`

const groupColumns = `id, secret_hash, created_at, updated_at`

// dbtx is the subset of pgx.Tx the queries need.
type dbtx interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type queries struct {
	db dbtx
}

type linkRow struct {
	ID        string             `db:"id"`
	GroupID   pgtype.Text        `db:"group_id"`
	Target    string             `db:"target"`
	CreatedAt pgtype.Timestamptz `db:"created_at"`
	UpdatedAt pgtype.Timestamptz `db:"updated_at"`
	RetiredAt pgtype.Timestamptz `db:"retired_at"`
}

type groupRow struct {
	ID         string             `db:"id"`
	SecretHash string             `db:"secret_hash"`
	CreatedAt  pgtype.Timestamptz `db:"created_at"`
	UpdatedAt  pgtype.Timestamptz `db:"updated_at"`
}

func (q *queries) InsertGroup(ctx context.Context, g shortener.Group) (shortener.Group, error) {
	const op = "postgres.InsertGroup"
	return q.oneGroup(ctx, op,
		`INSERT INTO link_groups (id, secret_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+groupColumns,
		g.ID, g.SecretHash, g.CreatedAt, g.UpdatedAt,
	)
}

func (q *queries) GetGroup(ctx context.Context, id string) (shortener.Group, error) {
	const op = "postgres.GetGroup"
	return q.oneGroup(ctx, op,
		`SELECT `+groupColumns+` FROM link_groups WHERE id = $1`, id)
}

func (q *queries) GateGroup(ctx context.Context, id, secretHash string, at time.Time) (shortener.Group, error) {
	const op = "postgres.GateGroup"
	return q.oneGroup(ctx, op,
		`UPDATE link_groups SET updated_at = $3
		 WHERE id = $1 AND secret_hash = $2
		 RETURNING `+groupColumns,
		id, secretHash, at,
	)
}

func (q *queries) ListGroupLinks(ctx context.Context, groupID string) ([]shortener.Link, error) {
	const op = "postgres.ListGroupLinks"
	return q.manyLinks(ctx, op,
		`SELECT `+linkColumns+` FROM links
		 WHERE group_id = $1
		 ORDER BY created_at, id`, groupID)
}

func (q *queries) FindReusable(ctx context.Context, targets []string, scope shortener.Scope) ([]shortener.Link, error) {
	const op = "postgres.FindReusable"

	if len(targets) == 0 {
		return nil, nil
	}
	return q.manyLinks(ctx, op,
		`SELECT DISTINCT ON (target) `+linkColumns+` FROM links
		 WHERE target = ANY($1)
		   AND retired_at IS NULL
		   AND (NOT $2 OR group_id IS NULL)
		 ORDER BY target, group_id IS NOT NULL, created_at, id`,
		targets, scope.UngroupedOnly,
	)
}

func (q *queries) InsertLink(ctx context.Context, l shortener.Link) (shortener.Link, error) {
	const op = "postgres.InsertLink"
	return q.oneLink(ctx, op,
		`INSERT INTO links (id, group_id, target, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+linkColumns,
		l.ID, l.GroupID, l.Target, l.CreatedAt, l.UpdatedAt,
	)
}

func (q *queries) TouchLink(ctx context.Context, id string, at time.Time) (shortener.Link, error) {
	const op = "postgres.TouchLink"
	return q.oneLink(ctx, op,
		`UPDATE links SET updated_at = $2 WHERE id = $1 RETURNING `+linkColumns,
		id, at,
	)
}

func (q *queries) ClaimLink(ctx context.Context, id, groupID string, at time.Time) (shortener.Link, bool, error) {
	const op = "postgres.ClaimLink"

	l, err := q.oneLink(ctx, op,
		`UPDATE links SET group_id = $2, updated_at = $3
		 WHERE id = $1 AND group_id IS NULL AND retired_at IS NULL
		 RETURNING `+linkColumns,
		id, groupID, at,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return shortener.Link{}, false, nil
	}
	if err != nil {
		return shortener.Link{}, false, err
	}
	return l, true, nil
}

func (q *queries) UnlinkLink(ctx context.Context, id string, at time.Time) (shortener.Link, error) {
	const op = "postgres.UnlinkLink"
	return q.oneLink(ctx, op,
		`UPDATE links SET
			group_id = NULL,
			retired_at = CASE WHEN EXISTS (
				SELECT 1 FROM links AS pool
				WHERE pool.target = links.target
				  AND pool.group_id IS NULL
				  AND pool.retired_at IS NULL
				  AND pool.id <> links.id
			) THEN $2::timestamptz ELSE NULL END
		 WHERE id = $1
		 RETURNING `+linkColumns,
		id, at,
	)
}

func (q *queries) oneLink(ctx context.Context, op, sql string, args ...any) (shortener.Link, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return shortener.Link{}, mapError(op, err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[linkRow])
	if err != nil {
		return shortener.Link{}, mapError(op, err)
	}
	l, err := toDomainLink(row)
	if err != nil {
		return shortener.Link{}, mapError(op, err)
	}
	return l, nil
}

func (q *queries) manyLinks(ctx context.Context, op, sql string, args ...any) ([]shortener.Link, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[linkRow])
	if err != nil {
		return nil, mapError(op, err)
	}

	links := make([]shortener.Link, 0, len(collected))
	for _, row := range collected {
		l, err := toDomainLink(row)
		if err != nil {
			return nil, mapError(op, err)
		}
		links = append(links, l)
	}
	return links, nil
}

func (q *queries) oneGroup(ctx context.Context, op, sql string, args ...any) (shortener.Group, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return shortener.Group{}, mapError(op, err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[groupRow])
	if err != nil {
		return shortener.Group{}, mapError(op, err)
	}
	g, err := toDomainGroup(row)
	if err != nil {
		return shortener.Group{}, mapError(op, err)
	}
	return g, nil
}

func mustTime(ts pgtype.Timestamptz, field string) (time.Time, error) {
	if !ts.Valid {
		return time.Time{}, fmt.Errorf("%s unexpectedly NULL", field)
	}
	return ts.Time.UTC(), nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}

func toDomainLink(x linkRow) (shortener.Link, error) {
	createdAt, err := mustTime(x.CreatedAt, "created_at")
	if err != nil {
		return shortener.Link{}, err
	}
	updatedAt, err := mustTime(x.UpdatedAt, "updated_at")
	if err != nil {
		return shortener.Link{}, err
	}

	l := shortener.Link{
		ID:        x.ID,
		Target:    x.Target,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		RetiredAt: timePtr(x.RetiredAt),
	}
	if x.GroupID.Valid {
		gid := x.GroupID.String
		l.GroupID = &gid
	}
	return l, nil
}

func toDomainGroup(x groupRow) (shortener.Group, error) {
	createdAt, err := mustTime(x.CreatedAt, "created_at")
	if err != nil {
		return shortener.Group{}, err
	}
	updatedAt, err := mustTime(x.UpdatedAt, "updated_at")
	if err != nil {
		return shortener.Group{}, err
	}

	return shortener.Group{
		ID:         x.ID,
		SecretHash: x.SecretHash,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}, nil
}
