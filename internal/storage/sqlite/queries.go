package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/sundayezeilo/urlgroups/internal/shortener"
)

const linkColumns = `id, group_id, target, created_at, updated_at, retired_at`

const groupColumns = `id, secret_hash, created_at, updated_at`

type queries struct {
	tx *sql.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

func (q *queries) InsertGroup(ctx context.Context, g shortener.Group) (shortener.Group, error) {
	const op = "sqlite.InsertGroup"

	row := q.tx.QueryRowContext(ctx,
		`INSERT INTO link_groups (id, secret_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 RETURNING `+groupColumns,
		g.ID, g.SecretHash, g.CreatedAt.UnixMilli(), g.UpdatedAt.UnixMilli(),
	)
	got, err := scanGroup(row)
	return got, mapError(op, err)
}

func (q *queries) GetGroup(ctx context.Context, id string) (shortener.Group, error) {
	const op = "sqlite.GetGroup"

	row := q.tx.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM link_groups WHERE id = ?`, id)
	got, err := scanGroup(row)
	return got, mapError(op, err)
}

func (q *queries) GateGroup(ctx context.Context, id, secretHash string, at time.Time) (shortener.Group, error) {
	const op = "sqlite.GateGroup"

	row := q.tx.QueryRowContext(ctx,
		`UPDATE link_groups SET updated_at = ?
		 WHERE id = ? AND secret_hash = ?
		 RETURNING `+groupColumns,
		at.UnixMilli(), id, secretHash,
	)
	got, err := scanGroup(row)
	return got, mapError(op, err)
}

func (q *queries) ListGroupLinks(ctx context.Context, groupID string) ([]shortener.Link, error) {
	const op = "sqlite.ListGroupLinks"

	rows, err := q.tx.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM links
		 WHERE group_id = ?
		 ORDER BY created_at, id`, groupID)
	if err != nil {
		return nil, mapError(op, err)
	}
	links, err := collectLinks(rows)
	return links, mapError(op, err)
}

func (q *queries) FindReusable(ctx context.Context, targets []string, scope shortener.Scope) ([]shortener.Link, error) {
	const op = "sqlite.FindReusable"

	if len(targets) == 0 {
		return nil, nil
	}

	args := make([]any, len(targets))
	for i, t := range targets {
		args[i] = t
	}

	query := `SELECT ` + linkColumns + ` FROM links
		WHERE target IN (` + placeholders(len(targets)) + `) AND retired_at IS NULL`
	if scope.UngroupedOnly {
		query += ` AND group_id IS NULL`
	}
	query += ` ORDER BY target, group_id IS NOT NULL, created_at, id`

	rows, err := q.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	links, err := collectLinks(rows)
	if err != nil {
		return nil, mapError(op, err)
	}
	return firstPerTarget(links), nil
}

func (q *queries) InsertLink(ctx context.Context, l shortener.Link) (shortener.Link, error) {
	const op = "sqlite.InsertLink"

	row := q.tx.QueryRowContext(ctx,
		`INSERT INTO links (id, group_id, target, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 RETURNING `+linkColumns,
		l.ID, nullString(l.GroupID), l.Target, l.CreatedAt.UnixMilli(), l.UpdatedAt.UnixMilli(),
	)
	got, err := scanLink(row)
	return got, mapError(op, err)
}

func (q *queries) TouchLink(ctx context.Context, id string, at time.Time) (shortener.Link, error) {
	const op = "sqlite.TouchLink"

	row := q.tx.QueryRowContext(ctx,
		`UPDATE links SET updated_at = ? WHERE id = ? RETURNING `+linkColumns,
		at.UnixMilli(), id,
	)
	got, err := scanLink(row)
	return got, mapError(op, err)
}

func (q *queries) ClaimLink(ctx context.Context, id, groupID string, at time.Time) (shortener.Link, bool, error) {
	const op = "sqlite.ClaimLink"

	row := q.tx.QueryRowContext(ctx,
		`UPDATE links SET group_id = ?, updated_at = ?
		 WHERE id = ? AND group_id IS NULL AND retired_at IS NULL
		 RETURNING `+linkColumns,
		groupID, at.UnixMilli(), id,
	)
	got, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return shortener.Link{}, false, nil
	}
	if err != nil {
		return shortener.Link{}, false, mapError(op, err)
	}
	return got, true, nil
}

func (q *queries) UnlinkLink(ctx context.Context, id string, at time.Time) (shortener.Link, error) {
	const op = "sqlite.UnlinkLink"

	row := q.tx.QueryRowContext(ctx,
		`UPDATE links SET
			group_id = NULL,
			retired_at = CASE WHEN EXISTS (
				SELECT 1 FROM links AS pool
				WHERE pool.target = links.target
				  AND pool.group_id IS NULL
				  AND pool.retired_at IS NULL
				  AND pool.id <> links.id
			) THEN ? ELSE NULL END
		 WHERE id = ?
		 RETURNING `+linkColumns,
		at.UnixMilli(), id,
	)
	got, err := scanLink(row)
	return got, mapError(op, err)
}

func scanLink(row scanner) (shortener.Link, error) {
	var (
		l         shortener.Link
		groupID   sql.NullString
		createdAt int64
		updatedAt int64
		retiredAt sql.NullInt64
	)
	if err := row.Scan(&l.ID, &groupID, &l.Target, &createdAt, &updatedAt, &retiredAt); err != nil {
		return shortener.Link{}, err
	}

	if groupID.Valid {
		l.GroupID = &groupID.String
	}
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	if retiredAt.Valid {
		t := fromMillis(retiredAt.Int64)
		l.RetiredAt = &t
	}
	return l, nil
}

func scanGroup(row scanner) (shortener.Group, error) {
	var (
		g         shortener.Group
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&g.ID, &g.SecretHash, &createdAt, &updatedAt); err != nil {
		return shortener.Group{}, err
	}
	g.CreatedAt = fromMillis(createdAt)
	g.UpdatedAt = fromMillis(updatedAt)
	return g, nil
}

func collectLinks(rows *sql.Rows) ([]shortener.Link, error) {
	defer rows.Close()

	var links []shortener.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// firstPerTarget keeps the first link of each target from rows ordered by
// target and preference.
func firstPerTarget(links []shortener.Link) []shortener.Link {
	out := make([]shortener.Link, 0, len(links))
	for i, l := range links {
		if i > 0 && links[i-1].Target == l.Target {
			continue
		}
		out = append(out, l)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
