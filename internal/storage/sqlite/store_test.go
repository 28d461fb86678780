package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sundayezeilo/urlgroups/internal/errx"
	"github.com/sundayezeilo/urlgroups/internal/shortener"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()
	s, err := Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "urlgroups.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))
	return s
}

// run executes fn in its own transaction and fails the test on error.
func run(t *testing.T, s *Store, fn func(ctx context.Context, q shortener.Queries) error) {
	t.Helper()
	require.NoError(t, s.WithinTx(context.Background(), fn))
}

func ptr(s string) *string { return &s }

func seedGroup(t *testing.T, s *Store, id string) {
	t.Helper()
	run(t, s, func(ctx context.Context, q shortener.Queries) error {
		_, err := q.InsertGroup(ctx, shortener.Group{ID: id, SecretHash: "hash-" + id, CreatedAt: t0, UpdatedAt: t0})
		return err
	})
}

func seedLink(t *testing.T, s *Store, l shortener.Link) shortener.Link {
	t.Helper()
	if l.CreatedAt.IsZero() {
		l.CreatedAt, l.UpdatedAt = t0, t0
	}
	var got shortener.Link
	run(t, s, func(ctx context.Context, q shortener.Queries) error {
		var err error
		got, err = q.InsertLink(ctx, l)
		return err
	})
	return got
}

func TestDriverFor(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"urlgroups.db", DriverSQLite},
		{"file:urlgroups.db?cache=shared", DriverSQLite},
		{":memory:", DriverSQLite},
		{"libsql://urlgroups-acme.turso.io?authToken=x", DriverLibSQL},
		{"wss://urlgroups-acme.turso.io", DriverLibSQL},
		{"http://127.0.0.1:8080", DriverLibSQL},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			assert.Equal(t, tt.want, DriverFor(tt.dsn))
		})
	}
}

func TestWithLocalPragmas(t *testing.T) {
	assert.Equal(t, "file:a.db?"+localPragmas, withLocalPragmas("a.db"))
	assert.Equal(t, "file:a.db?mode=rwc&"+localPragmas, withLocalPragmas("file:a.db?mode=rwc"))
	assert.Equal(t, "file:a.db?_pragma=foreign_keys(1)", withLocalPragmas("file:a.db?_pragma=foreign_keys(1)"))
	assert.Equal(t, "file::memory:?"+localPragmas, withLocalPragmas(":memory:"))
}

func TestOpen_HonorsConfiguredDriver(t *testing.T) {
	ctx := context.Background()

	t.Run("empty driver is resolved from the dsn", func(t *testing.T) {
		s, err := Open(ctx, "", filepath.Join(t.TempDir(), "urlgroups.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		assert.Equal(t, DriverSQLite, s.Driver())
	})

	t.Run("unknown driver is rejected", func(t *testing.T) {
		_, err := Open(ctx, "mysql", "urlgroups.db")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported driver")
	})
}

func TestOpen_MemoryEnforcesForeignKeys(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))

	var enabled int
	require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled))
	assert.Equal(t, 1, enabled)

	err = s.WithinTx(ctx, func(ctx context.Context, q shortener.Queries) error {
		_, err := q.InsertLink(ctx, shortener.Link{ID: "orphan01", GroupID: ptr("nogroup1"), Target: "https://a.example", CreatedAt: t0, UpdatedAt: t0})
		return err
	})
	assert.Error(t, err, "links must reference an existing group")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestGroups(t *testing.T) {
	s := newTestStore(t)
	seedGroup(t, s, "group001")

	t.Run("get returns the stored row", func(t *testing.T) {
		run(t, s, func(ctx context.Context, q shortener.Queries) error {
			g, err := q.GetGroup(ctx, "group001")
			require.NoError(t, err)
			assert.Equal(t, "hash-group001", g.SecretHash)
			assert.True(t, g.CreatedAt.Equal(t0))
			return nil
		})
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		err := s.WithinTx(context.Background(), func(ctx context.Context, q shortener.Queries) error {
			_, err := q.InsertGroup(ctx, shortener.Group{ID: "group001", SecretHash: "x", CreatedAt: t0, UpdatedAt: t0})
			return err
		})
		assert.Equal(t, errx.Conflict, errx.KindOf(err))
	})

	t.Run("missing group is not found", func(t *testing.T) {
		err := s.WithinTx(context.Background(), func(ctx context.Context, q shortener.Queries) error {
			_, err := q.GetGroup(ctx, "nogroup1")
			return err
		})
		assert.Equal(t, errx.NotFound, errx.KindOf(err))
	})

	t.Run("gate bumps updated_at only on matching hash", func(t *testing.T) {
		later := t0.Add(time.Minute)

		err := s.WithinTx(context.Background(), func(ctx context.Context, q shortener.Queries) error {
			_, err := q.GateGroup(ctx, "group001", "wrong", later)
			return err
		})
		assert.Equal(t, errx.NotFound, errx.KindOf(err))

		run(t, s, func(ctx context.Context, q shortener.Queries) error {
			g, err := q.GateGroup(ctx, "group001", "hash-group001", later)
			require.NoError(t, err)
			assert.True(t, g.UpdatedAt.Equal(later))
			assert.True(t, g.CreatedAt.Equal(t0))
			return nil
		})
	})
}

func TestInsertLink_PoolTargetIsUnique(t *testing.T) {
	s := newTestStore(t)
	seedGroup(t, s, "group001")
	seedLink(t, s, shortener.Link{ID: "pooled01", Target: "https://a.example"})

	err := s.WithinTx(context.Background(), func(ctx context.Context, q shortener.Queries) error {
		_, err := q.InsertLink(ctx, shortener.Link{ID: "pooled02", Target: "https://a.example", CreatedAt: t0, UpdatedAt: t0})
		return err
	})
	assert.Equal(t, errx.Conflict, errx.KindOf(err))

	grouped := seedLink(t, s, shortener.Link{ID: "grouped1", GroupID: ptr("group001"), Target: "https://a.example"})
	assert.Equal(t, "group001", *grouped.GroupID)
}

func TestInsertLink_UnknownGroup(t *testing.T) {
	s := newTestStore(t)

	err := s.WithinTx(context.Background(), func(ctx context.Context, q shortener.Queries) error {
		_, err := q.InsertLink(ctx, shortener.Link{ID: "orphan01", GroupID: ptr("nogroup1"), Target: "https://a.example", CreatedAt: t0, UpdatedAt: t0})
		return err
	})
	assert.Equal(t, errx.NotFound, errx.KindOf(err))
}

func TestFindReusable(t *testing.T) {
	s := newTestStore(t)
	seedGroup(t, s, "group001")

	seedLink(t, s, shortener.Link{ID: "grpA0001", GroupID: ptr("group001"), Target: "https://a.example",
		CreatedAt: t0.Add(-time.Hour), UpdatedAt: t0})
	seedLink(t, s, shortener.Link{ID: "poolA001", Target: "https://a.example"})
	seedLink(t, s, shortener.Link{ID: "grpB0001", GroupID: ptr("group001"), Target: "https://b.example"})

	find := func(targets []string, scope shortener.Scope) []shortener.Link {
		var got []shortener.Link
		run(t, s, func(ctx context.Context, q shortener.Queries) error {
			var err error
			got, err = q.FindReusable(ctx, targets, scope)
			return err
		})
		return got
	}

	t.Run("prefers the pooled link", func(t *testing.T) {
		got := find([]string{"https://a.example"}, shortener.Scope{})
		require.Len(t, got, 1)
		assert.Equal(t, "poolA001", got[0].ID)
	})

	t.Run("falls back to a grouped link", func(t *testing.T) {
		got := find([]string{"https://b.example"}, shortener.Scope{})
		require.Len(t, got, 1)
		assert.Equal(t, "grpB0001", got[0].ID)
	})

	t.Run("ungrouped scope skips grouped links", func(t *testing.T) {
		got := find([]string{"https://a.example", "https://b.example", "https://c.example"}, shortener.Scope{UngroupedOnly: true})
		require.Len(t, got, 1)
		assert.Equal(t, "poolA001", got[0].ID)
	})

	t.Run("no targets", func(t *testing.T) {
		assert.Empty(t, find(nil, shortener.Scope{}))
	})
}

func TestClaimLink(t *testing.T) {
	s := newTestStore(t)
	seedGroup(t, s, "group001")
	seedGroup(t, s, "group002")
	seedLink(t, s, shortener.Link{ID: "pooled01", Target: "https://a.example"})
	later := t0.Add(time.Minute)

	run(t, s, func(ctx context.Context, q shortener.Queries) error {
		l, ok, err := q.ClaimLink(ctx, "pooled01", "group001", later)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "group001", *l.GroupID)
		assert.True(t, l.UpdatedAt.Equal(later))
		return nil
	})

	run(t, s, func(ctx context.Context, q shortener.Queries) error {
		_, ok, err := q.ClaimLink(ctx, "pooled01", "group002", later)
		require.NoError(t, err)
		assert.False(t, ok, "a claimed link must not be claimed again")
		return nil
	})
}

func TestUnlinkLink(t *testing.T) {
	s := newTestStore(t)
	seedGroup(t, s, "group001")
	later := t0.Add(time.Minute)

	t.Run("returns to the pool when the pool lacks the target", func(t *testing.T) {
		seedLink(t, s, shortener.Link{ID: "grpA0001", GroupID: ptr("group001"), Target: "https://a.example"})

		run(t, s, func(ctx context.Context, q shortener.Queries) error {
			l, err := q.UnlinkLink(ctx, "grpA0001", later)
			require.NoError(t, err)
			assert.True(t, l.Pooled())
			assert.True(t, l.UpdatedAt.Equal(t0), "unlink does not touch updated_at")
			return nil
		})
	})

	t.Run("retires when the pool already holds the target", func(t *testing.T) {
		seedLink(t, s, shortener.Link{ID: "grpA0002", GroupID: ptr("group001"), Target: "https://a.example"})

		run(t, s, func(ctx context.Context, q shortener.Queries) error {
			l, err := q.UnlinkLink(ctx, "grpA0002", later)
			require.NoError(t, err)
			assert.Nil(t, l.GroupID)
			require.NotNil(t, l.RetiredAt)
			assert.False(t, l.Pooled())

			found, err := q.FindReusable(ctx, []string{"https://a.example"}, shortener.Scope{})
			require.NoError(t, err)
			require.Len(t, found, 1)
			assert.Equal(t, "grpA0001", found[0].ID)

			got, err := q.TouchLink(ctx, "grpA0002", later)
			require.NoError(t, err)
			assert.Equal(t, "https://a.example", got.Target, "retired links still resolve")
			return nil
		})
	})
}

func TestTouchLink(t *testing.T) {
	s := newTestStore(t)
	seedLink(t, s, shortener.Link{ID: "pooled01", Target: "https://a.example"})
	later := t0.Add(time.Hour)

	run(t, s, func(ctx context.Context, q shortener.Queries) error {
		l, err := q.TouchLink(ctx, "pooled01", later)
		require.NoError(t, err)
		assert.True(t, l.UpdatedAt.Equal(later))
		assert.True(t, l.CreatedAt.Equal(t0))
		return nil
	})

	err := s.WithinTx(context.Background(), func(ctx context.Context, q shortener.Queries) error {
		_, err := q.TouchLink(ctx, "missing1", later)
		return err
	})
	assert.Equal(t, errx.NotFound, errx.KindOf(err))
}

func TestListGroupLinks_OrderedByCreation(t *testing.T) {
	s := newTestStore(t)
	seedGroup(t, s, "group001")
	seedLink(t, s, shortener.Link{ID: "second01", GroupID: ptr("group001"), Target: "https://b.example",
		CreatedAt: t0.Add(time.Second), UpdatedAt: t0})
	seedLink(t, s, shortener.Link{ID: "first001", GroupID: ptr("group001"), Target: "https://a.example"})

	run(t, s, func(ctx context.Context, q shortener.Queries) error {
		links, err := q.ListGroupLinks(ctx, "group001")
		require.NoError(t, err)
		require.Len(t, links, 2)
		assert.Equal(t, "first001", links[0].ID)
		assert.Equal(t, "second01", links[1].ID)
		return nil
	})
}

func TestWithinTx_RollsBack(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")

	t.Run("on error", func(t *testing.T) {
		err := s.WithinTx(context.Background(), func(ctx context.Context, q shortener.Queries) error {
			if _, err := q.InsertLink(ctx, shortener.Link{ID: "rolled01", Target: "https://a.example", CreatedAt: t0, UpdatedAt: t0}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)
	})

	t.Run("on panic", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = s.WithinTx(context.Background(), func(ctx context.Context, q shortener.Queries) error {
				if _, err := q.InsertLink(ctx, shortener.Link{ID: "rolled02", Target: "https://b.example", CreatedAt: t0, UpdatedAt: t0}); err != nil {
					return err
				}
				panic("boom")
			})
		})
	})

	for _, id := range []string{"rolled01", "rolled02"} {
		err := s.WithinTx(context.Background(), func(ctx context.Context, q shortener.Queries) error {
			_, err := q.TouchLink(ctx, id, t0)
			return err
		})
		assert.Equal(t, errx.NotFound, errx.KindOf(err), id)
	}
}
