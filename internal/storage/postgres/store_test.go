package postgres

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sundayezeilo/urlgroups/internal/errx"
	"github.com/sundayezeilo/urlgroups/internal/shortener"
	"github.com/sundayezeilo/urlgroups/internal/storage/postgres/migrations"
)

var (
	testPool *pgxpool.Pool
	t0       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, pool, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres container: %v\n", err)
		os.Exit(1)
	}
	testPool = pool

	code := m.Run()

	pool.Close()
	_ = testcontainers.TerminateContainer(container)
	os.Exit(code)
}

func startPostgres(ctx context.Context) (*tcpostgres.PostgresContainer, *pgxpool.Pool, error) {
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("urlgroups"),
		tcpostgres.WithUsername("urlgroups"),
		tcpostgres.WithPassword("urlgroups"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return container, nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := migrations.New(connStr, logger)
	if err != nil {
		return container, nil, err
	}
	if err := m.Up(); err != nil {
		return container, nil, err
	}
	_ = m.Close()

	pool, err := NewPool(ctx, PoolConfig{ConnString: connStr, MaxConns: 10}, logger)
	return container, pool, err
}

var resetMu sync.Mutex

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}

	resetMu.Lock()
	t.Cleanup(resetMu.Unlock)

	_, err := testPool.Exec(context.Background(), `TRUNCATE links, link_groups`)
	require.NoError(t, err)
	return New(testPool)
}

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

func seedLink(t *testing.T, s *Store, l shortener.Link) {
	t.Helper()
	if l.CreatedAt.IsZero() {
		l.CreatedAt, l.UpdatedAt = t0, t0
	}
	run(t, s, func(ctx context.Context, q shortener.Queries) error {
		_, err := q.InsertLink(ctx, l)
		return err
	})
}

func TestPoolTargetIsUnique(t *testing.T) {
	s := newTestStore(t)
	seedLink(t, s, shortener.Link{ID: "pooled01", Target: "https://a.example"})

	err := s.WithinTx(context.Background(), func(ctx context.Context, q shortener.Queries) error {
		_, err := q.InsertLink(ctx, shortener.Link{ID: "pooled02", Target: "https://a.example", CreatedAt: t0, UpdatedAt: t0})
		return err
	})
	assert.Equal(t, errx.Conflict, errx.KindOf(err))
}

func TestGateGroup(t *testing.T) {
	s := newTestStore(t)
	seedGroup(t, s, "group001")
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
		return nil
	})
}

func TestFindReusable_DistinctPerTarget(t *testing.T) {
	s := newTestStore(t)
	seedGroup(t, s, "group001")
	seedLink(t, s, shortener.Link{ID: "grpA0001", GroupID: ptr("group001"), Target: "https://a.example",
		CreatedAt: t0.Add(-time.Hour), UpdatedAt: t0})
	seedLink(t, s, shortener.Link{ID: "poolA001", Target: "https://a.example"})
	seedLink(t, s, shortener.Link{ID: "grpB0001", GroupID: ptr("group001"), Target: "https://b.example"})

	run(t, s, func(ctx context.Context, q shortener.Queries) error {
		all, err := q.FindReusable(ctx, []string{"https://a.example", "https://b.example"}, shortener.Scope{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "poolA001", all[0].ID)
		assert.Equal(t, "grpB0001", all[1].ID)

		pooled, err := q.FindReusable(ctx, []string{"https://a.example", "https://b.example"}, shortener.Scope{UngroupedOnly: true})
		require.NoError(t, err)
		require.Len(t, pooled, 1)
		assert.Equal(t, "poolA001", pooled[0].ID)
		return nil
	})
}

func TestUnlinkLink_RetiresDuplicate(t *testing.T) {
	s := newTestStore(t)
	seedGroup(t, s, "group001")
	seedLink(t, s, shortener.Link{ID: "poolA001", Target: "https://a.example"})
	seedLink(t, s, shortener.Link{ID: "grpA0001", GroupID: ptr("group001"), Target: "https://a.example"})
	seedLink(t, s, shortener.Link{ID: "grpB0001", GroupID: ptr("group001"), Target: "https://b.example"})

	run(t, s, func(ctx context.Context, q shortener.Queries) error {
		retired, err := q.UnlinkLink(ctx, "grpA0001", t0.Add(time.Minute))
		require.NoError(t, err)
		assert.NotNil(t, retired.RetiredAt)
		assert.Nil(t, retired.GroupID)

		pooled, err := q.UnlinkLink(ctx, "grpB0001", t0.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, pooled.Pooled())
		return nil
	})
}

func TestClaimLink_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	s := newTestStore(t)
	seedGroup(t, s, "group001")
	seedGroup(t, s, "group002")
	seedLink(t, s, shortener.Link{ID: "pooled01", Target: "https://a.example"})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, gid := range []string{"group001", "group002"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithinTx(context.Background(), func(ctx context.Context, q shortener.Queries) error {
				_, ok, err := q.ClaimLink(ctx, "pooled01", gid, t0.Add(time.Minute))
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.WithinTx(context.Background(), func(ctx context.Context, q shortener.Queries) error {
		if _, err := q.InsertLink(ctx, shortener.Link{ID: "rolled01", Target: "https://a.example", CreatedAt: t0, UpdatedAt: t0}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.WithinTx(context.Background(), func(ctx context.Context, q shortener.Queries) error {
		_, err := q.TouchLink(ctx, "rolled01", t0)
		return err
	})
	assert.Equal(t, errx.NotFound, errx.KindOf(err))
}

func TestMapError(t *testing.T) {
	assert.Equal(t, errx.Unavailable, errx.KindOf(mapError("op", errors.New("conn reset"))))
	assert.NoError(t, mapError("op", nil))
}
