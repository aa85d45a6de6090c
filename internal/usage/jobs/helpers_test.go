package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"linkmeter/internal/usage/counter"
	"linkmeter/internal/usage/durable"
)

type fixture struct {
	repo  *durable.Repository
	store *counter.Store
	mr    *miniredis.Miniredis
	clock *quartz.Mock
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	db, err := durable.Open(durable.Options{
		Driver:       "sqlite",
		DSN:          "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	require.NoError(t, durable.Migrate(db))
	t.Cleanup(func() { _ = durable.Close(db) })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	clk := quartz.NewMock(t)
	clk.Set(now)
	store := counter.NewStore(client, counter.Options{BreakerMaxFailures: 1000, Clock: clk})
	return &fixture{repo: durable.NewRepository(db), store: store, mr: mr, clock: clk}
}

func (f *fixture) addWorkspace(t *testing.T, id string, cycleDay int, mutate func(w *durable.Workspace)) {
	t.Helper()
	w := durable.NewWorkspace(id, "pro", cycleDay)
	if mutate != nil {
		mutate(w)
	}
	require.NoError(t, f.repo.CreateWorkspace(context.Background(), w))
}

func (f *fixture) workspace(t *testing.T, id string) *durable.Workspace {
	t.Helper()
	w, err := f.repo.GetWorkspace(context.Background(), id)
	require.NoError(t, err)
	return w
}

func ptr[T any](v T) *T { return &v }
