package state

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/locks"
)

type fakeRow struct {
	state string
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.state
	return nil
}

// fakeStore records every statement so tests can assert on the exact
// persistence the manager issues.
type fakeStore struct {
	row      fakeRow
	execSQL  []string
	execArgs [][]interface{}
}

func (s *fakeStore) Exec(_ context.Context, sql string, args ...interface{}) error {
	s.execSQL = append(s.execSQL, sql)
	s.execArgs = append(s.execArgs, args)
	return nil
}

func (s *fakeStore) QueryRow(_ context.Context, _ string, _ ...interface{}) pgx.Row {
	return s.row
}

func newTestManager(t *testing.T, store Store) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := common.ComponentLogger("test")
	lockMgr := locks.NewManager(locks.NewRedisBackend(client, "test:"), nil, logger)
	return NewManager(lockMgr, client, store, "test:", "worker-1", nil, logger), mr
}

func TestPersistUpdatesEntityRow(t *testing.T) {
	ctx := context.Background()

	t.Run("batch", func(t *testing.T) {
		store := &fakeStore{}
		m, _ := newTestManager(t, store)

		require.NoError(t, m.persist(ctx, EntityBatch, "batch_1700000000_cafe0123", "completed"))
		require.Len(t, store.execSQL, 1)
		assert.Contains(t, store.execSQL[0], "UPDATE batches SET status")
		assert.Equal(t, []interface{}{"completed", "batch_1700000000_cafe0123"}, store.execArgs[0])
	})

	t.Run("article", func(t *testing.T) {
		store := &fakeStore{}
		m, _ := newTestManager(t, store)

		require.NoError(t, m.persist(ctx, EntityArticle, "42", "processed"))
		require.Len(t, store.execSQL, 1)
		assert.Contains(t, store.execSQL[0], "UPDATE raw_articles SET status")
		assert.Equal(t, []interface{}{"processed", "42"}, store.execArgs[0])
	})
}

func TestTransitionPersistsCachesAndAudits(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{row: fakeRow{state: "processing"}}
	m, mr := newTestManager(t, store)

	ok, err := m.Transition(ctx, EntityBatch, "batch_1", TriggerComplete,
		map[string]string{"worker": "worker-1"})
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, store.execSQL, 1)
	assert.Contains(t, store.execSQL[0], "UPDATE batches SET status")
	assert.Equal(t, []interface{}{"completed", "batch_1"}, store.execArgs[0])

	cached, err := mr.Get("test:state:cur:batch:batch_1")
	require.NoError(t, err)
	assert.Equal(t, "completed", cached)

	history, err := m.History(ctx, EntityBatch, "batch_1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "processing", history[0].From)
	assert.Equal(t, "completed", history[0].To)
	assert.Equal(t, TriggerComplete, history[0].Trigger)

	t.Run("entity lock is released afterwards", func(t *testing.T) {
		ok, err := m.Transition(ctx, EntityBatch, "batch_1", TriggerArchive, nil)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestTransitionInvalidEdge(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{row: fakeRow{state: "completed"}}
	m, _ := newTestManager(t, store)

	ok, err := m.Transition(ctx, EntityBatch, "batch_1", TriggerStart, nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
	assert.Empty(t, store.execSQL, "a rejected transition must not touch the row")
}

func TestTransitionDeniedWhileEntityHeld(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{row: fakeRow{state: "processing"}}
	m, mr := newTestManager(t, store)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	other := locks.NewManager(locks.NewRedisBackend(client, "test:"), nil,
		common.ComponentLogger("test"))
	_, outcome, err := other.Acquire(ctx, "state:batch:batch_1", "worker-2",
		lockTTL, locks.Options{Type: locks.Exclusive})
	require.NoError(t, err)
	require.Equal(t, locks.Acquired, outcome)

	ok, err := m.Transition(ctx, EntityBatch, "batch_1", TriggerComplete, nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, common.ErrLockDenied)
	assert.Empty(t, store.execSQL)
}

func TestTransitionUnknownEntityType(t *testing.T) {
	m, _ := newTestManager(t, &fakeStore{})

	ok, err := m.Transition(context.Background(), "widget", "w1", TriggerStart, nil)
	assert.False(t, ok)
	assert.Error(t, err)
}
