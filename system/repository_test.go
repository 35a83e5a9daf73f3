package system

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"task-notifications/cache"
	"task-notifications/entity"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingRepo struct {
	fakeRepo
	unread      int
	countCalls  int
	markResult  bool
	markAllRows int64
}

func (r *countingRepo) UnreadCount(ctx context.Context, userID string) (int, error) {
	r.countCalls++
	return r.unread, nil
}

func (r *countingRepo) MarkAsRead(ctx context.Context, userID, id string) (bool, error) {
	return r.markResult, nil
}

func (r *countingRepo) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	return r.markAllRows, nil
}

func TestCachedRepository_UnreadCount(t *testing.T) {
	db, mock := redismock.NewClientMock()
	repo := &countingRepo{unread: 7}
	cached := NewCachedRepository(repo, cache.NewUnreadCache(db, time.Minute, zap.NewNop()))
	ctx := context.Background()

	// miss: read through and populate
	mock.ExpectGet("notifications:unread:u1:gen").RedisNil()
	mock.ExpectGet("notifications:unread:u1:0").RedisNil()
	mock.ExpectSet("notifications:unread:u1:0", 7, time.Minute).SetVal("OK")
	n, err := cached.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 1, repo.countCalls)

	// hit
	mock.ExpectGet("notifications:unread:u1:gen").RedisNil()
	mock.ExpectGet("notifications:unread:u1:0").SetVal("7")
	n, err = cached.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 1, repo.countCalls)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedRepository_InvalidatesOnWrites(t *testing.T) {
	db, mock := redismock.NewClientMock()
	repo := &countingRepo{markResult: true, markAllRows: 2}
	cached := NewCachedRepository(repo, cache.NewUnreadCache(db, time.Minute, zap.NewNop()))
	ctx := context.Background()

	mock.ExpectIncr("notifications:unread:u1:gen").SetVal(1)
	require.NoError(t, cached.Create(ctx, &entity.Notification{UserID: "u1", TaskID: "t1", Type: entity.TaskAssigned}))

	mock.ExpectIncr("notifications:unread:u1:gen").SetVal(2)
	ok, err := cached.MarkAsRead(ctx, "u1", "n1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectIncr("notifications:unread:u1:gen").SetVal(3)
	_, err = cached.MarkAllAsRead(ctx, "u1")
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedRepository_NoInvalidationWithoutChange(t *testing.T) {
	db, mock := redismock.NewClientMock()
	repo := &countingRepo{}
	cached := NewCachedRepository(repo, cache.NewUnreadCache(db, time.Minute, zap.NewNop()))

	ok, err := cached.MarkAsRead(context.Background(), "u1", "n1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = cached.MarkAllAsRead(context.Background(), "u1")
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// memoryCounter follows the generation contract of cache.UnreadCache.
type memoryCounter struct {
	mu     sync.Mutex
	gens   map[string]int64
	counts map[string]int
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{gens: map[string]int64{}, counts: map[string]int{}}
}

func (c *memoryCounter) key(userID string, gen int64) string {
	return fmt.Sprintf("%s:%d", userID, gen)
}

func (c *memoryCounter) Get(ctx context.Context, userID string) (int, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.gens[userID]
	n, ok := c.counts[c.key(userID, gen)]
	return n, gen, ok
}

func (c *memoryCounter) Set(ctx context.Context, userID string, gen int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[c.key(userID, gen)] = count
}

func (c *memoryCounter) Invalidate(ctx context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[userID]++
}

// stallingRepo counts rows from fakeRepo and parks the first UnreadCount
// after it has read the store, until release is closed.
type stallingRepo struct {
	fakeRepo
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (r *stallingRepo) UnreadCount(ctx context.Context, userID string) (int, error) {
	rows, _, _ := r.fakeRepo.Fetch(ctx, userID, 1, 100)
	r.once.Do(func() {
		close(r.read)
		<-r.release
	})
	return len(rows), nil
}

func TestCachedRepository_WriteDuringCountReadIsNotMasked(t *testing.T) {
	repo := &stallingRepo{read: make(chan struct{}), release: make(chan struct{})}
	cached := NewCachedRepository(repo, newMemoryCounter())
	ctx := context.Background()

	stale := make(chan int, 1)
	go func() {
		n, err := cached.UnreadCount(ctx, "bob")
		assert.NoError(t, err)
		stale <- n
	}()

	<-repo.read
	require.NoError(t, cached.Create(ctx, &entity.Notification{UserID: "bob", TaskID: "t1", Type: entity.TaskAssigned}))
	close(repo.release)
	assert.Equal(t, 0, <-stale)

	n, err := cached.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "bob has one unread notification in the store")

	// a settled count is served from the cache
	n, err = cached.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
