package system

import (
	"context"

	"task-notifications/entity"
)

// Repository is the notification persistence used by the engine and the
// RPC service. storage.NotificationStore implements it.
type Repository interface {
	Create(ctx context.Context, n *entity.Notification) error
	Fetch(ctx context.Context, userID string, page, size int) ([]entity.Notification, int, error)
	MarkAsRead(ctx context.Context, userID, id string) (bool, error)
	MarkAllAsRead(ctx context.Context, userID string) (int64, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	Ping(ctx context.Context) error
}

// UnreadCounter caches unread counts per generation. Get reports the
// generation it looked under; Set must be given that generation so a count
// read before an Invalidate is never served afterwards.
type UnreadCounter interface {
	Get(ctx context.Context, userID string) (count int, gen int64, ok bool)
	Set(ctx context.Context, userID string, gen int64, count int)
	Invalidate(ctx context.Context, userID string)
}

// CachedRepository serves unread counts from an UnreadCounter and drops
// the cached value whenever a user's read state may have changed.
type CachedRepository struct {
	Repository
	counts UnreadCounter
}

func NewCachedRepository(repo Repository, counts UnreadCounter) *CachedRepository {
	return &CachedRepository{Repository: repo, counts: counts}
}

func (r *CachedRepository) Create(ctx context.Context, n *entity.Notification) error {
	if err := r.Repository.Create(ctx, n); err != nil {
		return err
	}
	r.counts.Invalidate(ctx, n.UserID)
	return nil
}

func (r *CachedRepository) MarkAsRead(ctx context.Context, userID, id string) (bool, error) {
	ok, err := r.Repository.MarkAsRead(ctx, userID, id)
	if ok {
		r.counts.Invalidate(ctx, userID)
	}
	return ok, err
}

func (r *CachedRepository) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	n, err := r.Repository.MarkAllAsRead(ctx, userID)
	if n > 0 {
		r.counts.Invalidate(ctx, userID)
	}
	return n, err
}

func (r *CachedRepository) UnreadCount(ctx context.Context, userID string) (int, error) {
	n, gen, ok := r.counts.Get(ctx, userID)
	if ok {
		return n, nil
	}
	n, err := r.Repository.UnreadCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	r.counts.Set(ctx, userID, gen, n)
	return n, nil
}
