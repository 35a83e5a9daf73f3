package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"task-notifications/entity"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var ErrInvalidPage = errors.New("storage: page and size must be positive")

const notificationColumns = `id, user_id, task_id, type, data, is_read, created_at`

type NotificationStore struct {
	db    *sqlx.DB
	newID func() string
	now   func() time.Time
}

func NewNotificationStore(db *sqlx.DB) *NotificationStore {
	return &NotificationStore{
		db:    db,
		newID: uuid.NewString,
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Create inserts n unread, filling in its id and creation time when unset.
func (s *NotificationStore) Create(ctx context.Context, n *entity.Notification) error {
	if n.ID == "" {
		n.ID = s.newID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	n.IsRead = false
	if err := n.Validate(); err != nil {
		return err
	}

	query := s.db.Rebind(`INSERT INTO notifications (` + notificationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, n.ID, n.UserID, n.TaskID, n.Type, n.Data, n.IsRead, n.CreatedAt); err != nil {
		return fmt.Errorf("inserting notification for %s: %w", n.UserID, err)
	}
	return nil
}

// Fetch returns one page of the user's notifications, newest first, and the
// total number of notifications the user has.
func (s *NotificationStore) Fetch(ctx context.Context, userID string, page, size int) ([]entity.Notification, int, error) {
	if page < 1 || size < 1 {
		return nil, 0, ErrInvalidPage
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(`SELECT COUNT(*) FROM notifications WHERE user_id = ?`), userID); err != nil {
		return nil, 0, fmt.Errorf("counting notifications: %w", err)
	}

	notifications := []entity.Notification{}
	query := s.db.Rebind(`SELECT ` + notificationColumns + ` FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`)
	if err := s.db.SelectContext(ctx, &notifications, query, userID, size, (page-1)*size); err != nil {
		return nil, 0, fmt.Errorf("fetching notifications: %w", err)
	}
	return notifications, total, nil
}

// MarkAsRead reports whether the notification exists and belongs to userID.
// Marking an already read notification succeeds.
func (s *NotificationStore) MarkAsRead(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE notifications SET is_read = TRUE WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return false, fmt.Errorf("marking notification %s read: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("marking notification %s read: %w", id, err)
	}
	return n > 0, nil
}

func (s *NotificationStore) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE notifications SET is_read = TRUE WHERE user_id = ? AND is_read = FALSE`), userID)
	if err != nil {
		return 0, fmt.Errorf("marking all notifications read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("marking all notifications read: %w", err)
	}
	return n, nil
}

func (s *NotificationStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		s.db.Rebind(`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = FALSE`), userID)
	if err != nil {
		return 0, fmt.Errorf("counting unread notifications: %w", err)
	}
	return count, nil
}

func (s *NotificationStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
