package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ListOptions struct {
	UnreadOnly bool
	Limit      int
}

type Store interface {
	// Create inserts n unless a row with the same id exists. created is false
	// for the duplicate case.
	Create(ctx context.Context, n *Notification) (created bool, err error)
	ListForUser(ctx context.Context, userID string, opts ListOptions) ([]Notification, error)
	CountUnread(ctx context.Context, userID string) (int64, error)
	MarkRead(ctx context.Context, userID, id string, at time.Time) error
}

const defaultListLimit = 50

func limitOrDefault(n int) int {
	if n <= 0 || n > 200 {
		return defaultListLimit
	}
	return n
}

// GormStore keeps notifications in Postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&Notification{})
}

func (s *GormStore) Create(ctx context.Context, n *Notification) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(n)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ListForUser(ctx context.Context, userID string, opts ListOptions) ([]Notification, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if opts.UnreadOnly {
		q = q.Where("read_at IS NULL")
	}
	var out []Notification
	err := q.Order("created_at DESC").Limit(limitOrDefault(opts.Limit)).Find(&out).Error
	return out, err
}

func (s *GormStore) CountUnread(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND read_at IS NULL", userID).
		Count(&n).Error
	return n, err
}

func (s *GormStore) MarkRead(ctx context.Context, userID, id string, at time.Time) error {
	var n Notification
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if n.ReadAt != nil {
		return nil
	}
	return s.db.WithContext(ctx).Model(&n).Update("read_at", at.UTC()).Error
}

// MemoryStore keeps notifications in process.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Notification)}
}

func (s *MemoryStore) Create(_ context.Context, n *Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[n.ID]; exists {
		return false, nil
	}
	s.rows[n.ID] = *n
	return true, nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID string, opts ListOptions) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Notification, 0)
	for _, n := range s.rows {
		if n.UserID != userID || (opts.UnreadOnly && !n.IsUnread()) {
			continue
		}
		items = append(items, n)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if limit := limitOrDefault(opts.Limit); len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) CountUnread(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, n := range s.rows {
		if n.UserID == userID && n.IsUnread() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, userID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	if n.ReadAt == nil {
		t := at.UTC()
		n.ReadAt = &t
		s.rows[id] = n
	}
	return nil
}
