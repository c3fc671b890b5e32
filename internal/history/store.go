package history

import (
	"context"
	"errors"
	"time"

	"github.com/eleven-am/tts-multiplex/internal/shared"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Record{})
}

func (s *Store) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = shared.NewID("syn_")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *Store) Finish(ctx context.Context, rec *Record) error {
	if rec.CompletedAt == nil {
		now := time.Now()
		rec.CompletedAt = &now
	}

	result := s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", rec.ID).Updates(map[string]any{
		"status":        rec.Status,
		"audio_bytes":   rec.AudioBytes,
		"chunks":        rec.Chunks,
		"cached":        rec.Cached,
		"error_code":    rec.ErrorCode,
		"error_message": rec.ErrorMessage,
		"completed_at":  rec.CompletedAt,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var recs []*Record
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	var rows []struct {
		Status Status
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&Record{}).Select("status, count(*) as count").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
