package repository

import (
	"context"
	"time"

	"creditsync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ProcessedEventRepository struct {
	db *gorm.DB
}

func NewProcessedEventRepository(db *gorm.DB) *ProcessedEventRepository {
	return &ProcessedEventRepository{db: db}
}

func (r *ProcessedEventRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.ProcessedEvent{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	return count > 0, err
}

// MarkProcessed 记录事件ID；唯一键冲突说明另一次投递已经处理，返回 false
func (r *ProcessedEventRepository) MarkProcessed(ctx context.Context, tx *gorm.DB, event *model.ProcessedEvent) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeleteBefore 分批清理过期事件记录，返回删除条数
func (r *ProcessedEventRepository) DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.ProcessedEvent{}).
		Where("created_at < ?", cutoff).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	result := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.ProcessedEvent{})
	return result.RowsAffected, result.Error
}
