package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"nexus-shipping/internal/service/shipping/domain"
)

// GormStateStore 是 StateStore 和 Outbox 的 GORM 实现。
// 状态行和 outbox 行在同一个数据库事务中写入，提交成功才对调度器可见。
type GormStateStore struct {
	db *gorm.DB
}

// NewGormDB 打开 MySQL 连接
func NewGormDB(dsn string, maxOpenConns int) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
		sqlDB.SetMaxIdleConns(maxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// NewGormStateStore 创建一个新的 GORM 仓储实例
func NewGormStateStore(db *gorm.DB) *GormStateStore {
	return &GormStateStore{db: db}
}

// EnsureSchema 创建或更新表结构
func (s *GormStateStore) EnsureSchema(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&ShippingStateModel{}, &ShippingTaskModel{})
}

func (s *GormStateStore) Load(ctx context.Context, aggregateID string) (*domain.ShippingState, int64, error) {
	var model ShippingStateModel
	err := s.db.WithContext(ctx).Where("aggregate_id = ?", aggregateID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.NewShippingState(), 0, nil
		}
		return nil, 0, err
	}
	state, err := ToDomainState(&model)
	if err != nil {
		return nil, 0, fmt.Errorf("decode state of %s: %w", aggregateID, err)
	}
	return state, model.Version, nil
}

func (s *GormStateStore) Commit(ctx context.Context, aggregateID string, expectedVersion int64, state *domain.ShippingState, tasks []domain.Task) (int64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("encode state of %s: %w", aggregateID, err)
	}
	newVersion := expectedVersion + 1

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res *gorm.DB
		if expectedVersion == 0 {
			// 首次写入：并发的另一个首次写入会撞上主键，按冲突处理
			res = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ShippingStateModel{
				AggregateID: aggregateID,
				State:       string(data),
				Version:     newVersion,
			})
		} else {
			res = tx.Model(&ShippingStateModel{}).
				Where("aggregate_id = ? AND version = ?", aggregateID, expectedVersion).
				Updates(map[string]interface{}{
					"state":   string(data),
					"version": newVersion,
				})
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrConcurrentModification
		}

		if len(tasks) == 0 {
			return nil
		}
		models := make([]*ShippingTaskModel, len(tasks))
		for i, t := range tasks {
			models[i] = FromDomainTask(t)
		}
		return tx.Create(&models).Error
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *GormStateStore) FetchDue(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	var models []*ShippingTaskModel
	err := s.db.WithContext(ctx).
		Where("dispatched_at IS NULL AND not_before <= ?", now.UTC()).
		Order("not_before ASC, created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, len(models))
	for i, m := range models {
		tasks[i] = ToDomainTask(m)
	}
	return tasks, nil
}

func (s *GormStateStore) MarkDispatched(ctx context.Context, taskIDs []string, at time.Time) error {
	if len(taskIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&ShippingTaskModel{}).
		Where("id IN ?", taskIDs).
		Update("dispatched_at", at.UTC()).Error
}
