package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voice-fusion/app/model"

	"gorm.io/gorm"
)

// Guard 条件更新的前置状态，只有记录当前仍处于该状态时更新才会生效
type Guard struct {
	Status model.ConversionStatus
	Stage  model.ConversionStage
}

// GuardOf 以记录当前状态构造 Guard
func GuardOf(rec *model.ConversionRecord) Guard {
	return Guard{Status: rec.Status, Stage: rec.Stage}
}

// Changes 一次状态迁移要写入的字段
type Changes struct {
	Status  model.ConversionStatus
	Stage   model.ConversionStage
	Fields  map[string]any
	Touched time.Time
}

// RecordStore 转换任务的持久化，所有写操作都是带前置状态的条件更新
type RecordStore struct {
	db *gorm.DB
}

// NewRecordStore 创建任务存储
func NewRecordStore(db *gorm.DB) *RecordStore {
	return &RecordStore{db: db}
}

// Create 新建任务记录
func (s *RecordStore) Create(ctx context.Context, rec *model.ConversionRecord) error {
	if rec.ID == "" || rec.OwnerID == "" {
		return fmt.Errorf("任务ID和所属用户不能为空")
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("创建任务记录失败: %w", err)
	}
	return nil
}

// Get 按ID读取任务
func (s *RecordStore) Get(ctx context.Context, id string) (*model.ConversionRecord, error) {
	var rec model.ConversionRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("读取任务记录失败: %w", err)
	}
	return &rec, nil
}

// ListByOwner 按创建时间倒序分页列出用户的任务
func (s *RecordStore) ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]model.ConversionRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&model.ConversionRecord{}).Where("owner_id = ?", ownerID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计任务失败: %w", err)
	}

	var records []model.ConversionRecord
	if err := query.Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("查询任务列表失败: %w", err)
	}
	return records, total, nil
}

// ListActive 列出所有未结束的任务
func (s *RecordStore) ListActive(ctx context.Context) ([]model.ConversionRecord, error) {
	var records []model.ConversionRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []model.ConversionStatus{model.ConversionPending, model.ConversionRunning}).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("查询进行中任务失败: %w", err)
	}
	return records, nil
}

// Transition 条件更新：仅当记录仍处于 from 时写入 changes，否则返回 ErrConflict。
// 两个并发轮询同时推进同一个任务时只有一个能成功。
func (s *RecordStore) Transition(ctx context.Context, id string, from Guard, changes Changes) error {
	if err := checkTransition(from, changes); err != nil {
		return err
	}

	updates := make(map[string]any, len(changes.Fields)+3)
	for k, v := range changes.Fields {
		updates[k] = v
	}
	if changes.Status != "" {
		updates["status"] = changes.Status
	}
	if changes.Stage != "" {
		updates["stage"] = changes.Stage
	}
	touched := changes.Touched
	if touched.IsZero() {
		touched = time.Now()
	}
	updates["updated_at"] = touched

	result := s.db.WithContext(ctx).
		Model(&model.ConversionRecord{}).
		Where("id = ? AND status = ? AND stage = ?", id, from.Status, from.Stage).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("更新任务记录失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// checkTransition 校验状态和阶段只能前进，完成时必须有结果地址
func checkTransition(from Guard, changes Changes) error {
	if from.Status.IsTerminal() {
		return fmt.Errorf("任务已处于终态 %s，不能再更新", from.Status)
	}
	if changes.Status != "" && changes.Status.Rank() < from.Status.Rank() {
		return fmt.Errorf("状态不能从 %s 回退到 %s", from.Status, changes.Status)
	}
	if changes.Stage != "" && changes.Stage.Rank() < from.Stage.Rank() {
		return fmt.Errorf("阶段不能从 %s 回退到 %s", from.Stage, changes.Stage)
	}

	output, hasOutput := changes.Fields["output_ref"]
	if changes.Status == model.ConversionCompleted {
		if ref, _ := output.(string); ref == "" {
			return fmt.Errorf("完成的任务必须包含结果地址")
		}
	} else if hasOutput {
		return fmt.Errorf("只有完成的任务可以写入结果地址")
	}
	return nil
}
