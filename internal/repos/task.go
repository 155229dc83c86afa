package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/types"
)

var taskTerminalStatuses = []string{
	types.TaskStatusCompleted,
	types.TaskStatusFailed,
	types.TaskStatusSkipped,
	types.TaskStatusCancelled,
}

type TaskRepo interface {
	CreateBatch(ctx context.Context, tx *gorm.DB, tasks []*types.PipelineTask) ([]*types.PipelineTask, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.PipelineTask, error)
	GetByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.PipelineTask, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsUnlessTerminal is the single write path the scheduler uses
	// for status transitions; a terminal row is never overwritten.
	UpdateFieldsUnlessTerminal(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) (bool, error)
	CountNonTerminal(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (int64, error)
	// ListDispatchable returns ready tasks not yet pushed to a queue whose
	// backoff window, if any, has elapsed.
	ListDispatchable(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]*types.PipelineTask, error)
	// DeleteByJob removes all task rows of a job. Retention sweep only.
	DeleteByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) error
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) CreateBatch(ctx context.Context, tx *gorm.DB, tasks []*types.PipelineTask) ([]*types.PipelineTask, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(tasks) == 0 {
		return []*types.PipelineTask{}, nil
	}
	for _, t := range tasks {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
	}
	if err := transaction.WithContext(ctx).Create(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.PipelineTask, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var task types.PipelineTask
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}

func (r *taskRepo) GetByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.PipelineTask, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.PipelineTask
	if jobID == uuid.Nil {
		return out, nil
	}
	err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.PipelineTask{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *taskRepo) UpdateFieldsUnlessTerminal(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := transaction.WithContext(ctx).
		Model(&types.PipelineTask{}).
		Where("id = ? AND status NOT IN ?", id, taskTerminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) ListDispatchable(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]*types.PipelineTask, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 200
	}
	var out []*types.PipelineTask
	err := transaction.WithContext(ctx).
		Where("status = ? AND queued_at IS NULL AND (not_before IS NULL OR not_before <= ?)",
			types.TaskStatusReady, now).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) DeleteByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Delete(&types.PipelineTask{}).Error
}

func (r *taskRepo) CountNonTerminal(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&types.PipelineTask{}).
		Where("job_id = ? AND status NOT IN ?", jobID, taskTerminalStatuses).
		Count(&n).Error
	return n, err
}
