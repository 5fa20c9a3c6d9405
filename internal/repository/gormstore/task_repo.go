// Package gormstore implements the neon task store on gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/and161185/notikeeper/internal/errs"
	"github.com/and161185/notikeeper/internal/model"
	"github.com/and161185/notikeeper/internal/repository"
)

type taskRow struct {
	ID               int64     `gorm:"primaryKey;autoIncrement"`
	UserID           string    `gorm:"not null;index:idx_scheduled_tasks_user"`
	UUID             *string   `gorm:"column:uuid;uniqueIndex"`
	MessageType      string    `gorm:"not null"`
	NextSendAt       time.Time `gorm:"not null;index:idx_scheduled_tasks_due,priority:2"`
	Status           string    `gorm:"not null;index:idx_scheduled_tasks_due,priority:1;index:idx_scheduled_tasks_cleanup,priority:1"`
	RetryCount       int       `gorm:"not null"`
	EncryptedPayload string    `gorm:"not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time `gorm:"index:idx_scheduled_tasks_cleanup,priority:2"`
}

func (taskRow) TableName() string { return "scheduled_tasks" }

func fromRow(r *taskRow) model.Task {
	return model.Task{
		ID:               r.ID,
		UserID:           r.UserID,
		UUID:             r.UUID,
		MessageType:      model.MessageType(r.MessageType),
		NextSendAt:       r.NextSendAt,
		Status:           model.Status(r.Status),
		RetryCount:       r.RetryCount,
		EncryptedPayload: r.EncryptedPayload,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// TaskRepo implements TaskRepository on top of a gorm connection.
type TaskRepo struct{ db *gorm.DB }

var _ repository.TaskRepository = (*TaskRepo)(nil)

// NewTaskRepo wraps an opened gorm connection. The connection must be opened
// with TranslateError so duplicate keys surface as gorm.ErrDuplicatedKey.
func NewTaskRepo(db *gorm.DB) *TaskRepo { return &TaskRepo{db: db} }

// Config is the gorm configuration used for tenant connections.
func Config() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}

// Open connects to a postgres-compatible dsn.
func Open(_ context.Context, dsn string) (*TaskRepo, error) {
	db, err := gorm.Open(postgres.Open(dsn), Config())
	if err != nil {
		return nil, fmt.Errorf("gorm open: %w", err)
	}
	return NewTaskRepo(db), nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errs.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errs.ErrAlreadyExists
	}
	return err
}

// CreateTask inserts a new task.
func (r *TaskRepo) CreateTask(ctx context.Context, t *model.Task) (*model.Task, error) {
	row := taskRow{
		UserID:           t.UserID,
		UUID:             t.UUID,
		MessageType:      string(t.MessageType),
		NextSendAt:       t.NextSendAt.UTC(),
		Status:           string(t.Status),
		RetryCount:       t.RetryCount,
		EncryptedPayload: t.EncryptedPayload,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, translate(err)
	}
	out := fromRow(&row)
	return &out, nil
}

func (r *TaskRepo) first(ctx context.Context, query string, args ...any) (*model.Task, error) {
	var row taskRow
	if err := r.db.WithContext(ctx).Where(query, args...).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	out := fromRow(&row)
	return &out, nil
}

// GetTaskByUUID returns a task owned by userID.
func (r *TaskRepo) GetTaskByUUID(ctx context.Context, uuid, userID string) (*model.Task, error) {
	return r.first(ctx, "uuid = ? AND user_id = ?", uuid, userID)
}

// GetTaskByUUIDOnly returns a task by uuid.
func (r *TaskRepo) GetTaskByUUIDOnly(ctx context.Context, uuid string) (*model.Task, error) {
	return r.first(ctx, "uuid = ?", uuid)
}

func assignments(upd model.TaskUpdate) map[string]any {
	m := map[string]any{"updated_at": time.Now().UTC()}
	if upd.NextSendAt != nil {
		m["next_send_at"] = upd.NextSendAt.UTC()
	}
	if upd.Status != nil {
		m["status"] = string(*upd.Status)
	}
	if upd.RetryCount != nil {
		m["retry_count"] = *upd.RetryCount
	}
	if upd.EncryptedPayload != nil {
		m["encrypted_payload"] = *upd.EncryptedPayload
	}
	return m
}

func affected(res *gorm.DB) error {
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpdateTaskByID applies a partial update.
func (r *TaskRepo) UpdateTaskByID(ctx context.Context, id int64, upd model.TaskUpdate) error {
	res := r.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", id).Updates(assignments(upd))
	return affected(res)
}

// UpdateTaskByUUID replaces the payload of a pending task owned by userID.
func (r *TaskRepo) UpdateTaskByUUID(ctx context.Context, uuid, userID, encryptedPayload string, extra model.TaskUpdate) error {
	extra.EncryptedPayload = &encryptedPayload
	res := r.db.WithContext(ctx).Model(&taskRow{}).
		Where("uuid = ? AND user_id = ? AND status = ?", uuid, userID, string(model.StatusPending)).
		Updates(assignments(extra))
	return affected(res)
}

// DeleteTaskByID removes a task.
func (r *TaskRepo) DeleteTaskByID(ctx context.Context, id int64) error {
	return affected(r.db.WithContext(ctx).Where("id = ?", id).Delete(&taskRow{}))
}

// DeleteTaskByUUID removes a pending task owned by userID.
func (r *TaskRepo) DeleteTaskByUUID(ctx context.Context, uuid, userID string) error {
	return affected(r.db.WithContext(ctx).
		Where("uuid = ? AND user_id = ? AND status = ?", uuid, userID, string(model.StatusPending)).
		Delete(&taskRow{}))
}

func collect(rows []taskRow) []model.Task {
	out := make([]model.Task, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out
}

// GetPendingTasks returns due pending tasks ordered by next_send_at.
func (r *TaskRepo) GetPendingTasks(ctx context.Context, now time.Time, limit int) ([]model.Task, error) {
	var rows []taskRow
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_send_at <= ?", string(model.StatusPending), now.UTC()).
		Order("next_send_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return collect(rows), nil
}

// ListTasks returns one page of the user's tasks, newest first.
func (r *TaskRepo) ListTasks(ctx context.Context, userID string, f model.TaskFilter) (model.TaskPage, error) {
	scoped := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&taskRow{}).Where("user_id = ?", userID)
		if f.Status != "" {
			q = q.Where("status = ?", string(f.Status))
		}
		return q
	}
	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return model.TaskPage{}, err
	}
	var rows []taskRow
	if err := scoped().Order("created_at DESC, id DESC").Limit(f.Limit).Offset(f.Offset).Find(&rows).Error; err != nil {
		return model.TaskPage{}, err
	}
	return model.TaskPage{Tasks: collect(rows), Total: int(total)}, nil
}

// CleanupOldTasks deletes terminal tasks older than days.
func (r *TaskRepo) CleanupOldTasks(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	res := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{string(model.StatusSent), string(model.StatusFailed)}, cutoff).
		Delete(&taskRow{})
	return res.RowsAffected, res.Error
}

// GetTaskStatus returns the plaintext status of a task.
func (r *TaskRepo) GetTaskStatus(ctx context.Context, uuid, userID string) (*model.TaskStatus, error) {
	t, err := r.GetTaskByUUID(ctx, uuid, userID)
	if err != nil {
		return nil, err
	}
	return &model.TaskStatus{
		UUID:        t.UUIDString(),
		Status:      t.Status,
		RetryCount:  t.RetryCount,
		NextSendAt:  t.NextSendAt,
		MessageType: t.MessageType,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}, nil
}

// InitSchema creates the table and indexes; AutoMigrate is rerunnable.
func (r *TaskRepo) InitSchema(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&taskRow{}); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *TaskRepo) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
