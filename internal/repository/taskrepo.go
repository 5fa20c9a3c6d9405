// Package repository declares the storage contracts the scheduling core depends on.
package repository

import (
	"context"
	"time"

	"github.com/and161185/notikeeper/internal/model"
)

// TaskRepository is the per-tenant task storage contract. Implementations
// translate their native unique violation into errs.ErrAlreadyExists.
type TaskRepository interface {
	// CreateTask inserts a task and returns it with storage-assigned fields.
	CreateTask(ctx context.Context, t *model.Task) (*model.Task, error)

	// GetTaskByUUID returns a task owned by userID.
	GetTaskByUUID(ctx context.Context, uuid, userID string) (*model.Task, error)

	// GetTaskByUUIDOnly returns a task by uuid regardless of owner.
	GetTaskByUUIDOnly(ctx context.Context, uuid string) (*model.Task, error)

	// UpdateTaskByID applies a partial update.
	UpdateTaskByID(ctx context.Context, id int64, upd model.TaskUpdate) error

	// UpdateTaskByUUID replaces the payload of a pending task and applies extra fields.
	UpdateTaskByUUID(ctx context.Context, uuid, userID, encryptedPayload string, extra model.TaskUpdate) error

	// DeleteTaskByID removes a task by storage id.
	DeleteTaskByID(ctx context.Context, id int64) error

	// DeleteTaskByUUID removes a pending task owned by userID. A non-pending row is ErrNotFound.
	DeleteTaskByUUID(ctx context.Context, uuid, userID string) error

	// GetPendingTasks returns up to limit pending tasks due at now, oldest first.
	GetPendingTasks(ctx context.Context, now time.Time, limit int) ([]model.Task, error)

	// ListTasks returns one page of a user's tasks and the total count.
	ListTasks(ctx context.Context, userID string, f model.TaskFilter) (model.TaskPage, error)

	// CleanupOldTasks deletes sent/failed tasks not updated for days and returns the count.
	CleanupOldTasks(ctx context.Context, days int) (int64, error)

	// GetTaskStatus returns the plaintext status view of a task.
	GetTaskStatus(ctx context.Context, uuid, userID string) (*model.TaskStatus, error)

	// InitSchema creates the task table and indexes; safe to rerun.
	InitSchema(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
