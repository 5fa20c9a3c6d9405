package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/notikeeper/internal/errs"
	"github.com/and161185/notikeeper/internal/migrate"
	"github.com/and161185/notikeeper/internal/model"
	"github.com/and161185/notikeeper/internal/repository"
)

const taskColumns = `id, user_id, uuid, message_type, next_send_at, status, retry_count, encrypted_payload, created_at, updated_at`

// TaskRepo implements TaskRepository using PostgreSQL.
type TaskRepo struct {
	db      *DB
	dsn     string
	migrate func(ctx context.Context, dsn string) error
}

var _ repository.TaskRepository = (*TaskRepo)(nil)

// NewTaskRepo constructs a task repository. dsn is used for schema migrations.
func NewTaskRepo(db *DB, dsn string) *TaskRepo {
	return &TaskRepo{db: db, dsn: dsn, migrate: migrate.Up}
}

// Open connects to dsn and returns a ready repository.
func Open(ctx context.Context, dsn string) (*TaskRepo, error) {
	db, err := New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return NewTaskRepo(db, dsn), nil
}

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	var typ, status string
	if err := row.Scan(&t.ID, &t.UserID, &t.UUID, &typ, &t.NextSendAt, &status,
		&t.RetryCount, &t.EncryptedPayload, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.MessageType = model.MessageType(typ)
	t.Status = model.Status(status)
	return &t, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.ErrNotFound
	}
	return err
}

// CreateTask inserts a new pending task.
func (r *TaskRepo) CreateTask(ctx context.Context, t *model.Task) (*model.Task, error) {
	const q = `
INSERT INTO scheduled_tasks (user_id, uuid, message_type, next_send_at, status, retry_count, encrypted_payload)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING ` + taskColumns
	row := r.db.Pool.QueryRow(ctx, q, t.UserID, t.UUID, string(t.MessageType), t.NextSendAt,
		string(t.Status), t.RetryCount, t.EncryptedPayload)
	out, err := scanTask(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errs.ErrAlreadyExists
		}
		return nil, err
	}
	return out, nil
}

// GetTaskByUUID returns a task owned by userID.
func (r *TaskRepo) GetTaskByUUID(ctx context.Context, uuid, userID string) (*model.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE uuid=$1 AND user_id=$2`
	t, err := scanTask(r.db.Pool.QueryRow(ctx, q, uuid, userID))
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

// GetTaskByUUIDOnly returns a task by uuid.
func (r *TaskRepo) GetTaskByUUIDOnly(ctx context.Context, uuid string) (*model.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE uuid=$1`
	t, err := scanTask(r.db.Pool.QueryRow(ctx, q, uuid))
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

// setClause renders the non-nil fields of upd starting at placeholder $start.
func setClause(upd model.TaskUpdate, start int) (string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, start+len(args)-1))
	}
	if upd.NextSendAt != nil {
		add("next_send_at", *upd.NextSendAt)
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.RetryCount != nil {
		add("retry_count", *upd.RetryCount)
	}
	if upd.EncryptedPayload != nil {
		add("encrypted_payload", *upd.EncryptedPayload)
	}
	sets = append(sets, "updated_at=now()")
	return strings.Join(sets, ", "), args
}

// UpdateTaskByID applies a partial update.
func (r *TaskRepo) UpdateTaskByID(ctx context.Context, id int64, upd model.TaskUpdate) error {
	set, args := setClause(upd, 2)
	q := `UPDATE scheduled_tasks SET ` + set + ` WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpdateTaskByUUID replaces the payload of a pending task owned by userID.
func (r *TaskRepo) UpdateTaskByUUID(ctx context.Context, uuid, userID, encryptedPayload string, extra model.TaskUpdate) error {
	extra.EncryptedPayload = &encryptedPayload
	set, args := setClause(extra, 3)
	q := `UPDATE scheduled_tasks SET ` + set + ` WHERE uuid=$1 AND user_id=$2 AND status='pending'`
	tag, err := r.db.Pool.Exec(ctx, q, append([]any{uuid, userID}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// DeleteTaskByID removes a task.
func (r *TaskRepo) DeleteTaskByID(ctx context.Context, id int64) error {
	const q = `DELETE FROM scheduled_tasks WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// DeleteTaskByUUID removes a pending task owned by userID.
func (r *TaskRepo) DeleteTaskByUUID(ctx context.Context, uuid, userID string) error {
	const q = `DELETE FROM scheduled_tasks WHERE uuid=$1 AND user_id=$2 AND status='pending'`
	tag, err := r.db.Pool.Exec(ctx, q, uuid, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// GetPendingTasks returns due pending tasks ordered by next_send_at.
func (r *TaskRepo) GetPendingTasks(ctx context.Context, now time.Time, limit int) ([]model.Task, error) {
	const q = `
SELECT ` + taskColumns + `
FROM scheduled_tasks
WHERE status='pending' AND next_send_at <= $1
ORDER BY next_send_at ASC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]model.Task, error) {
	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListTasks returns one page of the user's tasks, newest first.
func (r *TaskRepo) ListTasks(ctx context.Context, userID string, f model.TaskFilter) (model.TaskPage, error) {
	const countQ = `SELECT COUNT(*) FROM scheduled_tasks WHERE user_id=$1 AND ($2='' OR status=$2)`
	const listQ = `
SELECT ` + taskColumns + `
FROM scheduled_tasks
WHERE user_id=$1 AND ($2='' OR status=$2)
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4`

	var total int
	if err := r.db.Pool.QueryRow(ctx, countQ, userID, string(f.Status)).Scan(&total); err != nil {
		return model.TaskPage{}, err
	}
	rows, err := r.db.Pool.Query(ctx, listQ, userID, string(f.Status), f.Limit, f.Offset)
	if err != nil {
		return model.TaskPage{}, err
	}
	defer rows.Close()
	tasks, err := collect(rows)
	if err != nil {
		return model.TaskPage{}, err
	}
	return model.TaskPage{Tasks: tasks, Total: total}, nil
}

// CleanupOldTasks deletes terminal tasks older than days.
func (r *TaskRepo) CleanupOldTasks(ctx context.Context, days int) (int64, error) {
	const q = `DELETE FROM scheduled_tasks WHERE status IN ('sent','failed') AND updated_at < now() - make_interval(days => $1)`
	tag, err := r.db.Pool.Exec(ctx, q, days)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetTaskStatus returns the plaintext status of a task.
func (r *TaskRepo) GetTaskStatus(ctx context.Context, uuid, userID string) (*model.TaskStatus, error) {
	const q = `
SELECT uuid, status, retry_count, next_send_at, message_type, created_at, updated_at
FROM scheduled_tasks WHERE uuid=$1 AND user_id=$2`
	var (
		st          model.TaskStatus
		status, typ string
	)
	err := r.db.Pool.QueryRow(ctx, q, uuid, userID).
		Scan(&st.UUID, &status, &st.RetryCount, &st.NextSendAt, &typ, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	st.Status = model.Status(status)
	st.MessageType = model.MessageType(typ)
	return &st, nil
}

// InitSchema applies the embedded migrations.
func (r *TaskRepo) InitSchema(ctx context.Context) error {
	if err := r.migrate(ctx, r.dsn); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r *TaskRepo) Close() error {
	r.db.Close()
	return nil
}
