package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/notikeeper/internal/errs"
	"github.com/and161185/notikeeper/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

var cols = []string{"id", "user_id", "uuid", "message_type", "next_send_at", "status", "retry_count", "encrypted_payload", "created_at", "updated_at"}

func strPtr(s string) *string { return &s }

func taskRow(id int64, uuid string, at time.Time) []any {
	return []any{id, "user-1", strPtr(uuid), "fixed", at, "pending", 0, "iv:tag:ct", at, at}
}

func TestTaskRepo_CreateTask_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTaskRepo(db, "")

	at := time.Now().Add(time.Minute).UTC()
	in := &model.Task{
		UserID: "user-1", UUID: strPtr("u-1"), MessageType: model.MessageFixed,
		NextSendAt: at, Status: model.StatusPending, EncryptedPayload: "iv:tag:ct",
	}
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO scheduled_tasks (user_id, uuid, message_type, next_send_at, status, retry_count, encrypted_payload)`)).
		WithArgs("user-1", strPtr("u-1"), "fixed", at, "pending", 0, "iv:tag:ct").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(taskRow(7, "u-1", at)...))

	out, err := r.CreateTask(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, int64(7), out.ID)
	require.Equal(t, "u-1", out.UUIDString())
	require.Equal(t, model.StatusPending, out.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_CreateTask_DuplicateUUID(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTaskRepo(db, "")

	mock.ExpectQuery(`INSERT INTO scheduled_tasks`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := r.CreateTask(context.Background(), &model.Task{UserID: "u", UUID: strPtr("dup")})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestTaskRepo_GetTaskByUUID_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTaskRepo(db, "")

	mock.ExpectQuery(`FROM scheduled_tasks WHERE uuid=\$1 AND user_id=\$2`).
		WithArgs("nope", "user-1").
		WillReturnError(pgx.ErrNoRows)

	_, err := r.GetTaskByUUID(context.Background(), "nope", "user-1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTaskRepo_GetTaskByUUIDOnly_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTaskRepo(db, "")
	at := time.Now().UTC()

	mock.ExpectQuery(`FROM scheduled_tasks WHERE uuid=\$1$`).
		WithArgs("u-9").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(taskRow(9, "u-9", at)...))

	got, err := r.GetTaskByUUIDOnly(context.Background(), "u-9")
	require.NoError(t, err)
	require.Equal(t, int64(9), got.ID)
}

func TestTaskRepo_UpdateTaskByID_PartialFields(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTaskRepo(db, "")

	next := time.Now().Add(4 * time.Minute)
	retry := 1
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE scheduled_tasks SET next_send_at=$2, retry_count=$3, updated_at=now() WHERE id=$1`)).
		WithArgs(int64(5), next, 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, r.UpdateTaskByID(context.Background(), 5, model.TaskUpdate{NextSendAt: &next, RetryCount: &retry}))

	status := model.StatusSent
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE scheduled_tasks SET status=$2, updated_at=now() WHERE id=$1`)).
		WithArgs(int64(6), "sent").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := r.UpdateTaskByID(context.Background(), 6, model.TaskUpdate{Status: &status})
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_UpdateTaskByUUID_OnlyPending(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTaskRepo(db, "")

	at := time.Now().Add(time.Hour)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE scheduled_tasks SET next_send_at=$3, encrypted_payload=$4, updated_at=now() WHERE uuid=$1 AND user_id=$2 AND status='pending'`)).
		WithArgs("u-1", "user-1", at, "new").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, r.UpdateTaskByUUID(context.Background(), "u-1", "user-1", "new", model.TaskUpdate{NextSendAt: &at}))
}

func TestTaskRepo_Deletes(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTaskRepo(db, "")
	ctx := context.Background()

	mock.ExpectExec(`DELETE FROM scheduled_tasks WHERE id=\$1`).
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, r.DeleteTaskByID(ctx, 3))

	mock.ExpectExec(`DELETE FROM scheduled_tasks WHERE uuid=\$1 AND user_id=\$2 AND status='pending'`).
		WithArgs("u-1", "user-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.ErrorIs(t, r.DeleteTaskByUUID(ctx, "u-1", "user-1"), errs.ErrNotFound)

	mock.ExpectExec(`DELETE FROM scheduled_tasks WHERE id=\$1`).
		WithArgs(int64(4)).
		WillReturnError(errors.New("conn reset"))
	require.Error(t, r.DeleteTaskByID(ctx, 4))
}

func TestTaskRepo_GetPendingTasks(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTaskRepo(db, "")

	now := time.Now().UTC()
	mock.ExpectQuery(`WHERE status='pending' AND next_send_at <= \$1\s+ORDER BY next_send_at ASC\s+LIMIT \$2`).
		WithArgs(now, 50).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(taskRow(1, "a", now.Add(-2*time.Minute))...).
			AddRow(taskRow(2, "b", now.Add(-time.Minute))...))

	tasks, err := r.GetPendingTasks(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, int64(1), tasks[0].ID)
}

func TestTaskRepo_ListTasks(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTaskRepo(db, "")

	at := time.Now().UTC()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM scheduled_tasks`).
		WithArgs("user-1", "pending").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`ORDER BY created_at DESC, id DESC\s+LIMIT \$3 OFFSET \$4`).
		WithArgs("user-1", "pending", 1, 2).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(taskRow(3, "c", at)...))

	page, err := r.ListTasks(context.Background(), "user-1", model.TaskFilter{Status: model.StatusPending, Limit: 1, Offset: 2})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Tasks, 1)
}

func TestTaskRepo_CleanupOldTasks(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTaskRepo(db, "")

	mock.ExpectExec(`DELETE FROM scheduled_tasks WHERE status IN \('sent','failed'\)`).
		WithArgs(7).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := r.CleanupOldTasks(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
}

func TestTaskRepo_GetTaskStatus(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTaskRepo(db, "")
	at := time.Now().UTC()

	mock.ExpectQuery(`SELECT uuid, status, retry_count, next_send_at, message_type, created_at, updated_at`).
		WithArgs("u-1", "user-1").
		WillReturnRows(pgxmock.NewRows([]string{"uuid", "status", "retry_count", "next_send_at", "message_type", "created_at", "updated_at"}).
			AddRow("u-1", "failed", 3, at, "auto", at, at))

	st, err := r.GetTaskStatus(context.Background(), "u-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, st.Status)
	require.Equal(t, 3, st.RetryCount)
	require.Equal(t, model.MessageAuto, st.MessageType)
}

func TestTaskRepo_InitSchema_UsesDSN(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTaskRepo(db, "postgres://tenant")

	var got string
	r.migrate = func(_ context.Context, dsn string) error { got = dsn; return nil }
	require.NoError(t, r.InitSchema(context.Background()))
	require.Equal(t, "postgres://tenant", got)

	r.migrate = func(context.Context, string) error { return errors.New("locked") }
	require.Error(t, r.InitSchema(context.Background()))
}
