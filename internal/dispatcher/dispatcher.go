// Package dispatcher drains due tasks with bounded concurrency and drives the task state machine.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/notikeeper/internal/content"
	"github.com/and161185/notikeeper/internal/crypto"
	"github.com/and161185/notikeeper/internal/metrics"
	"github.com/and161185/notikeeper/internal/model"
	"github.com/and161185/notikeeper/internal/repository"
	"github.com/and161185/notikeeper/internal/transport"
)

// Defaults for a dispatch run.
const (
	DefaultBatchSize     = 50
	DefaultConcurrency   = 8
	DefaultPace          = 1500 * time.Millisecond
	DefaultRetentionDays = 7
	RetryStep            = 2 * time.Minute

	// InstantMaxRetries is the retry bound of the synchronous instant path.
	InstantMaxRetries = 2

	// RunTimeout bounds one dispatch run triggered over HTTP.
	RunTimeout = 10 * time.Minute
)

// ContentResolver renders the text of a payload.
type ContentResolver interface {
	Resolve(ctx context.Context, p *model.Payload) (string, error)
}

// Options configures a Dispatcher. Zero values select the defaults; a
// negative Pace disables pacing.
type Options struct {
	Resolver      ContentResolver
	Sender        transport.Sender
	Logger        *zap.Logger
	BatchSize     int
	Concurrency   int
	Pace          time.Duration
	RetentionDays int
	Now           func() time.Time
	Sleep         func(ctx context.Context, d time.Duration) error
}

// Dispatcher processes due tasks of one tenant store per run.
type Dispatcher struct {
	resolver  ContentResolver
	sender    transport.Sender
	log       *zap.Logger
	batch     int
	conc      int
	pace      time.Duration
	retention int
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// New constructs a Dispatcher.
func New(o Options) *Dispatcher {
	d := &Dispatcher{
		resolver:  o.Resolver,
		sender:    o.Sender,
		log:       o.Logger,
		batch:     o.BatchSize,
		conc:      o.Concurrency,
		pace:      o.Pace,
		retention: o.RetentionDays,
		now:       o.Now,
		sleep:     o.Sleep,
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	if d.batch <= 0 {
		d.batch = DefaultBatchSize
	}
	if d.conc <= 0 {
		d.conc = DefaultConcurrency
	}
	switch {
	case d.pace == 0:
		d.pace = DefaultPace
	case d.pace < 0:
		d.pace = 0
	}
	if d.retention <= 0 {
		d.retention = DefaultRetentionDays
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.sleep == nil {
		d.sleep = sleepCtx
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Failure is a per-task diagnostic.
type Failure struct {
	TaskID      int64      `json:"taskId"`
	UUID        string     `json:"uuid,omitempty"`
	Reason      string     `json:"reason"`
	RetryCount  int        `json:"retryCount"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	Terminal    bool       `json:"terminal"`
}

// Outcome is the result of processing one task.
type Outcome struct {
	Delivered   bool     `json:"delivered"`
	Units       int      `json:"units"`
	Deleted     bool     `json:"deleted"`
	Rescheduled bool     `json:"rescheduled"`
	Fallback    bool     `json:"fallback"`
	Failure     *Failure `json:"failure,omitempty"`
}

// Report aggregates one dispatch run.
type Report struct {
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Deleted   int       `json:"deleted"`
	Updated   int       `json:"updated"`
	Cleaned   int64     `json:"cleaned"`
	Failures  []Failure `json:"failures"`
}

// RunDueTasks loads due pending tasks, processes them with at most
// Concurrency in flight, then sweeps old terminal rows.
func (d *Dispatcher) RunDueTasks(ctx context.Context, store repository.TaskRepository, masterKey []byte) (*Report, error) {
	start := time.Now()
	defer func() { metrics.DispatchDurationSeconds.Observe(time.Since(start).Seconds()) }()

	tasks, err := store.GetPendingTasks(ctx, d.now(), d.batch)
	if err != nil {
		return nil, fmt.Errorf("load due tasks: %w", err)
	}

	outcomes := make([]Outcome, len(tasks))
	var g errgroup.Group
	g.SetLimit(d.conc)
	for i := range tasks {
		g.Go(func() error {
			outcomes[i] = d.ProcessTask(ctx, store, masterKey, &tasks[i], model.MaxRetries)
			return nil
		})
	}
	_ = g.Wait()

	rep := &Report{Total: len(tasks), Failures: []Failure{}}
	for _, o := range outcomes {
		if o.Failure != nil {
			rep.Failed++
			rep.Failures = append(rep.Failures, *o.Failure)
		} else if o.Delivered {
			rep.Succeeded++
		}
		if o.Deleted {
			rep.Deleted++
		}
		if o.Rescheduled {
			rep.Updated++
		}
	}

	n, err := store.CleanupOldTasks(ctx, d.retention)
	if err != nil {
		d.log.Warn("janitor sweep failed", zap.Error(err))
	} else {
		rep.Cleaned = n
		metrics.JanitorDeleted.Add(float64(n))
	}

	d.log.Info("dispatch run",
		zap.Int("total", rep.Total),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("failed", rep.Failed),
		zap.Int64("cleaned", rep.Cleaned),
		zap.Duration("dur", time.Since(start)),
	)
	return rep, nil
}

// ProcessTask delivers one task and persists its next state. maxRetries
// bounds retryCount before the task becomes failed. A task whose context is
// already done is left untouched; once delivery starts, the state write runs
// even if ctx is cancelled midway.
func (d *Dispatcher) ProcessTask(ctx context.Context, store repository.TaskRepository, masterKey []byte, t *model.Task, maxRetries int) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{Failure: &Failure{TaskID: t.ID, UUID: t.UUIDString(), Reason: "not attempted: " + err.Error(), RetryCount: t.RetryCount}}
	}
	p, units, err := d.prepare(ctx, t, masterKey)
	if err == nil {
		err = d.deliver(ctx, t, p, units)
	}
	if err != nil {
		return d.fail(ctx, store, t, maxRetries, err)
	}
	return d.succeed(ctx, store, t, p, len(units))
}

// DispatchOne processes the single task named by uuid with the instant retry bound.
func (d *Dispatcher) DispatchOne(ctx context.Context, store repository.TaskRepository, masterKey []byte, uuid string) (Outcome, error) {
	t, err := store.GetTaskByUUIDOnly(ctx, uuid)
	if err != nil {
		return Outcome{}, fmt.Errorf("load task %s: %w", uuid, err)
	}
	return d.ProcessTask(ctx, store, masterKey, t, InstantMaxRetries), nil
}

func (d *Dispatcher) prepare(ctx context.Context, t *model.Task, masterKey []byte) (*model.Payload, []string, error) {
	p, err := DecryptPayload(t, masterKey)
	if err != nil {
		return nil, nil, err
	}
	text, err := d.resolver.Resolve(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	units := content.Split(text)
	if len(units) == 0 {
		return nil, nil, errors.New("resolved content is empty")
	}
	return p, units, nil
}

// DecryptPayload opens a task's payload with the owner's derived key.
func DecryptPayload(t *model.Task, masterKey []byte) (*model.Payload, error) {
	raw, err := crypto.DecryptCompact(t.EncryptedPayload, crypto.DeriveUserKey(t.UserID, masterKey))
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	var p model.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, nil
}

// deliver sends units strictly in order with the pacing delay between them.
func (d *Dispatcher) deliver(ctx context.Context, t *model.Task, p *model.Payload, units []string) error {
	for i, unit := range units {
		if i > 0 {
			if err := d.sleep(ctx, d.pace); err != nil {
				return err
			}
		}
		msg, err := transport.Notification{
			Title:          p.ContactName,
			Body:           unit,
			Icon:           p.AvatarURL,
			MessageType:    p.MessageType,
			MessageSubtype: p.MessageSubtype,
			TaskUUID:       t.UUIDString(),
			UnitIndex:      i,
			UnitCount:      len(units),
			Timestamp:      d.now().UnixMilli(),
		}.Marshal()
		if err != nil {
			return err
		}
		if err := d.sender.Send(ctx, p.PushSubscription, msg); err != nil {
			return fmt.Errorf("deliver unit %d/%d: %w", i+1, len(units), err)
		}
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, store repository.TaskRepository, t *model.Task, maxRetries int, cause error) Outcome {
	ctx = context.WithoutCancel(ctx)
	f := &Failure{TaskID: t.ID, UUID: t.UUIDString(), Reason: cause.Error(), RetryCount: t.RetryCount}
	if t.RetryCount >= maxRetries {
		status := model.StatusFailed
		f.Terminal = true
		if err := store.UpdateTaskByID(ctx, t.ID, model.TaskUpdate{Status: &status}); err != nil {
			d.log.Error("mark task failed", zap.Int64("task", t.ID), zap.Error(err))
		}
		metrics.DispatchOutcomes.WithLabelValues("failed").Inc()
		d.log.Warn("task failed permanently", zap.Int64("task", t.ID), zap.Int("retryCount", t.RetryCount), zap.Error(cause))
		return Outcome{Failure: f}
	}

	retry := t.RetryCount + 1
	next := d.now().Add(time.Duration(t.RetryCount+1) * RetryStep)
	if err := store.UpdateTaskByID(ctx, t.ID, model.TaskUpdate{RetryCount: &retry, NextSendAt: &next}); err != nil {
		d.log.Error("requeue task", zap.Int64("task", t.ID), zap.Error(err))
	}
	f.RetryCount = retry
	f.NextRetryAt = &next
	metrics.DispatchOutcomes.WithLabelValues("retried").Inc()
	d.log.Info("task requeued", zap.Int64("task", t.ID), zap.Int("retryCount", retry), zap.Time("next", next), zap.Error(cause))
	return Outcome{Failure: f}
}

// succeed persists the post-delivery state. The delivery already happened, so
// a failed mutation falls back to marking the row sent rather than leaving it
// pending for the next sweep.
func (d *Dispatcher) succeed(ctx context.Context, store repository.TaskRepository, t *model.Task, p *model.Payload, units int) Outcome {
	ctx = context.WithoutCancel(ctx)
	out := Outcome{Delivered: true, Units: units}

	var err error
	if iv := p.RecurrenceType.Interval(); iv > 0 {
		next := t.NextSendAt.Add(iv)
		zero := 0
		err = store.UpdateTaskByID(ctx, t.ID, model.TaskUpdate{NextSendAt: &next, RetryCount: &zero})
		out.Rescheduled = err == nil
	} else {
		err = store.DeleteTaskByID(ctx, t.ID)
		out.Deleted = err == nil
	}
	if err == nil {
		metrics.DispatchOutcomes.WithLabelValues("sent").Inc()
		return out
	}

	d.log.Error("post-send persistence failed, falling back to sent", zap.Int64("task", t.ID), zap.Error(err))
	sent := model.StatusSent
	zero := 0
	if ferr := store.UpdateTaskByID(ctx, t.ID, model.TaskUpdate{Status: &sent, RetryCount: &zero}); ferr != nil {
		d.log.Error("fallback write failed; task delivered once but state is stale",
			zap.Int64("task", t.ID), zap.Error(ferr))
		metrics.DispatchOutcomes.WithLabelValues("fallback_failed").Inc()
		out.Failure = &Failure{
			TaskID:     t.ID,
			UUID:       t.UUIDString(),
			Reason:     "delivered but post-send persistence failed: " + ferr.Error(),
			RetryCount: t.RetryCount,
			Terminal:   true,
		}
		return out
	}
	metrics.DispatchOutcomes.WithLabelValues("fallback").Inc()
	out.Fallback = true
	return out
}
