// Package service contains the message lifecycle: validation, scheduling and task management.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/notikeeper/internal/crypto"
	"github.com/and161185/notikeeper/internal/dispatcher"
	"github.com/and161185/notikeeper/internal/errs"
	"github.com/and161185/notikeeper/internal/model"
	"github.com/and161185/notikeeper/internal/tenant"
	"github.com/and161185/notikeeper/internal/transport"
)

// List paging bounds.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// MessageService defines the operations of the scheduling API.
type MessageService interface {
	// Schedule validates and persists a task; instant tasks are delivered before returning.
	Schedule(ctx context.Context, tc *tenant.Context, userID string, req *ScheduleRequest) (*ScheduleResult, error)
	// Update edits a pending task.
	Update(ctx context.Context, tc *tenant.Context, userID, taskUUID string, req *UpdateRequest) (*model.TaskStatus, error)
	// Cancel deletes a pending task.
	Cancel(ctx context.Context, tc *tenant.Context, userID, taskUUID string) error
	// Status returns the index fields of a task.
	Status(ctx context.Context, tc *tenant.Context, userID, taskUUID string) (*model.TaskStatus, error)
	// List returns one page of a user's tasks.
	List(ctx context.Context, tc *tenant.Context, userID string, f model.TaskFilter) (*ListResult, error)
	// UserKey returns the derived per-user key.
	UserKey(tc *tenant.Context, userID string) (string, error)
}

// ScheduleResult describes a created task. Delivery is set for instant tasks.
type ScheduleResult struct {
	UUID        string              `json:"uuid"`
	Status      model.Status        `json:"status"`
	MessageType model.MessageType   `json:"messageType"`
	NextSendAt  time.Time           `json:"nextSendAt"`
	Delivery    *dispatcher.Outcome `json:"delivery,omitempty"`
}

// ListResult is one page of task views.
type ListResult struct {
	Tasks  []model.TaskStatus `json:"tasks"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// Options configures a MessageServiceImpl.
type Options struct {
	Dispatcher *dispatcher.Dispatcher
	Sender     transport.Sender
	Logger     *zap.Logger
	Now        func() time.Time
}

type MessageServiceImpl struct {
	v      *validator.Validate
	disp   *dispatcher.Dispatcher
	sender transport.Sender
	log    *zap.Logger
	now    func() time.Time
}

var _ MessageService = (*MessageServiceImpl)(nil)

// NewMessageService constructs the message service.
func NewMessageService(o Options) (*MessageServiceImpl, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	s := &MessageServiceImpl{v: v, disp: o.Dispatcher, sender: o.Sender, log: o.Logger, now: o.Now}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Schedule validates req, encrypts its sensitive fields under the user key and
// persists the task.
func (s *MessageServiceImpl) Schedule(ctx context.Context, tc *tenant.Context, userID string, req *ScheduleRequest) (*ScheduleResult, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	sendAt, err := validateSchedule(s.v, req, s.now())
	if err != nil {
		return nil, err
	}
	instant := req.MessageType == model.MessageInstant
	if instant {
		if err := s.sender.Ready(); err != nil {
			return nil, err
		}
	}

	id := req.UUID
	if id == "" {
		u, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		id = u.String()
	}

	enc, err := sealPayload(payloadFromRequest(req), userID, tc.MasterKey)
	if err != nil {
		return nil, err
	}
	t, err := tc.Store.CreateTask(ctx, &model.Task{
		UserID:           userID,
		UUID:             &id,
		MessageType:      req.MessageType,
		NextSendAt:       sendAt,
		Status:           model.StatusPending,
		EncryptedPayload: enc,
	})
	if err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return nil, errs.Wrap(errs.KindTaskUUIDConflict, "task uuid already exists", err)
		}
		return nil, err
	}
	res := &ScheduleResult{UUID: id, Status: t.Status, MessageType: t.MessageType, NextSendAt: t.NextSendAt}
	if !instant {
		return res, nil
	}

	out, err := s.disp.DispatchOne(ctx, tc.Store, tc.MasterKey, id)
	if err != nil {
		return nil, err
	}
	res.Delivery = &out
	if out.Failure != nil && !out.Delivered {
		return nil, errs.New(errs.KindDeliveryFailed, "instant delivery failed").WithDetails(out.Failure)
	}
	res.Status = model.StatusSent
	return res, nil
}

// UpdateRequest edits a pending task; nil fields are kept.
type UpdateRequest struct {
	FirstSendTime    *string               `json:"firstSendTime,omitempty"`
	RecurrenceType   *model.Recurrence     `json:"recurrenceType,omitempty"`
	UserMessage      *string               `json:"userMessage,omitempty"`
	ContactName      *string               `json:"contactName,omitempty"`
	AvatarURL        *string               `json:"avatarUrl,omitempty"`
	MessageSubtype   *model.MessageSubtype `json:"messageSubtype,omitempty"`
	CompletePrompt   *string               `json:"completePrompt,omitempty"`
	APIURL           *string               `json:"apiUrl,omitempty"`
	APIKey           *string               `json:"apiKey,omitempty"`
	PrimaryModel     *string               `json:"primaryModel,omitempty"`
	MaxTokens        *int                  `json:"maxTokens,omitempty"`
	PushSubscription *PushSubscription     `json:"pushSubscription,omitempty"`
	Metadata         json.RawMessage       `json:"metadata,omitempty"`
}

// Update re-validates the merged task and replaces its payload while it is pending.
func (s *MessageServiceImpl) Update(ctx context.Context, tc *tenant.Context, userID, taskUUID string, req *UpdateRequest) (*model.TaskStatus, error) {
	t, err := s.pendingTask(ctx, tc, userID, taskUUID)
	if err != nil {
		return nil, err
	}
	p, err := dispatcher.DecryptPayload(t, tc.MasterKey)
	if err != nil {
		return nil, err
	}

	merged := requestFromPayload(p, t)
	req.apply(merged)
	if err := checkFields(s.v, merged); err != nil {
		return nil, err
	}
	var extra model.TaskUpdate
	if req.FirstSendTime != nil {
		at, err := parseSendTime(*req.FirstSendTime, s.now())
		if err != nil {
			return nil, err
		}
		extra.NextSendAt = &at
	}

	enc, err := sealPayload(payloadFromRequest(merged), userID, tc.MasterKey)
	if err != nil {
		return nil, err
	}
	if err := tc.Store.UpdateTaskByUUID(ctx, taskUUID, userID, enc, extra); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Wrap(errs.KindTaskAlreadyCompleted, "task is no longer pending", err)
		}
		return nil, err
	}
	return s.Status(ctx, tc, userID, taskUUID)
}

func (r *UpdateRequest) apply(m *ScheduleRequest) {
	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setStr(&m.FirstSendTime, r.FirstSendTime)
	setStr(&m.UserMessage, r.UserMessage)
	setStr(&m.ContactName, r.ContactName)
	setStr(&m.AvatarURL, r.AvatarURL)
	setStr(&m.CompletePrompt, r.CompletePrompt)
	setStr(&m.APIURL, r.APIURL)
	setStr(&m.APIKey, r.APIKey)
	setStr(&m.PrimaryModel, r.PrimaryModel)
	if r.RecurrenceType != nil {
		m.RecurrenceType = *r.RecurrenceType
	}
	if r.MessageSubtype != nil {
		m.MessageSubtype = *r.MessageSubtype
	}
	if r.MaxTokens != nil {
		m.MaxTokens = r.MaxTokens
	}
	if r.PushSubscription != nil {
		m.PushSubscription = r.PushSubscription
	}
	if r.Metadata != nil {
		m.Metadata = r.Metadata
	}
}

// Cancel removes a pending task.
func (s *MessageServiceImpl) Cancel(ctx context.Context, tc *tenant.Context, userID, taskUUID string) error {
	if _, err := s.pendingTask(ctx, tc, userID, taskUUID); err != nil {
		return err
	}
	if err := tc.Store.DeleteTaskByUUID(ctx, taskUUID, userID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			// dispatched or removed since the lookup
			return errs.Wrap(errs.KindTaskAlreadyCompleted, "task is no longer pending", err)
		}
		return err
	}
	return nil
}

// Status returns the plaintext view of a task.
func (s *MessageServiceImpl) Status(ctx context.Context, tc *tenant.Context, userID, taskUUID string) (*model.TaskStatus, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	st, err := tc.Store.GetTaskStatus(ctx, taskUUID, userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Wrap(errs.KindTaskNotFound, "task not found", err)
		}
		return nil, err
	}
	return st, nil
}

// List returns a page of the user's tasks. Limit defaults to 20 and is capped at 100.
func (s *MessageServiceImpl) List(ctx context.Context, tc *tenant.Context, userID string, f model.TaskFilter) (*ListResult, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	switch f.Status {
	case "", model.StatusPending, model.StatusSent, model.StatusFailed:
	default:
		return nil, errs.New(errs.KindInvalidParameters, "invalid parameters").
			WithDetails([]FieldError{{Field: "status", Rule: "oneof"}})
	}
	if f.Offset < 0 {
		return nil, errs.New(errs.KindInvalidParameters, "invalid parameters").
			WithDetails([]FieldError{{Field: "offset", Rule: "gte"}})
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}

	page, err := tc.Store.ListTasks(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	res := &ListResult{Tasks: make([]model.TaskStatus, 0, len(page.Tasks)), Total: page.Total, Limit: f.Limit, Offset: f.Offset}
	for _, t := range page.Tasks {
		res.Tasks = append(res.Tasks, model.TaskStatus{
			UUID:        t.UUIDString(),
			Status:      t.Status,
			RetryCount:  t.RetryCount,
			NextSendAt:  t.NextSendAt,
			MessageType: t.MessageType,
			CreatedAt:   t.CreatedAt,
			UpdatedAt:   t.UpdatedAt,
		})
	}
	return res, nil
}

// UserKey derives the key the tenant's client uses for request envelopes.
func (s *MessageServiceImpl) UserKey(tc *tenant.Context, userID string) (string, error) {
	if err := ValidateUserID(userID); err != nil {
		return "", err
	}
	return string(crypto.DeriveUserKey(userID, tc.MasterKey)), nil
}

func (s *MessageServiceImpl) pendingTask(ctx context.Context, tc *tenant.Context, userID, taskUUID string) (*model.Task, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	t, err := tc.Store.GetTaskByUUID(ctx, taskUUID, userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Wrap(errs.KindTaskNotFound, "task not found", err)
		}
		return nil, err
	}
	if t.Status != model.StatusPending {
		return nil, errs.Wrap(errs.KindTaskAlreadyCompleted, "task is no longer pending", errs.ErrNotPending)
	}
	return t, nil
}

func payloadFromRequest(r *ScheduleRequest) *model.Payload {
	p := &model.Payload{
		ContactName:      r.ContactName,
		AvatarURL:        r.AvatarURL,
		MessageType:      r.MessageType,
		MessageSubtype:   r.MessageSubtype,
		UserMessage:      r.UserMessage,
		RecurrenceType:   r.RecurrenceType,
		CompletePrompt:   r.CompletePrompt,
		APIURL:           r.APIURL,
		APIKey:           r.APIKey,
		PrimaryModel:     r.PrimaryModel,
		PushSubscription: r.PushSubscription.model(),
		Metadata:         r.Metadata,
	}
	if p.RecurrenceType == "" {
		p.RecurrenceType = model.RecurrenceNone
	}
	if r.MaxTokens != nil {
		p.MaxTokens = *r.MaxTokens
	}
	return p
}

func requestFromPayload(p *model.Payload, t *model.Task) *ScheduleRequest {
	r := &ScheduleRequest{
		UUID:             t.UUIDString(),
		ContactName:      p.ContactName,
		AvatarURL:        p.AvatarURL,
		MessageType:      t.MessageType,
		MessageSubtype:   p.MessageSubtype,
		UserMessage:      p.UserMessage,
		FirstSendTime:    t.NextSendAt.UTC().Format(time.RFC3339),
		RecurrenceType:   p.RecurrenceType,
		CompletePrompt:   p.CompletePrompt,
		APIURL:           p.APIURL,
		APIKey:           p.APIKey,
		PrimaryModel:     p.PrimaryModel,
		PushSubscription: subscriptionFromModel(p.PushSubscription),
		Metadata:         p.Metadata,
	}
	if p.MaxTokens > 0 {
		mt := p.MaxTokens
		r.MaxTokens = &mt
	}
	return r
}

func sealPayload(p *model.Payload, userID string, masterKey []byte) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return crypto.EncryptCompact(raw, crypto.DeriveUserKey(userID, masterKey))
}
