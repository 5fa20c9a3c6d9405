package service

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"

	"github.com/and161185/notikeeper/internal/errs"
	"github.com/and161185/notikeeper/internal/model"
)

// ScheduleRequest is the decrypted body of a schedule request.
type ScheduleRequest struct {
	UUID             string               `json:"uuid,omitempty" validate:"omitempty,uuid"`
	ContactName      string               `json:"contactName" validate:"required"`
	AvatarURL        string               `json:"avatarUrl,omitempty" validate:"omitempty,url"`
	MessageType      model.MessageType    `json:"messageType" validate:"required,message_type"`
	MessageSubtype   model.MessageSubtype `json:"messageSubtype,omitempty" validate:"omitempty,message_subtype"`
	UserMessage      string               `json:"userMessage,omitempty"`
	FirstSendTime    string               `json:"firstSendTime" validate:"required"`
	RecurrenceType   model.Recurrence     `json:"recurrenceType,omitempty" validate:"omitempty,recurrence"`
	CompletePrompt   string               `json:"completePrompt,omitempty"`
	APIURL           string               `json:"apiUrl,omitempty"`
	APIKey           string               `json:"apiKey,omitempty"`
	PrimaryModel     string               `json:"primaryModel,omitempty"`
	MaxTokens        *int                 `json:"maxTokens,omitempty" validate:"omitempty,gt=0"`
	PushSubscription *PushSubscription    `json:"pushSubscription" validate:"required"`
	Metadata         json.RawMessage      `json:"metadata,omitempty"`
}

// PushSubscription is the subscription descriptor as sent by the client.
type PushSubscription struct {
	Endpoint       string `json:"endpoint" validate:"required,url"`
	ExpirationTime *int64 `json:"expirationTime,omitempty"`
	Keys           struct {
		P256dh string `json:"p256dh" validate:"required"`
		Auth   string `json:"auth" validate:"required"`
	} `json:"keys"`
}

func (p *PushSubscription) model() model.Subscription {
	return model.Subscription{
		Endpoint:       p.Endpoint,
		ExpirationTime: p.ExpirationTime,
		Keys:           model.SubscriptionKeys{P256dh: p.Keys.P256dh, Auth: p.Keys.Auth},
	}
}

func subscriptionFromModel(s model.Subscription) *PushSubscription {
	p := &PushSubscription{Endpoint: s.Endpoint, ExpirationTime: s.ExpirationTime}
	p.Keys.P256dh, p.Keys.Auth = s.Keys.P256dh, s.Keys.Auth
	return p
}

func (r *ScheduleRequest) hasAI() bool {
	return r.CompletePrompt != "" && r.APIURL != "" && r.APIKey != "" && r.PrimaryModel != ""
}

// FieldError is one caller-safe validation failure.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// NewValidator returns a validator with the message enums and the
// per-type conditional rules registered.
func NewValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("message_type", validateMessageType); err != nil {
		return nil, err
	}
	if err := v.RegisterValidation("message_subtype", validateMessageSubtype); err != nil {
		return nil, err
	}
	if err := v.RegisterValidation("recurrence", validateRecurrence); err != nil {
		return nil, err
	}
	v.RegisterStructValidation(scheduleRules, ScheduleRequest{})
	return v, nil
}

func validateMessageType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch model.MessageType(fl.Field().String()) {
	case model.MessageFixed, model.MessagePrompted, model.MessageAuto, model.MessageInstant:
		return true
	}
	return false
}

func validateMessageSubtype(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch model.MessageSubtype(fl.Field().String()) {
	case model.SubtypeChat, model.SubtypeForum, model.SubtypeMoment:
		return true
	}
	return false
}

func validateRecurrence(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch model.Recurrence(fl.Field().String()) {
	case model.RecurrenceNone, model.RecurrenceDaily, model.RecurrenceWeekly:
		return true
	}
	return false
}

func scheduleRules(sl validator.StructLevel) {
	r := sl.Current().Interface().(ScheduleRequest)
	switch r.MessageType {
	case model.MessageFixed:
		if r.UserMessage == "" {
			sl.ReportError(r.UserMessage, "userMessage", "UserMessage", "required_for_fixed", "")
		}
	case model.MessagePrompted, model.MessageAuto:
		for _, f := range []struct{ val, json, name string }{
			{r.CompletePrompt, "completePrompt", "CompletePrompt"},
			{r.APIURL, "apiUrl", "APIURL"},
			{r.APIKey, "apiKey", "APIKey"},
			{r.PrimaryModel, "primaryModel", "PrimaryModel"},
		} {
			if f.val == "" {
				sl.ReportError(f.val, f.json, f.name, "required_for_ai", "")
			}
		}
	case model.MessageInstant:
		if r.RecurrenceType != "" && r.RecurrenceType != model.RecurrenceNone {
			sl.ReportError(r.RecurrenceType, "recurrenceType", "RecurrenceType", "instant_no_recurrence", "")
		}
		if r.UserMessage == "" && !r.hasAI() {
			sl.ReportError(r.UserMessage, "userMessage", "UserMessage", "message_or_ai_required", "")
		}
	}
}

// validateSchedule checks field rules, then the send time. It returns the
// parsed send time.
func validateSchedule(v *validator.Validate, r *ScheduleRequest, now time.Time) (time.Time, error) {
	if err := checkFields(v, r); err != nil {
		return time.Time{}, err
	}
	return parseSendTime(r.FirstSendTime, now)
}

func checkFields(v *validator.Validate, r *ScheduleRequest) error {
	err := v.Struct(r)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return errs.Wrap(errs.KindInvalidParameters, "invalid parameters", err)
	}
	details := make([]FieldError, 0, len(ve))
	for _, fe := range ve {
		details = append(details, FieldError{Field: fieldPath(fe.Namespace()), Rule: fe.Tag()})
	}
	return errs.New(errs.KindInvalidParameters, "invalid parameters").WithDetails(details)
}

// sendTimeLayouts are tried in order. Layouts without an offset are read as UTC.
var sendTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
}

func parseSendTime(s string, now time.Time) (time.Time, error) {
	var (
		at  time.Time
		err error
	)
	for _, layout := range sendTimeLayouts {
		if at, err = time.Parse(layout, s); err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, errs.New(errs.KindInvalidTimestamp, "firstSendTime must be an ISO-8601 timestamp")
	}
	if !at.After(now) {
		return time.Time{}, errs.New(errs.KindInvalidTimestamp, "firstSendTime must be in the future")
	}
	return at.UTC(), nil
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// ValidateUserID accepts only v4 UUIDs.
func ValidateUserID(id string) error {
	u, err := uuid.FromString(id)
	if err != nil || u.Version() != uuid.V4 {
		return errs.New(errs.KindInvalidUserID, "userId must be a v4 UUID")
	}
	return nil
}
