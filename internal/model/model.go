// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"time"
)

// MessageType classifies how a task's text is produced.
type MessageType string

const (
	MessageFixed    MessageType = "fixed"
	MessagePrompted MessageType = "prompted"
	MessageAuto     MessageType = "auto"
	MessageInstant  MessageType = "instant"
)

// MessageSubtype is a rendering hint for the recipient.
type MessageSubtype string

const (
	SubtypeChat   MessageSubtype = "chat"
	SubtypeForum  MessageSubtype = "forum"
	SubtypeMoment MessageSubtype = "moment"
)

// Recurrence controls what happens after a successful send.
type Recurrence string

const (
	RecurrenceNone   Recurrence = "none"
	RecurrenceDaily  Recurrence = "daily"
	RecurrenceWeekly Recurrence = "weekly"
)

// Interval returns the fixed period of a recurring task, zero for none.
func (r Recurrence) Interval() time.Duration {
	switch r {
	case RecurrenceDaily:
		return 24 * time.Hour
	case RecurrenceWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// Status is the task lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// MaxRetries bounds retryCount before a task becomes failed.
const MaxRetries = 3

// Task is a stored scheduled notification. Only index fields are plaintext.
type Task struct {
	ID               int64
	UserID           string
	UUID             *string // nil tolerated by the unique constraint
	MessageType      MessageType
	NextSendAt       time.Time
	Status           Status
	RetryCount       int
	EncryptedPayload string // compact envelope of Payload under the user key
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UUIDString returns the client-visible uuid or "".
func (t *Task) UUIDString() string {
	if t.UUID == nil {
		return ""
	}
	return *t.UUID
}

// Subscription is a push subscription descriptor.
type Subscription struct {
	Endpoint       string           `json:"endpoint"`
	ExpirationTime *int64           `json:"expirationTime,omitempty"`
	Keys           SubscriptionKeys `json:"keys"`
}

// SubscriptionKeys holds the client's ECDH public key and auth secret.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Payload is every sensitive field of a task, stored encrypted.
type Payload struct {
	ContactName      string          `json:"contactName"`
	AvatarURL        string          `json:"avatarUrl,omitempty"`
	MessageType      MessageType     `json:"messageType"`
	MessageSubtype   MessageSubtype  `json:"messageSubtype,omitempty"`
	UserMessage      string          `json:"userMessage,omitempty"`
	RecurrenceType   Recurrence      `json:"recurrenceType"`
	CompletePrompt   string          `json:"completePrompt,omitempty"`
	APIURL           string          `json:"apiUrl,omitempty"`
	APIKey           string          `json:"apiKey,omitempty"`
	PrimaryModel     string          `json:"primaryModel,omitempty"`
	MaxTokens        int             `json:"maxTokens,omitempty"`
	PushSubscription Subscription    `json:"pushSubscription"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// HasAI reports whether the full completion quartet is present.
func (p *Payload) HasAI() bool {
	return p.CompletePrompt != "" && p.APIURL != "" && p.APIKey != "" && p.PrimaryModel != ""
}

// TaskUpdate is a partial update; nil fields are left unchanged.
type TaskUpdate struct {
	NextSendAt       *time.Time
	Status           *Status
	RetryCount       *int
	EncryptedPayload *string
}

// TaskFilter narrows listTasks.
type TaskFilter struct {
	Status Status // empty for any
	Limit  int
	Offset int
}

// TaskPage is one page of listTasks.
type TaskPage struct {
	Tasks []Task
	Total int
}

// TaskStatus is the plaintext view returned by getTaskStatus.
type TaskStatus struct {
	UUID        string      `json:"uuid"`
	Status      Status      `json:"status"`
	RetryCount  int         `json:"retryCount"`
	NextSendAt  time.Time   `json:"nextSendAt"`
	MessageType MessageType `json:"messageType"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Driver is the closed set of tenant storage drivers.
type Driver string

const (
	// DriverNeon is served through gorm with the postgres dialector.
	DriverNeon Driver = "neon"
	// DriverPG is served through a native pgx pool.
	DriverPG Driver = "pg"
)

// Valid reports whether d is a supported driver.
func (d Driver) Valid() bool { return d == DriverNeon || d == DriverPG }

// DatabaseDescriptor identifies a tenant's database.
type DatabaseDescriptor struct {
	Driver           Driver `json:"driver"`
	ConnectionString string `json:"connectionString"`
}

// Tenant is the decrypted tenant configuration kept in the blob store.
type Tenant struct {
	TenantID  string             `json:"tenantId"`
	Database  DatabaseDescriptor `json:"database"`
	MasterKey []byte             `json:"masterKey"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Onboarding is the one-time result of tenant creation.
type Onboarding struct {
	TenantID             string `json:"tenantId"`
	TenantToken          string `json:"tenantToken"`
	CronToken            string `json:"cronToken"`
	MasterKeyFingerprint string `json:"masterKeyFingerprint"`
	CronWebhookURL       string `json:"cronWebhookUrl"`
}
