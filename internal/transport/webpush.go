// Package transport delivers serialized notifications to push subscriptions.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/and161185/notikeeper/internal/errs"
	"github.com/and161185/notikeeper/internal/model"
)

// Sender is the outbound delivery capability.
type Sender interface {
	// Ready reports whether credentials are configured; it never performs I/O.
	Ready() error
	// Send delivers one serialized message to sub.
	Send(ctx context.Context, sub model.Subscription, msg []byte) error
}

// Notification is the message body delivered to the recipient.
type Notification struct {
	Title          string               `json:"title"`
	Body           string               `json:"body"`
	Icon           string               `json:"icon,omitempty"`
	MessageType    model.MessageType    `json:"messageType"`
	MessageSubtype model.MessageSubtype `json:"messageSubtype,omitempty"`
	TaskUUID       string               `json:"taskUuid,omitempty"`
	UnitIndex      int                  `json:"unitIndex"`
	UnitCount      int                  `json:"unitCount"`
	Timestamp      int64                `json:"timestamp"`
}

// Marshal serializes n.
func (n Notification) Marshal() ([]byte, error) { return json.Marshal(n) }

// VAPID holds the application server identity.
type VAPID struct {
	PublicKey  string
	PrivateKey string
	Subject    string // mailto: or https: contact
}

// WebPush sends RFC 8030 push messages signed with VAPID.
type WebPush struct {
	vapid  VAPID
	ttl    time.Duration
	client webpush.HTTPClient
}

// DefaultTTL is how long the push service keeps an undelivered message.
const DefaultTTL = 24 * time.Hour

// NewWebPush constructs a sender. A nil client uses a 30s http.Client.
func NewWebPush(v VAPID, client webpush.HTTPClient) *WebPush {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebPush{vapid: v, ttl: DefaultTTL, client: client}
}

// Ready fails with TRANSPORT_CONFIG_ERROR when VAPID credentials are missing.
func (w *WebPush) Ready() error {
	if w.vapid.PublicKey == "" || w.vapid.PrivateKey == "" || w.vapid.Subject == "" {
		return errs.New(errs.KindTransportConfig, "push transport credentials are not configured")
	}
	return nil
}

// StatusError is a non-success reply from the push service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push service returned %d: %s", e.Code, e.Body)
}

// Send encrypts msg for sub and posts it to the subscription endpoint.
func (w *WebPush) Send(ctx context.Context, sub model.Subscription, msg []byte) error {
	if err := w.Ready(); err != nil {
		return err
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return fmt.Errorf("push subscription incomplete")
	}
	resp, err := webpush.SendNotificationWithContext(ctx, msg, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.vapid.Subject,
		VAPIDPublicKey:  w.vapid.PublicKey,
		VAPIDPrivateKey: w.vapid.PrivateKey,
		TTL:             int(w.ttl.Seconds()),
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return fmt.Errorf("web push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	return nil
}
