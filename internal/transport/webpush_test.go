package transport

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/require"

	"github.com/and161185/notikeeper/internal/errs"
	"github.com/and161185/notikeeper/internal/model"
)

func newVAPID(t *testing.T) VAPID {
	t.Helper()
	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return VAPID{PublicKey: pub, PrivateKey: priv, Subject: "mailto:ops@example.com"}
}

func newSubscription(t *testing.T, endpoint string) model.Subscription {
	t.Helper()
	k, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return model.Subscription{
		Endpoint: endpoint,
		Keys: model.SubscriptionKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(k.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

func TestReady(t *testing.T) {
	t.Parallel()
	require.NoError(t, NewWebPush(newVAPID(t), nil).Ready())

	err := NewWebPush(VAPID{PublicKey: "x"}, nil).Ready()
	require.Equal(t, errs.KindTransportConfig, errs.KindOf(err))
}

func TestSend_OK(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Method != http.MethodPost || !strings.HasPrefix(r.Header.Get("Authorization"), "vapid ") ||
			r.Header.Get("Content-Encoding") != "aes128gcm" || r.Header.Get("TTL") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	w := NewWebPush(newVAPID(t), srv.Client())
	msg, err := Notification{Title: "Alice", Body: "Hello.", MessageType: model.MessageFixed, UnitCount: 1}.Marshal()
	require.NoError(t, err)
	require.NoError(t, w.Send(context.Background(), newSubscription(t, srv.URL+"/push/abc"), msg))
	require.Equal(t, int32(1), hits.Load())
}

func TestSend_StatusError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte("subscription expired"))
	}))
	defer srv.Close()

	err := NewWebPush(newVAPID(t), srv.Client()).Send(context.Background(), newSubscription(t, srv.URL), []byte(`{}`))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusGone, se.Code)
}

func TestSend_Preconditions(t *testing.T) {
	t.Parallel()
	err := NewWebPush(VAPID{}, nil).Send(context.Background(), model.Subscription{}, nil)
	require.Equal(t, errs.KindTransportConfig, errs.KindOf(err))

	err = NewWebPush(newVAPID(t), nil).Send(context.Background(), model.Subscription{Endpoint: "https://x"}, nil)
	require.Error(t, err)
}
