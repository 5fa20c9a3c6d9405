package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/and161185/notikeeper/internal/blob"
	"github.com/and161185/notikeeper/internal/content"
	"github.com/and161185/notikeeper/internal/crypto"
	"github.com/and161185/notikeeper/internal/dispatcher"
	"github.com/and161185/notikeeper/internal/errs"
	"github.com/and161185/notikeeper/internal/model"
	"github.com/and161185/notikeeper/internal/repository"
	"github.com/and161185/notikeeper/internal/repository/gormstore"
	"github.com/and161185/notikeeper/internal/service"
	"github.com/and161185/notikeeper/internal/tenant"
	"github.com/and161185/notikeeper/internal/token"
)

const userID = "9b2e7c4a-1f3d-4e5a-8b6c-7d8e9f0a1b2c"

type recSender struct {
	mu    sync.Mutex
	ready error
	msgs  [][]byte
}

func (s *recSender) Ready() error { return s.ready }

func (s *recSender) Send(_ context.Context, _ model.Subscription, msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type noAI struct{}

func (noAI) Complete(context.Context, content.Completion) (string, error) {
	return "", errs.New(errs.KindContentGeneration, "no completion endpoint")
}

type server struct {
	t      *testing.T
	h      http.Handler
	clock  *clock
	sender *recSender
}

func newServer(t *testing.T) *server {
	t.Helper()
	log := zaptest.NewLogger(t)
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	openSQLite := func(_ context.Context, dsn string) (repository.TaskRepository, error) {
		db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, dsn)), gormstore.Config())
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return gormstore.NewTaskRepo(db), nil
	}
	handles := tenant.NewHandleCache(map[model.Driver]tenant.Opener{model.DriverNeon: openSQLite, model.DriverPG: openSQLite})
	t.Cleanup(func() { _ = handles.Close() })

	mgr := tenant.NewManager(tenant.Options{
		Blobs:     blob.NewMemory(),
		Handles:   handles,
		Tokens:    token.NewIssuer([]byte("test-token-secret")),
		KEK:       []byte("kek-kek-kek-kek-kek-kek-kek-kek!"),
		PublicURL: "https://notify.test",
		Logger:    log,
	})

	s := &server{t: t, clock: &clock{t: time.Now().UTC().Truncate(time.Second)}, sender: &recSender{}}
	disp := dispatcher.New(dispatcher.Options{
		Resolver: content.NewResolver(noAI{}),
		Sender:   s.sender,
		Logger:   log,
		Pace:     -1,
		Now:      s.clock.Now,
	})
	msgs, err := service.NewMessageService(service.Options{Dispatcher: disp, Sender: s.sender, Logger: log, Now: s.clock.Now})
	require.NoError(t, err)

	s.h = NewRouter(Options{
		Tenants:       mgr,
		Messages:      msgs,
		Dispatcher:    disp,
		Logger:        log,
		OnboardSecret: "let-me-in",
		Gatherer:      prometheus.NewRegistry(),
	})
	return s
}

type reply struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func (s *server) do(method, path string, hdr map[string]string, body []byte) (int, reply) {
	s.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	var out reply
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func (s *server) onboard() model.Onboarding {
	s.t.Helper()
	code, r := s.do(http.MethodPost, "/api/v1/tenants", map[string]string{HeaderOnboardSecret: "let-me-in"},
		[]byte(`{"driver":"neon","connectionString":"tenant-a"}`))
	require.Equal(s.t, http.StatusCreated, code)
	var ob model.Onboarding
	require.NoError(s.t, json.Unmarshal(r.Data, &ob))
	return ob
}

func (s *server) userKey(tok string) []byte {
	s.t.Helper()
	code, r := s.do(http.MethodGet, "/api/v1/keys/user", map[string]string{"Authorization": "Bearer " + tok, HeaderUserID: userID}, nil)
	require.Equal(s.t, http.StatusOK, code)
	var out struct {
		UserKey string `json:"userKey"`
	}
	require.NoError(s.t, json.Unmarshal(r.Data, &out))
	return []byte(out.UserKey)
}

func sealedHeaders(tok string) map[string]string {
	return map[string]string{
		"Authorization":         "Bearer " + tok,
		HeaderUserID:            userID,
		HeaderEncryptionEnabled: "true",
		HeaderEncryptionVersion: "1",
		"Content-Type":          "application/json",
	}
}

func seal(t *testing.T, key []byte, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	env, err := crypto.Encrypt(raw, key)
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func fixedBody(at time.Time) map[string]any {
	return map[string]any{
		"contactName":   "Alice",
		"messageType":   "fixed",
		"userMessage":   "Drink some water. Then stretch!",
		"firstSendTime": at.Format(time.RFC3339),
		"pushSubscription": map[string]any{
			"endpoint": "https://push.example.com/send/abc",
			"keys":     map[string]string{"p256dh": "BKey", "auth": "secret"},
		},
	}
}

func TestOnboard_GuardAndValidation(t *testing.T) {
	s := newServer(t)
	code, r := s.do(http.MethodPost, "/api/v1/tenants", nil, []byte(`{"driver":"neon","connectionString":"x"}`))
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, string(errs.KindInvalidTenantAuth), r.Error.Code)

	code, r = s.do(http.MethodPost, "/api/v1/tenants", map[string]string{HeaderOnboardSecret: "let-me-in"}, []byte(`{"driver":"mysql","connectionString":"x"}`))
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, string(errs.KindInvalidDriver), r.Error.Code)

	ob := s.onboard()
	require.True(t, strings.HasPrefix(ob.CronWebhookURL, "https://notify.test/api/v1/cron/dispatch?token="))

	body := fmt.Sprintf(`{"tenantId":%q,"driver":"neon","connectionString":"tenant-a"}`, ob.TenantID)
	code, r = s.do(http.MethodPost, "/api/v1/tenants", map[string]string{HeaderOnboardSecret: "let-me-in"}, []byte(body))
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, string(errs.KindTenantAlreadyInitialized), r.Error.Code)
}

func TestSchedule_Scenarios(t *testing.T) {
	s := newServer(t)
	ob := s.onboard()
	key := s.userKey(ob.TenantToken)
	require.Len(t, key, 32)

	code, r := s.do(http.MethodPost, "/api/v1/messages", sealedHeaders(ob.TenantToken), seal(t, key, fixedBody(s.clock.Now().Add(-time.Minute))))
	require.Equal(t, http.StatusBadRequest, code)
	require.False(t, r.Success)
	require.Equal(t, string(errs.KindInvalidTimestamp), r.Error.Code)

	code, r = s.do(http.MethodPost, "/api/v1/messages", sealedHeaders(ob.TenantToken), seal(t, key, fixedBody(s.clock.Now().Add(60*time.Second))))
	require.Equal(t, http.StatusCreated, code)
	require.True(t, r.Success)
	var created service.ScheduleResult
	require.NoError(t, json.Unmarshal(r.Data, &created))
	require.Len(t, created.UUID, 36)
	require.Equal(t, model.StatusPending, created.Status)

	instant := fixedBody(s.clock.Now().Add(time.Minute))
	instant["messageType"] = "instant"
	delete(instant, "userMessage")
	code, r = s.do(http.MethodPost, "/api/v1/messages", sealedHeaders(ob.TenantToken), seal(t, key, instant))
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, string(errs.KindInvalidParameters), r.Error.Code)
	require.Contains(t, string(r.Error.Details), "userMessage")
}

func TestSchedule_EnvelopeRequirements(t *testing.T) {
	s := newServer(t)
	ob := s.onboard()
	key := s.userKey(ob.TenantToken)
	body := seal(t, key, fixedBody(s.clock.Now().Add(time.Hour)))

	hdr := sealedHeaders(ob.TenantToken)
	delete(hdr, HeaderEncryptionEnabled)
	code, r := s.do(http.MethodPost, "/api/v1/messages", hdr, body)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, string(errs.KindEncryptionRequired), r.Error.Code)

	hdr = sealedHeaders(ob.TenantToken)
	hdr[HeaderEncryptionVersion] = "2"
	_, r = s.do(http.MethodPost, "/api/v1/messages", hdr, body)
	require.Equal(t, string(errs.KindUnsupportedEncryption), r.Error.Code)

	wrong := seal(t, []byte("ffffffffffffffffffffffffffffffff"), fixedBody(s.clock.Now().Add(time.Hour)))
	code, r = s.do(http.MethodPost, "/api/v1/messages", sealedHeaders(ob.TenantToken), wrong)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, string(errs.KindDecryptionFailed), r.Error.Code)

	code, r = s.do(http.MethodPost, "/api/v1/messages", sealedHeaders(ob.TenantToken), []byte(`{"contactName":"plain"}`))
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, string(errs.KindInvalidRequest), r.Error.Code)

	hdr = sealedHeaders(ob.TenantToken)
	hdr[HeaderUserID] = "nobody"
	_, r = s.do(http.MethodPost, "/api/v1/messages", hdr, body)
	require.Equal(t, string(errs.KindInvalidUserID), r.Error.Code)
}

func TestTokenScopes(t *testing.T) {
	s := newServer(t)
	ob := s.onboard()

	code, r := s.do(http.MethodGet, "/api/v1/messages", map[string]string{"Authorization": "Bearer " + ob.CronToken, HeaderUserID: userID}, nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, string(errs.KindInvalidTenantAuth), r.Error.Code)

	code, _ = s.do(http.MethodPost, "/api/v1/cron/dispatch", map[string]string{"Authorization": "Bearer " + ob.TenantToken}, nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(http.MethodGet, "/api/v1/messages", map[string]string{"Authorization": "Bearer garbage", HeaderUserID: userID}, nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestLifecycle_ScheduleDispatchAndManage(t *testing.T) {
	s := newServer(t)
	ob := s.onboard()
	key := s.userKey(ob.TenantToken)
	auth := map[string]string{"Authorization": "Bearer " + ob.TenantToken, HeaderUserID: userID}

	_, r := s.do(http.MethodPost, "/api/v1/messages", sealedHeaders(ob.TenantToken), seal(t, key, fixedBody(s.clock.Now().Add(time.Minute))))
	var first service.ScheduleResult
	require.NoError(t, json.Unmarshal(r.Data, &first))

	later := fixedBody(s.clock.Now().Add(time.Hour))
	later["recurrenceType"] = "daily"
	_, r = s.do(http.MethodPost, "/api/v1/messages", sealedHeaders(ob.TenantToken), seal(t, key, later))
	var second service.ScheduleResult
	require.NoError(t, json.Unmarshal(r.Data, &second))

	code, r := s.do(http.MethodGet, "/api/v1/messages?limit=10", auth, nil)
	require.Equal(t, http.StatusOK, code)
	var page service.ListResult
	require.NoError(t, json.Unmarshal(r.Data, &page))
	require.Equal(t, 2, page.Total)

	code, r = s.do(http.MethodGet, "/api/v1/messages?limit=ten", auth, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, string(errs.KindInvalidParameters), r.Error.Code)

	newText := map[string]any{"userMessage": "Updated text."}
	code, _ = s.do(http.MethodPut, "/api/v1/messages/"+second.UUID, sealedHeaders(ob.TenantToken), seal(t, key, newText))
	require.Equal(t, http.StatusOK, code)

	s.clock.Advance(2 * time.Minute)
	code, r = s.do(http.MethodGet, "/api/v1/cron/dispatch?token="+ob.CronToken, nil, nil)
	require.Equal(t, http.StatusOK, code)
	var rep dispatcher.Report
	require.NoError(t, json.Unmarshal(r.Data, &rep))
	require.Equal(t, 1, rep.Total)
	require.Equal(t, 1, rep.Succeeded)
	require.Equal(t, 1, rep.Deleted)
	require.Len(t, s.sender.msgs, 2)

	code, r = s.do(http.MethodGet, "/api/v1/messages/"+first.UUID, auth, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, string(errs.KindTaskNotFound), r.Error.Code)

	code, _ = s.do(http.MethodDelete, "/api/v1/messages/"+second.UUID, auth, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodDelete, "/api/v1/messages/"+second.UUID, auth, nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)
	code, _ := s.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, code)
}
