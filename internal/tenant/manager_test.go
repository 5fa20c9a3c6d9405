package tenant

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/and161185/notikeeper/internal/blob"
	"github.com/and161185/notikeeper/internal/errs"
	"github.com/and161185/notikeeper/internal/model"
	"github.com/and161185/notikeeper/internal/repository"
	"github.com/and161185/notikeeper/internal/token"
)

// fakeStore only implements schema init and close; other calls panic.
type fakeStore struct {
	repository.TaskRepository
	dsn     string
	initErr error
	inits   atomic.Int32
	closed  atomic.Bool
}

func (f *fakeStore) InitSchema(context.Context) error {
	f.inits.Add(1)
	return f.initErr
}

func (f *fakeStore) Close() error {
	f.closed.Store(true)
	return nil
}

type harness struct {
	m      *Manager
	blobs  *blob.Memory
	opens  *atomic.Int32
	stores map[string]*fakeStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{blobs: blob.NewMemory(), opens: new(atomic.Int32), stores: map[string]*fakeStore{}}
	open := func(_ context.Context, dsn string) (repository.TaskRepository, error) {
		h.opens.Add(1)
		if strings.HasPrefix(dsn, "bad://") {
			return nil, errors.New("cannot parse")
		}
		s := &fakeStore{dsn: dsn}
		if strings.Contains(dsn, "noschema") {
			s.initErr = errors.New("permission denied")
		}
		h.stores[dsn] = s
		return s, nil
	}
	handles := NewHandleCache(map[model.Driver]Opener{model.DriverPG: open, model.DriverNeon: open})
	h.m = NewManager(Options{
		Blobs:     h.blobs,
		Handles:   handles,
		Tokens:    token.NewIssuer([]byte("token-secret")),
		KEK:       []byte("0123456789abcdef0123456789abcdef"),
		PublicURL: "https://notify.example.com/",
		Logger:    zaptest.NewLogger(t),
	})
	return h
}

func TestOnboard_GeneratesTenant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ob, err := h.m.Onboard(ctx, "", model.DriverPG, "postgres://tenant-a")
	if err != nil {
		t.Fatalf("Onboard: %v", err)
	}
	if ob.TenantID == "" || ob.TenantToken == "" || ob.CronToken == "" || len(ob.MasterKeyFingerprint) != 16 {
		t.Fatalf("incomplete onboarding: %+v", ob)
	}
	if !strings.HasPrefix(ob.CronWebhookURL, "https://notify.example.com/api/v1/cron/dispatch?token=") {
		t.Fatalf("cron url=%q", ob.CronWebhookURL)
	}
	if h.stores["postgres://tenant-a"].inits.Load() != 1 {
		t.Fatalf("schema must be initialized once")
	}

	sealed, err := h.blobs.Get(ctx, "tenant/"+ob.TenantID)
	if err != nil {
		t.Fatalf("blob missing: %v", err)
	}
	if !strings.HasPrefix(sealed, "v1.") || strings.Contains(sealed, "postgres://") {
		t.Fatalf("tenant blob must be an encrypted v1 envelope: %q", sealed)
	}
}

func TestOnboard_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const id = "5b0f1a1e-8c1d-4b7a-9e2f-3c4d5e6f7a8b"

	if _, err := h.m.Onboard(ctx, id, model.DriverNeon, "postgres://n"); err != nil {
		t.Fatalf("first onboard: %v", err)
	}
	_, err := h.m.Onboard(ctx, id, model.DriverNeon, "postgres://n")
	if errs.KindOf(err) != errs.KindTenantAlreadyInitialized {
		t.Fatalf("want TENANT_ALREADY_INITIALIZED, got %v", err)
	}
	if h.stores["postgres://n"].inits.Load() != 1 {
		t.Fatalf("second onboarding must not touch the schema")
	}
}

// racingBlobs lets a concurrent onboarding write the key right after the first lookup.
type racingBlobs struct {
	*blob.Memory
	rival string
	once  atomic.Bool
}

func (r *racingBlobs) Get(ctx context.Context, key string) (string, error) {
	v, err := r.Memory.Get(ctx, key)
	if errors.Is(err, errs.ErrNotFound) && r.once.CompareAndSwap(false, true) {
		_ = r.Memory.Set(ctx, key, r.rival)
	}
	return v, err
}

func TestOnboard_LostRaceKeepsFirstTenant(t *testing.T) {
	blobs := &racingBlobs{Memory: blob.NewMemory(), rival: "v1.rival.config.blob"}
	open := func(_ context.Context, dsn string) (repository.TaskRepository, error) {
		return &fakeStore{dsn: dsn}, nil
	}
	m := NewManager(Options{
		Blobs:     blobs,
		Handles:   NewHandleCache(map[model.Driver]Opener{model.DriverPG: open}),
		Tokens:    token.NewIssuer([]byte("token-secret")),
		KEK:       []byte("0123456789abcdef0123456789abcdef"),
		PublicURL: "https://notify.example.com/",
		Logger:    zaptest.NewLogger(t),
	})
	ctx := context.Background()
	const id = "5b0f1a1e-8c1d-4b7a-9e2f-3c4d5e6f7a8b"

	ob, err := m.Onboard(ctx, id, model.DriverPG, "postgres://late")
	if errs.KindOf(err) != errs.KindTenantAlreadyInitialized {
		t.Fatalf("want TENANT_ALREADY_INITIALIZED, got %v (%+v)", err, ob)
	}
	got, err := blobs.Memory.Get(ctx, "tenant/"+id)
	if err != nil || got != blobs.rival {
		t.Fatalf("winning config overwritten: %q, %v", got, err)
	}
	m.mu.RLock()
	_, cached := m.configs[id]
	m.mu.RUnlock()
	if cached {
		t.Fatalf("losing onboarding must not be cached")
	}
}

func TestOnboard_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		id, dsn string
		driver  model.Driver
		want    errs.Kind
	}{
		{"not-a-uuid", "postgres://x", model.DriverPG, errs.KindInvalidTenantID},
		{"6ba7b810-9dad-11d1-80b4-00c04fd430c8", "postgres://x", model.DriverPG, errs.KindInvalidTenantID}, // v1
		{"", "postgres://x", model.Driver("mysql"), errs.KindInvalidDriver},
		{"", "  ", model.DriverPG, errs.KindInvalidDatabaseURL},
		{"", "bad://x", model.DriverPG, errs.KindInvalidDatabaseURL},
		{"", "postgres://noschema", model.DriverPG, errs.KindConfig},
	}
	for _, c := range cases {
		_, err := h.m.Onboard(ctx, c.id, c.driver, c.dsn)
		if got := errs.KindOf(err); got != c.want {
			t.Fatalf("%+v: got %q (%v), want %q", c, got, err, c.want)
		}
	}
}

func TestResolve_TenantToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ob, err := h.m.Onboard(ctx, "", model.DriverPG, "postgres://tenant-a")
	if err != nil {
		t.Fatalf("Onboard: %v", err)
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+ob.TenantToken)
	tc, err := h.m.Resolve(ctx, hdr, &url.URL{}, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tc.TenantID != ob.TenantID || tc.TokenType != token.TypeTenant || len(tc.MasterKey) != 32 {
		t.Fatalf("unexpected context %+v", tc)
	}
	if tc.Store != h.stores["postgres://tenant-a"] {
		t.Fatalf("store must be the cached handle")
	}

	// dropping the decrypted cache forces a blob read
	h.m.configs = map[string]*model.Tenant{}
	tc2, err := h.m.Resolve(ctx, hdr, nil, false)
	if err != nil {
		t.Fatalf("Resolve after cache reset: %v", err)
	}
	if string(tc2.MasterKey) != string(tc.MasterKey) {
		t.Fatalf("master key changed")
	}
	if h.opens.Load() != 1 {
		t.Fatalf("handle must be reused, opens=%d", h.opens.Load())
	}
}

func TestResolve_ScopesAndQueryToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ob, _ := h.m.Onboard(ctx, "", model.DriverPG, "postgres://tenant-a")

	cronHdr := http.Header{}
	cronHdr.Set("Authorization", "bearer "+ob.CronToken)
	if _, err := h.m.Resolve(ctx, cronHdr, nil, false); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("cron token must not authorize tenant endpoints, got %v", err)
	}
	tc, err := h.m.Resolve(ctx, cronHdr, nil, true)
	if err != nil || tc.TokenType != token.TypeCron {
		t.Fatalf("cron resolve: %v", err)
	}

	u, _ := url.Parse(ob.CronWebhookURL)
	if _, err := h.m.Resolve(ctx, http.Header{}, u, true); err != nil {
		t.Fatalf("query token must be accepted for cron: %v", err)
	}
	if _, err := h.m.Resolve(ctx, http.Header{}, u, false); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("query token must be ignored for tenant endpoints")
	}

	tenantHdr := http.Header{}
	tenantHdr.Set("Authorization", "Bearer "+ob.TenantToken)
	if _, err := h.m.Resolve(ctx, tenantHdr, u, true); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("header takes precedence: tenant token in header must fail cron resolve")
	}
}

func TestResolve_UnknownOrCorruptTenantIsOpaque(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tok, _ := token.NewIssuer([]byte("token-secret")).Issue("c2b6f6a4-1d2e-4f3a-8b9c-0d1e2f3a4b5c", token.TypeTenant, time.Hour)
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+tok)
	if _, err := h.m.Resolve(ctx, hdr, nil, false); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("unknown tenant: want unauthorized, got %v", err)
	}

	ob, _ := h.m.Onboard(ctx, "", model.DriverPG, "postgres://tenant-a")
	_ = h.blobs.Set(ctx, "tenant/"+ob.TenantID, "v1.AAAA.BBBB.CCCC")
	h.m.configs = map[string]*model.Tenant{}
	hdr.Set("Authorization", "Bearer "+ob.TenantToken)
	if _, err := h.m.Resolve(ctx, hdr, nil, false); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("corrupt blob: want unauthorized, got %v", err)
	}

	if _, err := h.m.Resolve(ctx, http.Header{}, nil, false); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("missing token: want unauthorized")
	}
}

func TestHandleCache_ReuseAndClose(t *testing.T) {
	var opens atomic.Int32
	s := &fakeStore{}
	c := NewHandleCache(map[model.Driver]Opener{
		model.DriverPG: func(context.Context, string) (repository.TaskRepository, error) {
			opens.Add(1)
			return s, nil
		},
	})
	ctx := context.Background()
	d := model.DatabaseDescriptor{Driver: model.DriverPG, ConnectionString: "postgres://a"}
	for i := 0; i < 3; i++ {
		if _, err := c.Get(ctx, d); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if opens.Load() != 1 || c.Len() != 1 {
		t.Fatalf("opens=%d len=%d", opens.Load(), c.Len())
	}
	if _, err := c.Get(ctx, model.DatabaseDescriptor{Driver: model.DriverNeon, ConnectionString: "x"}); errs.KindOf(err) != errs.KindInvalidDriver {
		t.Fatalf("driver without opener must fail, got %v", err)
	}
	if err := c.Close(); err != nil || !s.closed.Load() || c.Len() != 0 {
		t.Fatalf("Close: err=%v closed=%v", err, s.closed.Load())
	}
}
