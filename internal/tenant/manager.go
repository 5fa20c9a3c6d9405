// Package tenant onboards tenants and resolves bearer tokens to a tenant's storage and master key.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/notikeeper/internal/crypto"
	"github.com/and161185/notikeeper/internal/errs"
	"github.com/and161185/notikeeper/internal/metrics"
	"github.com/and161185/notikeeper/internal/model"
	"github.com/and161185/notikeeper/internal/repository"
	"github.com/and161185/notikeeper/internal/token"
)

// CronPath is the dispatch trigger route advertised in cron webhook URLs.
const CronPath = "/api/v1/cron/dispatch"

// TokenQueryParam carries a cron token when the caller cannot set headers.
const TokenQueryParam = "token"

// Context is a resolved, authenticated tenant.
type Context struct {
	TenantID  string
	TokenType token.Type
	Store     repository.TaskRepository
	MasterKey []byte
}

// Options configures a Manager.
type Options struct {
	Blobs     repository.BlobStore
	Handles   *HandleCache
	Tokens    *token.Issuer
	KEK       []byte
	TokenTTL  time.Duration
	PublicURL string
	Logger    *zap.Logger
}

// Manager implements onboarding and request resolution.
type Manager struct {
	blobs     repository.BlobStore
	handles   *HandleCache
	tokens    *token.Issuer
	kek       []byte
	ttl       time.Duration
	publicURL string
	log       *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	configs map[string]*model.Tenant
}

// NewManager constructs a Manager.
func NewManager(o Options) *Manager {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ttl := o.TokenTTL
	if ttl <= 0 {
		ttl = token.DefaultTTL
	}
	return &Manager{
		blobs:     o.Blobs,
		handles:   o.Handles,
		tokens:    o.Tokens,
		kek:       o.KEK,
		ttl:       ttl,
		publicURL: strings.TrimRight(o.PublicURL, "/"),
		log:       log,
		now:       time.Now,
		configs:   make(map[string]*model.Tenant),
	}
}

func blobKey(tenantID string) string { return "tenant/" + tenantID }

// Onboard creates a tenant: validates the database descriptor, initializes the
// schema, generates and stores the master key, and issues both tokens.
func (m *Manager) Onboard(ctx context.Context, tenantID string, driver model.Driver, connString string) (*model.Onboarding, error) {
	if tenantID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		tenantID = id.String()
	} else {
		id, err := uuid.FromString(tenantID)
		if err != nil || id.Version() != uuid.V4 {
			return nil, errs.New(errs.KindInvalidTenantID, "tenantId must be a v4 UUID")
		}
		tenantID = id.String()
	}

	key := blobKey(tenantID)
	switch _, err := m.blobs.Get(ctx, key); {
	case err == nil:
		return nil, errs.New(errs.KindTenantAlreadyInitialized, "tenant already initialized")
	case !errors.Is(err, errs.ErrNotFound):
		return nil, errs.Wrap(errs.KindInternal, "blob store", err)
	}

	if !driver.Valid() {
		return nil, errs.New(errs.KindInvalidDriver, "driver must be one of neon, pg")
	}
	if strings.TrimSpace(connString) == "" {
		return nil, errs.New(errs.KindInvalidDatabaseURL, "connectionString is required")
	}

	desc := model.DatabaseDescriptor{Driver: driver, ConnectionString: connString}
	store, err := m.handles.Get(ctx, desc)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "cannot initialize tenant schema", err)
	}

	masterKey, err := crypto.NewMasterKey()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	t := &model.Tenant{
		TenantID:  tenantID,
		Database:  desc,
		MasterKey: masterKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store(ctx, t); err != nil {
		return nil, err
	}

	tenantTok, err := m.tokens.Issue(tenantID, token.TypeTenant, m.ttl)
	if err != nil {
		return nil, err
	}
	cronTok, err := m.tokens.Issue(tenantID, token.TypeCron, m.ttl)
	if err != nil {
		return nil, err
	}

	metrics.TenantsOnboarded.WithLabelValues(string(driver)).Inc()
	m.log.Info("tenant onboarded", zap.String("tenant", tenantID), zap.String("driver", string(driver)))

	return &model.Onboarding{
		TenantID:             tenantID,
		TenantToken:          tenantTok,
		CronToken:            cronTok,
		MasterKeyFingerprint: crypto.Fingerprint(masterKey),
		CronWebhookURL:       m.publicURL + CronPath + "?" + TokenQueryParam + "=" + url.QueryEscape(cronTok),
	}, nil
}

func (m *Manager) store(ctx context.Context, t *model.Tenant) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	k, err := crypto.DeriveBlobKey(m.kek, blobKey(t.TenantID))
	if err != nil {
		return err
	}
	sealed, err := crypto.EncryptV1(raw, k)
	if err != nil {
		return err
	}
	switch err := m.blobs.Create(ctx, blobKey(t.TenantID), sealed); {
	case errors.Is(err, errs.ErrAlreadyExists):
		return errs.New(errs.KindTenantAlreadyInitialized, "tenant already initialized")
	case err != nil:
		return errs.Wrap(errs.KindInternal, "blob store", err)
	}
	m.mu.Lock()
	m.configs[t.TenantID] = t
	m.mu.Unlock()
	return nil
}

// load returns the decrypted tenant config. Any failure is ErrUnauthorized.
func (m *Manager) load(ctx context.Context, tenantID string) (*model.Tenant, error) {
	m.mu.RLock()
	t, ok := m.configs[tenantID]
	m.mu.RUnlock()
	if ok {
		return t, nil
	}

	sealed, err := m.blobs.Get(ctx, blobKey(tenantID))
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			m.log.Warn("tenant blob read", zap.String("tenant", tenantID), zap.Error(err))
		}
		return nil, errs.ErrUnauthorized
	}
	k, err := crypto.DeriveBlobKey(m.kek, blobKey(tenantID))
	if err != nil {
		return nil, errs.ErrUnauthorized
	}
	raw, err := crypto.DecryptV1(sealed, k)
	if err != nil {
		m.log.Warn("tenant blob undecryptable", zap.String("tenant", tenantID))
		return nil, errs.ErrUnauthorized
	}
	var cfg model.Tenant
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.TenantID != tenantID || len(cfg.MasterKey) != crypto.KeyLen {
		return nil, errs.ErrUnauthorized
	}

	m.mu.Lock()
	m.configs[tenantID] = &cfg
	m.mu.Unlock()
	return &cfg, nil
}

// bearerToken extracts a bearer token from the Authorization header.
func bearerToken(h http.Header) string {
	v := h.Get("Authorization")
	const p = "bearer "
	if len(v) > len(p) && strings.EqualFold(v[:len(p)], p) {
		return strings.TrimSpace(v[len(p):])
	}
	return ""
}

// Resolve authenticates a request. Tenant tokens are required unless
// allowCron is set, in which case only cron tokens are accepted and the token
// may also come from the query string; the header takes precedence.
func (m *Manager) Resolve(ctx context.Context, h http.Header, u *url.URL, allowCron bool) (*Context, error) {
	raw := bearerToken(h)
	if raw == "" && allowCron && u != nil {
		raw = u.Query().Get(TokenQueryParam)
	}
	if raw == "" {
		return nil, errs.ErrUnauthorized
	}

	want := token.TypeTenant
	if allowCron {
		want = token.TypeCron
	}
	claims, err := m.tokens.Verify(raw, want)
	if err != nil {
		return nil, errs.ErrUnauthorized
	}

	cfg, err := m.load(ctx, claims.TenantID)
	if err != nil {
		return nil, err
	}
	store, err := m.handles.Get(ctx, cfg.Database)
	if err != nil {
		m.log.Error("tenant storage unavailable", zap.String("tenant", cfg.TenantID), zap.Error(err))
		return nil, errs.Wrap(errs.KindConfig, "tenant storage unavailable", err)
	}
	return &Context{
		TenantID:  cfg.TenantID,
		TokenType: claims.Type,
		Store:     store,
		MasterKey: cfg.MasterKey,
	}, nil
}
