// Package httpapi exposes the scheduling engine over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/notikeeper/internal/dispatcher"
	"github.com/and161185/notikeeper/internal/service"
	"github.com/and161185/notikeeper/internal/tenant"
)

// Options configures the router.
type Options struct {
	Tenants       *tenant.Manager
	Messages      service.MessageService
	Dispatcher    *dispatcher.Dispatcher
	Logger        *zap.Logger
	RateLimit     int // requests per minute per IP; zero disables
	OnboardSecret string
	CORSOrigins   []string
	Gatherer      prometheus.Gatherer // nil serves the default registry
}

type api struct {
	tenants       *tenant.Manager
	msgs          service.MessageService
	disp          *dispatcher.Dispatcher
	log           *zap.Logger
	onboardSecret string
}

// NewRouter builds the HTTP handler.
func NewRouter(o Options) http.Handler {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	a := &api{tenants: o.Tenants, msgs: o.Messages, disp: o.Dispatcher, log: log, onboardSecret: o.OnboardSecret}

	origins := o.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	gatherer := o.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Recover(log))
	r.Use(Logging(log))
	r.Use(Metrics)
	if o.RateLimit > 0 {
		r.Use(httprate.LimitByIP(o.RateLimit, time.Minute))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id",
			HeaderEncryptionEnabled, HeaderEncryptionVersion, HeaderUserID, HeaderOnboardSecret},
		MaxAge: 300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tenants", a.onboard)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(a.tenants, log, false))
			r.Get("/keys/user", a.userKey)
			r.Get("/messages", a.list)
			r.Get("/messages/{uuid}", a.status)
			r.Delete("/messages/{uuid}", a.cancel)
			r.With(RequireEncryption).Post("/messages", a.schedule)
			r.With(RequireEncryption).Put("/messages/{uuid}", a.update)
		})

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(a.tenants, log, true))
			r.Post("/cron/dispatch", a.dispatch)
			r.Get("/cron/dispatch", a.dispatch)
		})
	})
	return r
}
