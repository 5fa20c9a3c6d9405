package httpapi

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/and161185/notikeeper/internal/errs"
	"github.com/and161185/notikeeper/internal/metrics"
	"github.com/and161185/notikeeper/internal/tenant"
)

// Encryption headers of sensitive request bodies.
const (
	HeaderEncryptionEnabled = "X-Encryption-Enabled"
	HeaderEncryptionVersion = "X-Encryption-Version"
	HeaderUserID            = "X-User-Id"
	HeaderOnboardSecret     = "X-Onboard-Secret"

	EncryptionVersion = "1"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// Logging records method, route, status and duration of every request.
func Logging(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)

			// metadata only, bodies are sensitive
			log.Info("http",
				zap.String("method", r.Method),
				zap.String("route", routeOf(r)),
				zap.Int("status", sr.status),
				zap.Duration("dur", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}

// Recover turns a handler panic into INTERNAL_ERROR.
func Recover(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("panic",
						zap.Any("reason", rec),
						zap.ByteString("stack", debug.Stack()),
						zap.String("route", routeOf(r)),
					)
					writeJSON(w, http.StatusInternalServerError, errorBody(errs.KindInternal, "internal error", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Metrics counts requests per route pattern.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)

		route := routeOf(r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sr.status)).Inc()
		metrics.HTTPRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RequireEncryption rejects bodies that are not declared as version 1 envelopes.
func RequireEncryption(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderEncryptionEnabled) != "true" {
			writeErr(w, r, nil, errs.New(errs.KindEncryptionRequired, "request body must be encrypted"))
			return
		}
		if v := r.Header.Get(HeaderEncryptionVersion); v != EncryptionVersion {
			writeErr(w, r, nil, errs.New(errs.KindUnsupportedEncryption, "unsupported encryption version "+strconv.Quote(v)))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticate resolves the bearer token to a tenant. allowCron switches the
// accepted token type to cron and enables the query parameter.
func Authenticate(m *tenant.Manager, log *zap.Logger, allowCron bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, err := m.Resolve(r.Context(), r.Header, r.URL, allowCron)
			if err != nil {
				writeErr(w, r, log, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tc)))
		})
	}
}
