package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/and161185/notikeeper/internal/crypto"
	"github.com/and161185/notikeeper/internal/dispatcher"
	"github.com/and161185/notikeeper/internal/errs"
	"github.com/and161185/notikeeper/internal/model"
	"github.com/and161185/notikeeper/internal/service"
	"github.com/and161185/notikeeper/internal/tenant"
)

type onboardRequest struct {
	TenantID         string       `json:"tenantId,omitempty"`
	Driver           model.Driver `json:"driver"`
	ConnectionString string       `json:"connectionString"`
}

func (a *api) onboard(w http.ResponseWriter, r *http.Request) {
	if a.onboardSecret != "" {
		got := r.Header.Get(HeaderOnboardSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.onboardSecret)) != 1 {
			writeErr(w, r, a.log, errs.New(errs.KindInvalidTenantAuth, "invalid or expired credentials"))
			return
		}
	}
	var req onboardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, a.log, err)
		return
	}
	ob, err := a.tenants.Onboard(r.Context(), req.TenantID, req.Driver, req.ConnectionString)
	if err != nil {
		writeErr(w, r, a.log, err)
		return
	}
	writeData(w, http.StatusCreated, ob)
}

// caller returns the tenant and the validated X-User-Id of the request.
func (a *api) caller(w http.ResponseWriter, r *http.Request) (*tenant.Context, string, bool) {
	tc, ok := TenantFromCtx(r.Context())
	if !ok {
		writeErr(w, r, a.log, errs.ErrUnauthorized)
		return nil, "", false
	}
	userID := r.Header.Get(HeaderUserID)
	if err := service.ValidateUserID(userID); err != nil {
		writeErr(w, r, a.log, err)
		return nil, "", false
	}
	return tc, userID, true
}

func (a *api) schedule(w http.ResponseWriter, r *http.Request) {
	tc, userID, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req service.ScheduleRequest
	if err := decodeSealed(r, crypto.DeriveUserKey(userID, tc.MasterKey), &req); err != nil {
		writeErr(w, r, a.log, err)
		return
	}
	res, err := a.msgs.Schedule(r.Context(), tc, userID, &req)
	if err != nil {
		writeErr(w, r, a.log, err)
		return
	}
	status := http.StatusCreated
	if res.Delivery != nil {
		status = http.StatusOK
	}
	writeData(w, status, res)
}

func (a *api) update(w http.ResponseWriter, r *http.Request) {
	tc, userID, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req service.UpdateRequest
	if err := decodeSealed(r, crypto.DeriveUserKey(userID, tc.MasterKey), &req); err != nil {
		writeErr(w, r, a.log, err)
		return
	}
	st, err := a.msgs.Update(r.Context(), tc, userID, chi.URLParam(r, "uuid"), &req)
	if err != nil {
		writeErr(w, r, a.log, err)
		return
	}
	writeData(w, http.StatusOK, st)
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	tc, userID, ok := a.caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "uuid")
	if err := a.msgs.Cancel(r.Context(), tc, userID, id); err != nil {
		writeErr(w, r, a.log, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"uuid": id})
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	tc, userID, ok := a.caller(w, r)
	if !ok {
		return
	}
	st, err := a.msgs.Status(r.Context(), tc, userID, chi.URLParam(r, "uuid"))
	if err != nil {
		writeErr(w, r, a.log, err)
		return
	}
	writeData(w, http.StatusOK, st)
}

func (a *api) list(w http.ResponseWriter, r *http.Request) {
	tc, userID, ok := a.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := model.TaskFilter{Status: model.Status(q.Get("status"))}
	var bad []service.FieldError
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &f.Limit}, {"offset", &f.Offset}} {
		if v := q.Get(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				bad = append(bad, service.FieldError{Field: p.name, Rule: "numeric"})
				continue
			}
			*p.dst = n
		}
	}
	if len(bad) > 0 {
		writeErr(w, r, a.log, errs.New(errs.KindInvalidParameters, "invalid parameters").WithDetails(bad))
		return
	}
	res, err := a.msgs.List(r.Context(), tc, userID, f)
	if err != nil {
		writeErr(w, r, a.log, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (a *api) userKey(w http.ResponseWriter, r *http.Request) {
	tc, userID, ok := a.caller(w, r)
	if !ok {
		return
	}
	key, err := a.msgs.UserKey(tc, userID)
	if err != nil {
		writeErr(w, r, a.log, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"userId": userID, "userKey": key})
}

func (a *api) dispatch(w http.ResponseWriter, r *http.Request) {
	tc, ok := TenantFromCtx(r.Context())
	if !ok {
		writeErr(w, r, a.log, errs.ErrUnauthorized)
		return
	}
	// the run outlives the caller's connection, bounded by RunTimeout
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), dispatcher.RunTimeout)
	defer cancel()
	rep, err := a.disp.RunDueTasks(ctx, tc.Store, tc.MasterKey)
	if err != nil {
		writeErr(w, r, a.log, err)
		return
	}
	a.log.Info("cron dispatch",
		zap.String("tenant", tc.TenantID),
		zap.Int("total", rep.Total),
		zap.Int("failed", rep.Failed),
	)
	writeData(w, http.StatusOK, rep)
}
