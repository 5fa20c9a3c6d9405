package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/and161185/notikeeper/internal/crypto"
	"github.com/and161185/notikeeper/internal/errs"
)

const maxBodyBytes = 1 << 20

type errorPayload struct {
	Code    errs.Kind `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

type envelope struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   *errorPayload `json:"error,omitempty"`
}

func errorBody(kind errs.Kind, msg string, details any) envelope {
	return envelope{Error: &errorPayload{Code: kind, Message: msg, Details: details}}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeErr renders err as the structured error body. Internal errors are
// logged with their cause and rendered generically.
func writeErr(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	kind, msg, details := errs.Public(err)
	if kind == errs.KindInternal && log != nil {
		log.Error("request failed",
			zap.String("route", routeOf(r)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, kind.HTTPStatus(), errorBody(kind, msg, details))
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errs.Wrap(errs.KindInvalidRequest, "request body is not valid JSON", err)
	}
	return nil
}

// decodeSealed opens the JSON envelope of the body with key and decodes the
// plaintext into dst.
func decodeSealed(r *http.Request, key []byte, dst any) error {
	var env crypto.Envelope
	if err := decodeJSON(r, &env); err != nil {
		return err
	}
	if env.IV == "" || env.AuthTag == "" || env.EncryptedData == "" {
		return errs.New(errs.KindInvalidRequest, "body must be an {iv, authTag, encryptedData} envelope")
	}
	raw, err := crypto.Decrypt(env, key)
	if err != nil {
		if errors.Is(err, crypto.ErrMalformedEnvelope) {
			return errs.Wrap(errs.KindInvalidRequest, "envelope fields must be base64", err)
		}
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.Wrap(errs.KindInvalidRequest, "decrypted body is not valid JSON", err)
	}
	return nil
}
