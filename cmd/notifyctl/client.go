package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/notikeeper/internal/crypto"
	"github.com/and161185/notikeeper/internal/model"
)

// apiError is a {success:false} reply.
type apiError struct {
	Status  int
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type reply struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

type apiClient struct {
	base  string
	token string
	extra http.Header
	hc    *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), token: token, hc: &http.Client{Timeout: 2 * time.Minute}}
}

// sealed is a request body encrypted under the user key.
type sealed []byte

// do sends body (nil, sealed, or any JSON value) and returns the data member
// of a successful reply.
func (c *apiClient) do(ctx context.Context, method, path, userID string, body any) (json.RawMessage, error) {
	var rd io.Reader
	hdr := http.Header{}
	switch b := body.(type) {
	case nil:
	case sealed:
		rd = bytes.NewReader(b)
		hdr.Set("X-Encryption-Enabled", "true")
		hdr.Set("X-Encryption-Version", "1")
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	for k, v := range c.extra {
		req.Header[k] = v
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	var r reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("unexpected reply (%d): %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if !r.Success {
		if r.Error == nil {
			r.Error = &apiError{Code: "UNKNOWN", Message: http.StatusText(resp.StatusCode)}
		}
		r.Error.Status = resp.StatusCode
		return nil, r.Error
	}
	return r.Data, nil
}

func (c *apiClient) onboard(ctx context.Context, tenantID string, driver model.Driver, dsn, secret string) (*model.Onboarding, error) {
	body := map[string]any{"driver": driver, "connectionString": dsn}
	if tenantID != "" {
		body["tenantId"] = tenantID
	}
	oc := *c
	if secret != "" {
		oc.extra = http.Header{"X-Onboard-Secret": {secret}}
	}
	data, err := oc.do(ctx, http.MethodPost, "/api/v1/tenants", "", body)
	if err != nil {
		return nil, err
	}
	var ob model.Onboarding
	if err := json.Unmarshal(data, &ob); err != nil {
		return nil, err
	}
	return &ob, nil
}

func (c *apiClient) userKey(ctx context.Context, userID string) ([]byte, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v1/keys/user", userID, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		UserKey string `json:"userKey"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return []byte(out.UserKey), nil
}

// seal fetches the user key and encrypts v into a request envelope.
func (c *apiClient) seal(ctx context.Context, userID string, v any) (sealed, error) {
	key, err := c.userKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	return sealWith(key, v)
}

func sealWith(key []byte, v any) (sealed, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	env, err := crypto.Encrypt(raw, key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func listPath(status string, limit, offset int) string {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if len(q) == 0 {
		return "/api/v1/messages"
	}
	return "/api/v1/messages?" + q.Encode()
}

func pretty(b []byte) string {
	var out any
	if json.Unmarshal(b, &out) == nil {
		j, _ := json.MarshalIndent(out, "", "  ")
		return string(j)
	}
	return string(b)
}
