// Package content renders the text of a task and splits it into delivery units.
package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/and161185/notikeeper/internal/errs"
)

// CompletionTimeout bounds one completion call.
const CompletionTimeout = 300 * time.Second

// Completion describes one call to an OpenAI-compatible chat completion endpoint.
type Completion struct {
	APIURL    string
	APIKey    string
	Model     string
	Prompt    string
	MaxTokens int
}

// Completer produces text for a prompt.
type Completer interface {
	Complete(ctx context.Context, c Completion) (string, error)
}

// HTTPCompleter calls completion endpoints over HTTP.
type HTTPCompleter struct {
	client *http.Client
}

// NewHTTPClient returns a client tuned for long completion calls.
func NewHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: tr, Timeout: CompletionTimeout}
}

// NewHTTPCompleter wraps client; nil selects NewHTTPClient.
func NewHTTPCompleter(client *http.Client) *HTTPCompleter {
	if client == nil {
		client = NewHTTPClient()
	}
	return &HTTPCompleter{client: client}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message *chatMessage `json:"message"`
		Text    *string      `json:"text"`
	} `json:"choices"`
}

func genErr(msg string, cause error) error {
	return errs.Wrap(errs.KindContentGeneration, msg, cause)
}

// Complete posts the prompt and returns the first choice's content.
func (c *HTTPCompleter) Complete(ctx context.Context, in Completion) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CompletionTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:     in.Model,
		Messages:  []chatMessage{{Role: "user", Content: in.Prompt}},
		MaxTokens: in.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", genErr("invalid completion endpoint", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+in.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", genErr("completion request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", genErr("read completion response", err)
	}
	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		return "", genErr("completion endpoint returned 405 Method Not Allowed; apiUrl probably lacks the /chat/completions suffix", nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", genErr(fmt.Sprintf("completion endpoint returned %d: %s", resp.StatusCode, snippet(raw)), nil)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", genErr("completion response is not JSON", err)
	}
	if len(out.Choices) == 0 {
		return "", genErr("completion response has no choices", nil)
	}
	ch := out.Choices[0]
	var text string
	switch {
	case ch.Message != nil:
		text = ch.Message.Content
	case ch.Text != nil:
		text = *ch.Text
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", genErr("completion response has no content", nil)
	}
	return text, nil
}

func snippet(b []byte) string {
	const n = 200
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
