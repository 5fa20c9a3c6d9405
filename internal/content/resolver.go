package content

import (
	"context"
	"regexp"
	"strings"

	"github.com/and161185/notikeeper/internal/errs"
	"github.com/and161185/notikeeper/internal/model"
)

// Resolver turns a decrypted payload into final text.
type Resolver struct {
	ai Completer
}

// NewResolver constructs a Resolver using ai for prompted, auto and AI-backed instant messages.
func NewResolver(ai Completer) *Resolver { return &Resolver{ai: ai} }

// Resolve returns the text to deliver for p.
func (r *Resolver) Resolve(ctx context.Context, p *model.Payload) (string, error) {
	switch p.MessageType {
	case model.MessageFixed:
		if p.UserMessage == "" {
			return "", errs.New(errs.KindContentGeneration, "fixed message has no userMessage")
		}
		return p.UserMessage, nil
	case model.MessagePrompted, model.MessageAuto:
		if !p.HasAI() {
			return "", errs.New(errs.KindContentGeneration, "AI configuration incomplete")
		}
		return r.complete(ctx, p)
	case model.MessageInstant:
		if p.HasAI() {
			return r.complete(ctx, p)
		}
		if p.UserMessage != "" {
			return p.UserMessage, nil
		}
		return "", errs.New(errs.KindContentGeneration, "instant message has neither userMessage nor AI configuration")
	}
	return "", errs.New(errs.KindContentGeneration, "unknown messageType "+string(p.MessageType))
}

func (r *Resolver) complete(ctx context.Context, p *model.Payload) (string, error) {
	return r.ai.Complete(ctx, Completion{
		APIURL:    p.APIURL,
		APIKey:    p.APIKey,
		Model:     p.PrimaryModel,
		Prompt:    p.CompletePrompt,
		MaxTokens: p.MaxTokens,
	})
}

var sentenceRe = regexp.MustCompile(`[^.!?。！？．]*[.!?。！？．]+|[^.!?。！？．]+$`)

// Split breaks text after each run of sentence terminators, keeping the
// terminators with their sentence. Text without terminators is one unit.
func Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	for _, m := range sentenceRe.FindAllString(text, -1) {
		if s := strings.TrimSpace(m); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}
