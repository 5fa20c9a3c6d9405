package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/and161185/notikeeper/internal/model"
	"github.com/and161185/notikeeper/internal/service"
)

// ------- builders -------

// parseWhen accepts RFC3339 or a "+duration" offset from now.
func parseWhen(s string, now time.Time) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty time")
	}
	if strings.HasPrefix(s, "+") {
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return "", fmt.Errorf("bad offset %q: %w", s, err)
		}
		return now.Add(d).UTC().Format(time.RFC3339), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return "", fmt.Errorf("want RFC3339 or +duration, got %q", s)
	}
	return t.UTC().Format(time.RFC3339), nil
}

// loadSubscription reads a browser PushSubscription JSON document.
func loadSubscription(path string) (*service.PushSubscription, error) {
	raw, err := readAll(path)
	if err != nil {
		return nil, err
	}
	var sub service.PushSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("subscription: %w", err)
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return nil, errors.New("subscription needs endpoint, keys.p256dh and keys.auth")
	}
	return &sub, nil
}

type scheduleFlags struct {
	typ, contact, at, sub, message, recurrence, subtype, avatar string
	prompt, apiURL, apiKey, model, meta                        string
	maxTokens                                                  int
}

func (f *scheduleFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.typ, "type", string(model.MessageFixed), "message type")
	fs.StringVar(&f.contact, "contact", "", "contact name")
	fs.StringVar(&f.at, "at", "+1m", "first send time (RFC3339 or +duration)")
	fs.StringVar(&f.sub, "sub", "", "push subscription JSON file ('-'=stdin)")
	fs.StringVar(&f.message, "message", "", "message text")
	fs.StringVar(&f.recurrence, "recurrence", "", "none|daily|weekly")
	fs.StringVar(&f.subtype, "subtype", "", "chat|forum|moment")
	fs.StringVar(&f.avatar, "avatar", "", "avatar url")
	fs.StringVar(&f.prompt, "prompt", "", "completion prompt")
	fs.StringVar(&f.apiURL, "api-url", "", "chat completion endpoint")
	fs.StringVar(&f.apiKey, "api-key", "", "completion api key")
	fs.StringVar(&f.model, "model", "", "completion model")
	fs.StringVar(&f.meta, "meta", "", "metadata JSON")
	fs.IntVar(&f.maxTokens, "max-tokens", 0, "completion token limit")
}

func (f *scheduleFlags) build(now time.Time) (*service.ScheduleRequest, error) {
	if f.contact == "" || f.sub == "" {
		return nil, errors.New("need -contact and -sub")
	}
	at, err := parseWhen(f.at, now)
	if err != nil {
		return nil, err
	}
	sub, err := loadSubscription(f.sub)
	if err != nil {
		return nil, err
	}
	req := &service.ScheduleRequest{
		ContactName:      f.contact,
		AvatarURL:        f.avatar,
		MessageType:      model.MessageType(f.typ),
		MessageSubtype:   model.MessageSubtype(f.subtype),
		UserMessage:      f.message,
		FirstSendTime:    at,
		RecurrenceType:   model.Recurrence(f.recurrence),
		CompletePrompt:   f.prompt,
		APIURL:           f.apiURL,
		APIKey:           f.apiKey,
		PrimaryModel:     f.model,
		PushSubscription: sub,
	}
	if f.maxTokens > 0 {
		n := f.maxTokens
		req.MaxTokens = &n
	}
	if f.meta != "" {
		if !json.Valid([]byte(f.meta)) {
			return nil, errors.New("-meta must be JSON")
		}
		req.Metadata = json.RawMessage(f.meta)
	}
	return req, nil
}

// buildUpdate keeps only the flags that were set on the command line.
func buildUpdate(fs *flag.FlagSet, now time.Time) (*service.UpdateRequest, error) {
	var req service.UpdateRequest
	var err error
	fs.Visit(func(fl *flag.Flag) {
		v := fl.Value.String()
		switch fl.Name {
		case "message":
			req.UserMessage = &v
		case "contact":
			req.ContactName = &v
		case "recurrence":
			r := model.Recurrence(v)
			req.RecurrenceType = &r
		case "at":
			at, perr := parseWhen(v, now)
			if perr != nil {
				err = perr
				return
			}
			req.FirstSendTime = &at
		}
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// ------- commands -------

// cmdSchedule creates a task, or delivers it right away for instant messages.
func cmdSchedule(ctx context.Context, args []string, c *apiClient, userID string) {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	var f scheduleFlags
	f.register(fs)
	_ = fs.Parse(args)

	req, err := f.build(time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	body, err := c.seal(ctx, userID, req)
	if err != nil {
		fail(err)
	}
	out, err := c.do(ctx, http.MethodPost, "/api/v1/messages", userID, body)
	if err != nil {
		fail(err)
	}
	fmt.Println(pretty(out))
}

// cmdUpdate changes a pending task.
func cmdUpdate(ctx context.Context, args []string, c *apiClient, userID string) {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	id := fs.String("id", "", "task uuid")
	fs.String("message", "", "message text")
	fs.String("contact", "", "contact name")
	fs.String("recurrence", "", "none|daily|weekly")
	fs.String("at", "", "next send time (RFC3339 or +duration)")
	_ = fs.Parse(args)
	if *id == "" {
		fmt.Fprintln(os.Stderr, "need -id")
		os.Exit(1)
	}

	req, err := buildUpdate(fs, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	body, err := c.seal(ctx, userID, req)
	if err != nil {
		fail(err)
	}
	out, err := c.do(ctx, http.MethodPut, "/api/v1/messages/"+*id, userID, body)
	if err != nil {
		fail(err)
	}
	fmt.Println(pretty(out))
}
