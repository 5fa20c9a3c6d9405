// Package config loads server settings from flags with environment defaults.
package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MinKEKLen is the minimum key-encryption-key length in bytes.
const MinKEKLen = 32

// Config holds the server settings.
type Config struct {
	Addr          string
	RedisURL      string // empty selects the in-memory blob store
	KEK           []byte
	TokenSecret   []byte
	TokenTTL      time.Duration
	PublicURL     string
	VAPIDPublic   string
	VAPIDPrivate  string
	VAPIDSubject  string
	OnboardSecret string
	RateLimit     int
	CORSOrigins   []string
	Dev           bool
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

// Load parses args (without the program name).
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("notikeeper", flag.ContinueOnError)

	addr := fs.String("addr", envOr("NOTIFY_ADDR", ":8080"), "listen address")
	redisURL := fs.String("redis-url", envOr("NOTIFY_REDIS_URL", ""), "redis URL of the tenant blob store (empty: in-memory)")
	kek := fs.String("kek", envOr("NOTIFY_KEK", ""), "key-encryption key, 64 hex chars or at least 32 bytes (required)")
	tokenSecret := fs.String("token-secret", envOr("NOTIFY_TOKEN_SECRET", ""), "HMAC signing secret for tenant tokens (required)")
	tokenTTL := fs.Duration("token-ttl", envDuration("NOTIFY_TOKEN_TTL", 720*time.Hour), "tenant token TTL")
	publicURL := fs.String("public-url", envOr("NOTIFY_PUBLIC_URL", "http://localhost:8080"), "externally visible base URL")
	vapidPub := fs.String("vapid-public-key", envOr("NOTIFY_VAPID_PUBLIC_KEY", ""), "VAPID public key")
	vapidPriv := fs.String("vapid-private-key", envOr("NOTIFY_VAPID_PRIVATE_KEY", ""), "VAPID private key")
	vapidSub := fs.String("vapid-subject", envOr("NOTIFY_VAPID_SUBJECT", ""), "VAPID subject (mailto: or https: URL)")
	onboardSecret := fs.String("onboard-secret", envOr("NOTIFY_ONBOARD_SECRET", ""), "shared secret required to onboard tenants")
	rateLimit := fs.Int("rate-limit", envInt("NOTIFY_RATE_LIMIT", 120), "requests per minute per IP, 0 disables")
	cors := fs.String("cors-origins", envOr("NOTIFY_CORS_ORIGINS", ""), "comma-separated allowed origins")
	dev := fs.Bool("dev", envBool("NOTIFY_DEV"), "development logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	key, err := parseKEK(*kek)
	if err != nil {
		return nil, err
	}
	if *tokenSecret == "" {
		return nil, errors.New("config: token secret is required (-token-secret or NOTIFY_TOKEN_SECRET)")
	}
	if *tokenTTL <= 0 {
		return nil, fmt.Errorf("config: token TTL must be positive, got %s", *tokenTTL)
	}
	if *rateLimit < 0 {
		return nil, fmt.Errorf("config: rate limit must not be negative, got %d", *rateLimit)
	}

	var origins []string
	for _, o := range strings.Split(*cors, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return &Config{
		Addr:          *addr,
		RedisURL:      *redisURL,
		KEK:           key,
		TokenSecret:   []byte(*tokenSecret),
		TokenTTL:      *tokenTTL,
		PublicURL:     strings.TrimRight(*publicURL, "/"),
		VAPIDPublic:   *vapidPub,
		VAPIDPrivate:  *vapidPriv,
		VAPIDSubject:  *vapidSub,
		OnboardSecret: *onboardSecret,
		RateLimit:     *rateLimit,
		CORSOrigins:   origins,
		Dev:           *dev,
	}, nil
}

// parseKEK accepts 64 hex chars or any raw value of at least MinKEKLen bytes.
func parseKEK(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("config: KEK is required (-kek or NOTIFY_KEK)")
	}
	if len(s) == 2*MinKEKLen {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	if len(s) < MinKEKLen {
		return nil, fmt.Errorf("config: KEK must be at least %d bytes", MinKEKLen)
	}
	return []byte(s), nil
}
