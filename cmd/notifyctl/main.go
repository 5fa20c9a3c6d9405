// Command notifyctl is an operator CLI for the notikeeper HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/notikeeper/internal/model"
	"github.com/and161185/notikeeper/internal/token"
)

// ---- credential store ----

type credsFile struct {
	TenantID       string    `json:"tenant_id"`
	TenantToken    string    `json:"tenant_token"`
	CronToken      string    `json:"cron_token"`
	CronWebhookURL string    `json:"cron_webhook_url"`
	Fingerprint    string    `json:"master_key_fingerprint"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "notikeeper")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "notikeeper")
}

func credsPath() string { return filepath.Join(cfgDir(), "tenant.json") }

// tokenExpiry reads exp without verifying the signature.
func tokenExpiry(tok string) time.Time {
	var claims token.Claims
	_, _, _ = jwt.NewParser().ParseUnverified(tok, &claims)
	if claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return time.Now().Add(token.DefaultTTL)
}

func saveCreds(ob model.Onboarding) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(credsPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(credsFile{
		TenantID:       ob.TenantID,
		TenantToken:    ob.TenantToken,
		CronToken:      ob.CronToken,
		CronWebhookURL: ob.CronWebhookURL,
		Fingerprint:    ob.MasterKeyFingerprint,
		ExpiresAt:      tokenExpiry(ob.TenantToken),
	})
}

func loadCreds() (*credsFile, error) {
	b, err := os.ReadFile(credsPath())
	if err != nil {
		return nil, err
	}
	var cf credsFile
	if err := json.Unmarshal(b, &cf); err != nil {
		return nil, err
	}
	if cf.TenantToken == "" || time.Now().After(cf.ExpiresAt) {
		return nil, errors.New("no valid tenant credentials (onboard required)")
	}
	return &cf, nil
}

func saveUserID(uid string) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	return os.WriteFile(filepath.Join(cfgDir(), "user_id"), []byte(strings.TrimSpace(uid)), 0o600)
}

func loadUserID() (string, error) {
	b, err := os.ReadFile(filepath.Join(cfgDir(), "user_id"))
	if err != nil {
		return "", errors.New("no user id; run `notifyctl user -id <uuid>` or pass -user")
	}
	return strings.TrimSpace(string(b)), nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `notifyctl
Usage:
  notifyctl -server URL [-user <uuid>] <cmd> [args]

Commands:
  version
  onboard    -driver neon|pg -dsn <conn> [-tenant <uuid>] [-secret <s>]   (saves tokens)
  user       -id <uuid>                                  (saves default user id)
  user-key
  schedule   -type fixed|prompted|auto|instant -contact <name> -at <RFC3339|+dur> -sub <file>
             [-message <text>] [-recurrence none|daily|weekly] [-subtype chat|forum|moment]
             [-prompt <p> -api-url <u> -api-key <k> -model <m> [-max-tokens n]] [-avatar <url>]
  update     -id <uuid> [-message <text>] [-at <RFC3339|+dur>] [-recurrence r] [-contact <name>]
  status     -id <uuid>
  list       [-status pending|sent|failed] [-limit n] [-offset n]
  cancel     -id <uuid>
  dispatch                                               (uses the cron token)
`)
	os.Exit(2)
}

func fail(err error) {
	var ae *apiError
	if errors.As(err, &ae) {
		fmt.Fprintf(os.Stderr, "api error: status=%d code=%s msg=%s\n", ae.Status, ae.Code, ae.Message)
		if len(ae.Details) > 0 {
			fmt.Fprintf(os.Stderr, "details: %s\n", ae.Details)
		}
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// tenantClient returns a client authorized with the saved tenant token.
func tenantClient(server string) *apiClient {
	cf, err := loadCreds()
	if err != nil {
		fail(err)
	}
	return newAPIClient(server, cf.TenantToken)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	// global flags
	server := flag.String("server", envOr("NOTIFYCTL_SERVER", "http://localhost:8080"), "server base URL")
	userFlag := flag.String("user", "", "user id (uuid v4), overrides the saved one")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	user := func() string {
		if *userFlag != "" {
			return *userFlag
		}
		uid, err := loadUserID()
		if err != nil {
			fail(err)
		}
		return uid
	}

	ctx, cancel := withTimeout()
	defer cancel()

	switch cmd {

	case "version":
		fmt.Printf("notifyctl %s (%s)\n", version, buildDate)

	case "onboard":
		fs := flag.NewFlagSet("onboard", flag.ExitOnError)
		driver := fs.String("driver", string(model.DriverNeon), "storage driver (neon|pg)")
		dsn := fs.String("dsn", "", "tenant database connection string")
		tenantID := fs.String("tenant", "", "tenant id (uuid v4, optional)")
		secret := fs.String("secret", os.Getenv("NOTIFY_ONBOARD_SECRET"), "onboarding secret")
		_ = fs.Parse(args)
		if *dsn == "" {
			fmt.Fprintln(os.Stderr, "need -dsn")
			os.Exit(1)
		}

		ob, err := newAPIClient(*server, "").onboard(ctx, *tenantID, model.Driver(*driver), *dsn, *secret)
		if err != nil {
			fail(err)
		}
		if err := saveCreds(*ob); err != nil {
			fail(err)
		}
		printJSON(ob)

	case "user":
		fs := flag.NewFlagSet("user", flag.ExitOnError)
		id := fs.String("id", "", "user id (uuid v4)")
		_ = fs.Parse(args)
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		if err := saveUserID(*id); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "user-key":
		key, err := tenantClient(*server).userKey(ctx, user())
		if err != nil {
			fail(err)
		}
		fmt.Println(string(key))

	case "schedule":
		cmdSchedule(ctx, args, tenantClient(*server), user())

	case "update":
		cmdUpdate(ctx, args, tenantClient(*server), user())

	case "status":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		id := fs.String("id", "", "task uuid")
		_ = fs.Parse(args)
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		out, err := tenantClient(*server).do(ctx, "GET", "/api/v1/messages/"+*id, user(), nil)
		if err != nil {
			fail(err)
		}
		fmt.Println(pretty(out))

	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		status := fs.String("status", "", "filter by status")
		limit := fs.Int("limit", 0, "page size")
		offset := fs.Int("offset", 0, "page offset")
		_ = fs.Parse(args)

		out, err := tenantClient(*server).do(ctx, "GET", listPath(*status, *limit, *offset), user(), nil)
		if err != nil {
			fail(err)
		}
		fmt.Println(pretty(out))

	case "cancel":
		fs := flag.NewFlagSet("cancel", flag.ExitOnError)
		id := fs.String("id", "", "task uuid")
		_ = fs.Parse(args)
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		if _, err := tenantClient(*server).do(ctx, "DELETE", "/api/v1/messages/"+*id, user(), nil); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "dispatch":
		cf, err := loadCreds()
		if err != nil {
			fail(err)
		}
		out, err := newAPIClient(*server, cf.CronToken).do(ctx, "POST", "/api/v1/cron/dispatch", "", nil)
		if err != nil {
			fail(err)
		}
		fmt.Println(pretty(out))

	default:
		usage()
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
