package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sample = `
accounts:
  work:
    default: true
    caldav:
      discover:
        host: alice@example.com
        srv: true
      auth:
        basic:
          username: alice
          password:
            command: pass show work
      timeout: 10s
      rate-limit: 2.5
  personal:
    caldav:
      home-uri: https://dav.example.org/calendars/bob/
      auth:
        bearer:
          oidc:
            issuer: https://id.example.org
            client-id: calendula
            refresh-token:
              keyring: personal-refresh
  local:
    vdir:
      path: /tmp/calendars
`

func TestParseAccounts(t *testing.T) {
	t.Setenv("CALENDULA_STATE_DSN", "postgres://localhost/calendula")
	t.Setenv("CALENDULA_SYNC_SCHEDULE", "")
	t.Setenv("CALENDULA_SYNC_ON_START", "off")
	t.Setenv("CALENDULA_SYNC_ACCOUNTS", "work, local")
	t.Setenv("CALENDULA_ACCOUNT", "")

	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.AccountNames(); strings.Join(got, ",") != "local,personal,work" {
		t.Fatalf("unexpected accounts %v", got)
	}

	work := cfg.Accounts["work"].CalDAV
	if work.Discover.Host != "alice@example.com" || !work.Discover.SRV {
		t.Fatalf("unexpected discover %+v", work.Discover)
	}
	if work.Auth.Basic.Password.Command != "pass show work" {
		t.Fatalf("unexpected password source %+v", work.Auth.Basic.Password)
	}
	if work.Timeout != 10*time.Second || work.RateLimit != 2.5 {
		t.Fatalf("unexpected timeout/rate %v/%v", work.Timeout, work.RateLimit)
	}

	oidc := cfg.Accounts["personal"].CalDAV.Auth.Bearer.OIDC
	if oidc == nil || oidc.RefreshToken.Keyring != "personal-refresh" {
		t.Fatalf("unexpected oidc %+v", oidc)
	}

	if cfg.StateDSN != "postgres://localhost/calendula" {
		t.Fatalf("unexpected dsn %q", cfg.StateDSN)
	}
	if cfg.SyncSchedule != "@every 15m" || cfg.SyncOnStart {
		t.Fatalf("unexpected sync settings %q %v", cfg.SyncSchedule, cfg.SyncOnStart)
	}
	if strings.Join(cfg.SyncAccounts, ",") != "work,local" {
		t.Fatalf("unexpected sync accounts %v", cfg.SyncAccounts)
	}
}

func TestAccountSelection(t *testing.T) {
	t.Setenv("CALENDULA_ACCOUNT", "")
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	name, _, err := cfg.Account("")
	if err != nil || name != "work" {
		t.Fatalf("expected default account work, got %q (%v)", name, err)
	}
	name, acct, err := cfg.Account("local")
	if err != nil || name != "local" || acct.Vdir == nil {
		t.Fatalf("expected local vdir account, got %q %+v (%v)", name, acct, err)
	}
	if _, _, err := cfg.Account("missing"); err == nil {
		t.Fatal("expected unknown account error")
	}

	t.Setenv("CALENDULA_ACCOUNT", "personal")
	cfg, err = Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if name, _, _ := cfg.Account(""); name != "personal" {
		t.Fatalf("expected env account personal, got %q", name)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Setenv("CALENDULA_SYNC_ACCOUNTS", "")
	cases := map[string]string{
		"no accounts":   `accounts: {}`,
		"no backend":    "accounts:\n  a: {}\n",
		"no location":   "accounts:\n  a:\n    caldav:\n      auth:\n        basic:\n          username: u\n",
		"two auths":     "accounts:\n  a:\n    caldav:\n      server-uri: https://x/\n      auth:\n        basic:\n          username: u\n        bearer:\n          raw: t\n",
		"empty bearer":  "accounts:\n  a:\n    caldav:\n      server-uri: https://x/\n      auth:\n        bearer: {}\n",
		"bad method":    "accounts:\n  a:\n    caldav:\n      discover:\n        host: x\n        method: POST\n",
		"no vdir path":  "accounts:\n  a:\n    vdir: {}\n",
		"two defaults":  "accounts:\n  a:\n    default: true\n    vdir:\n      path: /a\n  b:\n    default: true\n    vdir:\n      path: /b\n",
		"double secret": "accounts:\n  a:\n    caldav:\n      server-uri: https://x/\n      auth:\n        basic:\n          username: u\n          password:\n            raw: p\n            command: echo p\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoadUsesConfigEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("accounts:\n  a:\n    vdir:\n      path: ~/cal\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CALENDULA_CONFIG", path)
	t.Setenv("HOME", "/home/tester")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Path != path {
		t.Fatalf("unexpected path %q", cfg.Path)
	}
	if got := cfg.Accounts["a"].Vdir.Path; got != "/home/tester/cal" {
		t.Fatalf("expected home expansion, got %q", got)
	}
}

func TestGetenvHelpers(t *testing.T) {
	t.Setenv("CALENDULA_TEST_BOOL", "yes")
	if !getenvBool("CALENDULA_TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	t.Setenv("CALENDULA_TEST_BOOL", "maybe")
	if getenvBool("CALENDULA_TEST_BOOL", false) {
		t.Fatal("expected default for unparseable value")
	}
	t.Setenv("CALENDULA_TEST_LIST", " a, ,b ")
	if got := getenvList("CALENDULA_TEST_LIST"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected list %v", got)
	}
}
