package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pimalaya/calendula/internal/secret"
)

// Config is the accounts file plus the process-wide environment settings.
type Config struct {
	Accounts map[string]Account `yaml:"accounts"`

	// Path is the file the accounts were read from.
	Path string `yaml:"-"`

	StateDSN      string   `yaml:"-"`
	MetricsAddr   string   `yaml:"-"`
	SyncSchedule  string   `yaml:"-"`
	SyncOnStart   bool     `yaml:"-"`
	SyncAccounts  []string `yaml:"-"`
	ActiveAccount string   `yaml:"-"`
}

// Account selects one backend. When both are configured CalDAV wins.
type Account struct {
	Default bool    `yaml:"default"`
	CalDAV  *CalDAV `yaml:"caldav"`
	Vdir    *Vdir   `yaml:"vdir"`
}

type CalDAV struct {
	ServerURI    string        `yaml:"server-uri"`
	PrincipalURI string        `yaml:"principal-uri"`
	HomeURI      string        `yaml:"home-uri"`
	Discover     *Discover     `yaml:"discover"`
	Auth         Auth          `yaml:"auth"`
	TLS          TLS           `yaml:"tls"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimit    float64       `yaml:"rate-limit"`
	RateBurst    int           `yaml:"rate-burst"`
	MaxRedirects int           `yaml:"max-redirects"`
}

type Discover struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Scheme string `yaml:"scheme"`
	Method string `yaml:"method"`
	SRV    bool   `yaml:"srv"`
}

type Auth struct {
	Basic  *Basic  `yaml:"basic"`
	Bearer *Bearer `yaml:"bearer"`
}

type Basic struct {
	Username string        `yaml:"username"`
	Password secret.Source `yaml:"password"`
}

// Bearer takes its token from one secret source or from an OIDC refresh
// token.
type Bearer struct {
	Raw     string `yaml:"raw"`
	Command string `yaml:"command"`
	Keyring string `yaml:"keyring"`
	OIDC    *OIDC  `yaml:"oidc"`
}

// Token returns the static token source.
func (b Bearer) Token() secret.Source {
	return secret.Source{Raw: b.Raw, Command: b.Command, Keyring: b.Keyring}
}

type OIDC struct {
	Issuer       string        `yaml:"issuer"`
	ClientID     string        `yaml:"client-id"`
	ClientSecret secret.Source `yaml:"client-secret"`
	RefreshToken secret.Source `yaml:"refresh-token"`
	Scopes       []string      `yaml:"scopes"`
}

type TLS struct {
	Insecure bool   `yaml:"insecure"`
	CAFile   string `yaml:"ca-file"`
}

type Vdir struct {
	Path string `yaml:"path"`
}

// DefaultPath returns CALENDULA_CONFIG, or config.yaml under the XDG config
// directory.
func DefaultPath() string {
	if p := os.Getenv("CALENDULA_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "calendula", "config.yaml")
}

func defaultStateDSN() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "calendula-state.db"
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "calendula", "state.db")
}

// Load reads the accounts file at path (DefaultPath when empty), applies
// the environment and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes an accounts file and applies the environment.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.StateDSN = getenvDefault("CALENDULA_STATE_DSN", defaultStateDSN())
	cfg.MetricsAddr = os.Getenv("CALENDULA_METRICS_ADDR")
	cfg.SyncSchedule = getenvDefault("CALENDULA_SYNC_SCHEDULE", "@every 15m")
	cfg.SyncOnStart = getenvBool("CALENDULA_SYNC_ON_START", true)
	cfg.SyncAccounts = getenvList("CALENDULA_SYNC_ACCOUNTS")
	cfg.ActiveAccount = os.Getenv("CALENDULA_ACCOUNT")

	for name, acct := range cfg.Accounts {
		if acct.Vdir != nil {
			acct.Vdir.Path = expandHome(acct.Vdir.Path)
		}
		if acct.CalDAV != nil {
			acct.CalDAV.TLS.CAFile = expandHome(acct.CalDAV.TLS.CAFile)
		}
		cfg.Accounts[name] = acct
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects accounts that cannot be used.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return errors.New("no accounts configured")
	}

	var defaults []string
	for _, name := range c.AccountNames() {
		acct := c.Accounts[name]
		if acct.Default {
			defaults = append(defaults, name)
		}
		switch {
		case acct.CalDAV != nil:
			if err := acct.CalDAV.validate(); err != nil {
				return fmt.Errorf("account %q: %w", name, err)
			}
		case acct.Vdir != nil:
			if acct.Vdir.Path == "" {
				return fmt.Errorf("account %q: vdir.path is required", name)
			}
		default:
			return fmt.Errorf("account %q: neither caldav nor vdir is configured", name)
		}
	}
	if len(defaults) > 1 {
		return fmt.Errorf("several default accounts: %s", strings.Join(defaults, ", "))
	}
	for _, name := range c.SyncAccounts {
		if _, ok := c.Accounts[name]; !ok {
			return fmt.Errorf("CALENDULA_SYNC_ACCOUNTS names unknown account %q", name)
		}
	}
	return nil
}

func (c *CalDAV) validate() error {
	if c.ServerURI == "" && c.PrincipalURI == "" && c.HomeURI == "" && (c.Discover == nil || c.Discover.Host == "") {
		return errors.New("caldav needs server-uri, principal-uri, home-uri or discover.host")
	}
	if c.Discover != nil && c.Discover.Method != "" {
		switch strings.ToUpper(c.Discover.Method) {
		case "GET", "PROPFIND":
		default:
			return fmt.Errorf("discover.method %q: want GET or PROPFIND", c.Discover.Method)
		}
	}
	if c.Auth.Basic != nil && c.Auth.Bearer != nil {
		return errors.New("caldav.auth: basic and bearer are exclusive")
	}
	if b := c.Auth.Basic; b != nil && b.Username == "" {
		return errors.New("caldav.auth.basic.username is required")
	}
	if b := c.Auth.Bearer; b != nil {
		static := !b.Token().IsZero()
		if static == (b.OIDC != nil) {
			return errors.New("caldav.auth.bearer needs exactly one of raw, command, keyring or oidc")
		}
		if set := countSet(b.Raw, b.Command, b.Keyring); set > 1 {
			return errors.New("caldav.auth.bearer: raw, command and keyring are exclusive")
		}
		if o := b.OIDC; o != nil && (o.Issuer == "" || o.ClientID == "" || o.RefreshToken.IsZero()) {
			return errors.New("caldav.auth.bearer.oidc needs issuer, client-id and refresh-token")
		}
	}
	if c.RateLimit < 0 {
		return errors.New("caldav.rate-limit must not be negative")
	}
	if c.Timeout < 0 {
		return errors.New("caldav.timeout must not be negative")
	}
	return nil
}

// AccountNames returns the account names sorted.
func (c *Config) AccountNames() []string {
	names := make([]string, 0, len(c.Accounts))
	for name := range c.Accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Account picks an account: name if given, else CALENDULA_ACCOUNT, else the
// default one, else the only one.
func (c *Config) Account(name string) (string, Account, error) {
	if name == "" {
		name = c.ActiveAccount
	}
	if name != "" {
		acct, ok := c.Accounts[name]
		if !ok {
			return "", Account{}, fmt.Errorf("unknown account %q", name)
		}
		return name, acct, nil
	}
	for _, n := range c.AccountNames() {
		if c.Accounts[n].Default {
			return n, c.Accounts[n], nil
		}
	}
	if len(c.Accounts) == 1 {
		for n, acct := range c.Accounts {
			return n, acct, nil
		}
	}
	return "", Account{}, errors.New("several accounts and none is marked default")
}

func countSet(values ...string) int {
	n := 0
	for _, v := range values {
		if v != "" {
			n++
		}
	}
	return n
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
