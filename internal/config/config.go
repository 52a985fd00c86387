package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ProviderKind identifies the mailbox backend an account talks to.
type ProviderKind string

const (
	ProviderGmail   ProviderKind = "gmail"
	ProviderOutlook ProviderKind = "outlook"
	ProviderIMAP    ProviderKind = "imap"
)

// IMAPConfig holds connection settings for an IMAP account.
type IMAPConfig struct {
	Host        string `mapstructure:"host"`
	Port        string `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	PasswordEnv string `mapstructure:"password_env"`
	TLS         bool   `mapstructure:"tls"`
}

// Account is a named mailbox identity. It is loaded once and copied by
// value into each sync runner, so it never changes mid-pass.
type Account struct {
	Name     string       `mapstructure:"name"`
	Provider ProviderKind `mapstructure:"provider"`

	// CredentialsDir holds the OAuth client secret and the cached token.
	CredentialsDir string `mapstructure:"credentials_dir"`

	// Label selects which messages to pull: a Gmail label name, an
	// Outlook mail folder, or an IMAP mailbox.
	Label string `mapstructure:"label"`
	Query string `mapstructure:"query"`

	// Mailbox is the Graph user id for Outlook accounts ("me" by default).
	Mailbox string `mapstructure:"mailbox"`
	Tenant  string `mapstructure:"tenant"`

	// BrokerJWTEnv names the env var holding the JWT used to fetch
	// provider tokens from the credentials broker instead of a local cache.
	BrokerJWTEnv string `mapstructure:"broker_jwt_env"`

	IMAP IMAPConfig `mapstructure:"imap"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type StoreConfig struct {
	Path   string `mapstructure:"path"`
	Driver string `mapstructure:"driver"`
}

// SyncConfig tunes the retrieval client and the orchestrator.
type SyncConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	PageSize         int           `mapstructure:"page_size"`
	RequestInterval  time.Duration `mapstructure:"request_interval"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	ParallelAccounts int           `mapstructure:"parallel_accounts"`
	SharedRateLimit  bool          `mapstructure:"shared_rate_limit"`
	DefaultLabel     string        `mapstructure:"default_label"`
}

type CredentialsConfig struct {
	Cache              string `mapstructure:"cache"`
	KeyringDir         string `mapstructure:"keyring_dir"`
	KeyringPasswordEnv string `mapstructure:"keyring_password_env"`
	BrokerURL          string `mapstructure:"broker_url"`
	Interactive        bool   `mapstructure:"interactive"`
}

type APIConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
	JWKSURL   string `mapstructure:"jwks_url"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Config is the top-level application configuration.
type Config struct {
	DataDir     string            `mapstructure:"data_dir"`
	Log         LogConfig         `mapstructure:"log"`
	Store       StoreConfig       `mapstructure:"store"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Accounts    []Account         `mapstructure:"accounts"`
	API         APIConfig         `mapstructure:"api"`
	NATS        NATSConfig        `mapstructure:"nats"`
}

// EnvPrefix is prepended to every environment override, e.g.
// HARVEST_SYNC_BATCH_SIZE.
const EnvPrefix = "HARVEST"

// flagKeys maps CLI flag names onto config keys.
var flagKeys = map[string]string{
	"data-dir":  "data_dir",
	"db":        "store.path",
	"log-level": "log.level",
	"addr":      "api.addr",
	"nats-url":  "nats.url",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("store.path", "")
	v.SetDefault("store.driver", "sqlite")

	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.page_size", 100)
	v.SetDefault("sync.request_interval", 100*time.Millisecond)
	v.SetDefault("sync.request_timeout", 30*time.Second)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.initial_backoff", time.Second)
	v.SetDefault("sync.parallel_accounts", 1)
	v.SetDefault("sync.shared_rate_limit", false)
	v.SetDefault("sync.default_label", "Social Notifications")

	v.SetDefault("credentials.cache", "file")
	v.SetDefault("credentials.keyring_dir", "")
	v.SetDefault("credentials.keyring_password_env", "HARVEST_KEYRING_PASSWORD")
	v.SetDefault("credentials.broker_url", "")
	v.SetDefault("credentials.interactive", true)

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.jwks_url", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "HARVEST_EVENTS")
	v.SetDefault("nats.subject_prefix", "harvest")
}

// Load reads the configuration file at path, applies environment overrides
// and any flags set on fs. A missing file yields the defaults.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills per-account fields that depend on other settings.
func (c *Config) applyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "harvest.db")
	}
	if c.Credentials.KeyringDir == "" {
		c.Credentials.KeyringDir = filepath.Join(c.DataDir, "keyring")
	}
	for i := range c.Accounts {
		a := &c.Accounts[i]
		a.Provider = ProviderKind(strings.ToLower(string(a.Provider)))
		if a.Provider == "" {
			a.Provider = ProviderGmail
		}
		if a.CredentialsDir == "" {
			a.CredentialsDir = filepath.Join(c.DataDir, "credentials", a.Name)
		}
		switch a.Provider {
		case ProviderGmail:
			if a.Label == "" {
				a.Label = c.Sync.DefaultLabel
			}
		case ProviderOutlook:
			if a.Label == "" {
				a.Label = "inbox"
			}
			if a.Mailbox == "" {
				a.Mailbox = "me"
			}
			if a.Tenant == "" {
				a.Tenant = "common"
			}
		case ProviderIMAP:
			if a.Label == "" {
				a.Label = "INBOX"
			}
			if a.IMAP.Port == "" {
				a.IMAP.Port = "993"
			}
		}
	}
}

// Validate checks settings that would otherwise fail deep inside a sync pass.
func (c *Config) Validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive, got %d", c.Sync.PageSize)
	}
	switch c.Credentials.Cache {
	case "file", "keyring":
	default:
		return fmt.Errorf("credentials.cache must be file or keyring, got %q", c.Credentials.Cache)
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("accounts[%d]: name is required", i)
		}
		key := strings.ToLower(a.Name)
		if seen[key] {
			return fmt.Errorf("accounts[%d]: duplicate account name %q", i, a.Name)
		}
		seen[key] = true

		switch a.Provider {
		case ProviderGmail, ProviderOutlook:
		case ProviderIMAP:
			if a.IMAP.Host == "" || a.IMAP.Username == "" {
				return fmt.Errorf("account %s: imap host and username are required", a.Name)
			}
		default:
			return fmt.Errorf("account %s: unknown provider %q", a.Name, a.Provider)
		}
	}
	return nil
}

// Account looks up an account by name, ignoring case.
func (c *Config) Account(name string) (Account, bool) {
	for _, a := range c.Accounts {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return Account{}, false
}
