package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Calendar sources.
const (
	SourceGoogle = "google"
	SourceICS    = "ics"
)

// Idempotency modes: how a process recognizes an event it already handled.
const (
	IdempotencyStore  = "store"
	IdempotencyFolder = "folder"
)

// Token stores for the Google OAuth token.
const (
	TokenStoreFile    = "file"
	TokenStoreKeyring = "keyring"
)

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for logging and Event.SourceID.
	ID string `yaml:"id" json:"id"`
}

// GoogleConfig holds Google Calendar access settings.
type GoogleConfig struct {
	// CredentialsFile is the OAuth client secret JSON downloaded from the
	// Google Cloud console ("installed application" type).
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	// TokenFile stores the user's access/refresh token when TokenStore is "file".
	TokenFile string `yaml:"token_file" json:"token_file"`
	// TokenStore is "file" (default) or "keyring".
	TokenStore string `yaml:"token_store" json:"token_store"`
	// CalendarID is the calendar to poll; "primary" by default.
	CalendarID string `yaml:"calendar_id" json:"calendar_id"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// DefaultLocation is where screenshots go when no event is running and
	// the root under which per-event folders are created.
	DefaultLocation string `yaml:"default_location" json:"default_location"`

	// LeadSeconds is how long before event start the folder is switched.
	LeadSeconds int `yaml:"lead_seconds" json:"lead_seconds"`

	// PollSeconds is the calendar polling period.
	PollSeconds int `yaml:"poll_seconds" json:"poll_seconds"`

	// SettleSeconds is the pause between writing the screencapture
	// preference and restarting SystemUIServer.
	SettleSeconds int `yaml:"settle_seconds" json:"settle_seconds"`

	// HorizonSeconds, if positive, delays scheduling an event until its
	// switch time is at most this far away. 0 schedules as soon as seen.
	HorizonSeconds int `yaml:"horizon_seconds" json:"horizon_seconds"`

	// Timezone is the IANA zone defining "today". Empty means the system zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Source selects the calendar gateway: "google" or "ics".
	Source string `yaml:"source" json:"source"`

	Google GoogleConfig `yaml:"google" json:"google"`

	// ICS is the list of subscribed ICS sources (Source == "ics").
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// CacheDir holds the ICS HTTP cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// Idempotency is "store" (persisted handled-event set) or "folder"
	// (an existing event folder means the event was handled).
	Idempotency string `yaml:"idempotency" json:"idempotency"`

	// StatePath is the SQLite file backing the handled-event set.
	StatePath string `yaml:"state_path" json:"state_path"`

	// Listen is the status server address; empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	// BasicAuth, if non-nil, protects every status endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DefaultLocation: filepath.Join(home, "Desktop"),
		LeadSeconds:     3,
		PollSeconds:     15,
		SettleSeconds:   3,
		Source:          SourceGoogle,
		Google: GoogleConfig{
			CredentialsFile: "credentials.json",
			TokenFile:       filepath.Join(stateDir(home), "token.json"),
			TokenStore:      TokenStoreFile,
			CalendarID:      "primary",
		},
		ICS:         []ICSConfig{},
		CacheDir:    filepath.Join(stateDir(home), "ics-cache"),
		Idempotency: IdempotencyStore,
		StatePath:   filepath.Join(stateDir(home), "state.db"),
		Listen:      "",
	}
}

func stateDir(home string) string {
	return filepath.Join(home, ".shotcal")
}

// DefaultPath is the config file used when --config is not given.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(stateDir(home), "config.yaml")
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.DefaultLocation == "" {
		c.DefaultLocation = def.DefaultLocation
	}
	if c.LeadSeconds < 0 {
		c.LeadSeconds = def.LeadSeconds
	}
	if c.PollSeconds <= 0 {
		c.PollSeconds = def.PollSeconds
	}
	if c.SettleSeconds < 0 {
		c.SettleSeconds = def.SettleSeconds
	}
	if c.HorizonSeconds < 0 {
		c.HorizonSeconds = 0
	}

	switch c.Source {
	case SourceGoogle, SourceICS:
		// ok
	default:
		c.Source = SourceGoogle
	}

	if c.Google.CredentialsFile == "" {
		c.Google.CredentialsFile = def.Google.CredentialsFile
	}
	if c.Google.TokenFile == "" {
		c.Google.TokenFile = def.Google.TokenFile
	}
	switch c.Google.TokenStore {
	case TokenStoreFile, TokenStoreKeyring:
		// ok
	default:
		c.Google.TokenStore = TokenStoreFile
	}
	if c.Google.CalendarID == "" {
		c.Google.CalendarID = def.Google.CalendarID
	}

	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	for i := range c.ICS {
		if c.ICS[i].ID == "" {
			c.ICS[i].ID = "ics-" + strconv.Itoa(i+1)
		}
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}

	switch c.Idempotency {
	case IdempotencyStore, IdempotencyFolder:
		// ok
	default:
		c.Idempotency = IdempotencyStore
	}
	if c.StatePath == "" {
		c.StatePath = def.StatePath
	}
}

// Validate reports configuration that cannot work at all.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", c.Timezone, err)
	}
	if c.Source == SourceICS && len(c.ICS) == 0 {
		return errors.New("config: source is ics but no ics sources are configured")
	}
	for _, s := range c.ICS {
		if s.URL == "" {
			return fmt.Errorf("config: ics source %q has no url", s.ID)
		}
	}
	return nil
}

// Location resolves Timezone; empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c *Config) Lead() time.Duration    { return time.Duration(c.LeadSeconds) * time.Second }
func (c *Config) Period() time.Duration  { return time.Duration(c.PollSeconds) * time.Second }
func (c *Config) Settle() time.Duration  { return time.Duration(c.SettleSeconds) * time.Second }
func (c *Config) Horizon() time.Duration { return time.Duration(c.HorizonSeconds) * time.Second }

// Environment variables that override file settings.
const (
	EnvDefaultLocation = "SHOTCAL_DEFAULT_LOCATION"
	EnvLeadSeconds     = "SHOTCAL_LEAD_SECONDS"
	EnvPollSeconds     = "SHOTCAL_POLL_SECONDS"
	EnvCredentialsFile = "SHOTCAL_CREDENTIALS_FILE"
	EnvTokenFile       = "SHOTCAL_TOKEN_FILE"
	EnvSource          = "SHOTCAL_SOURCE"
	EnvTimezone        = "SHOTCAL_TIMEZONE"
	EnvListen          = "SHOTCAL_LISTEN"
)

// ApplyEnv overrides fields from the process environment. Values from a
// .env file in the working directory are loaded first without clobbering
// variables that are already set.
func (c *Config) ApplyEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load .env: %w", err)
	}

	if v := os.Getenv(EnvDefaultLocation); v != "" {
		c.DefaultLocation = v
	}
	if v := os.Getenv(EnvCredentialsFile); v != "" {
		c.Google.CredentialsFile = v
	}
	if v := os.Getenv(EnvTokenFile); v != "" {
		c.Google.TokenFile = v
	}
	if v := os.Getenv(EnvSource); v != "" {
		c.Source = v
	}
	if v := os.Getenv(EnvTimezone); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
	for env, dst := range map[string]*int{
		EnvLeadSeconds: &c.LeadSeconds,
		EnvPollSeconds: &c.PollSeconds,
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", env, err)
		}
		*dst = n
	}

	c.Normalize()
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML over the defaults
//   - normalize
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Start from defaults so keys missing from the file keep their default
	// rather than the zero value (lead_seconds: 0 is meaningful).
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data next to path and renames it into place with
// 0600 permissions. Shared by config and token persistence.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".shotcal-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
