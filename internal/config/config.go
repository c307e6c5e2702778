// Package config reads and writes the TOML configuration: the global
// ~/.convsync/config.toml and one profile.toml per profile.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"github.com/matheus3301/convsync/internal/model"
)

// Config represents the global ~/.convsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Profile is one profile.toml: which server to talk to, as whom, and how
// often.
type Profile struct {
	Server   Server   `toml:"server"`
	Identity Identity `toml:"identity"`
	Sync     Sync     `toml:"sync"`
	Log      Log      `toml:"log"`
}

// Server locates the message store.
type Server struct {
	BaseURL        string        `toml:"base_url"`
	PushURL        string        `toml:"push_url"`
	CSRFToken      string        `toml:"csrf_token"`
	AuthToken      string        `toml:"auth_token"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// Identity is the local user.
type Identity struct {
	UserID   string     `toml:"user_id"`
	UserName string     `toml:"user_name"`
	Role     model.Role `toml:"role"`
}

// Sync holds the timing knobs. Zero values take the defaults.
type Sync struct {
	PollInterval         time.Duration `toml:"poll_interval"`
	ReconnectDelay       time.Duration `toml:"reconnect_delay"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `toml:"heartbeat_interval"`
	UnreadInterval       time.Duration `toml:"unread_interval"`
	TypingExpiry         time.Duration `toml:"typing_expiry"`
	BulkTimeout          time.Duration `toml:"bulk_timeout"`
}

// Log controls daemon logging.
type Log struct {
	Debug bool `toml:"debug"`
}

// DefaultSync returns the stock timings.
func DefaultSync() Sync {
	return Sync{
		PollInterval:         30 * time.Second,
		ReconnectDelay:       2 * time.Second,
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    25 * time.Second,
		UnreadInterval:       30 * time.Second,
		TypingExpiry:         3 * time.Second,
		BulkTimeout:          30 * time.Second,
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return write(path, cfg)
}

// LoadProfile reads a profile.toml, fills in default timings and validates
// it. Unknown keys are rejected so typos don't go unnoticed.
func LoadProfile(path string) (*Profile, error) {
	var p Profile
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

// SaveProfile writes a profile.toml with 0600 permissions; it holds tokens.
func SaveProfile(path string, p *Profile) error {
	return write(path, p)
}

// ApplyDefaults fills zero timings.
func (p *Profile) ApplyDefaults() {
	d := DefaultSync()
	s := &p.Sync
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ReconnectDelay <= 0 {
		s.ReconnectDelay = d.ReconnectDelay
	}
	if s.MaxReconnectAttempts <= 0 {
		s.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = d.HeartbeatInterval
	}
	if s.UnreadInterval <= 0 {
		s.UnreadInterval = d.UnreadInterval
	}
	if s.TypingExpiry <= 0 {
		s.TypingExpiry = d.TypingExpiry
	}
	if s.BulkTimeout <= 0 {
		s.BulkTimeout = d.BulkTimeout
	}
	if p.Server.PushURL == "" {
		p.Server.PushURL = p.Server.BaseURL
	}
}

// Validate checks the fields the daemon cannot start without.
func (p *Profile) Validate() error {
	var err error
	if p.Server.BaseURL == "" {
		err = multierr.Append(err, errors.New("server.base_url is required"))
	} else if u, perr := url.Parse(p.Server.BaseURL); perr != nil || u.Host == "" {
		err = multierr.Append(err, fmt.Errorf("server.base_url %q is not an absolute URL", p.Server.BaseURL))
	}
	if p.Identity.UserID == "" {
		err = multierr.Append(err, errors.New("identity.user_id is required"))
	}
	if !p.Identity.Role.Valid() {
		err = multierr.Append(err, fmt.Errorf("identity.role %q must be customer or supplier", p.Identity.Role))
	}
	return err
}

func write(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
