// Package config stores tsync connection profiles in ~/.tsync/config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

const (
	DefaultURL     = "http://localhost:8095"
	DefaultProfile = "default"

	// Environment overrides for the selected profile.
	EnvURL   = "TSYNC_URL"
	EnvToken = "TSYNC_TOKEN"
)

var ErrProfileNotFound = errors.New("profile not found")

// Config is the on-disk profile set.
type Config struct {
	CurrentProfile string              `yaml:"current_profile"`
	Profiles       map[string]*Profile `yaml:"profiles"`
	path           string
}

// Profile points tsync at one tracking deployment.
type Profile struct {
	URL           string `yaml:"url"`
	Token         string `yaml:"token,omitempty"`
	JWTSecret     string `yaml:"jwt_secret,omitempty"`
	WebhookSecret string `yaml:"webhook_secret,omitempty"`
}

// WithEnv returns a copy of p with TSYNC_URL and TSYNC_TOKEN applied.
func (p Profile) WithEnv() *Profile {
	if v := os.Getenv(EnvURL); v != "" {
		p.URL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		p.Token = v
	}
	return &p
}

func Default() *Config {
	return &Config{CurrentProfile: DefaultProfile, Profiles: map[string]*Profile{}}
}

// DefaultPath returns ~/.tsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".tsync", "config.yaml"), nil
}

// Load reads path, or DefaultPath when empty. A missing file yields Default.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]*Profile{}
	}
	return cfg, nil
}

// Save writes the file with owner-only permissions. The write goes through a
// temp file so a failed save leaves the previous file intact.
func (c *Config) Save() error {
	if c.path == "" {
		path, err := DefaultPath()
		if err != nil {
			return err
		}
		c.path = path
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod config: %w", err)
	}
	return os.Rename(tmp.Name(), c.path)
}

// Names returns the profile names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetProfile stores p under name, makes it current and saves.
func (c *Config) SetProfile(name string, p *Profile) error {
	if c.Profiles == nil {
		c.Profiles = map[string]*Profile{}
	}
	c.Profiles[name] = p
	c.CurrentProfile = name
	return c.Save()
}

// GetProfile returns the named profile, or the current one when name is empty.
// A missing default profile resolves to the local service.
func (c *Config) GetProfile(name string) (*Profile, error) {
	if name == "" {
		name = c.CurrentProfile
	}
	p, ok := c.Profiles[name]
	switch {
	case !ok && (name == DefaultProfile || name == ""):
		return &Profile{URL: DefaultURL}, nil
	case !ok:
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	if p.URL == "" {
		p.URL = DefaultURL
	}
	return p, nil
}

// RemoveProfile deletes name and clears it as current.
func (c *Config) RemoveProfile(name string) error {
	if _, ok := c.Profiles[name]; !ok {
		return fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	delete(c.Profiles, name)
	if c.CurrentProfile == name {
		c.CurrentProfile = ""
	}
	return c.Save()
}
