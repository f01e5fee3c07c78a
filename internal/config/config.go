// Package config resolves client settings as a linear pipeline of pure
// overlay functions: defaults, then the config file, then environment
// variables, then command-line overrides, then interactive prompting.
// Each stage takes a Settings value and returns a new one.
// 配置解析管线：默认值 → 配置文件 → 环境变量 → 命令行 → 交互式补全
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/drover-project/drover/internal/authcache"
	"github.com/drover-project/drover/internal/types"
)

// Environment variables honored by OverlayEnv. The SALTAPI_* names are the
// backend ecosystem's convention and stay compatible with other clients.
const (
	EnvURL   = "SALTAPI_URL"
	EnvUser  = "SALTAPI_USER"
	EnvPass  = "SALTAPI_PASS"
	EnvEauth = "SALTAPI_EAUTH"

	// EnvConfigFile relocates the config file itself
	EnvConfigFile = "DROVERRC"
)

// Settings is the resolved configuration record handed to the client
// constructor. Empty strings mean "not provided".
type Settings struct {
	URL       string `yaml:"url"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Eauth     string `yaml:"eauth"`
	CacheFile string `yaml:"cache_file"`
}

// Defaults returns the built-in settings
func Defaults() Settings {
	return Settings{
		URL:       "https://localhost:8000/",
		Eauth:     "auto",
		CacheFile: authcache.DefaultCachePath(),
	}
}

// DefaultConfigPath returns the per-user config file location, honoring the
// DROVERRC environment variable.
func DefaultConfigPath() string {
	if p := os.Getenv(EnvConfigFile); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".drover.yaml"
	}
	return filepath.Join(home, ".drover.yaml")
}

// OverlayFile merges values from a YAML config file. A missing file is not
// an error (first runs have none); an unparseable file is a configuration
// error.
func OverlayFile(s Settings, path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, types.WrapError(types.ErrConfiguration, err, "cannot read config file %s", path)
	}

	var file Settings
	if err := yaml.Unmarshal(data, &file); err != nil {
		return s, types.WrapError(types.ErrConfiguration, err, "malformed config file %s", path)
	}

	return merge(s, file), nil
}

// OverlayEnv merges values from the environment. When eauth resolves to
// kerberos, any password picked up so far is dropped: negotiation never
// sends one.
func OverlayEnv(s Settings) Settings {
	s = merge(s, Settings{
		URL:      os.Getenv(EnvURL),
		User:     os.Getenv(EnvUser),
		Password: os.Getenv(EnvPass),
		Eauth:    os.Getenv(EnvEauth),
	})
	if s.Eauth == "kerberos" {
		s.Password = ""
	}
	return s
}

// Overrides are command-line values applied on top of everything except
// interactive prompting. Empty fields are ignored.
type Overrides struct {
	URL       string
	User      string
	Password  string
	Eauth     string
	CacheFile string
}

// OverlayOverrides merges non-empty command-line values
func OverlayOverrides(s Settings, o Overrides) Settings {
	return merge(s, Settings{
		URL:       o.URL,
		User:      o.User,
		Password:  o.Password,
		Eauth:     o.Eauth,
		CacheFile: o.CacheFile,
	})
}

// Validate checks that the settings are complete enough to log in with.
// Interactive runs call PromptMissing first; non-interactive runs fail here.
func (s Settings) Validate() error {
	if s.URL == "" {
		return types.NewError(types.ErrConfiguration, "%s is required", EnvURL)
	}
	if s.User == "" {
		return types.NewError(types.ErrConfiguration, "%s is required", EnvUser)
	}
	if s.Password == "" && s.Eauth != "kerberos" {
		return types.NewError(types.ErrConfiguration, "%s is required", EnvPass)
	}
	return nil
}

// Save writes the settings to a YAML file, 0600, via temp file + rename
// (the file can carry a password).
func (s Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath) // Clean up temp file
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// merge overlays non-empty fields of over onto base
func merge(base, over Settings) Settings {
	if over.URL != "" {
		base.URL = over.URL
	}
	if over.User != "" {
		base.User = over.User
	}
	if over.Password != "" {
		base.Password = over.Password
	}
	if over.Eauth != "" {
		base.Eauth = over.Eauth
	}
	if over.CacheFile != "" {
		base.CacheFile = over.CacheFile
	}
	return base
}
