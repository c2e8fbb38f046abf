package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for dlmdiag.
type Config struct {
	General GeneralConfig `json:"general" yaml:"general"`
	Session SessionConfig `json:"session" yaml:"session"`
	Ledger  LedgerConfig  `json:"ledger" yaml:"ledger"`
	Server  ServerConfig  `json:"server" yaml:"server"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional, stderr is always written
}

// SessionConfig describes the PowerShell session and how it authenticates.
// Timeouts are in seconds.
type SessionConfig struct {
	Shell        string   `json:"shell" yaml:"shell"`
	Principal    string   `json:"principal" yaml:"principal"`       // UPN, overridden by DLM_UPN
	Organization string   `json:"organization" yaml:"organization"` // tenant domain, overridden by DLM_ORGANIZATION
	Modules      []string `json:"modules" yaml:"modules"`

	TokenScope  string `json:"tokenScope" yaml:"tokenScope"`
	AppID       string `json:"appId" yaml:"appId"`
	RedirectURI string `json:"redirectUri" yaml:"redirectUri"`

	ReadyTimeout   int `json:"readyTimeout" yaml:"readyTimeout"`
	ImportTimeout  int `json:"importTimeout" yaml:"importTimeout"`
	TokenTimeout   int `json:"tokenTimeout" yaml:"tokenTimeout"`
	ConnectTimeout int `json:"connectTimeout" yaml:"connectTimeout"`
	CommandTimeout int `json:"commandTimeout" yaml:"commandTimeout"`
	ResyncTimeout  int `json:"resyncTimeout" yaml:"resyncTimeout"`
	MaxOutputBytes int `json:"maxOutputBytes" yaml:"maxOutputBytes"`
}

type LedgerConfig struct {
	Persist bool   `json:"persist" yaml:"persist"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
}

type ServerConfig struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// Environment variables that override the session identity.
const (
	EnvPrincipal    = "DLM_UPN"
	EnvOrganization = "DLM_ORGANIZATION"
)

// DefaultConfigDir returns the default config directory (~/.dlmdiag).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dlmdiag"
	}
	return filepath.Join(home, ".dlmdiag")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	finish(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults plus environment when
// the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(ExpandPath(path)); !os.IsNotExist(statErr) {
		return nil, err
	}
	cfg = Defaults()
	finish(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config) {
	ApplyEnv(cfg)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Ledger.DBPath = ExpandPath(cfg.Ledger.DBPath)
}

// ApplyEnv lets DLM_UPN and DLM_ORGANIZATION override the file.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvPrincipal); v != "" {
		cfg.Session.Principal = v
	}
	if v := os.Getenv(EnvOrganization); v != "" {
		cfg.Session.Organization = v
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values. Principal and organization
// may be empty here; the session refuses to start without them.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Session.Shell == "" {
		errs = append(errs, "session.shell is required")
	}
	if len(cfg.Session.Modules) == 0 {
		errs = append(errs, "session.modules must name at least one module")
	}
	if cfg.Session.Organization != "" && !strings.Contains(cfg.Session.Organization, ".") {
		errs = append(errs, "session.organization must be a tenant domain such as contoso.onmicrosoft.com")
	}
	if cfg.Session.Principal != "" && !strings.Contains(cfg.Session.Principal, "@") {
		errs = append(errs, "session.principal must be a user principal name")
	}

	timeouts := map[string]int{
		"session.readyTimeout":   cfg.Session.ReadyTimeout,
		"session.importTimeout":  cfg.Session.ImportTimeout,
		"session.tokenTimeout":   cfg.Session.TokenTimeout,
		"session.connectTimeout": cfg.Session.ConnectTimeout,
		"session.commandTimeout": cfg.Session.CommandTimeout,
		"session.resyncTimeout":  cfg.Session.ResyncTimeout,
	}
	for _, key := range sortedKeys(timeouts) {
		if v := timeouts[key]; v < 1 || v > 3600 {
			errs = append(errs, fmt.Sprintf("%s must be between 1 and 3600 seconds", key))
		}
	}
	if cfg.Session.MaxOutputBytes < 1024 {
		errs = append(errs, "session.maxOutputBytes must be >= 1024")
	}

	if cfg.Ledger.Persist && cfg.Ledger.DBPath == "" {
		errs = append(errs, "ledger.dbPath is required when ledger.persist is true")
	}
	if cfg.Server.Name == "" {
		errs = append(errs, "server.name is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
