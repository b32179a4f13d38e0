package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override settings.
// Nested keys are separated by a double underscore, e.g.
// CLOUDSCAN_DEFECTDOJO__HOST -> defectdojo.host.
const EnvPrefix = "CLOUDSCAN_"

type ProfilesConfig struct {
	RootDir        string `koanf:"root_dir" yaml:"root_dir"`
	ConfigDirName  string `koanf:"config_dir_name" yaml:"config_dir_name"`
	ReportsDirName string `koanf:"reports_dir_name" yaml:"reports_dir_name"`
}

type CloudsploitConfig struct {
	RootDir       string   `koanf:"root_dir" yaml:"root_dir"`
	Command       string   `koanf:"command" yaml:"command"`
	Args          []string `koanf:"args" yaml:"args"`
	ConsolePrefix string   `koanf:"console_prefix" yaml:"console_prefix"`
}

type DefectDojoConfig struct {
	Host              string        `koanf:"host" yaml:"host"`
	Username          string        `koanf:"username" yaml:"username"`
	Password          string        `koanf:"password" yaml:"password"`
	ResourceMaxLength int           `koanf:"resource_max_length" yaml:"resource_max_length"`
	EngagementName    string        `koanf:"engagement_name" yaml:"engagement_name"`
	ProductType       int           `koanf:"product_type" yaml:"product_type"`
	ScanType          string        `koanf:"scan_type" yaml:"scan_type"`
	MinimumSeverity   string        `koanf:"minimum_severity" yaml:"minimum_severity"`
	EngagementStart   string        `koanf:"engagement_start" yaml:"engagement_start"`
	EngagementEnd     string        `koanf:"engagement_end" yaml:"engagement_end"`
	RateLimit         float64       `koanf:"rate_limit" yaml:"rate_limit"`
	Timeout           time.Duration `koanf:"timeout" yaml:"timeout"`
}

type SecretsConfig struct {
	Backend      string `koanf:"backend" yaml:"backend"` // keyvault | memory
	KeyVaultName string `koanf:"key_vault_name" yaml:"key_vault_name"`
}

type LoggerConfig struct {
	Level         string `koanf:"level" yaml:"level"`
	BaseDir       string `koanf:"base_dir" yaml:"base_dir"`
	BaseFileName  string `koanf:"base_file_name" yaml:"base_file_name"`
	EnableConsole bool   `koanf:"enable_console" yaml:"enable_console"`
}

type ScheduleConfig struct {
	Cron string `koanf:"cron" yaml:"cron"`
}

type MetricsConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// Config is built once at startup and handed to every component constructor.
type Config struct {
	Profiles    ProfilesConfig    `koanf:"profiles" yaml:"profiles"`
	Cloudsploit CloudsploitConfig `koanf:"cloudsploit" yaml:"cloudsploit"`
	DefectDojo  DefectDojoConfig  `koanf:"defectdojo" yaml:"defectdojo"`
	Secrets     SecretsConfig     `koanf:"secrets" yaml:"secrets"`
	Logger      LoggerConfig      `koanf:"logger" yaml:"logger"`
	Schedule    ScheduleConfig    `koanf:"schedule" yaml:"schedule"`
	Metrics     MetricsConfig     `koanf:"metrics" yaml:"metrics"`
}

// GetConfigDir returns ~/.cloudscan, creating it if needed.
func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".cloudscan")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", err
	}
	return configDir, nil
}

// GetConfigPath returns the default settings file location.
func GetConfigPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Defaults returns the baseline settings rooted at baseDir.
func Defaults(baseDir string) map[string]any {
	return map[string]any{
		"profiles.root_dir":         filepath.Join(baseDir, "profiles"),
		"profiles.config_dir_name":  "configs",
		"profiles.reports_dir_name": "reports",

		"cloudsploit.root_dir":       filepath.Join(baseDir, "cloudsploit"),
		"cloudsploit.command":        "node",
		"cloudsploit.args":           []string{"."},
		"cloudsploit.console_prefix": "cloud-sploit",

		"defectdojo.host":                "",
		"defectdojo.username":            "",
		"defectdojo.password":            "",
		"defectdojo.resource_max_length": 200,
		"defectdojo.engagement_name":     "DefaultEngagement",
		"defectdojo.product_type":        1,
		"defectdojo.scan_type":           "Cloudsploit Scan",
		"defectdojo.minimum_severity":    "High",
		"defectdojo.engagement_start":    "2023-01-19",
		"defectdojo.engagement_end":      "2023-01-26",
		"defectdojo.rate_limit":          0.0,
		"defectdojo.timeout":             30 * time.Minute,

		"secrets.backend":        "keyvault",
		"secrets.key_vault_name": "",

		"logger.level":          "info",
		"logger.base_dir":       filepath.Join(baseDir, "logs"),
		"logger.base_file_name": "cloudscan.log",
		"logger.enable_console": true,

		"schedule.cron": "",
		"metrics.addr":  "",
	}
}

// LoadConfig merges defaults, the YAML settings file and CLOUDSCAN_ environment
// variables, in that order. An empty path means the default settings file, which
// may be absent.
func LoadConfig(path string) (*Config, error) {
	baseDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}
	explicit := path != ""
	if !explicit {
		path = filepath.Join(baseDir, "config.yaml")
	}
	return load(Defaults(baseDir), path, explicit)
}

func load(defaults map[string]any, path string, required bool) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		_, statErr := os.Stat(path)
		switch {
		case statErr == nil:
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load settings file %s: %w", path, err)
			}
		case errors.Is(statErr, os.ErrNotExist) && !required:
		default:
			return nil, fmt.Errorf("settings file %s: %w", path, statErr)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate reports settings the pipeline cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Profiles.RootDir == "" {
		errs = append(errs, errors.New("profiles.root_dir is required"))
	}
	if c.Cloudsploit.RootDir == "" {
		errs = append(errs, errors.New("cloudsploit.root_dir is required"))
	}
	if c.Cloudsploit.Command == "" {
		errs = append(errs, errors.New("cloudsploit.command is required"))
	}
	if c.DefectDojo.Host == "" {
		errs = append(errs, errors.New("defectdojo.host is required"))
	}
	if c.DefectDojo.Username == "" || c.DefectDojo.Password == "" {
		errs = append(errs, errors.New("defectdojo.username and defectdojo.password are required"))
	}
	if c.DefectDojo.ResourceMaxLength <= 3 {
		errs = append(errs, fmt.Errorf("defectdojo.resource_max_length must be greater than 3, got %d", c.DefectDojo.ResourceMaxLength))
	}
	switch c.Secrets.Backend {
	case "memory":
	case "keyvault":
		if c.Secrets.KeyVaultName == "" {
			errs = append(errs, errors.New("secrets.key_vault_name is required for the keyvault backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown secrets.backend %q", c.Secrets.Backend))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.DefectDojo.Password != "" {
		c.DefectDojo.Password = "******"
	}
	return c
}
