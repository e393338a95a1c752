package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppName names the per-user directory holding settings, logs, and the history database.
const AppName = "pricing-desktop"

const defaultConfigFileName = "settings.yaml"

// Settings is the resolved configuration for one run of the desktop app or CLI
type Settings struct {
	Backend  BackendSettings
	Jobs     JobSettings
	Monitor  MonitorSettings
	Database DatabaseSettings
	LogLevel string

	// Path is the settings file that was consulted. It may not exist.
	Path string
}

// BackendSettings controls how the backend process is launched and supervised
type BackendSettings struct {
	Host         string
	Port         int
	Python       string // empty = platform default interpreter
	ResourcesDir string // installed, read-only application resources
	DataDir      string // writable user data (config.json, invoices, logs)

	HealthInterval      time.Duration
	HealthTimeout       time.Duration
	MaxAttempts         int
	StartupTimeout      time.Duration
	GracePeriod         time.Duration
	RuntimeCheckTimeout time.Duration
}

// JobSettings controls client-side job status polling
type JobSettings struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

// MonitorSettings holds the cron expressions for background refreshes
type MonitorSettings struct {
	HealthCron    string
	DashboardCron string
}

// DatabaseSettings selects the local history store
type DatabaseSettings struct {
	URL string // empty = sqlite file in the data dir
}

// BaseURL returns the backend's local HTTP endpoint
func (b BackendSettings) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", b.Host, b.Port)
}

// LogDir returns the directory holding the backend diagnostic log
func (b BackendSettings) LogDir() string {
	return filepath.Join(b.DataDir, "logs")
}

// GetDefaultConfigDir returns <user config dir>/pricing-desktop
func GetDefaultConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(configDir, AppName), nil
}

// GetDefaultConfigFilePath returns the settings file used when none is given
func GetDefaultConfigFilePath() (string, error) {
	dir, err := GetDefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultConfigFileName), nil
}

// defaultResourcesDir is the directory of the running executable; installed
// backend sources are shipped next to it.
func defaultResourcesDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("backend.host", "127.0.0.1")
	v.SetDefault("backend.port", 8000)
	v.SetDefault("backend.python", "")
	v.SetDefault("backend.resources_dir", defaultResourcesDir())
	v.SetDefault("backend.data_dir", dataDir)
	v.SetDefault("backend.health_interval", 500*time.Millisecond)
	v.SetDefault("backend.health_timeout", time.Second)
	v.SetDefault("backend.max_attempts", 60)
	v.SetDefault("backend.startup_timeout", 30*time.Second)
	v.SetDefault("backend.grace_period", 5*time.Second)
	v.SetDefault("backend.runtime_check_timeout", 5*time.Second)

	v.SetDefault("jobs.poll_interval", 300*time.Millisecond)
	v.SetDefault("jobs.request_timeout", 2*time.Second)

	v.SetDefault("monitor.health_cron", "*/5 * * * * *")
	v.SetDefault("monitor.dashboard_cron", "*/10 * * * * *")

	v.SetDefault("database.url", "")
	v.SetDefault("log_level", "INFO")
}

// newViper mirrors the CLI viper setup: explicit file, PRICING_ env prefix,
// and '.'/'-' mapped to '_' in env var names.
func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("pricing")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Unprefixed names kept for parity with the database layer's historical env vars
	_ = v.BindEnv("database.url", "PRICING_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("log_level", "PRICING_LOG_LEVEL", "LOG_LEVEL")
	return v
}

// Load resolves settings from defaults, the settings file at path (if it
// exists), and the environment. An empty path selects the default file.
func Load(path string) (*Settings, error) {
	if path == "" {
		p, err := GetDefaultConfigFilePath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	path = os.ExpandEnv(path)

	v := newViper(path)
	setDefaults(v, filepath.Dir(path))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
		}
	}

	s := &Settings{
		Backend: BackendSettings{
			Host:                v.GetString("backend.host"),
			Port:                v.GetInt("backend.port"),
			Python:              v.GetString("backend.python"),
			ResourcesDir:        v.GetString("backend.resources_dir"),
			DataDir:             v.GetString("backend.data_dir"),
			HealthInterval:      v.GetDuration("backend.health_interval"),
			HealthTimeout:       v.GetDuration("backend.health_timeout"),
			MaxAttempts:         v.GetInt("backend.max_attempts"),
			StartupTimeout:      v.GetDuration("backend.startup_timeout"),
			GracePeriod:         v.GetDuration("backend.grace_period"),
			RuntimeCheckTimeout: v.GetDuration("backend.runtime_check_timeout"),
		},
		Jobs: JobSettings{
			PollInterval:   v.GetDuration("jobs.poll_interval"),
			RequestTimeout: v.GetDuration("jobs.request_timeout"),
		},
		Monitor: MonitorSettings{
			HealthCron:    v.GetString("monitor.health_cron"),
			DashboardCron: v.GetString("monitor.dashboard_cron"),
		},
		Database: DatabaseSettings{
			URL: v.GetString("database.url"),
		},
		LogLevel: strings.ToUpper(v.GetString("log_level")),
		Path:     path,
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects settings the supervisor or poller cannot run with
func (s *Settings) Validate() error {
	b := s.Backend
	if b.Port <= 0 || b.Port > 65535 {
		return fmt.Errorf("backend.port out of range: %d", b.Port)
	}
	if b.Host == "" {
		return errors.New("backend.host is required")
	}
	if b.DataDir == "" {
		return errors.New("backend.data_dir is required")
	}
	if b.HealthInterval <= 0 || b.HealthTimeout <= 0 || b.StartupTimeout <= 0 {
		return errors.New("backend health interval, timeout and startup timeout must be positive")
	}
	if b.MaxAttempts <= 0 {
		return fmt.Errorf("backend.max_attempts must be positive, got %d", b.MaxAttempts)
	}
	if b.GracePeriod < 0 || b.RuntimeCheckTimeout <= 0 {
		return errors.New("backend grace period and runtime check timeout must be positive")
	}
	if s.Jobs.PollInterval <= 0 || s.Jobs.RequestTimeout <= 0 {
		return errors.New("jobs poll interval and request timeout must be positive")
	}
	return nil
}
