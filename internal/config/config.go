package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/tunnelwatch/internal/logger"
	"github.com/loykin/tunnelwatch/internal/process"
)

// ErrInvalid wraps every configuration problem. The CLI maps it to exit code 1.
var ErrInvalid = errors.New("invalid configuration")

const DefaultEnvFile = ".env"

var (
	tokenPattern  = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)
	chatIDPattern = regexp.MustCompile(`^-?\d+(_\d+)?$`)
)

// Config is the flat service configuration. Every key can be set in the TOML
// file, the dotenv file or the environment (upper-case key).
type Config struct {
	TelegramToken   string `toml:"telegram_token" mapstructure:"telegram_token"`
	ChatID          string `toml:"chat_id" mapstructure:"chat_id"`
	TelegramAPIURL  string `toml:"telegram_api_url" mapstructure:"telegram_api_url"`
	CloudflaredPath string `toml:"cloudflared_path" mapstructure:"cloudflared_path"`
	SSHPort         int    `toml:"ssh_port" mapstructure:"ssh_port"`
	SSHUsername     string `toml:"ssh_username" mapstructure:"ssh_username"`
	URLSuffix       string `toml:"url_suffix" mapstructure:"url_suffix"`
	LogLevel        string `toml:"log_level" mapstructure:"log_level"`
	LogFormat       string `toml:"log_format" mapstructure:"log_format"`
	LogColor        bool   `toml:"log_color" mapstructure:"log_color"`
	LogFile         string `toml:"log_file" mapstructure:"log_file"`
	TunnelLogDir    string `toml:"tunnel_log_dir" mapstructure:"tunnel_log_dir"`
	MaxRetries      int    `toml:"max_retries" mapstructure:"max_retries"`
	BaseRetryDelay  int    `toml:"base_retry_delay" mapstructure:"base_retry_delay"` // seconds
	MaxRetryDelay   int    `toml:"max_retry_delay" mapstructure:"max_retry_delay"`   // seconds
	ResetOnRestart  bool   `toml:"reset_on_restart" mapstructure:"reset_on_restart"`
	HTTPListen      string `toml:"http_listen" mapstructure:"http_listen"`
	HTTPBasePath    string `toml:"http_base_path" mapstructure:"http_base_path"`
	HistoryDSN      string `toml:"history_dsn" mapstructure:"history_dsn"`
}

var defaults = map[string]any{
	"telegram_token":   "",
	"chat_id":          "",
	"telegram_api_url": "https://api.telegram.org",
	"cloudflared_path": process.DefaultBinary,
	"ssh_port":         22,
	"ssh_username":     "",
	"url_suffix":       "trycloudflare.com",
	"log_level":        "INFO",
	"log_format":       string(logger.FormatText),
	"log_color":        false,
	"log_file":         "",
	"tunnel_log_dir":   "",
	"max_retries":      10,
	"base_retry_delay": 3,
	"max_retry_delay":  60,
	"reset_on_restart": false,
	"http_listen":      "",
	"http_base_path":   "",
	"history_dsn":      "",
}

// LoadOptions names the optional sources.
type LoadOptions struct {
	ConfigFile string // TOML; empty skips
	EnvFile    string // dotenv; empty skips, missing file only warns
	Logger     *slog.Logger
}

// Load merges defaults, the TOML file, the dotenv file and the process
// environment (highest precedence), then validates the result.
func Load(opts LoadOptions) (*Config, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, opts.ConfigFile, err)
		}
		log.Info("loaded config file", "path", opts.ConfigFile)
	}

	if opts.EnvFile != "" {
		pairs, err := loadEnvFile(opts.EnvFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Warn("env file not found", "path", opts.EnvFile)
		case err != nil:
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, opts.EnvFile, err)
		default:
			log.Info("loading environment from file", "path", opts.EnvFile)
			for k, val := range pairs {
				// the real environment wins over the file
				if _, set := os.LookupEnv(k); set {
					continue
				}
				v.Set(strings.ToLower(k), val)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	log.Debug("configuration loaded", "ssh_port", c.SSHPort, "log_level", c.LogLevel, "max_retries", c.MaxRetries)
	return &c, nil
}

// Validate checks formats and ranges. Errors wrap ErrInvalid.
func (c *Config) Validate() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("%w: TELEGRAM_TOKEN is required", ErrInvalid)
	}
	if c.ChatID == "" {
		return fmt.Errorf("%w: CHAT_ID is required", ErrInvalid)
	}
	if !tokenPattern.MatchString(c.TelegramToken) {
		return fmt.Errorf("%w: invalid Telegram token format", ErrInvalid)
	}
	if !chatIDPattern.MatchString(c.ChatID) {
		return fmt.Errorf("%w: invalid chat ID format: %s", ErrInvalid, c.ChatID)
	}
	if c.SSHPort < 1 || c.SSHPort > 65535 {
		return fmt.Errorf("%w: invalid SSH port: %d", ErrInvalid, c.SSHPort)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("%w: invalid max_retries: %d", ErrInvalid, c.MaxRetries)
	}
	if c.BaseRetryDelay < 1 {
		return fmt.Errorf("%w: invalid base_retry_delay: %d", ErrInvalid, c.BaseRetryDelay)
	}
	if c.MaxRetryDelay < c.BaseRetryDelay {
		return fmt.Errorf("%w: max_retry_delay must be >= base_retry_delay", ErrInvalid)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch logger.Format(strings.ToLower(c.LogFormat)) {
	case logger.FormatText, logger.FormatJSON:
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.LogFormat)
	}
	return nil
}

// LoggerConfig returns the service logger settings.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.LogLevel,
		Format: logger.Format(strings.ToLower(c.LogFormat)),
		Color:  c.LogColor,
		File:   logger.FileConfig{Path: c.LogFile},
	}
}

// ProcessSpec describes the cloudflared child.
func (c *Config) ProcessSpec() process.Spec {
	return process.Spec{
		Name:   "cloudflared",
		Binary: c.CloudflaredPath,
		Port:   c.SSHPort,
		Log:    logger.ProcessLogConfig{Dir: c.TunnelLogDir},
	}
}

// ProcessOptions returns the restart budget and backoff bounds.
func (c *Config) ProcessOptions() process.Options {
	return process.Options{
		MaxRestarts: c.MaxRetries,
		BaseDelay:   time.Duration(c.BaseRetryDelay) * time.Second,
		MaxDelay:    time.Duration(c.MaxRetryDelay) * time.Second,
	}
}

// HistoryDSNs splits the comma-separated history_dsn.
func (c *Config) HistoryDSNs() []string {
	var out []string
	for _, p := range strings.Split(c.HistoryDSN, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
