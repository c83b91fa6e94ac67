package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/loykin/vktunnel/internal/logger"
)

// EnvPrefix prefixes the automatic environment binding of every key.
const EnvPrefix = "VKTUNNEL"

// Config is the complete runtime configuration.
type Config struct {
	EnvFile     string            `toml:"env_file" mapstructure:"env_file" comment:"optional KEY=VALUE file applied before environment lookup"`
	Log         logger.Config     `toml:"log" mapstructure:"log"`
	Tunnel      TunnelConfig      `toml:"tunnel" mapstructure:"tunnel"`
	Supervisor  SupervisorConfig  `toml:"supervisor" mapstructure:"supervisor"`
	Health      HealthConfig      `toml:"health" mapstructure:"health"`
	Termination TerminationConfig `toml:"termination" mapstructure:"termination"`
	Telegram    TelegramConfig    `toml:"telegram" mapstructure:"telegram"`
	API         APIConfig         `toml:"api" mapstructure:"api"`
	Admin       AdminConfig       `toml:"admin" mapstructure:"admin"`
	History     HistoryConfig     `toml:"history" mapstructure:"history"`
	Server      ServerConfig      `toml:"server" mapstructure:"server"`
}

type TunnelConfig struct {
	Command string   `toml:"command" mapstructure:"command"`
	Args    []string `toml:"args" mapstructure:"args" comment:"replaces the default vk-tunnel flags when set"`
	Host    string   `toml:"host" mapstructure:"host"`
	Port    int      `toml:"port" mapstructure:"port"`
	WorkDir string   `toml:"workdir" mapstructure:"workdir"`
	Env     []string `toml:"env" mapstructure:"env"`
}

type SupervisorConfig struct {
	CrashLimit      int      `toml:"crash_limit" mapstructure:"crash_limit"`
	SpawnBackoff    Duration `toml:"spawn_backoff" mapstructure:"spawn_backoff"`
	Quiescence      Duration `toml:"quiescence" mapstructure:"quiescence"`
	HoldPoll        Duration `toml:"hold_poll" mapstructure:"hold_poll"`
	NotifyTimeout   Duration `toml:"notify_timeout" mapstructure:"notify_timeout"`
	RestartSchedule string   `toml:"restart_schedule" mapstructure:"restart_schedule" comment:"cron spec for periodic restarts, e.g. \"@every 5h\"; empty disables"`
}

type HealthConfig struct {
	Mode      string   `toml:"mode" mapstructure:"mode" comment:"http or tcp"`
	Grace     Duration `toml:"grace" mapstructure:"grace"`
	Interval  Duration `toml:"interval" mapstructure:"interval"`
	Timeout   Duration `toml:"timeout" mapstructure:"timeout"`
	Threshold int      `toml:"threshold" mapstructure:"threshold"`
}

type TerminationConfig struct {
	GraceTimeout    Duration `toml:"grace_timeout" mapstructure:"grace_timeout"`
	KillTimeout     Duration `toml:"kill_timeout" mapstructure:"kill_timeout"`
	FallbackTimeout Duration `toml:"fallback_timeout" mapstructure:"fallback_timeout"`
	SettleDelay     Duration `toml:"settle_delay" mapstructure:"settle_delay"`
	FinalTimeout    Duration `toml:"final_timeout" mapstructure:"final_timeout"`
}

type TelegramConfig struct {
	BotToken      string `toml:"bot_token" mapstructure:"bot_token"`
	ChatID        string `toml:"chat_id" mapstructure:"chat_id"`
	OwnerID       int64  `toml:"owner_id" mapstructure:"owner_id"`
	APIBase       string `toml:"api_base" mapstructure:"api_base"`
	Mode          string `toml:"mode" mapstructure:"mode" comment:"polling or webhook"`
	WebhookListen string `toml:"webhook_listen" mapstructure:"webhook_listen"`
	WebhookPath   string `toml:"webhook_path" mapstructure:"webhook_path"`
	WebhookSecret string `toml:"webhook_secret" mapstructure:"webhook_secret"`
}

// APIConfig configures the host update API and the host payload it sends.
type APIConfig struct {
	Domain                   string   `toml:"domain" mapstructure:"domain" comment:"empty disables host updates"`
	Token                    string   `toml:"token" mapstructure:"token"`
	Timeout                  Duration `toml:"timeout" mapstructure:"timeout"`
	UUID                     string   `toml:"uuid" mapstructure:"uuid"`
	ConfigProfileUUID        string   `toml:"config_profile_uuid" mapstructure:"config_profile_uuid"`
	ConfigProfileInboundUUID string   `toml:"config_profile_inbound_uuid" mapstructure:"config_profile_inbound_uuid"`
	Remark                   string   `toml:"remark" mapstructure:"remark"`
	Address                  string   `toml:"address" mapstructure:"address"`
	Port                     int      `toml:"port" mapstructure:"port"`
	Path                     string   `toml:"path" mapstructure:"path"`
	SNI                      string   `toml:"sni" mapstructure:"sni"`
	ALPN                     string   `toml:"alpn" mapstructure:"alpn"`
	Fingerprint              string   `toml:"fingerprint" mapstructure:"fingerprint"`
	SecurityLayer            string   `toml:"security_layer" mapstructure:"security_layer"`
	IsDisabled               bool     `toml:"is_disabled" mapstructure:"is_disabled"`
	IsHidden                 bool     `toml:"is_hidden" mapstructure:"is_hidden"`
	OverrideSNIFromAddress   bool     `toml:"override_sni_from_address" mapstructure:"override_sni_from_address"`
	AllowInsecure            bool     `toml:"allow_insecure" mapstructure:"allow_insecure"`
}

type AdminConfig struct {
	Store string `toml:"store" mapstructure:"store" comment:"admins.json path, or sqlite:// / postgres:// DSN"`
}

type HistoryConfig struct {
	Sinks     []string `toml:"sinks" mapstructure:"sinks" comment:"DSNs: sqlite://, postgres://, clickhouse://, opensearch://"`
	QueueSize int      `toml:"queue_size" mapstructure:"queue_size"`
}

type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	Metrics  bool   `toml:"metrics" mapstructure:"metrics"`
}

// Default returns the configuration used when nothing overrides a key.
func Default() Config {
	return Config{
		EnvFile: ".env",
		Log: logger.Config{
			File:       logger.DefaultFile,
			MaxSizeMB:  logger.DefaultMaxSizeMB,
			MaxBackups: logger.DefaultMaxBackups,
			MaxAgeDays: logger.DefaultMaxAgeDays,
			Level:      "info",
			Color:      true,
		},
		Tunnel: TunnelConfig{Command: "vk-tunnel", Host: "127.0.0.1", Port: 10001},
		Supervisor: SupervisorConfig{
			CrashLimit:    5,
			SpawnBackoff:  Duration(30 * time.Second),
			Quiescence:    Duration(10 * time.Second),
			HoldPoll:      Duration(5 * time.Second),
			NotifyTimeout: Duration(10 * time.Second),
		},
		Health: HealthConfig{
			Mode:      "http",
			Grace:     Duration(20 * time.Second),
			Interval:  Duration(30 * time.Second),
			Timeout:   Duration(5 * time.Second),
			Threshold: 3,
		},
		Termination: TerminationConfig{
			GraceTimeout:    Duration(5 * time.Second),
			KillTimeout:     Duration(5 * time.Second),
			FallbackTimeout: Duration(5 * time.Second),
			SettleDelay:     Duration(2 * time.Second),
			FinalTimeout:    Duration(5 * time.Second),
		},
		Telegram: TelegramConfig{
			APIBase:       "https://api.telegram.org",
			Mode:          "polling",
			WebhookListen: "127.0.0.1:8443",
			WebhookPath:   "/telegram/webhook",
		},
		API: APIConfig{
			Timeout:                Duration(10 * time.Second),
			UUID:                   "5c47363f-81b4-4e8e-88f1-852bb253acec",
			Remark:                 "🔴 VK Tunnel",
			Address:                "tunnel.vk-apps.com",
			Port:                   443,
			Path:                   "/ws",
			SNI:                    "tunnel.vk-apps.com",
			ALPN:                   "h3,h2,http/1.1",
			Fingerprint:            "chrome",
			SecurityLayer:          "TLS",
			OverrideSNIFromAddress: true,
		},
		Admin:   AdminConfig{Store: "admins.json"},
		History: HistoryConfig{QueueSize: 256},
		Server:  ServerConfig{Enabled: true, Listen: "127.0.0.1:8089", BasePath: "/api", Metrics: true},
	}
}

// legacyEnv maps keys to the plain environment names deployments already use.
var legacyEnv = map[string]string{
	"telegram.bot_token":              "BOT_TOKEN",
	"telegram.chat_id":                "CHAT_ID",
	"telegram.owner_id":               "ALLOWED_USER_ID",
	"api.token":                       "API_TOKEN",
	"api.domain":                      "API_DOMAIN",
	"tunnel.port":                     "TUNNEL_PORT",
	"api.config_profile_uuid":         "CONFIG_PROFILE_UUID",
	"api.config_profile_inbound_uuid": "CONFIG_PROFILE_INBOUND_UUID",
	// integer seconds, decoded by secondsToDurationHook
	"health.interval": "HEALTH_CHECK_INTERVAL_SECONDS",
}

// Load reads the configuration like Read and validates it.
func Load(path string) (*Config, error) {
	c, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Read reads path (optional), then the env file, then the environment,
// without validating. Client commands use it to find the daemon.
// Precedence, highest first: environment, env file, config file, defaults.
func Read(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range legacyEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, name); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if envFile := v.GetString("env_file"); envFile != "" {
		if err := applyEnvFile(envFile, envFile != Default().EnvFile); err != nil {
			return nil, err
		}
	}

	var c Config
	err := v.Unmarshal(&c, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

// setDefaults registers every key so AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("env_file", d.EnvFile)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.color", d.Log.Color)

	v.SetDefault("tunnel.command", d.Tunnel.Command)
	v.SetDefault("tunnel.args", d.Tunnel.Args)
	v.SetDefault("tunnel.host", d.Tunnel.Host)
	v.SetDefault("tunnel.port", d.Tunnel.Port)
	v.SetDefault("tunnel.workdir", d.Tunnel.WorkDir)
	v.SetDefault("tunnel.env", d.Tunnel.Env)

	v.SetDefault("supervisor.crash_limit", d.Supervisor.CrashLimit)
	v.SetDefault("supervisor.spawn_backoff", d.Supervisor.SpawnBackoff.String())
	v.SetDefault("supervisor.quiescence", d.Supervisor.Quiescence.String())
	v.SetDefault("supervisor.hold_poll", d.Supervisor.HoldPoll.String())
	v.SetDefault("supervisor.notify_timeout", d.Supervisor.NotifyTimeout.String())
	v.SetDefault("supervisor.restart_schedule", d.Supervisor.RestartSchedule)

	v.SetDefault("health.mode", d.Health.Mode)
	v.SetDefault("health.grace", d.Health.Grace.String())
	v.SetDefault("health.interval", d.Health.Interval.String())
	v.SetDefault("health.timeout", d.Health.Timeout.String())
	v.SetDefault("health.threshold", d.Health.Threshold)

	v.SetDefault("termination.grace_timeout", d.Termination.GraceTimeout.String())
	v.SetDefault("termination.kill_timeout", d.Termination.KillTimeout.String())
	v.SetDefault("termination.fallback_timeout", d.Termination.FallbackTimeout.String())
	v.SetDefault("termination.settle_delay", d.Termination.SettleDelay.String())
	v.SetDefault("termination.final_timeout", d.Termination.FinalTimeout.String())

	v.SetDefault("telegram.bot_token", d.Telegram.BotToken)
	v.SetDefault("telegram.chat_id", d.Telegram.ChatID)
	v.SetDefault("telegram.owner_id", d.Telegram.OwnerID)
	v.SetDefault("telegram.api_base", d.Telegram.APIBase)
	v.SetDefault("telegram.mode", d.Telegram.Mode)
	v.SetDefault("telegram.webhook_listen", d.Telegram.WebhookListen)
	v.SetDefault("telegram.webhook_path", d.Telegram.WebhookPath)
	v.SetDefault("telegram.webhook_secret", d.Telegram.WebhookSecret)

	v.SetDefault("api.domain", d.API.Domain)
	v.SetDefault("api.token", d.API.Token)
	v.SetDefault("api.timeout", d.API.Timeout.String())
	v.SetDefault("api.uuid", d.API.UUID)
	v.SetDefault("api.config_profile_uuid", d.API.ConfigProfileUUID)
	v.SetDefault("api.config_profile_inbound_uuid", d.API.ConfigProfileInboundUUID)
	v.SetDefault("api.remark", d.API.Remark)
	v.SetDefault("api.address", d.API.Address)
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.path", d.API.Path)
	v.SetDefault("api.sni", d.API.SNI)
	v.SetDefault("api.alpn", d.API.ALPN)
	v.SetDefault("api.fingerprint", d.API.Fingerprint)
	v.SetDefault("api.security_layer", d.API.SecurityLayer)
	v.SetDefault("api.is_disabled", d.API.IsDisabled)
	v.SetDefault("api.is_hidden", d.API.IsHidden)
	v.SetDefault("api.override_sni_from_address", d.API.OverrideSNIFromAddress)
	v.SetDefault("api.allow_insecure", d.API.AllowInsecure)

	v.SetDefault("admin.store", d.Admin.Store)
	v.SetDefault("history.sinks", d.History.Sinks)
	v.SetDefault("history.queue_size", d.History.QueueSize)

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.metrics", d.Server.Metrics)
}

// applyEnvFile exports the file's variables that are not already set.
// A missing file is only an error when it was named explicitly.
func applyEnvFile(path string, required bool) error {
	pairs, err := loadEnvFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	for k, val := range pairs {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, val); err != nil {
			return err
		}
	}
	return nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines. Blank lines and # comments are skipped,
// an "export " prefix and matching surrounding quotes are removed.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		m[strings.TrimSpace(k)] = unquote(strings.TrimSpace(val))
	}
	return m, nil
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.BotToken == "" {
		errs = append(errs, errors.New("telegram.bot_token (BOT_TOKEN) is required"))
	}
	if c.Telegram.ChatID == "" {
		errs = append(errs, errors.New("telegram.chat_id (CHAT_ID) is required"))
	}
	if c.Telegram.OwnerID == 0 {
		errs = append(errs, errors.New("telegram.owner_id (ALLOWED_USER_ID) is required"))
	}
	switch c.Telegram.Mode {
	case "polling":
	case "webhook":
		if c.Telegram.WebhookListen == "" || c.Telegram.WebhookPath == "" {
			errs = append(errs, errors.New("telegram webhook mode needs webhook_listen and webhook_path"))
		}
	default:
		errs = append(errs, fmt.Errorf("telegram.mode %q must be polling or webhook", c.Telegram.Mode))
	}

	if c.Tunnel.Command == "" {
		errs = append(errs, errors.New("tunnel.command is required"))
	}
	if c.Tunnel.Port < 1 || c.Tunnel.Port > 65535 {
		errs = append(errs, fmt.Errorf("tunnel.port %d out of range 1..65535", c.Tunnel.Port))
	}
	if c.Health.Threshold < 1 {
		errs = append(errs, errors.New("health.threshold must be at least 1"))
	}
	if c.Health.Mode != "http" && c.Health.Mode != "tcp" {
		errs = append(errs, fmt.Errorf("health.mode %q must be http or tcp", c.Health.Mode))
	}
	if c.Supervisor.CrashLimit < 1 {
		errs = append(errs, errors.New("supervisor.crash_limit must be at least 1"))
	}
	if s := c.Supervisor.RestartSchedule; s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			errs = append(errs, fmt.Errorf("supervisor.restart_schedule: %w", err))
		}
	}

	if c.API.Domain != "" {
		if c.API.Token == "" {
			errs = append(errs, errors.New("api.token (API_TOKEN) is required when api.domain is set"))
		}
		for name, val := range map[string]string{
			"api.uuid":                        c.API.UUID,
			"api.config_profile_uuid":         c.API.ConfigProfileUUID,
			"api.config_profile_inbound_uuid": c.API.ConfigProfileInboundUUID,
		} {
			if _, err := uuid.Parse(val); err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid uuid %q", name, val))
			}
		}
	}

	if c.Server.Enabled {
		if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
			errs = append(errs, fmt.Errorf("server.listen: %w", err))
		}
	}
	if c.History.QueueSize < 0 {
		errs = append(errs, errors.New("history.queue_size must not be negative"))
	}
	return errors.Join(errs...)
}

// TunnelArgv returns the full command line for the tunnel binary.
func (c *Config) TunnelArgv() []string {
	if len(c.Tunnel.Args) > 0 {
		return append([]string{c.Tunnel.Command}, c.Tunnel.Args...)
	}
	return []string{
		c.Tunnel.Command,
		"--verbose",
		"--insecure=1",
		"--http-protocol=http",
		"--ws-protocol=ws",
		"--ws-origin=0",
		"--host", c.Tunnel.Host,
		"--port", strconv.Itoa(c.Tunnel.Port),
		"--ws-ping-interval=30",
	}
}
