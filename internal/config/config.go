package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "MAILRELAY"

// Config represents the relay configuration. It is loaded once at startup.
type Config struct {
	IMAP            IMAPConfig       `mapstructure:"imap" yaml:"imap"`
	Senders         []string         `mapstructure:"senders" yaml:"senders"`
	Retention       RetentionConfig  `mapstructure:"retention" yaml:"retention"`
	Watch           WatchConfig      `mapstructure:"watch" yaml:"watch"`
	Supervisor      SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Processor       ProcessorConfig  `mapstructure:"processor" yaml:"processor"`
	Telegram        TelegramConfig   `mapstructure:"telegram" yaml:"telegram"`
	Admin           AdminConfig      `mapstructure:"admin" yaml:"admin"`
	Redis           RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Logging         LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Credentials     CredentialConfig `mapstructure:"credentials" yaml:"credentials"`
	Timezone        string           `mapstructure:"timezone" yaml:"timezone"`
	ShutdownTimeout time.Duration    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type IMAPConfig struct {
	Host              string        `mapstructure:"host" yaml:"host"`
	Port              int           `mapstructure:"port" yaml:"port"`
	TLS               bool          `mapstructure:"tls" yaml:"tls"`
	User              string        `mapstructure:"user" yaml:"user"`
	Password          string        `mapstructure:"password" yaml:"password"`
	Folder            string        `mapstructure:"folder" yaml:"folder"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	DisconnectTimeout time.Duration `mapstructure:"disconnect_timeout" yaml:"disconnect_timeout"`
	IdleDoneTimeout   time.Duration `mapstructure:"idle_done_timeout" yaml:"idle_done_timeout"`
}

type RetentionConfig struct {
	Days            int    `mapstructure:"days" yaml:"days"`
	CleanupEnabled  bool   `mapstructure:"cleanup_enabled" yaml:"cleanup_enabled"`
	CleanupSchedule string `mapstructure:"cleanup_schedule" yaml:"cleanup_schedule"`
}

type WatchConfig struct {
	SessionDuration time.Duration `mapstructure:"session_duration" yaml:"session_duration"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type SupervisorConfig struct {
	RestartHistory  int           `mapstructure:"restart_history" yaml:"restart_history"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	RestartSuppress time.Duration `mapstructure:"restart_suppress" yaml:"restart_suppress"`
}

type ProcessorConfig struct {
	MediaTypes    []string `mapstructure:"media_types" yaml:"media_types"`
	HeaderSummary bool     `mapstructure:"header_summary" yaml:"header_summary"`
	PartLimit     int64    `mapstructure:"part_limit" yaml:"part_limit"`
}

type TelegramConfig struct {
	Token            string        `mapstructure:"token" yaml:"token"`
	ChatIDs          []int64       `mapstructure:"chat_ids" yaml:"chat_ids"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff" yaml:"rate_limit_backoff"`
	PollTimeout      int           `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	Commands         bool          `mapstructure:"commands" yaml:"commands"`
}

type AdminConfig struct {
	HTTP AdminHTTPConfig `mapstructure:"http" yaml:"http"`
}

type AdminHTTPConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr      string        `mapstructure:"addr" yaml:"addr"`
	JWTSecret string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	Key      string        `mapstructure:"key" yaml:"key"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Schedule string        `mapstructure:"schedule" yaml:"schedule"`
}

type LoggingConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

// CredentialConfig enables filling blank secrets from the OS keyring.
type CredentialConfig struct {
	Keyring bool   `mapstructure:"keyring" yaml:"keyring"`
	Service string `mapstructure:"service" yaml:"service"`
	FileDir string `mapstructure:"file_dir" yaml:"file_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("imap.host", "")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.user", "")
	v.SetDefault("imap.password", "")
	v.SetDefault("imap.folder", "INBOX")
	v.SetDefault("imap.connect_timeout", 5*time.Second)
	v.SetDefault("imap.command_timeout", 30*time.Second)
	v.SetDefault("imap.disconnect_timeout", 5*time.Second)
	v.SetDefault("imap.idle_done_timeout", 5*time.Second)

	v.SetDefault("senders", []string{})

	v.SetDefault("retention.days", 3)
	v.SetDefault("retention.cleanup_enabled", true)
	v.SetDefault("retention.cleanup_schedule", "@every 30s")

	v.SetDefault("watch.session_duration", 60*time.Second)
	v.SetDefault("watch.idle_timeout", 60*time.Second)

	v.SetDefault("supervisor.restart_history", 3)
	v.SetDefault("supervisor.max_interval", 30*time.Second)
	v.SetDefault("supervisor.restart_suppress", 300*time.Second)

	v.SetDefault("processor.media_types", []string{"image"})
	v.SetDefault("processor.header_summary", false)
	v.SetDefault("processor.part_limit", 20*1024*1024)

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_ids", []int64{})
	v.SetDefault("telegram.rate_limit_backoff", 15*time.Second)
	v.SetDefault("telegram.poll_timeout", 30)
	v.SetDefault("telegram.commands", true)

	v.SetDefault("admin.http.enabled", false)
	v.SetDefault("admin.http.addr", "127.0.0.1:8089")
	v.SetDefault("admin.http.jwt_secret", "")
	v.SetDefault("admin.http.token_ttl", 24*time.Hour)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "mailrelay:status")
	v.SetDefault("redis.ttl", 60*time.Second)
	v.SetDefault("redis.schedule", "@every 15s")

	v.SetDefault("logging.file", "")
	v.SetDefault("credentials.keyring", false)
	v.SetDefault("credentials.service", "mailrelay")
	v.SetDefault("credentials.file_dir", "~/.config/mailrelay/credentials")
	v.SetDefault("timezone", "EET")
	v.SetDefault("shutdown_timeout", 10*time.Second)
}

// Load reads defaults, then the YAML file at path (skipped when empty), then
// MAILRELAY_* environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Secret names a credential that may come from the keyring.
type Secret struct {
	Key   string
	Value *string
}

// Secrets lists the secret fields by config key.
func (c *Config) Secrets() []Secret {
	return []Secret{
		{Key: "imap.password", Value: &c.IMAP.Password},
		{Key: "telegram.token", Value: &c.Telegram.Token},
		{Key: "admin.http.jwt_secret", Value: &c.Admin.HTTP.JWTSecret},
		{Key: "redis.password", Value: &c.Redis.Password},
	}
}

// Location resolves the reference timezone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Redacted returns a copy with every secret masked.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.IMAP.Password = mask(c.IMAP.Password)
	c.Telegram.Token = mask(c.Telegram.Token)
	c.Admin.HTTP.JWTSecret = mask(c.Admin.HTTP.JWTSecret)
	c.Redis.Password = mask(c.Redis.Password)
	c.Senders = append([]string(nil), c.Senders...)
	c.Telegram.ChatIDs = append([]int64(nil), c.Telegram.ChatIDs...)
	return c
}

// YAML renders the redacted configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}
