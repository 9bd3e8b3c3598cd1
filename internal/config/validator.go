package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type validator struct {
	errors []string
}

func (v *validator) addError(format string, args ...any) {
	v.errors = append(v.errors, "  - "+fmt.Sprintf(format, args...))
}

func (v *validator) positive(name string, d time.Duration) {
	if d <= 0 {
		v.addError("%s must be positive, got %s", name, d)
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	v := &validator{}

	if strings.TrimSpace(c.IMAP.Host) == "" {
		v.addError("imap.host is required")
	}
	if c.IMAP.User == "" {
		v.addError("imap.user is required")
	}
	if c.IMAP.Password == "" {
		v.addError("imap.password is required")
	}
	if c.IMAP.Port < 0 || c.IMAP.Port > 65535 {
		v.addError("imap.port %d is out of range", c.IMAP.Port)
	}
	v.positive("imap.connect_timeout", c.IMAP.ConnectTimeout)
	v.positive("imap.command_timeout", c.IMAP.CommandTimeout)
	v.positive("imap.disconnect_timeout", c.IMAP.DisconnectTimeout)
	v.positive("imap.idle_done_timeout", c.IMAP.IdleDoneTimeout)

	if len(c.Senders) == 0 {
		v.addError("senders must list at least one address")
	}
	for _, s := range c.Senders {
		if !strings.Contains(s, "@") {
			v.addError("sender %q is not an address", s)
		}
	}

	if c.Retention.Days < 0 {
		v.addError("retention.days must not be negative")
	}
	if c.Retention.CleanupEnabled {
		if _, err := cron.ParseStandard(c.Retention.CleanupSchedule); err != nil {
			v.addError("retention.cleanup_schedule %q: %v", c.Retention.CleanupSchedule, err)
		}
	}

	v.positive("watch.session_duration", c.Watch.SessionDuration)
	v.positive("watch.idle_timeout", c.Watch.IdleTimeout)

	if c.Supervisor.RestartHistory < 1 {
		v.addError("supervisor.restart_history must be at least 1")
	}
	v.positive("supervisor.max_interval", c.Supervisor.MaxInterval)
	v.positive("supervisor.restart_suppress", c.Supervisor.RestartSuppress)

	if c.Telegram.Token == "" {
		v.addError("telegram.token is required")
	}
	if len(c.Telegram.ChatIDs) == 0 {
		v.addError("telegram.chat_ids must list at least one chat")
	}
	v.positive("telegram.rate_limit_backoff", c.Telegram.RateLimitBackoff)

	if c.Admin.HTTP.Enabled && c.Admin.HTTP.JWTSecret != "" && len(c.Admin.HTTP.JWTSecret) < 32 {
		v.addError("admin.http.jwt_secret must be at least 32 characters long")
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			v.addError("redis.addr is required when redis is enabled")
		}
		if _, err := cron.ParseStandard(c.Redis.Schedule); err != nil {
			v.addError("redis.schedule %q: %v", c.Redis.Schedule, err)
		}
	}

	if _, err := c.Location(); err != nil {
		v.addError("timezone %q: %v", c.Timezone, err)
	}
	v.positive("shutdown_timeout", c.ShutdownTimeout)

	if len(v.errors) > 0 {
		return fmt.Errorf("config validation failed:\n%s", strings.Join(v.errors, "\n"))
	}
	return nil
}
