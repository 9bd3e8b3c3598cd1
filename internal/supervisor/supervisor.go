// Package supervisor restarts the watch loop after transient failures and
// stops on fatal ones.
package supervisor

import (
	"context"
	"fmt"
	"html"
	"log"
	"time"

	"github.com/gotrs-io/mailrelay/internal/email/session"
	"github.com/gotrs-io/mailrelay/internal/metrics"
)

// Runner is one full run of the watch loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Notifier announces restarts.
type Notifier interface {
	SendText(ctx context.Context, text string)
}

// Config holds the restart storm policy.
type Config struct {
	RestartHistory int
	MaxInterval    time.Duration
	Cooldown       time.Duration
}

// Supervisor owns the restart window and the retry decision.
type Supervisor struct {
	runner   Runner
	notifier Notifier
	cfg      Config
	window   *RestartWindow
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	logger   *log.Logger
}

// Option customizes Supervisor.
type Option func(*Supervisor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleep overrides the cooldown sleeper.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(s *Supervisor) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithLogger overrides the supervisor logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a supervisor.
func New(runner Runner, notifier Notifier, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		runner:   runner,
		notifier: notifier,
		cfg:      cfg,
		window:   NewRestartWindow(cfg.RestartHistory),
		now:      time.Now,
		sleep:    sleepContext,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run returns nil once ctx is cancelled and the fatal error otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.runner.Run(ctx)
		if ctx.Err() != nil {
			s.logger.Printf("supervisor: shutdown requested, not restarting")
			return nil
		}
		if err == nil {
			continue
		}
		if !session.IsTransient(err) {
			s.logger.Printf("supervisor: fatal mailbox error, shutting down: %v", err)
			metrics.Restarts.WithLabelValues("fatal").Inc()
			return err
		}

		now := s.now()
		s.window.Add(now)
		if s.window.Storming(now, s.cfg.MaxInterval) {
			s.logger.Printf("supervisor: %d restarts within %s, suppressing restart for %s: %v",
				s.window.Len(), s.cfg.MaxInterval, s.cfg.Cooldown, err)
			metrics.Restarts.WithLabelValues("suppressed").Inc()
			if sleepErr := s.sleep(ctx, s.cfg.Cooldown); sleepErr != nil {
				return nil
			}
			continue
		}

		s.logger.Printf("supervisor: restarting after: %v", err)
		metrics.Restarts.WithLabelValues("restart").Inc()
		s.notifier.SendText(ctx, fmt.Sprintf("imap process restarted due to: <code>%s</code>", html.EscapeString(err.Error())))
	}
}
