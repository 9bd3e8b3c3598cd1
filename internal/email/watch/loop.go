// Package watch drives one mailbox session from connect to disconnect.
package watch

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gotrs-io/mailrelay/internal/metrics"
)

// Session is the lifecycle half of the mailbox session.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	WaitForPush(ctx context.Context, timeout time.Duration) (bool, error)
}

// SenderProcessor handles new mail for one sender.
type SenderProcessor interface {
	ProcessSender(ctx context.Context, sender string) (int, error)
}

// SenderSweeper purges expired mail for one sender.
type SenderSweeper interface {
	SweepSender(ctx context.Context, sender string) (int, error)
}

// Config controls the pacing of a session.
type Config struct {
	Senders         []string
	SessionDuration time.Duration
	IdleTimeout     time.Duration
	// CleanupSchedule decides when the sweep is due; nil disables sweeping.
	CleanupSchedule   cron.Schedule
	DisconnectTimeout time.Duration
}

// Loop runs sessions back to back.
type Loop struct {
	session   Session
	processor SenderProcessor
	sweeper   SenderSweeper
	cfg       Config
	now       func() time.Time
	logger    *log.Logger
}

// Option customizes Loop.
type Option func(*Loop)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger overrides the loop logger.
func WithLogger(logger *log.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New builds a watch loop.
func New(session Session, processor SenderProcessor, sweeper SenderSweeper, cfg Config, opts ...Option) *Loop {
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 5 * time.Second
	}
	l := &Loop{
		session:   session,
		processor: processor,
		sweeper:   sweeper,
		cfg:       cfg,
		now:       time.Now,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run repeats sessions until one returns an error or ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := l.RunSession(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// RunSession connects, alternates detection, sweeping and idle waits until
// the session duration is spent, then disconnects. Disconnect runs on every
// exit path and its failure is never returned.
func (l *Loop) RunSession(ctx context.Context) error {
	defer l.disconnect(ctx)

	if err := l.session.Connect(ctx); err != nil {
		return err
	}
	started := l.now()
	lastSweep := started
	defer func() { metrics.SessionDuration.Observe(l.now().Sub(started).Seconds()) }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := l.cfg.SessionDuration - l.now().Sub(started)
		if remaining <= 0 {
			l.logger.Printf("watch: session duration %s reached, recycling connection", l.cfg.SessionDuration)
			return nil
		}

		for _, sender := range l.cfg.Senders {
			if _, err := l.processor.ProcessSender(ctx, sender); err != nil {
				return err
			}
		}

		if l.sweepDue(lastSweep) {
			for _, sender := range l.cfg.Senders {
				if _, err := l.sweeper.SweepSender(ctx, sender); err != nil {
					return err
				}
			}
			lastSweep = l.now()
		}

		timeout := l.cfg.IdleTimeout
		if left := l.cfg.SessionDuration - l.now().Sub(started); left < timeout {
			timeout = left
		}
		if timeout <= 0 {
			continue
		}
		pushed, err := l.session.WaitForPush(ctx, timeout)
		if err != nil {
			return err
		}
		if pushed {
			metrics.IdleWakeups.WithLabelValues("push").Inc()
		} else {
			metrics.IdleWakeups.WithLabelValues("timeout").Inc()
		}
	}
}

func (l *Loop) sweepDue(lastSweep time.Time) bool {
	if l.cfg.CleanupSchedule == nil || l.sweeper == nil {
		return false
	}
	return !l.cfg.CleanupSchedule.Next(lastSweep).After(l.now())
}

func (l *Loop) disconnect(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 3*l.cfg.DisconnectTimeout)
	defer cancel()
	if err := l.session.Disconnect(ctx); err != nil {
		l.logger.Printf("watch: disconnect: %v", err)
	}
}
