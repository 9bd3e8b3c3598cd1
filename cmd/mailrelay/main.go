package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	_ "time/tzdata"

	"github.com/gotrs-io/mailrelay/internal/admin"
	"github.com/gotrs-io/mailrelay/internal/auth"
	"github.com/gotrs-io/mailrelay/internal/cache"
	"github.com/gotrs-io/mailrelay/internal/config"
	"github.com/gotrs-io/mailrelay/internal/credential"
	"github.com/gotrs-io/mailrelay/internal/email/processor"
	"github.com/gotrs-io/mailrelay/internal/email/session"
	"github.com/gotrs-io/mailrelay/internal/email/sweeper"
	"github.com/gotrs-io/mailrelay/internal/email/watch"
	"github.com/gotrs-io/mailrelay/internal/notifications"
	"github.com/gotrs-io/mailrelay/internal/shared"
	"github.com/gotrs-io/mailrelay/internal/supervisor"
	"github.com/gotrs-io/mailrelay/internal/version"
)

const startupText = "Bot started!"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mailrelay",
	Short: "Forward mail from allow-listed senders to Telegram",
	Long: `mailrelay watches one IMAP mailbox, forwards new mail from configured
senders to Telegram chats and purges read mail past its retention window.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the mailbox until interrupted",
	RunE:  runRelay,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var (
	tokenOperator string
	tokenScope    string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the admin HTTP surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Admin.HTTP.JWTSecret == "" {
			return errors.New("admin.http.jwt_secret is not set")
		}
		scope := tokenScope
		if scope != auth.ScopeRead && scope != auth.ScopeAdmin {
			return fmt.Errorf("unknown scope %q", tokenScope)
		}
		token, err := auth.NewJWTManager(cfg.Admin.HTTP.JWTSecret, cfg.Admin.HTTP.TokenTTL).GenerateToken(tokenOperator, scope)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets kept in the OS keyring",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Store a secret read from stdin, e.g. imap.password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(existingConfigPath())
		if err != nil {
			return err
		}
		known := false
		for _, s := range cfg.Secrets() {
			known = known || s.Key == args[0]
		}
		if !known {
			return fmt.Errorf("unknown secret %q", args[0])
		}
		scanner := bufio.NewScanner(cmd.InOrStdin())
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return errors.New("no value on stdin")
		}
		store, err := credential.Open(cfg.Credentials.Service, cfg.Credentials.FileDir)
		if err != nil {
			return err
		}
		return credential.Save(store, args[0], scanner.Text())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Full())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")
	tokenCmd.Flags().StringVar(&tokenOperator, "operator", "admin", "Operator name recorded in the token")
	tokenCmd.Flags().StringVar(&tokenScope, "scope", auth.ScopeAdmin, "Token scope (read or admin)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(tokenCmd)
	secretCmd.AddCommand(secretSetCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// existingConfigPath returns --config when the file exists, otherwise "" so
// only defaults and environment apply.
func existingConfigPath() string {
	if _, err := os.Stat(configPath); err != nil {
		return ""
	}
	return configPath
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(existingConfigPath())
	if err != nil {
		return config.Config{}, err
	}
	if cfg.Credentials.Keyring {
		store, err := credential.Open(cfg.Credentials.Service, cfg.Credentials.FileDir)
		if err != nil {
			return config.Config{}, err
		}
		var targets []credential.Target
		for _, s := range cfg.Secrets() {
			targets = append(targets, credential.Target{Key: s.Key, Value: s.Value})
		}
		if _, err := credential.Fill(store, targets); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openLogOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return io.MultiWriter(os.Stderr, f), func() { _ = f.Close() }, nil
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out, closeLog, err := openLogOutput(cfg.Logging.File)
	if err != nil {
		return err
	}
	defer closeLog()
	log.SetOutput(out)
	logger := log.New(out, "", log.LstdFlags)

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}

	state := shared.NewState(cfg.Telegram.ChatIDs)
	dispatcher := notifications.NewDispatcher(
		notifications.NewTelegramSink(bot),
		state,
		notifications.WithBackoff(cfg.Telegram.RateLimitBackoff),
		notifications.WithLogger(logger),
	)

	mailbox := session.New(session.Config{
		Host:              cfg.IMAP.Host,
		Port:              cfg.IMAP.Port,
		TLS:               cfg.IMAP.TLS,
		Username:          cfg.IMAP.User,
		Password:          cfg.IMAP.Password,
		Folder:            cfg.IMAP.Folder,
		ConnectTimeout:    cfg.IMAP.ConnectTimeout,
		CommandTimeout:    cfg.IMAP.CommandTimeout,
		DisconnectTimeout: cfg.IMAP.DisconnectTimeout,
		IdleDoneTimeout:   cfg.IMAP.IdleDoneTimeout,
	}, session.WithLogger(logger))

	proc := processor.New(mailbox, dispatcher, state,
		processor.WithLogger(logger),
		processor.WithMediaTypes(cfg.Processor.MediaTypes...),
		processor.WithPartLimit(cfg.Processor.PartLimit),
		processor.WithHeaderSummary(cfg.Processor.HeaderSummary),
	)
	sweep := sweeper.New(mailbox, cfg.Retention.Days,
		sweeper.WithLocation(loc),
		sweeper.WithLogger(logger),
	)

	var schedule cron.Schedule
	if cfg.Retention.CleanupEnabled {
		schedule, err = cron.ParseStandard(cfg.Retention.CleanupSchedule)
		if err != nil {
			return fmt.Errorf("invalid cleanup schedule: %w", err)
		}
	}
	loop := watch.New(mailbox, proc, sweep, watch.Config{
		Senders:           cfg.Senders,
		SessionDuration:   cfg.Watch.SessionDuration,
		IdleTimeout:       cfg.Watch.IdleTimeout,
		CleanupSchedule:   schedule,
		DisconnectTimeout: cfg.IMAP.DisconnectTimeout,
	}, watch.WithLogger(logger))

	sup := supervisor.New(loop, dispatcher, supervisor.Config{
		RestartHistory: cfg.Supervisor.RestartHistory,
		MaxInterval:    cfg.Supervisor.MaxInterval,
		Cooldown:       cfg.Supervisor.RestartSuppress,
	}, supervisor.WithLogger(logger))

	registry := admin.NewRegistry()
	status := admin.NewStatusService(mailbox, state, version.String())
	if err := admin.RegisterBuiltins(registry, status, state); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	var tasks []func(context.Context) error
	if cfg.Telegram.Commands {
		tasks = append(tasks, admin.NewTelegramCommands(bot, registry, state,
			admin.WithTelegramLogger(logger),
			admin.WithPollTimeout(cfg.Telegram.PollTimeout),
		).Run)
	}
	if cfg.Admin.HTTP.Enabled {
		opts := []admin.HTTPOption{admin.WithHTTPLogger(logger)}
		if cfg.Admin.HTTP.JWTSecret != "" {
			opts = append(opts, admin.WithTokens(auth.NewJWTManager(cfg.Admin.HTTP.JWTSecret, cfg.Admin.HTTP.TokenTTL)))
		}
		tasks = append(tasks, admin.NewHTTPServer(cfg.Admin.HTTP.Addr, registry, status, opts...).Run)
	}
	if cfg.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		tasks = append(tasks, cache.NewStatusPublisher(client, status, cfg.Redis.Key, cfg.Redis.Schedule, cfg.Redis.TTL,
			cache.WithPublisherLogger(logger),
		).Run)
	}

	dispatcher.SendText(ctx, startupText)
	logger.Printf("mailrelay: %s watching %s as %s", version.String(), cfg.IMAP.Folder, cfg.IMAP.User)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	fatal := make(chan error, 1)
	g.Go(func() error {
		err := sup.Run(gctx)
		fatal <- err
		cancel()
		return err
	})
	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}

	var supErr error
	select {
	case supErr = <-fatal:
	case <-ctx.Done():
		logger.Printf("mailrelay: shutdown requested")
	}
	cancel()

	discCtx, discCancel := context.WithTimeout(context.Background(), cfg.IMAP.DisconnectTimeout)
	if err := mailbox.Disconnect(discCtx); err != nil {
		logger.Printf("mailrelay: disconnect on shutdown: %v", err)
	}
	discCancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if supErr == nil && err != nil && !errors.Is(err, context.Canceled) {
			supErr = err
		}
	case <-time.After(cfg.ShutdownTimeout):
		logger.Printf("mailrelay: shutdown timed out after %s", cfg.ShutdownTimeout)
	}

	if supErr != nil {
		return fmt.Errorf("watcher stopped: %w", supErr)
	}
	return nil
}
