package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/qualys/nhi/internal/api"
	"github.com/qualys/nhi/internal/auth"
	"github.com/qualys/nhi/internal/config"
	"github.com/qualys/nhi/internal/connectors"
	nhiaws "github.com/qualys/nhi/internal/connectors/aws"
	"github.com/qualys/nhi/internal/connectors/github"
	"github.com/qualys/nhi/internal/credentials"
	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/nhi"
	"github.com/qualys/nhi/internal/notifications"
	"github.com/qualys/nhi/internal/orchestrator"
	"github.com/qualys/nhi/internal/policy"
	"github.com/qualys/nhi/internal/queue"
	"github.com/qualys/nhi/internal/remediation"
	"github.com/qualys/nhi/internal/reports"
	"github.com/qualys/nhi/internal/scheduler"
	"github.com/qualys/nhi/internal/store"
)

func main() {
	configPath := flag.String("config", config.Path(), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Database.AutoMigrate {
		if err := st.Migrate(logger); err != nil {
			return err
		}
	}

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		LockTTL:  cfg.Scheduler.JobLockTTL,
	})
	if err != nil {
		return err
	}
	defer q.Close()

	sealer, err := credentials.NewSealer(cfg.Credentials.EncryptionKey)
	if err != nil {
		return err
	}
	resolver := credentials.NewResolver(st, sealer)

	awsClients := nhiaws.WithDefaultRegion(nhiaws.NewIAMClient, cfg.AWS.Region)
	registry := connectors.NewRegistry(
		nhiaws.NewScanner(nhiaws.ScannerConfig{
			Concurrency: cfg.Scanner.AWSConcurrency,
			APITimeout:  cfg.Scanner.APITimeout,
			NewClient:   awsClients,
		}, logger.With("component", "aws-scanner")),
		github.NewScanner(github.ScannerConfig{
			BaseURL:    cfg.GitHub.APIURL,
			BatchSize:  cfg.Scanner.GitHubBatchSize,
			APITimeout: cfg.Scanner.APITimeout,
		}, logger.With("component", "github-scanner")),
	)

	remediations := remediation.NewService(st, resolver, logger.With("component", "remediation"))
	remediations.RegisterRemediator(models.ProviderAWS, remediation.NewAWSRemediator(awsClients, logger))
	remediations.RegisterRemediator(models.ProviderGitHub, remediation.NewGitHubRemediator(cfg.GitHub.APIURL, cfg.Scanner.APITimeout, logger))
	remediations.SetActionTimeout(cfg.Scanner.APITimeout)

	notifier := notifications.NewService(notificationConfig(cfg.Notifications), logger.With("component", "notifications"))
	notifier.SetSettingsProvider(st)
	policies := policy.NewEngine(st, remediations, notifier, logger.With("component", "policy"))
	orch := orchestrator.New(st, resolver, registry, policies, notifier,
		orchestrator.Config{ScanTimeout: cfg.Scanner.ScanTimeout}, logger.With("component", "orchestrator"))

	scans := scheduler.NewScans(st, q, orch, logger.With("component", "scans"))

	pool := queue.NewPool(q, scans.Handle, queue.PoolConfig{
		Workers:    cfg.Scanner.Workers,
		JobTimeout: cfg.Scanner.JobTimeout,
	}, logger.With("component", "workers"))
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Stop()

	if cfg.Scheduler.Enabled {
		sched := scheduler.NewScheduler(scheduler.NewPostgresStore(st.DB()), logger.With("component", "scheduler"))
		scans.Register(sched)
		scheduler.RegisterCleanup(sched, q, cfg.Scanner.StaleWorkerTimeout)
		for _, job := range scheduler.DefaultJobs(cfg.Scheduler.Tick, cfg.Scheduler.CleanupTick) {
			if err := sched.AddJob(job); err != nil {
				return err
			}
		}
		sched.Start()
		defer sched.Stop()
	}

	userStore := auth.NewPostgresUserStore(st.DB())
	authService := auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		Issuer:             cfg.Auth.Issuer,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
	}, userStore)

	svc := nhi.NewService(nhi.Deps{
		Store:      st,
		Authorizer: auth.NewPermissionChecker(userStore),
		Queue:      q,
		Remediator: remediations,
		Sealer:     sealer,
		Reporter:   reports.NewGenerator(st),
		Providers:  registry.Providers(),

		SlackConfigured: cfg.Notifications.Slack.Enabled && cfg.Notifications.Slack.WebhookURL != "",
	}, logger.With("component", "nhi"))

	server := api.NewServer(cfg.Server, svc, authService,
		api.WithLogger(logger.With("component", "api")),
		api.WithReadiness(st),
		api.WithReadiness(q),
	)
	return server.Run(ctx)
}

func notificationConfig(cfg config.NotificationsConfig) notifications.Config {
	return notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL:  cfg.Slack.WebhookURL,
			Channel:     cfg.Slack.Channel,
			Username:    "NHI Bot",
			IconEmoji:   ":robot_face:",
			Enabled:     cfg.Slack.Enabled,
			MinSeverity: cfg.MinSeverity,
		},
		Email: notifications.EmailConfig{
			SMTPHost:    cfg.Email.SMTPHost,
			SMTPPort:    cfg.Email.SMTPPort,
			Username:    cfg.Email.Username,
			Password:    cfg.Email.Password,
			From:        cfg.Email.From,
			To:          cfg.Email.To,
			Enabled:     cfg.Email.Enabled,
			MinSeverity: cfg.MinSeverity,
		},
	}
}
