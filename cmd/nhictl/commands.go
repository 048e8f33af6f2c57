package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

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
	"github.com/qualys/nhi/internal/risk"
	"github.com/qualys/nhi/internal/store"
)

// cliActorID identifies operator actions in audit columns.
const cliActorID = "nhictl"

type globals struct {
	configPath string
	verbose    bool
}

func (g *globals) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Logging.SlogLevel()
	if g.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	})
}

func cliActor(orgID string) models.Actor {
	return models.Actor{Type: models.ActorTypeService, ID: cliActorID, OrgID: orgID, AuthMethod: "cli"}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "nhictl",
		Short:         "Operate the non-human identity scanner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", config.Path(), "path to the YAML config file")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newMigrateCmd(g),
		newScanCmd(g),
		newScoreCmd(),
		newReportCmd(g),
		newQueueCmd(g),
		newUserCmd(g),
	)
	return root
}

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Migrate(logger)
		},
	}
}

func newScanCmd(g *globals) *cobra.Command {
	var inline bool

	cmd := &cobra.Command{
		Use:   "scan SOURCE_ID",
		Short: "Scan a source",
		Long: "Queue a scan of a source for the server's workers, or with --inline run it in\n" +
			"this process and print the outcome.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourceID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid source id: %w", err)
			}
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

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

			src, err := st.GetSource(cmd.Context(), sourceID)
			if err != nil {
				return err
			}
			actor := cliActor(src.OrgID)

			if !inline {
				svc := nhi.NewService(nhi.Deps{
					Store:      st,
					Authorizer: auth.NewPermissionChecker(auth.NewPostgresUserStore(st.DB())),
					Queue:      q,
					Providers:  []models.Provider{models.ProviderAWS, models.ProviderGitHub},
				}, logger)
				scan, err := svc.TriggerScan(cmd.Context(), actor, sourceID, queue.TriggerCLI)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued scan %s for source %s\n", scan.ID, src.Name)
				return nil
			}

			return runInlineScan(cmd.Context(), cmd.OutOrStdout(), cfg, logger, st, q, src, actor)
		},
	}
	cmd.Flags().BoolVar(&inline, "inline", false, "run the scan in this process instead of queueing it")
	return cmd
}

// runInlineScan runs the full pipeline in this process. It refuses to start
// while a server worker holds the source.
func runInlineScan(ctx context.Context, out io.Writer, cfg *config.Config, logger *slog.Logger,
	st *store.Store, q *queue.Queue, src *models.Source, actor models.Actor) error {
	busy, err := q.IsQueued(ctx, src.ID)
	if err != nil {
		return err
	}
	if busy {
		return fmt.Errorf("source %s already has a queued or running scan", src.Name)
	}

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
		}, logger),
		github.NewScanner(github.ScannerConfig{
			BaseURL:    cfg.GitHub.APIURL,
			BatchSize:  cfg.Scanner.GitHubBatchSize,
			APITimeout: cfg.Scanner.APITimeout,
		}, logger),
	)
	remediations := remediation.NewService(st, resolver, logger)
	remediations.RegisterRemediator(models.ProviderAWS, remediation.NewAWSRemediator(awsClients, logger))
	remediations.RegisterRemediator(models.ProviderGitHub, remediation.NewGitHubRemediator(cfg.GitHub.APIURL, cfg.Scanner.APITimeout, logger))

	notifier := notifications.NewService(notifications.Config{}, logger)
	engine := policy.NewEngine(st, remediations, notifier, logger)
	orch := orchestrator.New(st, resolver, registry, engine, notifier,
		orchestrator.Config{ScanTimeout: cfg.Scanner.ScanTimeout}, logger)

	scan := &models.Scan{
		ID:          uuid.New(),
		SourceID:    src.ID,
		ProjectID:   src.ProjectID,
		Status:      models.ScanStatusScanning,
		TriggeredBy: string(queue.TriggerCLI),
	}
	if err := st.CreateScan(ctx, scan); err != nil {
		return err
	}
	if err := st.UpdateSourceScanResult(ctx, src.ID, models.SourceScanUpdate{Status: models.ScanStatusScanning}); err != nil {
		logger.Warn("marking source scanning", "source_id", src.ID, "error", err)
	}

	outcome := orch.PerformScan(ctx, src.ID, scan.ID, actor)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		return err
	}
	if outcome.Status == models.ScanStatusFailed {
		return fmt.Errorf("scan failed: %s", outcome.Message)
	}
	return nil
}

func newScoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score FILE",
		Short: "Score identities from a JSON file without touching the database",
		Long: "Reads a JSON array of identities (as returned by the API) from FILE, or stdin\n" +
			"when FILE is -, and prints each one's risk score and factors.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return scoreIdentities(in, cmd.OutOrStdout(), time.Now())
		},
	}
}

func scoreIdentities(in io.Reader, out io.Writer, now time.Time) error {
	var identities []models.Identity
	if err := json.NewDecoder(in).Decode(&identities); err != nil {
		return fmt.Errorf("decoding identities: %w", err)
	}
	for i := range identities {
		id := &identities[i]
		res := risk.Compute(risk.InputFor(id), now)
		fmt.Fprintf(out, "%-40s %3d %-8s %s\n", id.Name, res.Score, risk.Level(res.Score), strings.Join(res.Factors.Names(), ","))
	}
	return nil
}

func newReportCmd(g *globals) *cobra.Command {
	var (
		projectID string
		format    string
		output    string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write a project's identity risk report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return errors.New("--project is required")
			}
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			report, err := reports.NewGenerator(st).Generate(cmd.Context(), &reports.ReportRequest{
				ProjectID: projectID,
				Format:    reports.ReportFormat(format),
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			if output == "" {
				output = report.Filename
			}
			if output == "-" {
				_, err = cmd.OutOrStdout().Write(report.Data)
				return err
			}
			if err := os.WriteFile(output, report.Data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "project id")
	cmd.Flags().StringVarP(&format, "format", "f", string(reports.FormatPDF), "pdf or csv")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, - for stdout")
	cmd.Flags().IntVar(&limit, "limit", 50, "identities in the report table")
	return cmd
}

func newQueueCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show scan queue depth and live workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			q, err := queue.New(queue.Config{
				Addr:     cfg.Redis.Addr(),
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			if err != nil {
				return err
			}
			defer q.Close()

			stats, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}
			workers, err := q.ActiveWorkers(cmd.Context(), cfg.Scanner.StaleWorkerTimeout)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, k := range []string{"pending", "processing", "completed", "failed"} {
				fmt.Fprintf(out, "%-11s %d\n", k, stats[k])
			}
			fmt.Fprintf(out, "workers     %d\n", len(workers))
			for _, w := range workers {
				fmt.Fprintf(out, "  %s\n", w)
			}
			return nil
		},
	}
}

func newUserCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage API users",
	}
	cmd.AddCommand(newUserCreateCmd(g), newUserGrantCmd(g))
	return cmd
}

func newUserCreateCmd(g *globals) *cobra.Command {
	var (
		email    string
		name     string
		orgID    string
		password string
		admin    bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" || orgID == "" || password == "" {
				return errors.New("--email, --org and --password are required")
			}
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			role := auth.RoleMember
			if admin {
				role = auth.RoleAdmin
			}
			user := &auth.User{OrgID: orgID, Email: strings.ToLower(strings.TrimSpace(email)), Name: name, Password: hash, Role: role}
			if err := auth.NewPostgresUserStore(st.DB()).CreateUser(cmd.Context(), user); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "login email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&orgID, "org", "", "organisation id")
	cmd.Flags().StringVar(&password, "password", "", "initial password")
	cmd.Flags().BoolVar(&admin, "admin", false, "organisation admin")
	return cmd
}

func newUserGrantCmd(g *globals) *cobra.Command {
	var (
		projectID string
		role      string
	)

	cmd := &cobra.Command{
		Use:   "grant USER_ID",
		Short: "Grant a user a role in a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := auth.ProjectRole(role)
			switch r {
			case auth.ProjectRoleViewer, auth.ProjectRoleMember, auth.ProjectRoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			if projectID == "" {
				return errors.New("--project is required")
			}
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			return auth.NewPostgresUserStore(st.DB()).AddProjectMember(cmd.Context(), projectID, args[0], r)
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "project id")
	cmd.Flags().StringVar(&role, "role", string(auth.ProjectRoleMember), "viewer, member or admin")
	return cmd
}
