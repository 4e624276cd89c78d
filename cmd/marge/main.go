// Command marge runs the merge bot: it polls a forge for merge
// requests assigned to a bot account, rebases and tests them one at a
// time (or in small batches) against their target branch, and merges
// only once CI is green on the exact commit that lands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"

	"github.com/charmbracelet/log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/smarkets/marge/pkg/batch"
	"github.com/smarkets/marge/pkg/clock"
	"github.com/smarkets/marge/pkg/config"
	"github.com/smarkets/marge/pkg/embargo"
	"github.com/smarkets/marge/pkg/fleet"
	"github.com/smarkets/marge/pkg/forge"
	"github.com/smarkets/marge/pkg/gitwt"
	"github.com/smarkets/marge/pkg/metrics"
	"github.com/smarkets/marge/pkg/sshkey"
	"github.com/smarkets/marge/pkg/worker"
)

// Exit codes the bot promises callers: 0 clean shutdown, 1 bad
// configuration, 2 authentication failure (bad token or ssh key), 3
// the forge's version is too old to support required capabilities.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitAuthError      = 2
	exitIncompatible   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var cfg config.Config

	root := &cobra.Command{
		Use:   "marge",
		Short: "An auto-merging bot for a GitLab-style forge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), configPath, cfg)
		},
		SilenceUsage: true,
	}

	root.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.Flags().StringVar(&cfg.ForgeURL, "forge-url", "", "base URL of the forge API")
	root.Flags().StringVar(&cfg.AuthTokenFile, "auth-token-file", "", "file containing the forge auth token")
	root.Flags().StringVar(&cfg.SSHKeyFile, "ssh-key-file", "", "SSH private key file for git push")
	root.Flags().StringVar(&cfg.BotUsername, "bot-username", "", "forge username the bot authenticates as")
	root.Flags().BoolVar(&cfg.TokenIsAdmin, "token-is-admin", false, "the auth token belongs to a forge admin")
	root.Flags().StringVar(&cfg.GitDir, "git-dir", "", "directory for local worktree clones")
	root.Flags().StringVar(&cfg.Reference, "reference", "", "path to a local repo to borrow objects from when cloning (git clone --reference --dissociate)")
	root.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address for the /metrics and /healthz server")
	root.Flags().BoolVar(&cfg.AddReviewers, "add-reviewers", false, "add Reviewed-by trailers (requires admin)")
	root.Flags().BoolVar(&cfg.AddTested, "add-tested", false, "add a Tested-by trailer on the tip commit")
	root.Flags().BoolVar(&cfg.AddPartOf, "add-part-of", false, "add a Part-of trailer on every commit")
	root.Flags().BoolVar(&cfg.ImpersonateApprovers, "impersonate-approvers", false, "re-approve as prior approvers after push")
	root.Flags().BoolVar(&cfg.Batch, "batch", false, "combine multiple MRs into a single tested batch")
	root.Flags().IntVar(&cfg.BatchMaxSize, "batch-max-size", 0, "maximum MRs per batch")
	root.Flags().BoolVar(&cfg.UseMergeStrategy, "use-merge-strategy", false, "use merge commits instead of rebasing")
	root.Flags().StringVar(&cfg.ProjectRegexp, "project-regexp", "", "only operate on projects whose path matches this")
	root.Flags().StringVar(&cfg.BranchRegexp, "branch-regexp", "", "only operate on source branches matching this")
	root.Flags().StringArrayVar(&cfg.Embargo, "embargo", nil, `merge embargo window, e.g. "Friday 18:00 - Monday 09:00 UTC"`)
	root.Flags().BoolVar(&cfg.Debug, "debug", false, "enable debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		return classifyExit(err)
	}
	return exitOK
}

// exitCoder lets inner setup code request a specific exit code without
// main needing to know about every possible failure type.
type exitCoder interface {
	error
	ExitCode() int
}

func classifyExit(err error) int {
	if ec, ok := err.(exitCoder); ok {
		return ec.ExitCode()
	}
	fmt.Fprintln(os.Stderr, "marge:", err)
	return exitConfigError
}

type fatalError struct {
	code int
	err  error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) ExitCode() int { return e.code }
func (e *fatalError) Unwrap() error { return e.err }

func runBot(ctx context.Context, configPath string, flagOverrides config.Config) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &fatalError{exitConfigError, err}
	}
	cfg = mergeFlagOverrides(cfg, flagOverrides)

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	if err := cfg.Validate(cfg.TokenIsAdmin); err != nil {
		return &fatalError{exitConfigError, fmt.Errorf("invalid configuration: %w", err)}
	}

	token, err := cfg.ReadToken()
	if err != nil {
		return &fatalError{exitAuthError, err}
	}
	identity, err := sshkey.Load(cfg.SSHKeyFile)
	if err != nil {
		return &fatalError{exitAuthError, err}
	}
	logger.Info("loaded ssh identity", "fingerprint", identity.Fingerprint)

	httpClient := &http.Client{Timeout: forge.DefaultTimeout}
	forgeClient, err := forge.NewClient(cfg.ForgeURL, token, httpClient, logger)
	if err != nil {
		return &fatalError{exitConfigError, err}
	}

	caps, err := forgeClient.DetectVersion(ctx)
	if err != nil {
		return &fatalError{exitAuthError, fmt.Errorf("could not reach forge: %w", err)}
	}
	if !caps.Supported {
		return &fatalError{exitIncompatible, fmt.Errorf("forge version %s is too old to support this bot", caps.Version)}
	}

	bot, err := forgeClient.FetchUserByUsername(ctx, cfg.BotUsername)
	if err != nil {
		return &fatalError{exitAuthError, fmt.Errorf("resolving bot user %q: %w", cfg.BotUsername, err)}
	}

	projectRe, err := cfg.CompiledProjectRegexp()
	if err != nil {
		return &fatalError{exitConfigError, err}
	}
	branchRe, err := cfg.CompiledBranchRegexp()
	if err != nil {
		return &fatalError{exitConfigError, err}
	}

	var embargoCal *embargo.Calendar
	if len(cfg.Embargo) > 0 {
		embargoCal, err = embargo.Parse(cfg.Embargo...)
		if err != nil {
			return &fatalError{exitConfigError, err}
		}
	} else {
		embargoCal = embargo.Empty()
	}

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(reg)
	metricsServer := metrics.NewServer(cfg.MetricsAddr, reg, logger)
	go func() {
		if err := metricsServer.Start(ctx); err != nil {
			logger.Error("metrics server exited", "err", err)
		}
	}()

	gitDir := cfg.GitDir
	if gitDir == "" {
		gitDir = filepath.Join(os.TempDir(), "marge-worktrees")
	}
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		return &fatalError{exitConfigError, fmt.Errorf("creating git-dir %s: %w", gitDir, err)}
	}

	committer := gitwt.Identity{Name: cfg.BotName, Email: bot.Email}
	newWorktree := func(project forge.Project) (*gitwt.Worktree, error) {
		path := filepath.Join(gitDir, sanitizeProjectPath(project.Path))
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
		wt := gitwt.New(path, project.SSHURLToRepo, cfg.SSHKeyFile, committer, cfg.GitTimeout.Duration, logger)
		wt.Reference = cfg.Reference
		if err := wt.EnsureCloned(context.Background()); err != nil {
			return nil, fmt.Errorf("preparing worktree for %s: %w", project.Path, err)
		}
		return wt, nil
	}

	coordinator := &fleet.Coordinator{
		Forge:       forgeClient,
		Bot:         bot,
		BotIsAdmin:  cfg.TokenIsAdmin,
		NewWorktree: newWorktree,
		Planner:     batch.Planner{Enabled: cfg.Batch, MaxSize: cfg.BatchMaxSize},
		Embargo:     embargoCal,
		Clock:       clock.Real(),
		Logger:      logger,
		Metrics:     metricsRegistry,
		Remote:      "origin",
		ProjectRegexp: projectRe,
		DiscoverEvery: cfg.DiscoverEvery.Duration,
		WorkerOpts: worker.Options{
			AddReviewers:         cfg.AddReviewers,
			AddTested:            cfg.AddTested,
			AddPartOf:            cfg.AddPartOf,
			ImpersonateApprovers: cfg.ImpersonateApprovers,
			UseMergeStrategy:     cfg.UseMergeStrategy,
			ApprovalResetTimeout: cfg.ApprovalResetTimeout.Duration,
			CITimeout:            cfg.CITimeout.Duration,
			GitTimeout:           cfg.GitTimeout.Duration,
			BranchRegexp:         branchRe,
			IdlePollEvery:        worker.DefaultOptions().IdlePollEvery,
			BusyPollEvery:        worker.DefaultOptions().BusyPollEvery,
		},
	}

	logger.Info("marge starting", "forge", cfg.ForgeURL, "bot", bot.Username)
	return coordinator.Run(ctx)
}

// mergeFlagOverrides applies non-zero-valued flags on top of a loaded
// config: flags outrank file and environment (pkg/config.Load already
// resolved the lower two tiers).
func mergeFlagOverrides(base, flags config.Config) config.Config {
	if flags.ForgeURL != "" {
		base.ForgeURL = flags.ForgeURL
	}
	if flags.AuthTokenFile != "" {
		base.AuthTokenFile = flags.AuthTokenFile
	}
	if flags.SSHKeyFile != "" {
		base.SSHKeyFile = flags.SSHKeyFile
	}
	if flags.BotUsername != "" {
		base.BotUsername = flags.BotUsername
	}
	if flags.GitDir != "" {
		base.GitDir = flags.GitDir
	}
	if flags.MetricsAddr != "" {
		base.MetricsAddr = flags.MetricsAddr
	}
	if flags.ProjectRegexp != "" {
		base.ProjectRegexp = flags.ProjectRegexp
	}
	if flags.BranchRegexp != "" {
		base.BranchRegexp = flags.BranchRegexp
	}
	if flags.BatchMaxSize != 0 {
		base.BatchMaxSize = flags.BatchMaxSize
	}
	if len(flags.Embargo) > 0 {
		base.Embargo = flags.Embargo
	}
	base.AddReviewers = base.AddReviewers || flags.AddReviewers
	base.AddTested = base.AddTested || flags.AddTested
	base.AddPartOf = base.AddPartOf || flags.AddPartOf
	base.ImpersonateApprovers = base.ImpersonateApprovers || flags.ImpersonateApprovers
	base.Batch = base.Batch || flags.Batch
	base.UseMergeStrategy = base.UseMergeStrategy || flags.UseMergeStrategy
	base.Debug = base.Debug || flags.Debug
	base.TokenIsAdmin = base.TokenIsAdmin || flags.TokenIsAdmin
	return base
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitizeProjectPath(path string) string {
	return unsafePathChars.ReplaceAllString(path, "_")
}
