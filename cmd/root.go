// Package cmd defines the regwatch command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/config"
	"github.com/JakeFAU/regwatch/internal/extract"
	"github.com/JakeFAU/regwatch/internal/logging"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the slice of *server.App the commands use, so tests can inject a fake.
type App interface {
	Run(ctx context.Context) error
	Work(ctx context.Context) error
	Discover(ctx context.Context) (server.CycleReport, error)
	Drain(ctx context.Context, poll time.Duration) error
	PendingTasks() int
	ApproveBaseline(ctx context.Context, endpointID, approver string) error
	ApproveRule(ctx context.Context, ruleID, reviewer, notes string) (model.RegulatoryRule, error)
	RejectRule(ctx context.Context, ruleID, reviewer, notes string) (model.RegulatoryRule, error)
	ImportReferences(ctx context.Context, in io.Reader, sourceURL string) (extract.ReferenceResult, error)
	ExtractReferences(ctx context.Context, evidenceID string) (extract.ReferenceResult, error)
	Close(ctx context.Context)
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		envFile string
		logger  *zap.Logger
	)
	cmd := &cobra.Command{
		Use:   "regwatch",
		Short: "Monitors regulatory sources and turns their publications into reviewed rules",
		Long: `regwatch discovers new publications on regulator websites, captures them as
immutable evidence, extracts quoted claims with language-model agents and drafts
rules that pass automated and human review before release.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var envFiles []string
			if envFile != "" {
				envFiles = append(envFiles, envFile)
			}
			cfg, err := config.Load(cfgFile, envFiles...)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), &cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(*cobra.Command, []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default .env)")

	cmd.AddCommand(
		newServeCmd(),
		newWorkCmd(),
		newDiscoverCmd(),
		newBaselineCmd(),
		newRuleCmd(),
		newReferenceCmd(),
	)
	return cmd
}

// withApp resolves the App built by the root command and closes it once fn
// returns. PersistentPostRun is skipped when RunE fails, so closing lives here.
func withApp(fn func(cmd *cobra.Command, args []string, app App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		appInstance, ok := cmd.Context().Value(appKey).(App)
		if !ok || appInstance == nil {
			return errors.New("application not initialized")
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
			defer cancel()
			appInstance.Close(ctx)
		}()
		return fn(cmd, args, appInstance)
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "regwatch:", err)
		os.Exit(1)
	}
}
