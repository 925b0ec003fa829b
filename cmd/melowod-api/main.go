package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/aggregator"
	"github.com/MarcoPoloResearchLab/melowod/internal/app"
	"github.com/MarcoPoloResearchLab/melowod/internal/auth"
	"github.com/MarcoPoloResearchLab/melowod/internal/cache"
	"github.com/MarcoPoloResearchLab/melowod/internal/config"
	"github.com/MarcoPoloResearchLab/melowod/internal/logging"
	"github.com/samber/do/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "melowod-api",
		Short: "MeloWOD gamification and ranking backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(injector *do.RootScope, _ *zap.Logger) error {
				return runServer(cmd.Context(), injector)
			})
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newRankingsCommand(),
		newCleanupCommand(),
		newRecalcStatsCommand(),
		newCachePurgeCommand(),
		newIssueTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("cache-path", defaults.GetString("cache.path"), "Badger cache directory (empty keeps it in memory)")
	cmd.PersistentFlags().String("blob-path", defaults.GetString("blob.path"), "Upload bucket directory")
	cmd.PersistentFlags().String("timezone", defaults.GetString("schedule.timezone"), "Time zone of scheduled jobs and calendar days")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "cache.path", "cache-path")
	bindFlag(cmd, "blob.path", "blob-path")
	bindFlag(cmd, "schedule.timezone", "timezone")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// withContainer loads the configuration, builds the container, runs fn and
// shuts every constructed component down.
func withContainer(fn func(injector *do.RootScope, logger *zap.Logger) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	injector := app.NewContainer(appConfig, logger)
	defer app.Shutdown(injector, logger)

	return fn(injector, logger)
}

func runServer(ctx context.Context, injector *do.RootScope) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Serve(signalCtx, injector)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the trigger bus and the job scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(injector *do.RootScope, _ *zap.Logger) error {
				return runServer(cmd.Context(), injector)
			})
		},
	}
}

func newRankingsCommand() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "rankings",
		Short: "Compute the daily rankings once (defaults to yesterday)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(injector *do.RootScope, logger *zap.Logger) error {
				agg := do.MustInvoke[*aggregator.Aggregator](injector)
				var (
					report aggregator.RankingReport
					err    error
				)
				if date == "" {
					report, err = agg.CalculateDailyRankings(cmd.Context(), time.Now())
				} else {
					cfg := do.MustInvoke[config.AppConfig](injector)
					day, parseErr := time.ParseInLocation(time.DateOnly, date, cfg.Timezone)
					if parseErr != nil {
						return fmt.Errorf("invalid --date: %w", parseErr)
					}
					report, err = agg.CalculateRankingsForDay(cmd.Context(), day)
				}
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Calendar day to rank (YYYY-MM-DD)")
	return cmd
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete uploads older than the retention period once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(injector *do.RootScope, logger *zap.Logger) error {
				agg := do.MustInvoke[*aggregator.Aggregator](injector)
				report, err := agg.CleanupOldFiles(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				if writeErr := writeJSON(cmd.OutOrStdout(), report); writeErr != nil {
					return writeErr
				}
				return report.Err
			})
		},
	}
}

func newRecalcStatsCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "recalc-stats",
		Short: "Recompute one user's stats from their raw results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(injector *do.RootScope, logger *zap.Logger) error {
				agg := do.MustInvoke[*aggregator.Aggregator](injector)
				stats, err := agg.CalculateStats(cmd.Context(), userID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Canonical user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newCachePurgeCommand() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "cache-purge",
		Short: "Drop cached documents (all of them, or those under --prefix)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(injector *do.RootScope, logger *zap.Logger) error {
				documents := do.MustInvoke[*cache.Cache](injector)
				if prefix == "" {
					if err := documents.Clear(cmd.Context()); err != nil {
						return err
					}
					logger.Info("cache cleared")
					return writeJSON(cmd.OutOrStdout(), map[string]any{"cleared": true})
				}
				removed, err := documents.Invalidate(cmd.Context(), cache.Prefix(prefix))
				if err != nil {
					return err
				}
				logger.Info("cache invalidated", zap.String("prefix", prefix), zap.Int("removed", removed))
				return writeJSON(cmd.OutOrStdout(), map[string]any{"prefix": prefix, "removed": removed})
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Only drop keys starting with this document path prefix")
	return cmd
}

func newIssueTokenCommand() *cobra.Command {
	var subject auth.Subject
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a development session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(injector *do.RootScope, logger *zap.Logger) error {
				issuer := do.MustInvoke[*auth.TokenIssuer](injector)
				token, expiresAt, err := issuer.Issue(subject)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"token":     token,
					"expiresAt": expiresAt.UTC(),
				})
			})
		},
	}
	cmd.Flags().StringVar(&subject.Provider, "provider", "dev", "Identity provider name")
	cmd.Flags().StringVar(&subject.ID, "subject", "", "Provider subject id")
	cmd.Flags().StringVar(&subject.Email, "email", "", "User email")
	cmd.Flags().StringVar(&subject.DisplayName, "name", "", "User display name")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
