package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/opsdash/splitmanager/internal/client"
)

const defaultAPI = "http://localhost:8000"

// cli carries the state shared by every subcommand
type cli struct {
	v       *viper.Viper
	logger  *zap.Logger
	verbose bool
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New(), logger: zap.NewNop()}

	rootCmd := &cobra.Command{
		Use:   "splitctl",
		Short: "Command line client for the split manager API",
		Long: `splitctl uploads spreadsheets to the split manager, follows their processing
status and manages the review lifecycle.

The API address and token can also be set with SPLITCTL_API and SPLITCTL_TOKEN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config := zap.NewProductionConfig()
			config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
			if c.verbose {
				config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := config.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = c.logger.Sync()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("api", defaultAPI, "split manager API base URL")
	flags.String("token", "", "bearer token")
	flags.Duration("timeout", 30*time.Second, "per-request timeout")
	flags.Int("retries", 2, "retries on 429 and 5xx responses")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")

	c.v.SetEnvPrefix("SPLITCTL")
	c.v.AutomaticEnv()
	for _, name := range []string{"api", "token", "timeout", "retries"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		c.uploadCmd(),
		c.statusCmd(),
		c.resultCmd(),
		c.listCmd(),
		c.watchCmd(),
		c.actionCmd("pause", "Pause processing of a file"),
		c.actionCmd("resume", "Restart processing of a paused file"),
		c.approveCmd(),
		c.deleteCmd(),
		c.tokenCmd(),
	)
	return rootCmd
}

func (c *cli) apiClient() *client.APIClient {
	return client.NewAPIClient(client.APIClientConfig{
		BaseURL:    c.v.GetString("api"),
		Token:      c.v.GetString("token"),
		Timeout:    c.v.GetDuration("timeout"),
		RetryCount: c.v.GetInt("retries"),
	})
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
