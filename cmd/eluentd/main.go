// eluentd is the per-user eluent daemon. It owns the Unix socket that
// CLI and agent clients talk to, and multiplexes stores, sync, and
// ledger claims across repositories.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eluent/eluent/internal/config"
	"github.com/eluent/eluent/internal/daemon"
	"github.com/eluent/eluent/internal/debug"
	"github.com/eluent/eluent/internal/rpc"
	"github.com/eluent/eluent/internal/telemetry"
)

// Version is stamped by the release build.
var Version = "dev"

var (
	dataDir     string
	verboseFlag bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "eluentd:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "eluentd",
		Short:         "eluent daemon",
		Long:          "eluentd serves eluent RPC over a per-user Unix socket.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "override the user data root")
	cmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")

	v := viper.New()
	v.SetEnvPrefix("ELUENT")
	v.AutomaticEnv()
	v.BindPFlag("data_dir", cmd.Flags().Lookup("data-dir"))
	cobra.OnInitialize(func() {
		if dataDir == "" {
			dataDir = v.GetString("data_dir")
		}
		debug.SetVerbose(verboseFlag || v.GetBool("debug"))
	})

	cmd.AddCommand(statusCmd())
	return cmd
}

func runDaemon() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "eluentd", Version); err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shCtx); err != nil {
			debug.Warnf("telemetry shutdown: %v", err)
		}
	}()

	cfg := config.Default()
	if dataDir != "" {
		cfg.Sync.GlobalPathOverride = dataDir
	}
	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("eluentd %s listening on %s\n", Version, d.SocketPath())
	return d.Run(ctx)
}

// statusCmd reports whether a daemon is reachable, without starting one.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "check whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if dataDir != "" {
				cfg.Sync.GlobalPathOverride = dataDir
			}
			d, err := daemon.New(cfg)
			if err != nil {
				return err
			}
			c, err := rpc.Dial(d.SocketPath())
			if err != nil {
				fmt.Println("daemon: not running")
				return nil
			}
			defer c.Close()
			if _, err := c.Call(rpc.CmdPing, nil); err != nil {
				fmt.Println("daemon: not responding:", err)
				return nil
			}
			fmt.Println("daemon: running on", d.SocketPath())
			return nil
		},
	}
}
