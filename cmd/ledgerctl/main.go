// Command ledgerctl is the operator tool for the reconciler's ledger: it opens
// transactions, submits them to the gateway and nudges stuck ones.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/chain"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/config"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/logging"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/refund"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/store"
)

var Version = "dev"

var (
	cfgPath string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the M-Pesa reconciliation ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "configs/reconciler.yaml", "path to YAML config")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "optional dotenv file")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(retryRefundCmd())
	rootCmd.AddCommand(sweepCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// env is what every subcommand needs: the loaded config, a logger and an open store.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
}

func openEnv(ctx context.Context) (*env, error) {
	loader, err := config.NewLoader(cfgPath, envFile)
	if err != nil {
		return nil, err
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	st, err := store.New(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &env{cfg: cfg, logger: logger, store: st}, nil
}

func (e *env) Close() error { return e.store.Close() }

func (e *env) config() *config.Config { return e.cfg }

// compensator dials the treasury for commands that may move funds.
func (e *env) compensator(ctx context.Context) (*refund.Compensator, func(), error) {
	treasury, closeTreasury, err := chain.FromConfig(ctx, e.cfg.Treasury, e.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect treasury: %w", err)
	}
	return refund.New(e.store, treasury, e.config, e.logger), closeTreasury, nil
}
