package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/daraja"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/submit"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/sweeper"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			// store.New already migrated; running it again is a no-op.
			if err := e.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", e.cfg.Store.Driver)
			return nil
		},
	}
}

// createFile is the JSON document accepted by "ledgerctl create".
type createFile struct {
	FlowType       ledger.FlowType `json:"flowType"`
	UserAddress    string          `json:"userAddress"`
	BusinessID     string          `json:"businessId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Quote          ledger.Quote    `json:"quote"`
	Targets        ledger.Targets  `json:"targets"`
	Funding        *ledger.Onchain `json:"funding"`
}

func decodeCreateFile(r io.Reader) (submit.Request, error) {
	var f createFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return submit.Request{}, fmt.Errorf("invalid transaction file: %w", err)
	}
	return submit.Request{
		NewParams: ledger.NewParams{
			FlowType:       f.FlowType,
			UserAddress:    f.UserAddress,
			BusinessID:     f.BusinessID,
			IdempotencyKey: f.IdempotencyKey,
			Quote:          f.Quote,
			Targets:        f.Targets,
		},
		Funding: f.Funding,
	}, nil
}

func createCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a transaction from a JSON file (- for stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			req, err := decodeCreateFile(in)
			if err != nil {
				return err
			}

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			tx, existed, err := submit.Create(cmd.Context(), e.store, req, time.Now().UTC())
			if err != nil {
				return err
			}
			if existed {
				fmt.Fprintln(cmd.ErrOrStderr(), "idempotency key already used; returning the existing transaction")
			}
			return printJSON(cmd.OutOrStdout(), tx)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "transaction JSON file")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [transaction-id]",
		Short: "Print a transaction with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			tx, err := e.store.Get(cmd.Context(), ledger.NormalizeTransactionID(args[0]))
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), tx)
		},
	}
}

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit [transaction-id]",
		Short: "Send the STK push or payout for a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			gw, err := daraja.New(e.cfg.Gateway, e.logger)
			if err != nil {
				return err
			}
			refunder, closeTreasury, err := e.compensator(ctx)
			if err != nil {
				return err
			}
			defer closeTreasury()

			tx, err := submit.New(e.store, gw, refunder, e.config, e.logger).Submit(ctx, args[0])
			if tx != nil {
				if perr := printJSON(cmd.OutOrStdout(), tx); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func retryRefundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-refund [transaction-id]",
		Short: "Retry a refund that previously failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			tx, err := e.store.Get(ctx, ledger.NormalizeTransactionID(args[0]))
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			refunder, closeTreasury, err := e.compensator(ctx)
			if err != nil {
				return err
			}
			defer closeTreasury()

			rerr := refunder.Retry(ctx, tx)
			if perr := printJSON(cmd.OutOrStdout(), tx); perr != nil {
				return perr
			}
			return rerr
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Query the gateway once for stale payouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			gw, err := daraja.New(e.cfg.Gateway, e.logger)
			if err != nil {
				return err
			}
			// No engine runs here; the store's version check guards against a
			// callback landing in the server meanwhile.
			sw := sweeper.New(e.store, gw, nil, e.config, e.logger)
			n, err := sw.RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "queried %d transaction(s)\n", n)
			return err
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
