// Command ledgerctl runs maintenance operations against the ledger database:
// audits, reconciliation and one-off corrections. It shares .env with the server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"evbackend.in/core/internal/app"
	"evbackend.in/core/internal/config"
	"evbackend.in/core/internal/db/postgres"
	"evbackend.in/core/internal/gateway/razorpayx"
	"evbackend.in/core/internal/server"
)

const usage = `usage: ledgerctl <command> [flags]

commands:
  audit-wallets [-repair]               compare wallet balances with their ledgers
  reconcile-pairs                       replay missing pair credits and retry matching
  refresh-counts                        recompute left/right counts for every node
  fix-early-pair-deductions [-dry-run]  reverse deductions taken within the TDS threshold
  sweep-stale-payouts [-older-than 30m] resubmit or fail payouts stuck in processing
  sign-webhook -file body.json          print the RazorpayX signature for a payload
  hash-key <key>                        print the OPS_API_KEY_HASH for a key
`

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	log.SetOutput(os.Stderr)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		log.WithError(err).Fatal("ledgerctl failed")
	}
}

func run(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	repair := fs.Bool("repair", false, "rewrite drifted balances from the ledger")
	dryRun := fs.Bool("dry-run", false, "report without changing anything")
	olderThan := fs.Duration("older-than", 0, "minimum time in processing (default STALE_PAYOUT_AFTER)")
	file := fs.String("file", "", "webhook body to sign")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Needs neither config nor database.
	if cmd == "hash-key" {
		if fs.NArg() != 1 {
			return fmt.Errorf("hash-key takes exactly one argument")
		}
		hash, err := server.HashAPIKey(fs.Arg(0))
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if level, err := log.ParseLevel(cfg.AppLogLevel); err == nil {
		log.SetLevel(level)
	}

	if cmd == "sign-webhook" {
		if *file == "" {
			return fmt.Errorf("sign-webhook needs -file")
		}
		body, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		fmt.Println(razorpayx.Sign(cfg.RazorpayXWebhookSecret, body))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	svc, err := app.NewServices(ctx, cfg, pool)
	if err != nil {
		return err
	}

	switch cmd {
	case "audit-wallets":
		drifts, err := svc.Wallets.Audit(ctx)
		if err != nil {
			return err
		}
		if *repair && len(drifts) > 0 {
			if err := svc.Wallets.Repair(ctx, drifts); err != nil {
				return err
			}
			log.WithField("wallets", len(drifts)).Warn("Drifted balances rewritten")
		}
		return printJSON(drifts)

	case "reconcile-pairs":
		report, err := svc.Tree.ReconcilePairs(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)

	case "refresh-counts":
		n, err := svc.Tree.RefreshAllCounts(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"nodes": n})

	case "fix-early-pair-deductions":
		report, err := svc.Tree.CorrectEarlyPairDeductions(ctx, *dryRun)
		if err != nil {
			return err
		}
		return printJSON(report)

	case "sweep-stale-payouts":
		age := cfg.StalePayoutAfter
		if *olderThan > 0 {
			age = *olderThan
		}
		report, err := svc.Payouts.SweepStale(ctx, age)
		if err != nil {
			return err
		}
		return printJSON(report)
	}

	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", cmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
