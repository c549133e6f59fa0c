// bedm drives the lifecycle of MDF-e transport manifests against the
// SEFAZ clearinghouse.
//
// Usage:
//
//	bedm send <access-key>              submit the inbox document (or resolve its pending receipt)
//	bedm poll <access-key>              resolve a previously issued receipt
//	bedm cancel <access-key>            cancel an authorized manifest
//	bedm finish <access-key>            close an authorized manifest
//
// Every invocation appends one line to the outcome log next to the
// inbox document and exits 0 on success, 3 when the batch is still
// processing (retry later), 1 on failure and 2 on usage errors.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/aguimaraes/bedm/internal/config"
	"github.com/aguimaraes/bedm/internal/docstore"
	"github.com/aguimaraes/bedm/internal/engine"
	"github.com/aguimaraes/bedm/internal/report"
	"github.com/aguimaraes/bedm/internal/signer"
	"github.com/aguimaraes/bedm/internal/storage"
	"github.com/aguimaraes/bedm/internal/storage/mongodb"
	"github.com/aguimaraes/bedm/internal/storage/postgres"
	"github.com/aguimaraes/bedm/pkg/manifest"
	"github.com/aguimaraes/bedm/pkg/sefaz"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("bedm", pflag.ContinueOnError)
	flags.Usage = func() { printUsage(flags) }

	configPath := flags.String("config", "/etc/bedm/bedm.yaml", "path to the configuration file")
	envName := flags.String("env", "", "clearinghouse environment: production or staging (default from config)")
	protocolNumber := flags.String("protocol", "", "authorization protocol for cancel/finish (default: the ledger's authorized protocol)")
	reason := flags.String("reason", "", "cancellation justification (default from config)")
	receipt := flags.String("receipt", "", "receipt number for poll (default: the ledger's latest receipt)")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")

	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return report.ExitSuccess
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return report.ExitUsage
	}

	rest := flags.Args()
	if len(rest) != 2 {
		flags.Usage()
		return report.ExitUsage
	}
	command := rest[0]

	key, err := manifest.ParseKey(rest[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return report.ExitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return report.ExitFailure
	}

	if *envName == "" {
		*envName = cfg.Environment
	}
	env, err := manifest.ParseEnvironment(*envName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return report.ExitUsage
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return report.ExitFailure
	}
	defer store.Close(ctx)

	docSigner, err := signer.LoadXMLDSig(cfg.Signing.CertFile, cfg.Signing.KeyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return report.ExitFailure
	}

	client := sefaz.NewClient(
		sefaz.NewHTTPSTransport(nil),
		sefaz.WithEndpoints(cfg.Sefaz.EndpointSet()),
		sefaz.WithEventSigner(docSigner.Sign),
		sefaz.WithLogger(logger),
	)

	docs := docstore.NewStore(cfg.Documents.Root)
	eng := engine.New(store, docs, client, docSigner,
		engine.WithLogger(logger),
		engine.WithClosureLocation(cfg.Sefaz.Closure.UF, cfg.Sefaz.Closure.Municipality),
		engine.WithDefaultCancelReason(cfg.Sefaz.Cancel.DefaultReason),
	)
	reporter := report.NewReporter(docs)

	var outcome *engine.Outcome
	var opErr error
	var logErr error

	switch command {
	case "send":
		outcome, opErr = eng.Submit(ctx, key, env)
		logErr = reporter.ReportSubmit(key, outcome, opErr)
	case "poll":
		outcome, opErr = eng.PollReceipt(ctx, key, env, *receipt)
		logErr = reporter.ReportSubmit(key, outcome, opErr)
	case "cancel":
		outcome, opErr = eng.Cancel(ctx, key, env, *protocolNumber, *reason)
		logErr = reporter.ReportCancel(key, outcome, opErr)
	case "finish":
		outcome, opErr = eng.Finish(ctx, key, env, *protocolNumber)
		logErr = reporter.ReportFinish(key, outcome, opErr)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", command)
		flags.Usage()
		return report.ExitUsage
	}

	if logErr != nil {
		logger.Warn("writing outcome log failed", "error", logErr)
	}
	if opErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", opErr)
		return report.ExitFailure
	}

	fmt.Printf("%s [%s] %s\n", outcome.Status, outcome.Code, outcome.Message)
	return report.ExitCode(outcome, nil)
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "mongodb":
		return mongodb.NewStore(ctx, &mongodb.Config{
			URI:      cfg.Storage.MongoDB.URI,
			Database: cfg.Storage.MongoDB.Database,
		})
	case "postgres":
		return postgres.NewStore(ctx, &postgres.Config{
			DSN:      cfg.Storage.Postgres.DSN,
			MaxConns: cfg.Storage.Postgres.MaxConns,
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func printUsage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Usage: bedm [flags] <command> <access-key>

Commands:
  send     sign and submit the inbox document, then poll its receipt
  poll     resolve a previously issued receipt
  cancel   cancel an authorized manifest
  finish   close an authorized manifest

Flags:
%s`, flags.FlagUsages())
}
