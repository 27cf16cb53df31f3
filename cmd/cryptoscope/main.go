// CryptoScope CLI
// This application acquires the ranked cryptocurrency catalog from CoinGecko,
// detects where each asset's stored daily history ends, and backfills the
// missing days into a local database.
//
// Usage:
//
//	cryptoscope run
//	cryptoscope acquire --target 500
//	cryptoscope gaps --limit 20 --format json
//	cryptoscope backfill
//	cryptoscope init
//	cryptoscope stats
//
// For detailed help on any command, use: cryptoscope <command> --help
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/johnayoung/cryptoscope/internal/collector"
	"github.com/johnayoung/cryptoscope/internal/config"
	apperrors "github.com/johnayoung/cryptoscope/internal/errors"
	"github.com/johnayoung/cryptoscope/internal/exchange"
	"github.com/johnayoung/cryptoscope/internal/logger"
	"github.com/johnayoung/cryptoscope/internal/models"
	"github.com/johnayoung/cryptoscope/internal/storage"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "cryptoscope"
	ConfigFile = "cryptoscope.yaml"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// usageError marks bad command-line input
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// configError marks failures loading configuration or building components from it
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// CommandFlags represents the flags accepted by the subcommands
type CommandFlags struct {
	Target int
	Limit  int
	Format string
	Help   bool
}

// CLI represents the main CLI application
type CLI struct {
	config   *config.AppConfig
	loggers  *logger.LoggerManager
	logger   *slog.Logger
	store    storage.Store
	pipeline *collector.Pipeline
	stdout   io.Writer
}

// main is the entry point for the CLI application
func main() {
	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run parses args, executes one command and returns the process exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	configPath, rest, err := extractGlobalFlags(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		printUsage(stderr)
		return ExitUsageError
	}
	if configPath == "" {
		configPath = ConfigFile
	}

	command := "run"
	if len(rest) > 0 {
		command, rest = rest[0], rest[1:]
	}

	switch command {
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "%s version %s\n", AppName, Version)
		return ExitSuccess
	case "help", "--help", "-h":
		if len(rest) > 0 {
			printCommandHelp(stdout, rest[0])
		} else {
			printUsage(stdout)
		}
		return ExitSuccess
	case "run", "acquire", "gaps", "backfill", "init", "stats":
	default:
		fmt.Fprintf(stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage(stderr)
		return ExitUsageError
	}

	flags, err := parseCommandFlags(command, rest)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		printCommandHelp(stderr, command)
		return ExitUsageError
	}
	if flags.Help {
		printCommandHelp(stdout, command)
		return ExitSuccess
	}

	cli, err := newCLI(ctx, configPath, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: Failed to initialize CLI: %v\n", err)
		return exitCode(ctx, err)
	}
	defer cli.close()

	switch command {
	case "run":
		err = cli.handleRun(ctx)
	case "acquire":
		err = cli.handleAcquire(ctx, flags)
	case "gaps":
		err = cli.handleGaps(ctx, flags)
	case "backfill":
		err = cli.handleBackfill(ctx)
	case "init":
		err = cli.handleInit(ctx)
	case "stats":
		err = cli.handleStats(ctx)
	}

	if err != nil {
		cli.logger.Error("command failed", "command", command, "error", err)
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(ctx, err)
}

// newCLI loads configuration and wires the store, source and pipeline
func newCLI(ctx context.Context, configPath string, stdout, stderr io.Writer) (*CLI, error) {
	bootstrap := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.NewConfigManager(configPath, bootstrap).LoadConfig(ctx)
	if err != nil {
		return nil, &configError{err}
	}

	loggers, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return nil, &configError{fmt.Errorf("failed to setup logging: %w", err)}
	}

	store, err := storage.New(cfg.Storage.Type, cfg.Storage.Path, loggers.GetComponentLogger("storage").Logger)
	if err != nil {
		_ = loggers.Close()
		return nil, &configError{fmt.Errorf("failed to create storage: %w", err)}
	}

	source := exchange.NewCoinGeckoClient(cfg.Source, loggers.GetComponentLogger("coingecko").Logger)

	pipeline, err := collector.NewBuilder(cfg).
		WithStore(store).
		WithSource(source).
		WithLimiter(exchange.NewDelayLimiter(cfg.Source.Delay())).
		WithLoggers(loggers).
		Build()
	if err != nil {
		_ = store.Close()
		_ = loggers.Close()
		return nil, &configError{err}
	}

	return &CLI{
		config:   cfg,
		loggers:  loggers,
		logger:   loggers.GetLogger(),
		store:    store,
		pipeline: pipeline,
		stdout:   stdout,
	}, nil
}

func (cli *CLI) close() {
	if err := cli.store.Close(); err != nil {
		cli.logger.Warn("failed to close store", "error", err)
	}
	_ = cli.loggers.Close()
}

// handleRun executes the whole pipeline
func (cli *CLI) handleRun(ctx context.Context) error {
	summary, err := cli.pipeline.Run(ctx)
	if summary != nil {
		fmt.Fprint(cli.stdout, summary.String())
	}
	return err
}

// handleAcquire executes the acquisition stage only
func (cli *CLI) handleAcquire(ctx context.Context, flags *CommandFlags) error {
	target := cli.config.Acquirer.TargetCount
	if flags.Target > 0 {
		target = flags.Target
	}

	summary, err := cli.pipeline.RunAcquire(ctx, target)
	if summary != nil {
		fmt.Fprint(cli.stdout, summary.String())
	}
	return err
}

// handleBackfill executes gap detection and backfill without acquisition
func (cli *CLI) handleBackfill(ctx context.Context) error {
	summary, err := cli.pipeline.RunBackfill(ctx)
	if summary != nil {
		fmt.Fprint(cli.stdout, summary.String())
	}
	return err
}

// handleGaps prints the resume point of every active asset
func (cli *CLI) handleGaps(ctx context.Context, flags *CommandFlags) error {
	points, err := cli.pipeline.RunGaps(ctx)
	if err != nil {
		return err
	}

	if flags.Limit > 0 && len(points) > flags.Limit {
		points = points[:flags.Limit]
	}

	if flags.Format == "json" {
		return outputJSON(cli.stdout, toGapRows(points))
	}
	return outputTable(cli.stdout, points)
}

// handleInit creates the database location and schema
func (cli *CLI) handleInit(ctx context.Context) error {
	if err := cli.pipeline.Initialize(ctx); err != nil {
		return err
	}

	sqlStore, ok := cli.store.(*storage.SQLStore)
	if !ok {
		fmt.Fprintf(cli.stdout, "Initialized %s storage\n", cli.config.Storage.Type)
		return nil
	}

	status, err := sqlStore.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout, "Initialized %s storage at %s (schema version %d of %d)\n",
		cli.config.Storage.Type, sqlStore.Path(), status.CurrentVersion, status.LatestVersion)
	return nil
}

// handleStats prints a summary of the stored data
func (cli *CLI) handleStats(ctx context.Context) error {
	if err := cli.pipeline.Initialize(ctx); err != nil {
		return err
	}

	session, err := cli.store.Open(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	stats, err := session.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cli.stdout, "Storage:             %s %s\n", cli.config.Storage.Type, cli.config.Storage.Path)
	fmt.Fprintf(cli.stdout, "Total assets:        %d\n", stats.TotalAssets)
	fmt.Fprintf(cli.stdout, "Active assets:       %d\n", stats.ActiveAssets)
	fmt.Fprintf(cli.stdout, "Assets with history: %d\n", stats.AssetsWithHistory)
	fmt.Fprintf(cli.stdout, "Daily records:       %d\n", stats.TotalRecords)
	fmt.Fprintf(cli.stdout, "Date range:          %s to %s\n", formatDate(stats.EarliestDate), formatDate(stats.LatestDate))
	return nil
}

// exitCode maps a command error to the process exit status
func exitCode(ctx context.Context, err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return ExitInterrupt
	}

	var ue *usageError
	if errors.As(err, &ue) {
		return ExitUsageError
	}
	var ce *configError
	if errors.As(err, &ce) {
		return ExitConfigError
	}

	var se *storage.StorageError
	var stageErr *collector.StageError
	switch {
	case errors.As(err, &se):
		return ExitConnectionErr
	case errors.As(err, &stageErr) && stageErr.Stage == "initialize":
		return ExitConnectionErr
	case apperrors.GetErrorType(err) == apperrors.ErrorTypeStorage:
		return ExitConnectionErr
	}
	return ExitDataError
}

// Flag parsing functions

// extractGlobalFlags removes --config from args wherever it appears
func extractGlobalFlags(args []string) (string, []string, error) {
	configPath := ""
	rest := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" || args[i] == "-c":
			if i+1 >= len(args) {
				return "", nil, &usageError{fmt.Errorf("%s requires a value", args[i])}
			}
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--config="):
			configPath = strings.TrimPrefix(args[i], "--config=")
		default:
			rest = append(rest, args[i])
		}
	}

	return configPath, rest, nil
}

// parseCommandFlags parses command line arguments for the given command
func parseCommandFlags(command string, args []string) (*CommandFlags, error) {
	flags := &CommandFlags{
		Format: "table", // Default format
	}

	intValue := func(i int) (int, error) {
		if i+1 >= len(args) {
			return 0, &usageError{fmt.Errorf("%s requires a value", args[i])}
		}
		n, err := strconv.Atoi(args[i+1])
		if err != nil || n <= 0 {
			return 0, &usageError{fmt.Errorf("invalid %s value: %q", args[i], args[i+1])}
		}
		return n, nil
	}

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--help" || args[i] == "-h":
			flags.Help = true
		case command == "acquire" && (args[i] == "--target" || args[i] == "-t"):
			n, err := intValue(i)
			if err != nil {
				return nil, err
			}
			flags.Target = n
			i++
		case command == "gaps" && (args[i] == "--limit" || args[i] == "-l"):
			n, err := intValue(i)
			if err != nil {
				return nil, err
			}
			flags.Limit = n
			i++
		case command == "gaps" && (args[i] == "--format" || args[i] == "-f"):
			if i+1 >= len(args) {
				return nil, &usageError{fmt.Errorf("%s requires a value", args[i])}
			}
			flags.Format = args[i+1]
			if flags.Format != "table" && flags.Format != "json" {
				return nil, &usageError{fmt.Errorf("invalid format %q: must be table or json", flags.Format)}
			}
			i++
		default:
			return nil, &usageError{fmt.Errorf("unknown flag for %s: %s", command, args[i])}
		}
	}

	return flags, nil
}

// Output helpers

// gapRow is the JSON shape of one resume point
type gapRow struct {
	ID        int64   `json:"id"`
	Symbol    string  `json:"symbol"`
	SourceID  string  `json:"source_id"`
	MarketCap *string `json:"market_cap"`
	LastDate  *string `json:"last_date"`
}

func toGapRows(points []models.ResumePoint) []gapRow {
	rows := make([]gapRow, 0, len(points))
	for _, p := range points {
		row := gapRow{ID: p.Asset.ID, Symbol: p.Asset.Symbol, SourceID: p.Asset.SourceID}
		if p.Asset.MarketCap.Valid {
			s := p.Asset.MarketCap.Decimal.String()
			row.MarketCap = &s
		}
		if p.HasHistory() {
			s := p.LastDateString()
			row.LastDate = &s
		}
		rows = append(rows, row)
	}
	return rows
}

// outputJSON writes v as indented JSON
func outputJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// outputTable formats resume points as a table
func outputTable(w io.Writer, points []models.ResumePoint) error {
	if len(points) == 0 {
		fmt.Fprintln(w, "No active assets in the catalog")
		return nil
	}

	fmt.Fprintf(w, "%-6s %-10s %-28s %-22s %-12s\n", "ID", "Symbol", "Source ID", "Market Cap", "Last Date")
	fmt.Fprintln(w, strings.Repeat("-", 82))

	for _, p := range points {
		marketCap := "-"
		if p.Asset.MarketCap.Valid {
			marketCap = p.Asset.MarketCap.Decimal.StringFixed(0)
		}
		fmt.Fprintf(w, "%-6d %-10s %-28s %-22s %-12s\n",
			p.Asset.ID,
			truncate(p.Asset.Symbol, 10),
			truncate(p.Asset.SourceID, 28),
			marketCap,
			p.LastDateString())
	}
	return nil
}

// truncate shortens s to maxLen characters
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "~"
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.Format(models.DateLayout)
}

// printUsage prints the top-level help text
func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - CoinGecko daily history collector v%s

USAGE:
    %s [--config PATH] <command> [options]

COMMANDS:
    run         Acquire the catalog, detect gaps and backfill history (default)
    acquire     Fetch the ranked asset list and store liquid assets
    gaps        Show where each active asset's stored history ends
    backfill    Detect gaps and backfill history without re-acquiring
    init        Create the database location and schema
    stats       Summarize the stored data
    version     Show version information
    help        Show help information

GLOBAL OPTIONS:
    --config, -c PATH   Configuration file, YAML or JSON (default: %s)

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s (YAML or JSON, chosen by extension)
    - A .env file in the working directory
    - Environment variables: CRYPTOSCOPE_* (e.g., CRYPTOSCOPE_DB_PATH)

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, ConfigFile, ConfigFile, AppName)
}

// printCommandHelp prints the help text for one command
func printCommandHelp(w io.Writer, command string) {
	switch command {
	case "run":
		fmt.Fprintf(w, `Run the full pipeline: acquire, gap detection, backfill.

USAGE:
    %s run

Requests are spaced by source.request_delay; a full run with the default
target takes several minutes. Per-asset failures are logged and retried on
the next run.
`, AppName)
	case "acquire":
		fmt.Fprintf(w, `Fetch the ranked asset list and store the liquid entries.

USAGE:
    %s acquire [--target N]

OPTIONS:
    --target, -t N   Number of ranked entries to fetch (default: acquirer.target_count)
`, AppName)
	case "gaps":
		fmt.Fprintf(w, `Show the last stored date of every active asset, highest market cap first.

USAGE:
    %s gaps [--limit N] [--format table|json]

OPTIONS:
    --limit, -l N        Show at most N assets
    --format, -f FORMAT  Output format: table (default) or json
`, AppName)
	case "backfill":
		fmt.Fprintf(w, `Detect gaps and fetch the missing daily history for every active asset.

USAGE:
    %s backfill
`, AppName)
	case "init":
		fmt.Fprintf(w, `Create the database directory and install the schema.

USAGE:
    %s init
`, AppName)
	case "stats":
		fmt.Fprintf(w, `Summarize the asset catalog and stored daily records.

USAGE:
    %s stats
`, AppName)
	default:
		fmt.Fprintf(w, "Unknown command '%s'\n\n", command)
		printUsage(w)
	}
}
