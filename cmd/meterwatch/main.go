package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	"github.com/lox/meterwatch/internal/apperr"
	"github.com/lox/meterwatch/internal/config"
	"github.com/lox/meterwatch/internal/logging"
	"github.com/lox/meterwatch/internal/metrics"
	"github.com/lox/meterwatch/internal/store"
)

// Globals are the process settings shared by every command.
type Globals struct {
	DB              string        `help:"Path to SQLite database." env:"METERWATCH_DB" default:"data/meterwatch.db"`
	Config          string        `help:"YAML model, anomaly and tariff settings." env:"METERWATCH_CONFIG" type:"path"`
	LogLevel        string        `help:"Log level (debug, info, warn, error)." env:"METERWATCH_LOG_LEVEL" default:"info"`
	LogFormat       string        `help:"Log format." env:"METERWATCH_LOG_FORMAT" enum:"text,json" default:"text"`
	LogFile         string        `help:"Write logs to a rotated file instead of stderr." env:"METERWATCH_LOG_FILE"`
	MetricsFile     string        `help:"Write Prometheus metrics to this textfile at exit." env:"METERWATCH_METRICS_FILE"`
	Timeout         time.Duration `help:"Overall deadline for the invocation." env:"METERWATCH_TIMEOUT" default:"2m"`
	RetryMaxElapsed time.Duration `help:"Retry history loads on data source errors for up to this long. Zero disables retries." env:"METERWATCH_RETRY_MAX_ELAPSED" default:"0s"`

	ctx    context.Context
	cfg    *config.Config
	stdin  io.Reader
	stdout io.Writer
}

type CLI struct {
	Globals

	Migrate  MigrateCmd  `cmd:"" help:"Apply database migrations."`
	Import   ImportCmd   `cmd:"" help:"Import readings from a CSV file or ftp:// URL."`
	Forecast ForecastCmd `cmd:"" help:"Forecast next month's usage for a customer."`
	Anomaly  AnomalyCmd  `cmd:"" help:"Check a submitted reading for anomalies."`
	Insight  InsightCmd  `cmd:"" help:"Forecast and explain a customer's usage."`
	Chart    ChartCmd    `cmd:"" help:"Render a customer's usage and forecast as PNG."`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("meterwatch"),
		kong.Description("Forecast utility meter usage and flag anomalous readings."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		parser.Errorf("%s", err)
		return 2
	}

	logger, closer, err := logging.New(logging.Options{Level: cli.LogLevel, Format: cli.LogFormat, File: cli.LogFile})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	defer func() {
		if err := metrics.WriteTextfile(cli.MetricsFile); err != nil {
			slog.Warn("failed to write metrics", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if cli.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, cli.Timeout)
		defer cancelTimeout()
	}

	cli.ctx = ctx
	cli.stdin = stdin
	cli.stdout = stdout

	cfg, err := config.Load(cli.Config)
	if err == nil {
		cli.cfg = cfg
		err = kctx.Run(&cli.Globals)
	}
	if err != nil {
		return fail(stdout, stderr, kctx.Command(), err)
	}
	return 0
}

type errorPayload struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// fail reports err as an error payload on stdout and a diagnostic on stderr,
// and returns the exit code for its kind.
func fail(stdout, stderr io.Writer, command string, err error) int {
	kind := apperr.KindOf(err)
	slog.Error("command failed", "command", command, "kind", kind, "error", err)

	json.NewEncoder(stdout).Encode(errorPayload{Error: err.Error(), Kind: kind.WireName()})
	json.NewEncoder(stderr).Encode(apperr.NewDiagnostic(err))
	return kind.ExitCode()
}

// openStore opens and migrates the database.
func (g *Globals) openStore() (*store.Store, error) {
	if g.DB != ":memory:" && !strings.HasPrefix(g.DB, "file:") {
		if err := os.MkdirAll(filepath.Dir(g.DB), 0o755); err != nil {
			return nil, apperr.DataSource("open", err)
		}
	}
	st, err := store.Open(g.ctx, g.DB)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, apperr.DataSource("migrate", err)
	}
	return st, nil
}

func (g *Globals) writeJSON(v any) error {
	enc := json.NewEncoder(g.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
