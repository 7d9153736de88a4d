package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samplekit/mctrace/internal/observability"
	"github.com/samplekit/mctrace/internal/sampler"
	"github.com/samplekit/mctrace/internal/trace"
	"github.com/samplekit/mctrace/internal/version"
)

const defaultConfigPath = "mctrace.yaml"

const otelShutdownTimeout = 5 * time.Second

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "sample":
		return runSample(args[1:], os.Stdout, os.Stderr)
	case "info":
		return runInfo(args[1:], os.Stdout, os.Stderr)
	case "export":
		return runExport(args[1:], os.Stdout, os.Stderr)
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runSample(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("sample", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	outPath := flagSet.String("out", "", "Dump the finished run to this destination")
	outFormat := flagSet.String("out-format", "sqlite", "Dump format: sqlite or text")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "sample does not accept positional arguments")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}
	if *outPath != "" && *outFormat != "sqlite" && *outFormat != "text" {
		fmt.Fprintf(errOut, "unsupported --out-format %q: expected sqlite or text\n", *outFormat)
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	newBackend, err := backendConstructor(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize storage: %v\n", err)
		return 1
	}

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := sampler.New(cfg.Run, logger)
	if otelRuntime != nil {
		runner.SetMetrics(otelRuntime.RecorderMetrics())
	}

	sampleCtx, endSpan := otelRuntime.StartSpan(ctx, "mctrace.sample")
	m, err := runner.Run(sampleCtx, newBackend)
	endSpan(err)
	if err != nil {
		fmt.Fprintf(errOut, "sampling failed: %v\n", err)
		return 1
	}
	defer releaseAggregator(logger, m)

	logger.Info("sampling finished",
		"chains", m.NChains(),
		"draws_per_chain", m.Len(),
		"variables", m.Varnames(),
		"storage_driver", cfg.Storage.Driver,
	)

	if *outPath != "" {
		dumpCtx, endSpan := otelRuntime.StartSpan(ctx, "mctrace.dump")
		switch *outFormat {
		case "sqlite":
			err = trace.DumpSQLite(dumpCtx, m, *outPath)
		case "text":
			err = trace.DumpText(dumpCtx, m, *outPath)
		}
		endSpan(err)
		if err != nil {
			fmt.Fprintf(errOut, "failed to dump run: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "dumped %d chains to %s\n", m.NChains(), *outPath)
	}
	return 0
}

func runInfo(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("info", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "info does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("info", *format, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	m, err := loadAggregator(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load trace: %v\n", err)
		return 1
	}
	defer releaseAggregator(logger, m)

	if err := writeTraceInfo(out, m, cfg.Storage.Driver, normalizedFormat); err != nil {
		fmt.Fprintf(errOut, "failed to render trace info: %v\n", err)
		return 1
	}
	return 0
}

func runExport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("export", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", "", "Export format: sqlite or text")
	outPath := flagSet.String("out", "", "Export destination path")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "export does not accept positional arguments")
		return 2
	}
	if *format != "sqlite" && *format != "text" {
		fmt.Fprintf(errOut, "unsupported --format %q: expected sqlite or text\n", *format)
		return 2
	}
	if *outPath == "" {
		fmt.Fprintln(errOut, "export requires --out")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()
	m, err := loadAggregator(ctx, cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load trace: %v\n", err)
		return 1
	}
	defer releaseAggregator(logger, m)

	switch *format {
	case "sqlite":
		err = trace.DumpSQLite(ctx, m, *outPath)
	case "text":
		err = trace.DumpText(ctx, m, *outPath)
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to export trace: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "exported %d chains (%d draws each) to %s\n", m.NChains(), m.Len(), *outPath)
	return 0
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	fmt.Fprintln(out, "config is valid")
	return 0
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := runtime.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("failed to shut down opentelemetry", "error", err)
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  mctrace sample [--config path/to/mctrace.yaml] [--out PATH] [--out-format sqlite|text]")
	fmt.Fprintln(out, "  mctrace info [--config path/to/mctrace.yaml] [--format text|json]")
	fmt.Fprintln(out, "  mctrace export [--config path/to/mctrace.yaml] --format sqlite|text --out PATH")
	fmt.Fprintln(out, "  mctrace config validate [--config path/to/mctrace.yaml]")
	fmt.Fprintln(out, "  mctrace version")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  mctrace config validate [--config path/to/mctrace.yaml]")
}
