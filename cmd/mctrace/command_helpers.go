package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/samplekit/mctrace/internal/config"
	"github.com/samplekit/mctrace/internal/sampler"
	"github.com/samplekit/mctrace/internal/trace"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

// backendConstructor maps the configured storage driver to a per-chain
// backend factory for sampling runs.
func backendConstructor(cfg config.Config) (sampler.NewBackendFunc, error) {
	shapes := cfg.Run.Shapes()
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return func(chain int) (trace.ChainTrace, error) {
			return trace.NewMemoryTrace(shapes), nil
		}, nil
	case config.DriverSQLite:
		return func(chain int) (trace.ChainTrace, error) {
			return trace.NewSQLiteTrace(cfg.Storage.Path, shapes)
		}, nil
	case config.DriverText:
		return func(chain int) (trace.ChainTrace, error) {
			return trace.NewTextTrace(cfg.Storage.Path, shapes)
		}, nil
	case config.DriverPostgres:
		return func(chain int) (trace.ChainTrace, error) {
			return trace.NewPostgresTrace(cfg.Storage.DSN, shapes)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

// loadAggregator reconstructs a persisted run from the configured storage.
func loadAggregator(ctx context.Context, cfg config.Config) (*trace.MultiTrace, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		return trace.LoadSQLite(ctx, cfg.Storage.Path)
	case config.DriverText:
		return trace.LoadText(ctx, cfg.Storage.Path)
	case config.DriverPostgres:
		return trace.LoadPostgres(ctx, cfg.Storage.DSN)
	case config.DriverMemory:
		return nil, fmt.Errorf("storage.driver %q holds no persisted runs", cfg.Storage.Driver)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

// releaseAggregator frees any database read handles held by loaded chains.
func releaseAggregator(logger *slog.Logger, m *trace.MultiTrace) {
	if m == nil {
		return
	}
	if err := trace.ReleaseSQLite(m); err != nil && logger != nil {
		logger.Error("failed to release trace storage", "error", err)
	}
	for _, chain := range m.Chains() {
		ct, err := m.ChainTrace(chain)
		if err != nil {
			continue
		}
		if pt, ok := ct.(*trace.PostgresTrace); ok {
			if err := pt.Release(); err != nil && logger != nil {
				logger.Error("failed to release trace storage", "chain", chain, "error", err)
			}
		}
	}
}

type traceInfo struct {
	StorageDriver string         `json:"storage_driver"`
	Chains        []chainInfo    `json:"chains"`
	DrawsPerChain int            `json:"draws_per_chain"`
	Variables     []variableInfo `json:"variables"`
}

type chainInfo struct {
	Chain int `json:"chain"`
	Draws int `json:"draws"`
}

type variableInfo struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

func buildTraceInfo(m *trace.MultiTrace, driver string) (traceInfo, error) {
	info := traceInfo{
		StorageDriver: driver,
		DrawsPerChain: m.Len(),
	}
	for _, chain := range m.Chains() {
		ct, err := m.ChainTrace(chain)
		if err != nil {
			return traceInfo{}, err
		}
		info.Chains = append(info.Chains, chainInfo{Chain: chain, Draws: ct.Len()})
	}
	shapes := m.VarShapes()
	for _, name := range m.Varnames() {
		shape := shapes[name]
		if shape == nil {
			shape = []int{}
		}
		info.Variables = append(info.Variables, variableInfo{Name: name, Shape: shape})
	}
	return info, nil
}

func writeTraceInfo(out io.Writer, m *trace.MultiTrace, driver, format string) error {
	info, err := buildTraceInfo(m, driver)
	if err != nil {
		return err
	}

	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	}

	fmt.Fprintf(out, "storage driver: %s\n", info.StorageDriver)
	fmt.Fprintf(out, "chains: %d\n", len(info.Chains))
	for _, c := range info.Chains {
		fmt.Fprintf(out, "  chain %d: %d draws\n", c.Chain, c.Draws)
	}
	fmt.Fprintf(out, "variables: %d\n", len(info.Variables))
	for _, v := range info.Variables {
		if len(v.Shape) == 0 {
			fmt.Fprintf(out, "  %s: scalar\n", v.Name)
			continue
		}
		fmt.Fprintf(out, "  %s: shape %v\n", v.Name, v.Shape)
	}
	return nil
}
