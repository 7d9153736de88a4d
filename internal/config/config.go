package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Run           RunConfig           `yaml:"run"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// RunConfig describes a sampling run: how many chains to record, how many
// draws each chain requests, and the variables every draw carries.
type RunConfig struct {
	Chains    int              `yaml:"chains"`
	Draws     int              `yaml:"draws"`
	Seed      int64            `yaml:"seed"`
	StepSize  float64          `yaml:"step_size"`
	Variables []VariableConfig `yaml:"variables"`
}

type VariableConfig struct {
	Name  string `yaml:"name"`
	Shape []int  `yaml:"shape"`
}

// Shapes returns the run's variable registry keyed by name.
func (c RunConfig) Shapes() map[string][]int {
	shapes := make(map[string][]int, len(c.Variables))
	for _, v := range c.Variables {
		shapes[v.Name] = v.Shape
	}
	return shapes
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverText     = "text"
	DriverPostgres = "postgres"
)

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "mctrace"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   "./data/mctrace.db",
		},
		Run: RunConfig{
			Chains:   2,
			Draws:    1000,
			Seed:     1,
			StepSize: 1.0,
			Variables: []VariableConfig{
				{Name: "x", Shape: []int{}},
			},
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case DriverText:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=text")
		}
	case DriverPostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, sqlite, text, postgres (got %q)", cfg.Storage.Driver)
	}

	if cfg.Run.Chains <= 0 {
		return fmt.Errorf("run.chains must be > 0 (got %d)", cfg.Run.Chains)
	}
	if cfg.Run.Draws < 0 {
		return fmt.Errorf("run.draws must be >= 0 (got %d)", cfg.Run.Draws)
	}
	if cfg.Run.StepSize <= 0 {
		return fmt.Errorf("run.step_size must be > 0 (got %f)", cfg.Run.StepSize)
	}
	if len(cfg.Run.Variables) == 0 {
		return errors.New("run.variables must name at least one variable")
	}
	seen := make(map[string]bool, len(cfg.Run.Variables))
	for i, v := range cfg.Run.Variables {
		name := strings.TrimSpace(v.Name)
		if name == "" {
			return fmt.Errorf("run.variables[%d].name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("run.variables[%d]: duplicate variable %q", i, name)
		}
		seen[name] = true
		for _, dim := range v.Shape {
			if dim <= 0 {
				return fmt.Errorf("run.variables[%d].shape dimensions must be > 0 (got %v)", i, v.Shape)
			}
		}
	}

	return validateOTelConfig(cfg.Observability.OTel)
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if driver := os.Getenv("MCTRACE_STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if path := os.Getenv("MCTRACE_STORAGE_PATH"); path != "" {
		cfg.Storage.Path = path
	}
	if dsn := os.Getenv("MCTRACE_STORAGE_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}

	if chains := os.Getenv("MCTRACE_RUN_CHAINS"); chains != "" {
		n, err := strconv.Atoi(chains)
		if err != nil {
			return fmt.Errorf("parse MCTRACE_RUN_CHAINS %q: %w", chains, err)
		}
		cfg.Run.Chains = n
	}
	if draws := os.Getenv("MCTRACE_RUN_DRAWS"); draws != "" {
		n, err := strconv.Atoi(draws)
		if err != nil {
			return fmt.Errorf("parse MCTRACE_RUN_DRAWS %q: %w", draws, err)
		}
		cfg.Run.Draws = n
	}
	if seed := os.Getenv("MCTRACE_RUN_SEED"); seed != "" {
		n, err := strconv.ParseInt(seed, 10, 64)
		if err != nil {
			return fmt.Errorf("parse MCTRACE_RUN_SEED %q: %w", seed, err)
		}
		cfg.Run.Seed = n
	}

	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		disabled, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("parse OTEL_SDK_DISABLED %q: %w", sdkDisabled, err)
		}
		cfg.Observability.OTel.Enabled = !disabled
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		value, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("parse OTEL_EXPORTER_OTLP_INSECURE %q: %w", insecure, err)
		}
		cfg.Observability.OTel.Insecure = value
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		cfg.Observability.OTel.TracesEnabled = !strings.EqualFold(tracesExporter, "none")
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		cfg.Observability.OTel.MetricsEnabled = !strings.EqualFold(metricsExporter, "none")
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		ratio, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("parse OTEL_TRACES_SAMPLER_ARG %q: %w", samplingRatio, err)
		}
		cfg.Observability.OTel.SamplingRatio = ratio
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		ms, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("parse OTEL_EXPORTER_OTLP_TIMEOUT %q: %w", exportTimeout, err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = ms
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		ms, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("parse OTEL_METRIC_EXPORT_INTERVAL %q: %w", metricExportInterval, err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = ms
	}

	return nil
}
