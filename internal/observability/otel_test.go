package observability

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/samplekit/mctrace/internal/config"
)

func TestSetupDisabledIsInert(t *testing.T) {
	t.Parallel()

	runtime, err := Setup(context.Background(), config.OTelConfig{Enabled: false}, "test", nil)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if runtime.Enabled() {
		t.Fatal("runtime enabled without otel configuration")
	}
	if hooks := runtime.RecorderMetrics(); hooks != nil {
		t.Fatal("RecorderMetrics() returned hooks for a disabled runtime")
	}
	if err := runtime.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestSetupRejectsEmptyEndpoint(t *testing.T) {
	t.Parallel()

	cfg := config.OTelConfig{
		Enabled:                true,
		Endpoint:               "   ",
		ServiceName:            "mctrace",
		TracesEnabled:          true,
		SamplingRatio:          1,
		ExportTimeoutMS:        1000,
		MetricExportIntervalMS: 1000,
	}
	if _, err := Setup(context.Background(), cfg, "test", nil); err == nil {
		t.Fatal("Setup() accepted empty endpoint")
	}
}

func TestNilRuntimeIsSafe(t *testing.T) {
	t.Parallel()

	var r *Runtime
	if r.Enabled() {
		t.Fatal("nil runtime reports enabled")
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil Shutdown() error: %v", err)
	}

	ctx, end := (&Runtime{}).StartSpan(context.Background(), "sample")
	if ctx == nil {
		t.Fatal("StartSpan() returned nil context")
	}
	end(errors.New("ignored"))
}

func TestNormalizeOTLPEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		raw          string
		wantEndpoint string
		wantInsecure bool
		wantErr      string
	}{
		{name: "bare host and port", raw: "collector:4318", wantEndpoint: "collector:4318"},
		{name: "http scheme implies insecure", raw: "http://collector:4318", wantEndpoint: "collector:4318", wantInsecure: true},
		{name: "https scheme implies secure", raw: "https://collector:4318", wantEndpoint: "collector:4318"},
		{name: "surrounding whitespace trimmed", raw: "  collector:4318  ", wantEndpoint: "collector:4318"},
		{name: "empty endpoint rejected", raw: "  ", wantErr: "must not be empty"},
		{name: "unsupported scheme rejected", raw: "grpc://collector:4317", wantErr: "scheme must be http or https"},
		{name: "scheme without host rejected", raw: "http://", wantErr: "must include host"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			endpoint, insecure, err := normalizeOTLPEndpoint(tc.raw)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("normalizeOTLPEndpoint(%q) error=%v, want mention of %q", tc.raw, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeOTLPEndpoint(%q) error: %v", tc.raw, err)
			}
			if endpoint != tc.wantEndpoint {
				t.Fatalf("endpoint=%q, want %q", endpoint, tc.wantEndpoint)
			}
			if insecure != tc.wantInsecure {
				t.Fatalf("insecure=%v, want %v", insecure, tc.wantInsecure)
			}
		})
	}
}
