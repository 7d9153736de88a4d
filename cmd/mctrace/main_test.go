package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samplekit/mctrace/internal/config"
	"github.com/samplekit/mctrace/internal/trace"
)

func writeTestConfig(t *testing.T, yaml string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mctrace.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func sqliteRunConfig(t *testing.T, dbPath string) string {
	t.Helper()

	return writeTestConfig(t, `storage:
  driver: sqlite
  path: `+dbPath+`
run:
  chains: 2
  draws: 10
  seed: 7
  step_size: 1.0
  variables:
    - name: mu
      shape: []
    - name: theta
      shape: [2]
`)
}

func TestRunUnknownCommandPrintsUsage(t *testing.T) {
	if code := run([]string{"bogus"}); code != 2 {
		t.Fatalf("run(bogus)=%d, want 2", code)
	}
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	if code := run(nil); code != 2 {
		t.Fatalf("run()=%d, want 2", code)
	}
}

func TestConfigValidateAcceptsGoodConfig(t *testing.T) {
	configPath := sqliteRunConfig(t, filepath.Join(t.TempDir(), "run.db"))

	var stdout, stderr bytes.Buffer
	code := runConfigValidate([]string{"--config", configPath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("config validate code=%d, stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "config is valid") {
		t.Fatalf("stdout=%q, want validity confirmation", stdout.String())
	}
}

func TestConfigValidateRejectsBadConfig(t *testing.T) {
	configPath := writeTestConfig(t, `storage:
  driver: csv
`)

	var stdout, stderr bytes.Buffer
	code := runConfigValidate([]string{"--config", configPath}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("config validate code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "storage.driver") {
		t.Fatalf("stderr=%q, want driver complaint", stderr.String())
	}
}

func TestSampleThenInfoOnSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "run.db")
	configPath := sqliteRunConfig(t, dbPath)

	var stdout, stderr bytes.Buffer
	if code := runSample([]string{"--config", configPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("sample code=%d, stderr=%q", code, stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := runInfo([]string{"--config", configPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("info code=%d, stderr=%q", code, stderr.String())
	}
	got := stdout.String()
	for _, want := range []string{"chains: 2", "chain 0: 10 draws", "chain 1: 10 draws", "mu: scalar", "theta: shape [2]"} {
		if !strings.Contains(got, want) {
			t.Fatalf("info output %q missing %q", got, want)
		}
	}
}

func TestInfoJSONFormat(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "run.db")
	configPath := sqliteRunConfig(t, dbPath)

	var stdout, stderr bytes.Buffer
	if code := runSample([]string{"--config", configPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("sample code=%d, stderr=%q", code, stderr.String())
	}

	stdout.Reset()
	if code := runInfo([]string{"--config", configPath, "--format", "json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("info code=%d, stderr=%q", code, stderr.String())
	}
	got := stdout.String()
	for _, want := range []string{`"storage_driver": "sqlite"`, `"draws_per_chain": 10`, `"name": "theta"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("json info output %q missing %q", got, want)
		}
	}
}

func TestInfoRejectsUnknownFormat(t *testing.T) {
	configPath := sqliteRunConfig(t, filepath.Join(t.TempDir(), "run.db"))

	var stdout, stderr bytes.Buffer
	if code := runInfo([]string{"--config", configPath, "--format", "xml"}, &stdout, &stderr); code != 2 {
		t.Fatalf("info code=%d, want 2", code)
	}
}

func TestExportSQLiteRunToText(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "run.db")
	configPath := sqliteRunConfig(t, dbPath)

	var stdout, stderr bytes.Buffer
	if code := runSample([]string{"--config", configPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("sample code=%d, stderr=%q", code, stderr.String())
	}

	exportDir := filepath.Join(t.TempDir(), "export")
	stdout.Reset()
	code := runExport([]string{"--config", configPath, "--format", "text", "--out", exportDir}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("export code=%d, stderr=%q", code, stderr.String())
	}

	loaded, err := trace.LoadText(context.Background(), exportDir)
	if err != nil {
		t.Fatalf("LoadText() on exported run error: %v", err)
	}
	if loaded.NChains() != 2 || loaded.Len() != 10 {
		t.Fatalf("exported trace has %d chains of %d draws, want 2 of 10", loaded.NChains(), loaded.Len())
	}

	original, err := trace.LoadSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("LoadSQLite() error: %v", err)
	}
	defer trace.ReleaseSQLite(original)
	for _, name := range original.Varnames() {
		a, err := original.GetValues(name, trace.Selection{Combine: true})
		if err != nil {
			t.Fatalf("GetValues(%q) error: %v", name, err)
		}
		b, err := loaded.GetValues(name, trace.Selection{Combine: true})
		if err != nil {
			t.Fatalf("exported GetValues(%q) error: %v", name, err)
		}
		if !a[0].Equal(b[0]) {
			t.Fatalf("%q draws differ between sqlite source and text export", name)
		}
	}
}

func TestExportRequiresFormatAndOut(t *testing.T) {
	configPath := sqliteRunConfig(t, filepath.Join(t.TempDir(), "run.db"))

	var stdout, stderr bytes.Buffer
	if code := runExport([]string{"--config", configPath, "--out", "somewhere"}, &stdout, &stderr); code != 2 {
		t.Fatalf("export without --format code=%d, want 2", code)
	}
	if code := runExport([]string{"--config", configPath, "--format", "sqlite"}, &stdout, &stderr); code != 2 {
		t.Fatalf("export without --out code=%d, want 2", code)
	}
}

func TestSampleDumpsWhenOutIsSet(t *testing.T) {
	configPath := writeTestConfig(t, `storage:
  driver: memory
run:
  chains: 2
  draws: 5
  seed: 3
  step_size: 1.0
  variables:
    - name: x
      shape: [2, 2]
`)
	dumpPath := filepath.Join(t.TempDir(), "dump.db")

	var stdout, stderr bytes.Buffer
	code := runSample([]string{"--config", configPath, "--out", dumpPath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("sample code=%d, stderr=%q", code, stderr.String())
	}

	loaded, err := trace.LoadSQLite(context.Background(), dumpPath)
	if err != nil {
		t.Fatalf("LoadSQLite() on dumped run error: %v", err)
	}
	defer trace.ReleaseSQLite(loaded)
	if loaded.NChains() != 2 || loaded.Len() != 5 {
		t.Fatalf("dumped trace has %d chains of %d draws, want 2 of 5", loaded.NChains(), loaded.Len())
	}
}

func TestInfoRejectsMemoryDriver(t *testing.T) {
	configPath := writeTestConfig(t, `storage:
  driver: memory
run:
  chains: 1
  draws: 1
  variables:
    - name: x
`)

	var stdout, stderr bytes.Buffer
	if code := runInfo([]string{"--config", configPath}, &stdout, &stderr); code != 1 {
		t.Fatalf("info code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "no persisted runs") {
		t.Fatalf("stderr=%q, want memory driver rejection", stderr.String())
	}
}

func TestNormalizeTextJSONFormat(t *testing.T) {
	t.Parallel()

	if got, err := normalizeTextJSONFormat("info", " JSON ", "text"); err != nil || got != "json" {
		t.Fatalf("normalizeTextJSONFormat(JSON)=%q, %v", got, err)
	}
	if got, err := normalizeTextJSONFormat("info", "", "text"); err != nil || got != "text" {
		t.Fatalf("normalizeTextJSONFormat(empty)=%q, %v", got, err)
	}
	if _, err := normalizeTextJSONFormat("info", "yaml", "text"); err == nil {
		t.Fatal("normalizeTextJSONFormat(yaml) accepted unknown format")
	}
}

func TestBackendConstructorRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Storage.Driver = "csv"
	if _, err := backendConstructor(cfg); err == nil {
		t.Fatal("backendConstructor() accepted unknown driver")
	}
}
