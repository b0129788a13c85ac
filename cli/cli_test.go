package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// newTestRoot creates a fresh cobra root command wired to all subcommands.
// Each test gets an isolated command tree to avoid shared state.
func newTestRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "petalbus",
		SilenceUsage: true,
	}
	root.PersistentFlags().Bool("verbose", false, "")
	root.PersistentFlags().Bool("quiet", false, "")
	root.AddCommand(NewDemoCmd())
	root.AddCommand(NewConfigCmd())
	return root
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a temporary file with the given content and returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const demoConfigYAML = `
bus:
  name: demo
log:
  level: error
telemetry:
  metrics: true
  tracing: true
demo:
  consumers: 3
  ticks: 5
`

func TestDemo_ScopedCleanup(t *testing.T) {
	path := writeTestFile(t, "petalbus.yaml", demoConfigYAML)

	stdout, _, err := executeCommand(newTestRoot(), "demo", "--config", path)
	if err != nil {
		t.Fatalf("demo failed: %v\n%s", err, stdout)
	}

	for _, want := range []string{
		"consumer-0 ready",
		"consumer-2 ready",
		"tick 1: 3 handler(s) ran",
		"consumer-0 unmounted after 1 tick(s)",
		"tick 2: 2 handler(s) ran",
		"tick 3: 1 handler(s) ran",
		"consumer-2 unmounted after 3 tick(s)",
		"tick 4: 0 handler(s) ran",
		"registrations left: 0",
		"petalbus.deliveries = 9",
		"petalbus.emits = 4",
		"petalbus.registrations = 0",
		"spans: 4",
	} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output missing %q:\n%s", want, stdout)
		}
	}
	if strings.Count(stdout, "ready") != 3 {
		t.Errorf("ready should be delivered once per consumer:\n%s", stdout)
	}
}

func TestDemo_FlagsOverrideConfig(t *testing.T) {
	path := writeTestFile(t, "petalbus.yaml", demoConfigYAML)

	stdout, _, err := executeCommand(newTestRoot(), "demo", "--config", path, "--consumers", "2", "--ticks", "1")
	if err != nil {
		t.Fatalf("demo failed: %v", err)
	}
	if !strings.Contains(stdout, "tick 1: 2 handler(s) ran") {
		t.Errorf("expected two handlers on tick 1:\n%s", stdout)
	}
	if !strings.Contains(stdout, "consumer-1 unmounted at shutdown after 1 tick(s)") {
		t.Errorf("expected shutdown unmount of consumer-1:\n%s", stdout)
	}
	if strings.Contains(stdout, "tick 2") {
		t.Errorf("only one tick should be emitted:\n%s", stdout)
	}
}

func TestDemo_TelemetryDisabled(t *testing.T) {
	path := writeTestFile(t, "petalbus.yaml", "telemetry:\n  metrics: false\n  tracing: false\n")

	stdout, _, err := executeCommand(newTestRoot(), "demo", "--config", path, "--quiet")
	if err != nil {
		t.Fatalf("demo failed: %v", err)
	}
	if strings.Contains(stdout, "metrics:") || strings.Contains(stdout, "spans:") {
		t.Errorf("telemetry output should be absent:\n%s", stdout)
	}
	if !strings.Contains(stdout, "registrations left: 0") {
		t.Errorf("missing leak summary:\n%s", stdout)
	}
}

func TestDemo_InvalidConfig(t *testing.T) {
	path := writeTestFile(t, "petalbus.yaml", "log:\n  level: loud\n")

	_, _, err := executeCommand(newTestRoot(), "demo", "--config", path)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("got %v, want *ExitError", err)
	}
	if exitErr.Code != exitConfig {
		t.Errorf("exit code = %d, want %d", exitErr.Code, exitConfig)
	}
}

func TestDemo_NegativeFlag(t *testing.T) {
	path := writeTestFile(t, "petalbus.yaml", demoConfigYAML)

	_, _, err := executeCommand(newTestRoot(), "demo", "--config", path, "--ticks=-1")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitConfig {
		t.Fatalf("got %v, want config exit error", err)
	}
}

func TestConfig_PrintsResolvedFile(t *testing.T) {
	path := writeTestFile(t, "petalbus.yaml", "bus:\n  name: ui\n")

	stdout, _, err := executeCommand(newTestRoot(), "config", "--config", path)
	if err != nil {
		t.Fatalf("config failed: %v", err)
	}
	if !strings.Contains(stdout, "# "+path) {
		t.Errorf("output should name the config file:\n%s", stdout)
	}
	if !strings.Contains(stdout, "name: ui") {
		t.Errorf("output should contain the bus name:\n%s", stdout)
	}
	if !strings.Contains(stdout, "consumers: 3") {
		t.Errorf("output should contain defaults for unset fields:\n%s", stdout)
	}
}

func TestConfig_MissingExplicitFile(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "config", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitConfig {
		t.Fatalf("got %v, want config exit error", err)
	}
}
