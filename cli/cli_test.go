package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalbus"
	"github.com/petal-labs/petalbus/config"
	"github.com/petal-labs/petalbus/journal"
)

// newTestRoot creates a fresh cobra root command wired to all subcommands.
// Each test gets an isolated command tree to avoid shared state.
func newTestRoot() *cobra.Command {
	root := &cobra.Command{
		Use:              "petalbus",
		SilenceUsage:     true,
		PersistentPreRun: SetupLogging,
	}
	root.PersistentFlags().Bool("verbose", false, "")
	root.PersistentFlags().Bool("quiet", false, "")
	root.AddCommand(NewServeCmd())
	root.AddCommand(NewEmitCmd())
	root.AddCommand(NewHistoryCmd())
	root.AddCommand(NewValidateCmd())
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

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	return exitErr.Code
}

// isolateConfig keeps discovery away from the developer's real config files.
func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv(config.EnvSQLitePath, "")
	t.Chdir(t.TempDir())
}

const validConfigYAML = `
server:
  port: 9000
throttle:
  interval: 100ms
  events: [progress]
schedules:
  - name: nightly
    event: report
    cron: "0 2 * * *"
`

// --- validate ---

func TestValidate_OK(t *testing.T) {
	isolateConfig(t)
	path := writeTestFile(t, "petalbus.yaml", validConfigYAML)

	stdout, _, err := executeCommand(newTestRoot(), "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(stdout, "ok (1 schedule(s))") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestValidate_ReportsProblems(t *testing.T) {
	isolateConfig(t)
	path := writeTestFile(t, "petalbus.yaml", `
server:
  port: -5
schedules:
  - event: tick
    cron: "whenever"
`)

	stdout, _, err := executeCommand(newTestRoot(), "validate", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("exit code = %d, want %d", code, exitValidation)
	}
	if !strings.Contains(stdout, "server.port") || !strings.Contains(stdout, "invalid cron expression") {
		t.Errorf("stdout should list every problem:\n%s", stdout)
	}
	if strings.Count(stdout, "  - ") != 2 {
		t.Errorf("expected 2 problems listed:\n%s", stdout)
	}
}

func TestValidate_MissingFile(t *testing.T) {
	isolateConfig(t)

	_, _, err := executeCommand(newTestRoot(), "validate", filepath.Join(t.TempDir(), "nope.yaml"))
	if code := exitCode(t, err); code != exitFileNotFound {
		t.Errorf("exit code = %d, want %d", code, exitFileNotFound)
	}
}

func TestValidate_ParseError(t *testing.T) {
	isolateConfig(t)
	path := writeTestFile(t, "petalbus.yaml", "server: [\n")

	_, _, err := executeCommand(newTestRoot(), "validate", path)
	if code := exitCode(t, err); code != exitInputParse {
		t.Errorf("exit code = %d, want %d", code, exitInputParse)
	}
}

// --- serve config ---

func TestLoadServeConfig_FlagsOverrideFile(t *testing.T) {
	isolateConfig(t)
	path := writeTestFile(t, "petalbus.yaml", validConfigYAML)

	cmd := NewServeCmd()
	cmd.Flags().Set("config", path)
	cmd.Flags().Set("host", "0.0.0.0")
	cmd.Flags().Set("sqlite-path", "/tmp/bus.db")

	cfg, source, err := loadServeConfig(cmd)
	if err != nil {
		t.Fatalf("loadServeConfig: %v", err)
	}
	if source != path {
		t.Errorf("source = %q, want %q", source, path)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q, flag should win", cfg.Server.Host)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, unset flag should keep file value", cfg.Server.Port)
	}
	if cfg.Journal.DSN != "/tmp/bus.db" {
		t.Errorf("dsn = %q", cfg.Journal.DSN)
	}
}

func TestLoadServeConfig_NoFileUsesDefaultsAndEnv(t *testing.T) {
	isolateConfig(t)
	t.Setenv(config.EnvSQLitePath, "/srv/journal.db")

	cfg, source, err := loadServeConfig(NewServeCmd())
	if err != nil {
		t.Fatalf("loadServeConfig: %v", err)
	}
	if source != "" {
		t.Errorf("source = %q, want none", source)
	}
	if cfg.Server.Port != 8080 || cfg.Journal.DSN != "/srv/journal.db" {
		t.Errorf("cfg = %+v", cfg)
	}
}

// --- stack ---

func newTestStack(t *testing.T, cfg config.File) *stack {
	t.Helper()
	st, err := buildStack(context.Background(), cfg, slog.Default())
	if err != nil {
		t.Fatalf("buildStack: %v", err)
	}
	t.Cleanup(func() { st.Close(context.Background()) })
	return st
}

func TestBuildStack_ContinuesJournalSequence(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "bus.db")
	seed, err := journal.NewSQLiteStore(journal.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	seed.Append(context.Background(), journal.Record{Seq: 5, EmitID: "old", Event: "boot", Time: time.Now()})
	seed.Close()

	cfg := config.Default()
	cfg.Journal.DSN = dsn
	st := newTestStack(t, cfg)

	if err := st.bus.Emit("boot", petalbus.Payload{"again": true}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	records, err := st.store.List(context.Background(), "boot", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 || records[1].Seq != 6 {
		t.Errorf("records = %+v, want a second record with seq 6", records)
	}
	if records[1].TraceID == "" {
		t.Error("journaled records should carry a trace ID")
	}
}

func TestBuildStack_ThrottlesConfiguredEvents(t *testing.T) {
	cfg := config.Default()
	cfg.Throttle.Interval = time.Hour
	cfg.Throttle.Events = []string{"progress"}
	st := newTestStack(t, cfg)

	var got []any
	st.bus.On("progress", petalbus.Func(func(p petalbus.Payload) { got = append(got, p["pct"]) }))

	ts := httptest.NewServer(st.api.Handler())
	defer ts.Close()

	for _, pct := range []int{10, 50, 90} {
		_, _, err := executeCommand(newTestRoot(), "emit", "progress", fmt.Sprintf(`{"pct":%d}`, pct), "--server", ts.URL)
		if err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	if len(got) != 0 {
		t.Fatalf("throttled emissions should wait for the flush, got %v", got)
	}

	st.throttle.Close()
	if len(got) != 1 || got[0] != float64(90) {
		t.Errorf("got %v, want only the latest payload", got)
	}
}

// --- emit ---

func TestEmit_PostsToServer(t *testing.T) {
	st := newTestStack(t, config.Default())
	st.bus.On("login", petalbus.Func(func(petalbus.Payload) {}))

	ts := httptest.NewServer(st.api.Handler())
	defer ts.Close()

	stdout, _, err := executeCommand(newTestRoot(), "emit", "login", `{"user":"ada"}`, "--server", ts.URL)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if !strings.Contains(stdout, `emitted "login" to 1 listener(s)`) {
		t.Errorf("stdout = %q", stdout)
	}

	records, _ := st.store.List(context.Background(), "login", 0, 0)
	if len(records) != 1 {
		t.Fatalf("journal has %d records, want 1", len(records))
	}
	var payload map[string]any
	json.Unmarshal(records[0].Payload, &payload)
	if payload["user"] != "ada" {
		t.Errorf("payload = %v", payload)
	}
}

func TestEmit_FromStdinAndEnvURL(t *testing.T) {
	st := newTestStack(t, config.Default())
	ts := httptest.NewServer(st.api.Handler())
	defer ts.Close()
	t.Setenv(EnvServerURL, ts.URL)

	root := newTestRoot()
	root.SetIn(strings.NewReader(`{"from":"stdin"}`))
	if _, _, err := executeCommand(root, "emit", "piped", "-"); err != nil {
		t.Fatalf("emit: %v", err)
	}

	records, _ := st.store.List(context.Background(), "piped", 0, 0)
	if len(records) != 1 {
		t.Errorf("journal has %d records, want 1", len(records))
	}
}

func TestEmit_InvalidJSON(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "emit", "x", "{nope", "--server", "http://127.0.0.1:1")
	if code := exitCode(t, err); code != exitInputParse {
		t.Errorf("exit code = %d, want %d", code, exitInputParse)
	}
}

func TestEmit_ListenerErrorIsRuntimeExit(t *testing.T) {
	st := newTestStack(t, config.Default())
	st.bus.On("job", petalbus.NewCallback(func(petalbus.Payload) error { return errors.New("boom") }))

	ts := httptest.NewServer(st.api.Handler())
	defer ts.Close()

	_, _, err := executeCommand(newTestRoot(), "emit", "job", "--server", ts.URL)
	if code := exitCode(t, err); code != exitRuntime {
		t.Errorf("exit code = %d, want %d", code, exitRuntime)
	}
	if !strings.Contains(err.Error(), "LISTENER_ERROR") || !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %v", err)
	}
}

// --- history ---

func seedJournal(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "bus.db")
	store, err := journal.NewSQLiteStore(journal.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for i := uint64(1); i <= 4; i++ {
		name := "login"
		if i%2 == 0 {
			name = "logout"
		}
		store.Append(ctx, journal.Record{
			Seq:     i,
			EmitID:  fmt.Sprintf("emit-%d", i),
			Event:   name,
			Time:    time.Date(2026, 1, 1, 0, 0, int(i), 0, time.UTC),
			Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
	}
	return dsn
}

func TestHistory_Text(t *testing.T) {
	isolateConfig(t)
	dsn := seedJournal(t)

	stdout, _, err := executeCommand(newTestRoot(), "history", "login", "--sqlite-path", dsn)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got:\n%s", stdout)
	}
	if !strings.HasPrefix(lines[0], "SEQ") || !strings.Contains(lines[2], `{"n":3}`) {
		t.Errorf("unexpected output:\n%s", stdout)
	}
}

func TestHistory_JSONWithCursor(t *testing.T) {
	isolateConfig(t)
	dsn := seedJournal(t)

	stdout, _, err := executeCommand(newTestRoot(), "history", "--sqlite-path", dsn, "--after", "1", "--limit", "2", "--format", "json")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var records []journal.Record
	if err := json.Unmarshal([]byte(stdout), &records); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, stdout)
	}
	if len(records) != 2 || records[0].Seq != 2 || records[1].Seq != 3 {
		t.Errorf("records = %+v", records)
	}
}

func TestHistory_Empty(t *testing.T) {
	isolateConfig(t)
	dsn := seedJournal(t)

	stdout, _, err := executeCommand(newTestRoot(), "history", "nothing", "--sqlite-path", dsn)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if strings.TrimSpace(stdout) != "no emissions" {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestHistory_RequiresJournal(t *testing.T) {
	isolateConfig(t)

	_, _, err := executeCommand(newTestRoot(), "history")
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("exit code = %d, want %d", code, exitValidation)
	}
}

// --- logging ---

func TestSetupLogging_Levels(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	tests := []struct {
		args  []string
		debug bool
		info  bool
	}{
		{[]string{"validate", "--verbose", "missing.yaml"}, true, true},
		{[]string{"validate", "missing.yaml"}, false, true},
		{[]string{"validate", "--quiet", "missing.yaml"}, false, false},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			executeCommand(newTestRoot(), tt.args...)
			ctx := context.Background()
			if got := slog.Default().Enabled(ctx, slog.LevelDebug); got != tt.debug {
				t.Errorf("debug enabled = %v, want %v", got, tt.debug)
			}
			if got := slog.Default().Enabled(ctx, slog.LevelInfo); got != tt.info {
				t.Errorf("info enabled = %v, want %v", got, tt.info)
			}
		})
	}
}
