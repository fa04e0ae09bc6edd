package detector

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawinfra/autoheal/internal/healing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeLog(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestScanENOENTScenario(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "app.log", "Error: ENOENT: no such file or directory, open 'x'\n")

	rules := []healing.Rule{{
		Category:    healing.CategoryFilesystem,
		Name:        "missingDirectories",
		Pattern:     "ENOENT.*no such file",
		Action:      healing.ActionCreateDirectories,
		Priority:    healing.PriorityHigh,
		SuccessRate: 0.95,
	}}

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := New(nil, testLogger())
	d.SetClock(func() time.Time { return fixed })

	got, err := d.Scan(dir, rules)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, healing.ActionCreateDirectories, got[0].Action)
	assert.Equal(t, "missingDirectories", got[0].RuleName)
	assert.Equal(t, "app.log", got[0].Source)
	assert.Equal(t, 1, got[0].Line)
	assert.Equal(t, fixed, got[0].Timestamp)
	assert.Contains(t, got[0].MatchedText, "'x'")
}

func TestScanOrderFileLineRule(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "b.log", "connection refused\n")
	writeLog(t, dir, "a.log", "fine\nECONNREFUSED after timed out\nEADDRINUSE :3000\n")
	writeLog(t, dir, "notes.txt", "ECONNREFUSED ignored by glob\n")

	rules := healing.DefaultRules()
	d := New(nil, testLogger())

	got, err := d.Scan(dir, rules)
	require.NoError(t, err)

	var trace []string
	for _, det := range got {
		trace = append(trace, det.Source+":"+det.RuleName)
	}
	assert.Equal(t, []string{
		"a.log:connectionRefused",
		"a.log:timeout",
		"a.log:portInUse",
		"b.log:connectionRefused",
	}, trace)
	assert.Equal(t, 2, got[0].Line)
	assert.Equal(t, 2, got[1].Line)
	assert.Equal(t, 3, got[2].Line)
}

func TestScanCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "x.log", "PERMISSION DENIED while writing\n")

	got, err := New(nil, testLogger()).Scan(dir, healing.DefaultRules())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "permissionDenied", got[0].RuleName)
}

func TestScanLineMayYieldSeveralDetections(t *testing.T) {
	rules := []healing.Rule{
		{Category: "a", Name: "one", Pattern: "disk", Action: healing.ActionCleanupDisk},
		{Category: "a", Name: "two", Pattern: "full", Action: healing.ActionCleanupDisk},
	}
	got := New(nil, testLogger()).ScanText("mod", "disk full", rules)
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].RuleName)
	assert.Equal(t, "two", got[1].RuleName)
	assert.Equal(t, "mod", got[0].Source)
}

func TestScanSkipsInvalidPattern(t *testing.T) {
	rules := []healing.Rule{
		{Category: "a", Name: "broken", Pattern: "([", Action: healing.ActionCleanupDisk},
		{Category: "a", Name: "ok", Pattern: "ENOSPC", Action: healing.ActionCleanupDisk},
	}
	got := New(nil, testLogger()).ScanText("mod", "write failed: ENOSPC", rules)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].RuleName)
}

func TestScanMissingDirectory(t *testing.T) {
	got, err := New(nil, testLogger()).Scan(filepath.Join(t.TempDir(), "nope"), healing.DefaultRules())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScanDoesNotMutateRules(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "a.log", "ENOSPC\n")
	rules := healing.DefaultRules()
	before := append([]healing.Rule(nil), rules...)

	_, err := New(nil, testLogger()).Scan(dir, rules)
	require.NoError(t, err)
	assert.Equal(t, before, rules)
}

func TestCustomGlobs(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "worker.out", "ENOSPC\n")
	writeLog(t, dir, "worker.log", "ENOSPC\n")

	got, err := New([]string{"*.out"}, testLogger()).Scan(dir, healing.DefaultRules())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "worker.out", got[0].Source)
}

func TestMatchedTextTruncated(t *testing.T) {
	line := "ENOSPC " + strings.Repeat("é", 600)
	got := New(nil, testLogger()).ScanText("mod", line, healing.DefaultRules())
	require.Len(t, got, 1)
	assert.LessOrEqual(t, len(got[0].MatchedText), MaxMatchedText)
	assert.True(t, strings.HasPrefix(got[0].MatchedText, "ENOSPC"))
}

func TestScanTextLogsOversizedLine(t *testing.T) {
	var logs strings.Builder
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	rules := []healing.Rule{{
		Category:    healing.CategoryNetwork,
		Name:        "portInUse",
		Pattern:     "EADDRINUSE",
		Action:      healing.ActionKillPort,
		Priority:    healing.PriorityHigh,
		SuccessRate: 0.85,
	}}

	text := "listen EADDRINUSE :::3000\n" + strings.Repeat("x", maxLine+1) + "\nEADDRINUSE again\n"
	found := New(nil, logger).ScanText("server", text, rules)

	require.Len(t, found, 1)
	assert.Equal(t, 1, found[0].Line)
	assert.Contains(t, logs.String(), "output scan stopped early")
	assert.Contains(t, logs.String(), "source=server")
}
