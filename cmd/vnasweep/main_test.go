package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoVNA/internal/config"
	"github.com/rjboer/GoVNA/vna"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSweepJSONFromMock(t *testing.T) {
	out, err := run(t, "", "sweep",
		"--device", "mock://?errors=ideal",
		"--start", "1e8", "--stop", "5e8", "-n", "5", "-a", "1",
		"-o", "json")
	require.NoError(t, err)

	var got jsonSweep
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Points, 5)
	assert.False(t, got.Calibrated)
	assert.InDelta(t, 1e8, got.Points[0].FreqHz, 1e-3)
	assert.InDelta(t, 5e8, got.Points[4].FreqHz, 1e-3)
	for _, p := range got.Points {
		assert.True(t, p.Valid)
		assert.NotNil(t, p.S22)
	}
}

func TestSweepTableTRHasNoReverseColumns(t *testing.T) {
	out, err := run(t, "", "sweep", "--device", "mock://?tr=1", "-n", "3", "-a", "1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "S21 deg")
	assert.NotContains(t, lines[0], "S22")
}

func TestSweepRejectsStopBelowStart(t *testing.T) {
	_, err := run(t, "", "sweep", "--device", "mock://", "--start", "2e9", "--stop", "1e9")
	require.ErrorIs(t, err, vna.ErrInvalidSweepParameters)
}

func TestSweepUnknownOutputFormat(t *testing.T) {
	_, err := run(t, "", "sweep", "--device", "mock://", "-n", "2", "-a", "1", "-o", "csv")
	require.ErrorContains(t, err, "unknown output format")
}

func TestConfigShowAppliesEnvironment(t *testing.T) {
	t.Setenv("VNA_SWEEP_POINTS", "42")
	t.Setenv("VNA_DEVICE_SSH_PASSWORD", "hunter2")
	out, err := run(t, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "points: 42")
	assert.NotContains(t, out, "hunter2")
}

func TestConfigSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vna.yaml")
	_, err := run(t, "", "config", "save", path, "--device", "tcp://bench:5025", "--calibration", "cal.db")
	require.NoError(t, err)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://bench:5025", loaded.Device.Path)
	assert.Equal(t, "cal.db", loaded.Calibration.Path)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := run(t, "", "config", "show", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, config.IsNotExist(err))
}

func TestCalibrateListNeedsLibrary(t *testing.T) {
	_, err := run(t, "", "calibrate", "list", "--calibration", "cal.json")
	require.ErrorContains(t, err, "not a calibration library")
}

func TestCalibrateListEmptyLibrary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.db")
	out, err := run(t, "", "calibrate", "list", "--calibration", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No calibrations stored.")
}

func TestParseStandards(t *testing.T) {
	got, err := parseStandards("short, open,,load")
	require.NoError(t, err)
	assert.Equal(t, []vna.Standard{vna.StandardShort, vna.StandardOpen, vna.StandardLoad}, got)

	_, err = parseStandards(" , ")
	require.Error(t, err)
	_, err = parseStandards("short,match")
	require.Error(t, err)
}

func TestServeStdioAnswersInfo(t *testing.T) {
	out, err := run(t, "INFO\n", "serve", "--stdio", "mock://?tr=1")
	require.NoError(t, err)
	assert.Equal(t, "OK tr=1 autosweep=0\n", out)
}
