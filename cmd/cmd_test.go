package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tmon "github.com/jinmuyano/trafficmon"
)

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"3", "5,7", " 9 "})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5, 7, 9}, ids)

	_, err = parseIDs(nil)
	assert.Error(t, err)

	_, err = parseIDs([]string{"4", "x"})
	assert.ErrorContains(t, err, `"x"`)

	_, err = parseIDs([]string{"0"})
	assert.Error(t, err)
}

func TestParseFilter(t *testing.T) {
	f, err := parseFilter("", "", "", "", 0)
	require.NoError(t, err)
	assert.Empty(t, f.Protocols)
	assert.Nil(t, f.SessionID)
	assert.Nil(t, f.MinDownSpeed)

	f, err = parseFilter("12", "TCP, 其他,", " chrome ", "1.5", 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"TCP", "其他"}, f.Protocols)
	assert.Equal(t, "chrome", f.ProcessName)
	require.NotNil(t, f.SessionID)
	assert.Equal(t, int64(12), *f.SessionID)
	require.NotNil(t, f.MinDownSpeed)
	assert.Equal(t, 1.5, *f.MinDownSpeed)
	assert.Equal(t, 50, f.Limit)

	_, err = parseFilter("abc", "", "", "", 0)
	assert.Error(t, err)
	_, err = parseFilter("", "", "", "-2", 0)
	assert.Error(t, err)
}

func TestPrintSessions(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	var buf bytes.Buffer
	printSessions(&buf, []sessionRow{
		rowOf(tmon.Session{SessionID: 8, DisplayID: 1, IfaceName: "eth0", StartTime: start, EndTime: &end, DurationSeconds: 90, AvgDownSpeed: 12.345, RecordCount: 90}),
		rowOf(tmon.Session{SessionID: 9, DisplayID: 2, IfaceName: "wlan0", StartTime: end}),
	})

	out := buf.String()
	assert.Contains(t, out, "eth0")
	assert.Contains(t, out, "12.35")
	assert.Contains(t, out, "running")
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	t.Setenv("TRAFFICMON_DB_PATH", ":memory:")
	assert.Error(t, run(nil))
	assert.ErrorContains(t, run([]string{"bogus"}), "unknown command")
}

func TestQueryCommandsOnEmptyDatabase(t *testing.T) {
	t.Setenv("TRAFFICMON_DB_PATH", ":memory:")
	t.Setenv("TRAFFICMON_LOG_LEVEL", "error")

	require.NoError(t, run([]string{"sessions"}))
	require.NoError(t, run([]string{"records", "-protocol", "TCP", "-limit", "5"}))
	require.NoError(t, run([]string{"top", "-limit", "3"}))
	require.NoError(t, run([]string{"cleanup"}))
	assert.Error(t, run([]string{"delete"}))
}
