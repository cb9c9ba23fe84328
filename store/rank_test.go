package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tmon "github.com/jinmuyano/trafficmon"
)

func TestProcessRank(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	ctx := context.Background()

	first, err := s.StartNewSession(ctx, "eth0")
	require.NoError(t, err)
	second, err := s.StartNewSession(ctx, "wlan0")
	require.NoError(t, err)

	save := func(session int64, process string, down, up float64) {
		clock.Advance(time.Second)
		_, err := s.SaveDetailRecord(ctx, tmon.RecordInput{
			SessionID: session, DownSpeed: down, UpSpeed: up, ProcessName: process,
		})
		require.NoError(t, err)
	}
	save(first, "chrome", 100, 10)
	save(first, "chrome", 50, 5)
	save(first, "curl", 300, 1)
	save(first, "", 1, 1)
	save(second, "chrome", 1000, 0)

	all, err := s.ProcessRank(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "chrome", all[0].ProcessName)
	assert.Equal(t, int64(3), all[0].Records)
	assert.Equal(t, int64(1150*1024), all[0].TotalDownBytes)
	assert.Equal(t, 1000.0, all[0].MaxDownSpeed)
	assert.Equal(t, "curl", all[1].ProcessName)
	assert.Equal(t, unknownProcess, all[2].ProcessName)

	one, err := s.ProcessRank(ctx, &first, 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "curl", one[0].ProcessName)
	assert.Equal(t, int64(1024), one[0].TotalUpBytes)

	none, err := s.ProcessRank(ctx, ptr(int64(999)), 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
