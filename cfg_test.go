package chronicle

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestCfg_Defaults(t *testing.T) {
	cfg := DefaultCfg("/tmp/q/")
	s, err := cfg.resolve()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/q", s.baseDir)
	assert.Equal(t, "DAILY", s.rollCycle.Name())
	assert.Equal(t, int64(64*1024*1024), s.blockSize)
	assert.Equal(t, 10*time.Second, s.timeout)
	assert.Equal(t, 5*time.Second, s.syncInterval)
	assert.Equal(t, 30*time.Second, s.checkInterval)
	assert.Equal(t, uint32(subscriberMaxConcurrentForward), s.maxConcurrentForward)
	assert.NotNil(t, s.now)
}

func TestCfg_Resolve(t *testing.T) {
	_, err := (&Cfg{}).resolve()
	assert.Error(t, err)

	s, err := (&Cfg{BaseDir: "q", BlockSize: "128K", RollCycle: "test_daily", EpochMs: 1000}).resolve()
	require.NoError(t, err)
	assert.Equal(t, int64(128*1024), s.blockSize)
	assert.Equal(t, int64(1000), s.rollCycle.EpochMs())
	// zero timeout falls back, zero intervals disable
	assert.Equal(t, 10*time.Second, s.timeout)
	assert.Zero(t, s.syncInterval)
	assert.Zero(t, s.checkInterval)

	s, err = (&Cfg{BaseDir: "q", ReadOnly: true, CheckIntervalMs: 100}).resolve()
	require.NoError(t, err)
	assert.Zero(t, s.checkInterval)

	_, err = (&Cfg{BaseDir: "q", RollCycle: "FORTNIGHTLY"}).resolve()
	assert.Error(t, err)
	_, err = (&Cfg{BaseDir: "q", TimeoutMs: -1}).resolve()
	assert.Error(t, err)
}

func TestParseBlockSize(t *testing.T) {
	n, err := parseBlockSize("")
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024*1024), n)

	n, err = parseBlockSize("1M")
	require.NoError(t, err)
	assert.Equal(t, int64(1024*1024), n)

	_, err = parseBlockSize("1K")
	assert.Error(t, err)
	_, err = parseBlockSize("4G")
	assert.Error(t, err)
	_, err = parseBlockSize("lots")
	assert.Error(t, err)
}
