package chronicle

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func TestScanDirToParseCycles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		TestDaily.FileName(19002),
		TestDaily.FileName(19000),
		TestDaily.FileName(19005),
		TestDaily.FileName(19001) + ".99.1234" + storeTmpFileSuffix,
		"reader" + checkpointFileSuffix,
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, TestDaily.FileName(19010)), 0755))

	set, err := scanDirToParseCycles(dir, TestDaily)
	require.NoError(t, err)
	assert.Equal(t, []int{19000, 19002, 19005}, set.list())

	d := &cycleDirectory{baseDir: dir, rc: TestDaily}
	first, ok, err := d.firstCycle()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 19000, first)

	last, ok, err := d.lastCycle()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 19005, last)

	next, ok, err := d.nextCycle(19002)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 19005, next)

	_, ok, err = d.nextCycle(19005)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, d.exists(19002))
	assert.False(t, d.exists(19001))
}

func TestScanDirToParseCycles_MissingDir(t *testing.T) {
	set, err := scanDirToParseCycles(filepath.Join(t.TempDir(), "absent"), Daily)
	require.NoError(t, err)
	assert.Zero(t, set.size())
	_, ok := set.first()
	assert.False(t, ok)
}

func TestMkdirIfNotExist(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, mkdirIfNotExist(dir))
	require.NoError(t, mkdirIfNotExist(dir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
