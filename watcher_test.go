package chronicle

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDirWatcher(t *testing.T) {
	dir := t.TempDir()
	w, err := newDirWatcher(dir)
	require.NoError(t, err)
	defer w.close()

	changedCh := w.subscribe()
	defer w.unsubscribe(changedCh)

	require.NoError(t, os.WriteFile(filepath.Join(dir, TestDaily.FileName(19000)), []byte("x"), 0644))

	select {
	case <-changedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notified")
	}

	w.close()
	w.close()
}

func TestWaitChange(t *testing.T) {
	done := make(chan struct{})
	assert.True(t, waitChange(nil, done))
	close(done)
	assert.False(t, waitChange(nil, done))
}

func TestDirWatcher_SubscribeCreate(t *testing.T) {
	dir := t.TempDir()
	w, err := newDirWatcher(dir)
	require.NoError(t, err)
	defer w.close()

	createdCh := w.subscribeCreate()
	defer w.unsubscribe(createdCh)

	path := filepath.Join(dir, "reader"+checkpointFileSuffix)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	select {
	case <-createdCh:
	case <-time.After(5 * time.Second):
		t.Fatal("creation not notified")
	}

	changedCh := w.subscribe()
	defer w.unsubscribe(changedCh)
	time.Sleep(50 * time.Millisecond)
	select {
	case <-createdCh:
	default:
	}
	select {
	case <-changedCh:
	default:
	}

	fp, err := os.OpenFile(path, os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = fp.WriteAt([]byte("y"), 0)
	require.NoError(t, err)
	require.NoError(t, fp.Close())

	select {
	case <-changedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("write not notified")
	}
	time.Sleep(50 * time.Millisecond)
	select {
	case <-createdCh:
		t.Fatal("write notified as creation")
	default:
	}
}
