package chronicle

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const firstRolledStoreDump = "--- !!meta-data #binary\n" +
	"header: !CycleStore {\n" +
	"  writePosition: [\n" +
	"    264,\n" +
	"    1133871366146\n" +
	"  ],\n" +
	"  indexing: !Indexing {\n" +
	"    indexCount: 8,\n" +
	"    indexSpacing: 1,\n" +
	"    index2Index: 72,\n" +
	"    lastIndex: 3\n" +
	"  },\n" +
	"  lastAcknowledgedIndexReplicated: -1,\n" +
	"  lastIndexReplicated: -1\n" +
	"}\n" +
	"# position: 72, header: -1\n" +
	"--- !!meta-data #binary\n" +
	"index2index: [\n" +
	"  # length: 8, used: 1\n" +
	"  144,\n" +
	"  0, 0, 0, 0, 0, 0, 0\n" +
	"]\n" +
	"# position: 144, header: -1\n" +
	"--- !!meta-data #binary\n" +
	"index: [\n" +
	"  # length: 8, used: 3\n" +
	"  216,\n" +
	"  240,\n" +
	"  264,\n" +
	"  0, 0, 0, 0, 0\n" +
	"]\n" +
	"# position: 216, header: 0\n" +
	"--- !!data #binary\n" +
	"000000d0                                      64 61 79 30              day0\n" +
	"000000e0 2d 72 65 63 6f 72 64 2d  30 30 30 30             -record- 0000    \n" +
	"# position: 240, header: 1\n" +
	"--- !!data #binary\n" +
	"000000f0             64 61 79 30  2d 72 65 63 6f 72 64 2d     day0 -record-\n" +
	"00000100 30 30 30 31                                      0001             \n" +
	"# position: 264, header: 2\n" +
	"--- !!data #binary\n" +
	"00000100                                      64 61 79 30              day0\n" +
	"00000110 2d 72 65 63 6f 72 64 2d  30 30 30 32             -record- 0002    \n" +
	"# position: 288, header: 2 EOF\n" +
	"--- !!eof #binary\n" +
	"...\n" +
	"# 65248 bytes remaining\n"

func TestTailer_RollingCycles(t *testing.T) {
	clock := &testClock{now: testDay}
	cfg := testCfg(t.TempDir())
	cfg.TimeProvider = clock.Now
	q := openTestQueue(t, cfg)

	a, err := q.AcquireAppender()
	require.NoError(t, err)
	defer a.Close()

	first := TestDaily.CycleFor(testDay)
	for day := 0; day < 3; day++ {
		for i := 0; i < 3; i++ {
			_, err = a.Append(context.Background(), []byte(fmt.Sprintf("day%d-record-%04d", day, i)))
			require.NoError(t, err)
		}
		clock.Add(24 * time.Hour)
	}

	cycles, err := q.dir.scan()
	require.NoError(t, err)
	assert.Equal(t, []int{first, first + 1, first + 2}, cycles.list())

	st, err := q.acquireStore(first, false)
	require.NoError(t, err)
	assert.Equal(t, firstRolledStoreDump, st.dump())
	q.releaseStore(st)

	start := q.CreateTailer()
	end := q.CreateTailer()
	require.NoError(t, end.ToEnd())
	assert.Equal(t, TestDaily.ToIndex(first+2, 3), end.Index())

	var got []string
	for start.Index() < end.Index() {
		ex, ok, err := start.Next()
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, string(ex.Payload))
	}
	require.Len(t, got, 9)
	assert.Equal(t, "day0-record-0000", got[0])
	assert.Equal(t, "day1-record-0000", got[3])
	assert.Equal(t, "day2-record-0002", got[8])

	// the newest cycle has no successor yet
	_, ok, err := start.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTailer_MoveTo(t *testing.T) {
	clock := &testClock{now: testDay}
	cfg := testCfg(t.TempDir())
	cfg.TimeProvider = clock.Now
	q := openTestQueue(t, cfg)

	a, err := q.AcquireAppender()
	require.NoError(t, err)
	defer a.Close()
	first := TestDaily.CycleFor(testDay)
	for day := 0; day < 2; day++ {
		for i := 0; i < 3; i++ {
			_, err = a.Append(context.Background(), []byte(fmt.Sprintf("%d/%d", day, i)))
			require.NoError(t, err)
		}
		clock.Add(24 * time.Hour)
	}

	tailer := q.CreateTailer()
	defer tailer.Close()

	require.NoError(t, tailer.MoveTo(TestDaily.ToIndex(first, 1)))
	ex, ok, err := tailer.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0/1", string(ex.Payload))

	// one past the last record of a cycle continues into the next one
	require.NoError(t, tailer.MoveTo(TestDaily.ToIndex(first, 3)))
	ex, ok, err = tailer.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1/0", string(ex.Payload))
	at := tailer.Index()

	err = tailer.MoveTo(TestDaily.ToIndex(first, 4))
	assert.ErrorIs(t, err, ErrNotFound)
	err = tailer.MoveTo(TestDaily.ToIndex(first+5, 0))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, at, tailer.Index())

	// the last cycle has no end marker: reading past it is "nothing yet"
	require.NoError(t, tailer.MoveTo(TestDaily.ToIndex(first+1, 3)))
	_, ok, err = tailer.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tailer.ToStart())
	assert.Equal(t, TestDaily.ToIndex(first, 0), tailer.Index())
	require.NoError(t, tailer.ToEnd())
	_, ok, err = tailer.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTailer_EndOfStore(t *testing.T) {
	q := openTestQueue(t, testCfg(t.TempDir()))
	a, err := q.AcquireAppender()
	require.NoError(t, err)
	_, err = a.Append(context.Background(), []byte("only"))
	require.NoError(t, err)

	st, err := q.acquireStore(a.Cycle(), false)
	require.NoError(t, err)
	require.NoError(t, st.writeEOF(context.Background(), time.Second))
	q.releaseStore(st)
	require.NoError(t, a.Close())

	tailer := q.CreateTailer()
	_, ok, err := tailer.Next()
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = tailer.Next()
	assert.ErrorIs(t, err, ErrEndOfStore)
	assert.False(t, ok)
}

func TestTailer_EmptyQueue(t *testing.T) {
	q := openTestQueue(t, testCfg(t.TempDir()))
	tailer := q.CreateTailer()
	assert.Equal(t, int64(0), tailer.Index())
	_, ok, err := tailer.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tailer.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTailer_Wait(t *testing.T) {
	q := openTestQueue(t, testCfg(t.TempDir()))
	tailer := q.CreateTailer()

	go func() {
		time.Sleep(30 * time.Millisecond)
		a, err := q.AcquireAppender()
		if err != nil {
			return
		}
		defer a.Close()
		_, _ = a.Append(context.Background(), []byte("late arrival"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ex, err := tailer.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late arrival", string(ex.Payload))
}

func TestTailer_NamedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, testCfg(dir))
	appendN(t, q, 5, "named %d")
	cycle := TestDaily.CycleFor(testDay)

	_, err := q.CreateNamedTailer("")
	assert.Error(t, err)
	assert.Error(t, q.CreateTailer().Commit())

	tailer, err := q.CreateNamedTailer("reader")
	require.NoError(t, err)
	assert.Equal(t, "reader", tailer.Name())
	for i := 0; i < 2; i++ {
		_, ok, err := tailer.Next()
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, tailer.Commit())
	// read past the commit without committing
	_, _, err = tailer.Next()
	require.NoError(t, err)
	require.NoError(t, tailer.Close())

	info, err := os.Stat(genCheckpointFileName(dir, "reader"))
	require.NoError(t, err)
	assert.Equal(t, int64(checkpointBytes), info.Size())

	tailer, err = q.CreateNamedTailer("reader")
	require.NoError(t, err)
	defer tailer.Close()
	assert.Equal(t, TestDaily.ToIndex(cycle, 2), tailer.Index())
	assert.Equal(t, []string{"named 2", "named 3", "named 4"}, payloads(readAll(t, tailer)))

	other, err := q.CreateNamedTailer("other")
	require.NoError(t, err)
	defer other.Close()
	assert.Len(t, readAll(t, other), 5)
}

func TestTailer_NextDoesNotWaitOnForeignWriter(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: testDay}
	cfg := testCfg(dir)
	cfg.TimeProvider = clock.Now
	q, err := Open(cfg)
	require.NoError(t, err)

	a, err := q.AcquireAppender()
	require.NoError(t, err)
	_, err = a.Append(context.Background(), []byte("day0-0"))
	require.NoError(t, err)
	clock.Add(24 * time.Hour)
	_, err = a.Append(context.Background(), []byte("day1-0"))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// a writer of another process that claimed the next frame and went quiet
	second := TestDaily.CycleFor(testDay) + 1
	st, err := q.acquireStore(second, false)
	require.NoError(t, err)
	pos, f, _ := st.frontier()
	require.Equal(t, frameEmpty, f.kind)
	require.True(t, st.prefix(pos).CompareAndSwap(0, notReadyWord(false, 256)))
	q.releaseStore(st)
	require.NoError(t, q.Close())

	cfg = testCfg(dir)
	cfg.TimeoutMs = 3000
	q = openTestQueue(t, cfg)
	tailer := q.CreateTailer()
	defer tailer.Close()

	ex, ok, err := tailer.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "day0-0", string(ex.Payload))

	start := time.Now()
	ex, ok, err = tailer.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "day1-0", string(ex.Payload))
	_, ok, err = tailer.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)

	dump, err := q.Dump()
	require.NoError(t, err)
	assert.Contains(t, dump, fmt.Sprintf("# position: %d, header: 1\n--- !!not-ready-data! #binary\n# reserved: 256\n", pos))
	assert.NotContains(t, dump, "!!padding")
}
