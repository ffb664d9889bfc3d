package chronicle

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

const paddedStoreDump = "--- !!meta-data #binary\n" +
	"header: !CycleStore {\n" +
	"  writePosition: [\n" +
	"    0,\n" +
	"    0\n" +
	"  ],\n" +
	"  indexing: !Indexing {\n" +
	"    indexCount: 8,\n" +
	"    indexSpacing: 1,\n" +
	"    index2Index: 72,\n" +
	"    lastIndex: 0\n" +
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
	"  # length: 8, used: 0\n" +
	"  0, 0, 0, 0, 0, 0, 0, 0\n" +
	"]\n" +
	"# position: 216, header: -1\n" +
	"--- !!padding #binary\n" +
	"# length: 256\n" +
	"...\n" +
	"# 65056 bytes remaining\n"

const recoveredStoreDump = "--- !!meta-data #binary\n" +
	"header: !CycleStore {\n" +
	"  writePosition: [\n" +
	"    480,\n" +
	"    2061584302080\n" +
	"  ],\n" +
	"  indexing: !Indexing {\n" +
	"    indexCount: 8,\n" +
	"    indexSpacing: 1,\n" +
	"    index2Index: 72,\n" +
	"    lastIndex: 1\n" +
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
	"  # length: 8, used: 1\n" +
	"  480,\n" +
	"  0, 0, 0, 0, 0, 0, 0\n" +
	"]\n" +
	"# position: 216, header: -1\n" +
	"--- !!padding #binary\n" +
	"# length: 256\n" +
	"# position: 480, header: 0\n" +
	"--- !!data #binary\n" +
	"000001e0             61 67 61 69  6e                          agai n       \n" +
	"...\n" +
	"# 65040 bytes remaining\n"

func TestRecovery_CrashedWriterIsPadded(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	faults := NewFaultInjector()
	cfg := testCfg(dir)
	cfg.Faults = faults
	q, err := Open(cfg)
	require.NoError(t, err)

	a, err := q.AcquireAppender()
	require.NoError(t, err)
	h, err := a.StartWrite(ctx)
	require.NoError(t, err)
	_, err = h.Write([]byte("some data"))
	require.NoError(t, err)
	faults.Crash(h)
	require.NoError(t, q.Close())

	q = openTestQueue(t, testCfg(dir))
	tailer := q.CreateTailer()
	defer tailer.Close()
	_, ok, err := tailer.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	// mapping the store leaves the record to the stalled write check
	dump, err := q.Dump()
	require.NoError(t, err)
	assert.Contains(t, dump, "# position: 216, header: 0\n--- !!not-ready-data! #binary\n# reserved: 256\n")

	reports, err := q.Recover()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].Padded)

	dump, err = q.Dump()
	require.NoError(t, err)
	assert.Equal(t, paddedStoreDump, dump)

	a, err = q.AcquireAppender()
	require.NoError(t, err)
	defer a.Close()
	_, err = a.Append(ctx, []byte("again"))
	require.NoError(t, err)

	dump, err = q.Dump()
	require.NoError(t, err)
	assert.Equal(t, recoveredStoreDump, dump)

	assert.Equal(t, []string{"again"}, payloads(readAll(t, q.CreateTailer())))
}

func TestRecovery_ForcedNotComplete(t *testing.T) {
	dir := t.TempDir()

	faults := NewFaultInjector()
	faults.StartCollecting()
	cfg := testCfg(dir)
	cfg.Faults = faults
	q, err := Open(cfg)
	require.NoError(t, err)

	appendN(t, q, 3, "forced %d")
	// keep the store mapped
	tailer := q.CreateTailer()
	healthy, err := q.Dump()
	require.NoError(t, err)

	assert.Equal(t, 3, faults.ForceAllToNotComplete())
	broken, err := q.Dump()
	require.NoError(t, err)
	assert.Contains(t, broken, "--- !!not-ready-meta-data! #binary\nheader: !CycleStore {")
	assert.Contains(t, broken, "# position: 72, header: -1\n--- !!not-ready-meta-data! #binary\n# reserved: 68\n")

	// tailers walk past not-ready index arrays only once they are republished
	_, ok, err := tailer.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tailer.Close())
	require.NoError(t, q.Close())

	q = openTestQueue(t, testCfg(dir))
	assert.Equal(t, []string{"forced 0", "forced 1", "forced 2"}, payloads(readAll(t, q.CreateTailer())))
	recovered, err := q.Dump()
	require.NoError(t, err)
	assert.Equal(t, healthy, recovered)
}

func TestRecovery_ReportsRepairs(t *testing.T) {
	faults := NewFaultInjector()
	faults.StartCollecting()
	cfg := testCfg(t.TempDir())
	cfg.Faults = faults
	q := openTestQueue(t, cfg)

	appendN(t, q, 10, "%d")
	tailer := q.CreateTailer()
	defer tailer.Close()

	// TEST_DAILY has 8 entries a leaf: index2index and two leaves
	assert.Equal(t, 4, faults.ForceAllToNotComplete())

	reports, err := q.Recover()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].HeaderRepublished)
	assert.Equal(t, 3, reports[0].IndexesRepublished)
	assert.Equal(t, int64(10), reports[0].Records)

	assert.Len(t, readAll(t, tailer), 10)
}

func TestRecovery_Idempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	faults := NewFaultInjector()
	cfg := testCfg(dir)
	cfg.Faults = faults
	q := openTestQueue(t, cfg)

	a, err := q.AcquireAppender()
	require.NoError(t, err)
	defer a.Close()
	_, err = a.Append(ctx, []byte("kept"))
	require.NoError(t, err)
	h, err := a.StartWrite(ctx)
	require.NoError(t, err)
	_, err = h.Write([]byte("lost"))
	require.NoError(t, err)
	faults.Crash(h)

	first, err := q.Recover()
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].Padded)
	dump, err := q.Dump()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := q.Recover()
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.False(t, again[0].repaired())
		assert.Equal(t, int64(1), again[0].Records)

		redump, err := q.Dump()
		require.NoError(t, err)
		assert.Equal(t, dump, redump)
	}

	_, err = a.Append(ctx, []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, []string{"kept", "next"}, payloads(readAll(t, q.CreateTailer())))
}

func TestRecovery_UnlinkedIndexArrayIsPadded(t *testing.T) {
	q := openTestQueue(t, testCfg(t.TempDir()))
	appendN(t, q, 1, "%d")
	st, err := q.acquireStore(TestDaily.CycleFor(testDay), false)
	require.NoError(t, err)
	defer q.releaseStore(st)
	length := indexArrayPayload(st.indexCount)

	// a leaf whose writer died before linking it
	orphan, f, _ := st.frontier()
	require.Equal(t, frameEmpty, f.kind)
	require.True(t, st.prefix(orphan).CompareAndSwap(0, notReadyWord(true, length)))
	newIntRef(st.mem, orphan+indexKindOffset).Set(indexKindLeaf)

	report, err := st.recover(time.Millisecond, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Padded)
	assert.Zero(t, report.IndexesRepublished)
	assert.Equal(t, framePadding, st.frameAt(orphan).kind)

	// a leaf linked before its writer died is published
	linked := orphan + st.frameAt(orphan).footprint()
	require.True(t, st.prefix(linked).CompareAndSwap(0, notReadyWord(true, length)))
	newIntRef(st.mem, linked+indexKindOffset).Set(indexKindLeaf)
	st.indexArray(int(st.index2Index.Get())).At(1).Set(int64(linked))
	assert.True(t, st.reclaim(linked, st.frameAt(linked)))
	assert.Equal(t, frameMeta, st.frameAt(linked).kind)
}
