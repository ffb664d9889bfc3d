package chronicle

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestHexDump(t *testing.T) {
	assert.Equal(t,
		"00000000             68 65 6c 6c  6f                          hell o       \n",
		hexDump([]byte("hello"), 4))

	data := append([]byte("ABCDEFGHIJKLMNOPQRST"), 0)
	assert.Equal(t,
		"00000010 41 42 43 44 45 46 47 48  49 4a 4b 4c 4d 4e 4f 50 ABCDEFGH IJKLMNOP\n"+
			"00000020 51 52 53 54 00                                   QRST·            \n",
		hexDump(data, 0x10))

	assert.Empty(t, hexDump(nil, 8))
}

func TestQueue_DumpEmpty(t *testing.T) {
	q := openTestQueue(t, testCfg(t.TempDir()))
	dump, err := q.Dump()
	require.NoError(t, err)
	assert.Empty(t, dump)
}

func TestStore_DumpNotReady(t *testing.T) {
	q := openTestQueue(t, testCfg(t.TempDir()))
	a, err := q.AcquireAppender()
	require.NoError(t, err)
	defer a.Close()

	h, err := a.StartWrite(context.Background())
	require.NoError(t, err)
	defer h.Rollback()

	dump, err := q.Dump()
	require.NoError(t, err)
	assert.Contains(t, dump, "# position: 216, header: 0\n--- !!not-ready-data! #binary\n# reserved: 256\n...\n# 65056 bytes remaining\n")
}
