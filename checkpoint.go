package chronicle

import (
	"encoding/binary"
	"github.com/pkg/errors"
	"io"
	"os"
)

const (
	checkpointBytes          = 12
	cycleInCheckpointBytes   = 8
	ordinalInCheckpointBytes = 4
)

// checkpoint is the committed position of a named tailer: the cycle and the
// ordinal of the next record to read.
type checkpoint struct {
	fp      *os.File
	buf     [checkpointBytes]byte
	cycle   int
	ordinal int64
	has     bool
}

func openCheckpoint(path string) (*checkpoint, error) {
	fp, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	c := &checkpoint{fp: fp}

	fileState, err := fp.Stat()
	if err != nil {
		_ = fp.Close()
		return nil, err
	}

	if fileState.Size() < checkpointBytes {
		return c, nil
	}

	if _, err = fp.ReadAt(c.buf[:], 0); err != nil && err != io.EOF {
		_ = fp.Close()
		return nil, errors.Wrapf(err, "read checkpoint %s", path)
	}

	bin := binary.LittleEndian
	c.cycle = int(int64(bin.Uint64(c.buf[:cycleInCheckpointBytes])))
	c.ordinal = int64(bin.Uint32(c.buf[cycleInCheckpointBytes:]))
	c.has = true

	return c, nil
}

func (c *checkpoint) get() (int, int64, bool) {
	return c.cycle, c.ordinal, c.has
}

func (c *checkpoint) update(cycle int, ordinal int64) error {
	if c.has && c.cycle == cycle && c.ordinal == ordinal {
		return nil
	}

	bin := binary.LittleEndian
	bin.PutUint64(c.buf[:cycleInCheckpointBytes], uint64(int64(cycle)))
	bin.PutUint32(c.buf[cycleInCheckpointBytes:], uint32(ordinal))
	if _, err := c.fp.WriteAt(c.buf[:], 0); err != nil {
		return err
	}

	c.cycle, c.ordinal, c.has = cycle, ordinal, true

	return nil
}

func (c *checkpoint) syncDisk() {
	if err := c.fp.Sync(); err != nil {
		Logger.Warn(nil, err)
	}
}

func (c *checkpoint) close() error {
	return c.fp.Close()
}
