package chronicle

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"os"
)

// mappedFile is a whole store file mapped shared into memory. Writes through
// mem are visible to every process mapping the same file.
type mappedFile struct {
	fp       *os.File
	mem      []byte
	readOnly bool
}

func mapFile(fp *os.File, readOnly bool) (*mappedFile, error) {
	fileState, err := fp.Stat()
	if err != nil {
		return nil, err
	}

	size := fileState.Size()
	if size < minStoreBytes || size > maxBlockSize {
		return nil, errors.Wrapf(ErrIncompatibleStore, "%s: size %d", fp.Name(), size)
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	if readOnly {
		prot = unix.PROT_READ
	}
	mem, err := unix.Mmap(int(fp.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", fp.Name())
	}

	return &mappedFile{fp: fp, mem: mem, readOnly: readOnly}, nil
}

func (m *mappedFile) syncDisk() error {
	if m.readOnly || m.mem == nil {
		return nil
	}
	return unix.Msync(m.mem, unix.MS_SYNC)
}

func (m *mappedFile) close() error {
	var firstErr error
	if m.mem != nil {
		if err := unix.Munmap(m.mem); err != nil {
			firstErr = err
		}
		m.mem = nil
	}
	if err := m.fp.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
