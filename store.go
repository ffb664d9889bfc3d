package chronicle

import (
	"context"
	"fmt"
	"github.com/pkg/errors"
	"hash/crc32"
	"math/rand"
	"os"
	"sync/atomic"
	"time"
)

// store is one mapped cycle file.
type store struct {
	path         string
	cycle        int
	mf           *mappedFile
	mem          []byte
	capacity     int
	indexCount   int
	indexSpacing int

	headerPrefix IntRef
	magic        IntRef
	writePos     LongArrayRef
	index2Index  LongRef
	lastIndex    LongRef
	lastAckRepl  LongRef
	lastRepl     LongRef

	refs   int // guarded by Queue.opStoresMu
	closed int32

	// closed once the queue finished repairing the store after mapping it
	mappedCh chan struct{}
	mapErr   error
}

// slot is a frame claimed by a writer.
type slot struct {
	pos      int
	ordinal  int64
	meta     bool
	reserved int
}

func (sl slot) notReadyWord() uint32 {
	return notReadyWord(sl.meta, sl.reserved)
}

func newStore(path string, cycle int, mf *mappedFile) *store {
	mem := mf.mem
	return &store{
		path:         path,
		cycle:        cycle,
		mf:           mf,
		mem:          mem,
		capacity:     len(mem),
		headerPrefix: newIntRef(mem, 0),
		magic:        newIntRef(mem, headerMagicOffset),
		writePos:     newLongArrayRef(mem, headerWritePosOffset, 2),
		index2Index:  newLongRef(mem, headerIndex2IndexOffset),
		lastIndex:    newLongRef(mem, headerLastIndexOffset),
		lastAckRepl:  newLongRef(mem, headerLastAckReplOffset),
		lastRepl:     newLongRef(mem, headerLastReplOffset),
		mappedCh:     make(chan struct{}),
	}
}

// createStore initialises a store under a temporary name and publishes it
// with an exclusive hard link. If another process won the race the existing
// file is opened instead.
func createStore(path string, cycle int, rc RollCycle, blockSize int64) (*store, error) {
	tmpPath := fmt.Sprintf("%s.%d.%d%s", path, os.Getpid(), rand.Int63(), storeTmpFileSuffix)
	fp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", tmpPath)
	}

	discard := func() {
		_ = fp.Close()
		_ = os.Remove(tmpPath)
	}

	if err = fp.Truncate(blockSize); err != nil {
		discard()
		return nil, errors.Wrapf(err, "truncate %s", tmpPath)
	}

	mf, err := mapFile(fp, false)
	if err != nil {
		discard()
		return nil, err
	}

	s := newStore(path, cycle, mf)
	s.initHeader(rc)
	if err = mf.syncDisk(); err != nil {
		Logger.Warn(nil, err)
	}

	if err = os.Link(tmpPath, path); err != nil {
		_ = mf.close()
		_ = os.Remove(tmpPath)
		if os.IsExist(err) {
			return openStore(path, cycle, rc, false)
		}
		return nil, errors.Wrapf(err, "publish %s", path)
	}
	_ = os.Remove(tmpPath)

	Logger.Debug(nil, "created store "+path)

	return s, nil
}

func openStore(path string, cycle int, rc RollCycle, readOnly bool) (*store, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	fp, err := os.OpenFile(path, flag, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "cycle %d: %s", cycle, path)
		}
		return nil, err
	}

	mf, err := mapFile(fp, readOnly)
	if err != nil {
		_ = fp.Close()
		return nil, err
	}

	s := newStore(path, cycle, mf)
	if err = s.validate(rc); err != nil {
		_ = mf.close()
		return nil, err
	}

	Logger.Debug(nil, "opened store "+path)

	return s, nil
}

func (s *store) initHeader(rc RollCycle) {
	s.indexCount = rc.IndexCount()
	s.indexSpacing = rc.IndexSpacing()
	s.magic.Set(storeMagic)
	newLongRef(s.mem, headerIndexCountOffset).Set(int64(s.indexCount))
	newLongRef(s.mem, headerIndexSpaceOffset).Set(int64(s.indexSpacing))
	s.lastAckRepl.Set(-1)
	s.lastRepl.Set(-1)
	s.headerPrefix.Set(readyWord(true, headerPayloadBytes))
}

func (s *store) validate(rc RollCycle) error {
	hdr := decodeFrame(s.headerPrefix.Get())
	if !hdr.meta || hdr.length != headerPayloadBytes || (hdr.kind != frameMeta && hdr.kind != frameNotReady) {
		return errors.Wrapf(ErrRecoveryFailed, "%s: bad header frame 0x%08x", s.path, hdr.word)
	}
	if magic := s.magic.Get(); magic != storeMagic {
		return errors.Wrapf(ErrRecoveryFailed, "%s: bad magic 0x%08x", s.path, magic)
	}

	s.indexCount = int(newLongRef(s.mem, headerIndexCountOffset).Get())
	s.indexSpacing = int(newLongRef(s.mem, headerIndexSpaceOffset).Get())
	if s.indexCount != rc.IndexCount() || s.indexSpacing != rc.IndexSpacing() {
		return errors.Wrapf(ErrIncompatibleStore, "%s: index %d/%d, roll cycle %s", s.path, s.indexCount, s.indexSpacing, rc)
	}
	return nil
}

func (s *store) prefix(pos int) IntRef {
	return newIntRef(s.mem, pos)
}

// frameAt decodes the frame at pos. Frames that would run past the end of the
// file decode as corrupt.
func (s *store) frameAt(pos int) frame {
	if pos < 0 || pos+prefixBytes > s.capacity {
		return frame{kind: frameCorrupt}
	}
	f := decodeFrame(s.prefix(pos).Get())
	switch f.kind {
	case frameNotReady, frameData, frameMeta, framePadding:
		if pos+f.footprint() > s.capacity {
			f.kind = frameCorrupt
		}
	}
	return f
}

func (s *store) payload(pos, n int) []byte {
	return s.mem[pos+prefixBytes : pos+prefixBytes+n]
}

// fits reports whether a record of length bytes at pos leaves room for the
// end-of-cycle marker.
func (s *store) fits(pos, length int) bool {
	return length <= int(lengthMask) && pos+frameFootprint(length)+eofReserveBytes <= s.capacity
}

// maxRecordBytes is the largest payload an empty store of this size accepts.
func (s *store) maxRecordBytes() int {
	first := headerFootprint + 2*frameFootprint(indexArrayPayload(s.indexCount))
	n := s.capacity - first - eofReserveBytes - prefixBytes
	if n > int(lengthMask) {
		n = int(lengthMask)
	}
	return n
}

func (s *store) maxOrdinals() int64 {
	return int64(s.indexCount) * int64(s.indexCount) * int64(s.indexSpacing)
}

// scanStart is the first frame after the last published record the header
// knows about, and that record's successor ordinal.
func (s *store) scanStart() (int, int64) {
	joint := s.writePos.At(1).Get()
	if joint == 0 {
		return headerFootprint, 0
	}
	pos, ord := int(joint>>32), joint&0xFFFFFFFF
	f := s.frameAt(pos)
	if f.kind != frameData {
		return headerFootprint, 0
	}
	return pos + f.footprint(), ord + 1
}

// frontier walks to the first frame that is not settled: the unwritten end,
// an in-flight record, an end-of-cycle marker or a corrupt word. It returns
// that frame's position and kind, and the number of records before it.
func (s *store) frontier() (int, frame, int64) {
	pos, ord := s.scanStart()
	for {
		f := s.frameAt(pos)
		switch f.kind {
		case frameData:
			ord++
			pos += f.footprint()
		case frameMeta, framePadding:
			pos += f.footprint()
		default:
			return pos, f, ord
		}
	}
}

// claim reserves a data frame of reserve bytes at the end of the store. The
// compare-and-swap of the zero prefix word both claims the frame and marks it
// not-ready.
func (s *store) claim(ctx context.Context, reserve int, timeout time.Duration) (slot, error) {
	pos, ord := s.scanStart()
	for {
		if err := ctx.Err(); err != nil {
			return slot{}, err
		}

		f := s.frameAt(pos)
		switch f.kind {
		case frameEmpty:
			if ord >= s.maxOrdinals() {
				return slot{}, ErrStoreFull
			}
			if ord%int64(s.indexSpacing) == 0 {
				changed, err := s.ensureIndexFor(pos, ord)
				if err != nil {
					return slot{}, err
				}
				if changed {
					continue
				}
			}
			if !s.fits(pos, reserve) {
				return slot{}, ErrStoreFull
			}
			sl := slot{pos: pos, ordinal: ord, reserved: reserve}
			if !s.prefix(pos).CompareAndSwap(0, sl.notReadyWord()) {
				continue
			}
			return sl, nil
		case frameData:
			ord++
			pos += f.footprint()
		case frameMeta, framePadding:
			pos += f.footprint()
		case frameNotReady:
			if err := s.awaitSlot(ctx, pos, f, timeout); err != nil {
				return slot{}, err
			}
		case frameEOF:
			return slot{}, ErrStoreFull
		default:
			return slot{}, errors.Wrapf(ErrRecoveryFailed, "%s: corrupt frame 0x%08x at %d", s.path, f.word, pos)
		}
	}
}

// grow raises the reservation of sl to hold at least need bytes.
func (s *store) grow(sl *slot, need int) error {
	if !s.fits(sl.pos, need) {
		return ErrStoreFull
	}
	reserved := sl.reserved * 2
	if reserved < need {
		reserved = need
	}
	if !s.fits(sl.pos, reserved) {
		reserved = need
	}
	grown := *sl
	grown.reserved = reserved
	if !s.prefix(sl.pos).CompareAndSwap(sl.notReadyWord(), grown.notReadyWord()) {
		return ErrWriteAbandoned
	}
	*sl = grown
	return nil
}

func (s *store) publish(sl slot, length int) error {
	if !s.prefix(sl.pos).CompareAndSwap(sl.notReadyWord(), readyWord(sl.meta, length)) {
		return ErrWriteAbandoned
	}
	if !sl.meta {
		s.recordPublished(sl.pos, sl.ordinal)
	}
	return nil
}

// release zeroes what was written into sl and hands the frame back to the
// next claimer. It reports false when the frame was already reclaimed.
func (s *store) release(sl slot, written int) bool {
	zero(s.payload(sl.pos, written))
	return s.prefix(sl.pos).CompareAndSwap(sl.notReadyWord(), 0)
}

// terminateAt turns sl into the end-of-cycle marker. Used when a record
// outgrows the store.
func (s *store) terminateAt(sl slot, written int) bool {
	zero(s.payload(sl.pos, written))
	return s.prefix(sl.pos).CompareAndSwap(sl.notReadyWord(), eofWord)
}

// writeEOF appends the end-of-cycle marker unless one is present.
func (s *store) writeEOF(ctx context.Context, timeout time.Duration) error {
	pos, _ := s.scanStart()
	for {
		f := s.frameAt(pos)
		switch f.kind {
		case frameEmpty:
			if pos+eofReserveBytes > s.capacity {
				return errors.Wrapf(ErrRecoveryFailed, "%s: no room for end of cycle at %d", s.path, pos)
			}
			if s.prefix(pos).CompareAndSwap(0, eofWord) {
				Logger.Debug(nil, fmt.Sprintf("terminated store %s at %d", s.path, pos))
				return nil
			}
		case frameEOF:
			return nil
		case frameData, frameMeta, framePadding:
			pos += f.footprint()
		case frameNotReady:
			if err := s.awaitSlot(ctx, pos, f, timeout); err != nil {
				return err
			}
		default:
			return errors.Wrapf(ErrRecoveryFailed, "%s: corrupt frame 0x%08x at %d", s.path, f.word, pos)
		}
	}
}

func (s *store) isTerminated() bool {
	_, f, _ := s.frontier()
	return f.kind == frameEOF
}

// awaitSlot waits up to timeout for the not-ready frame f at pos to change.
// When it does not, the frame is reclaimed if its writer looks dead.
func (s *store) awaitSlot(ctx context.Context, pos int, f frame, timeout time.Duration) error {
	sum := s.payloadSum(pos, f.length)
	deadline := time.Now().Add(timeout)
	var p pauser
	for time.Now().Before(deadline) {
		if s.prefix(pos).Get() != f.word {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p.pause()
	}

	if s.prefix(pos).Get() != f.word {
		return nil
	}
	if isLive(s.path, pos) || s.payloadSum(pos, f.length) != sum {
		return errors.Wrapf(ErrTimeout, "%s: record at %d still in flight after %s", s.path, pos, timeout)
	}
	s.reclaim(pos, f)
	return nil
}

// reclaim settles a not-ready frame whose writer is gone: an index array
// already linked into the index is published, anything else becomes padding.
func (s *store) reclaim(pos int, f frame) bool {
	if f.meta && s.isIndexArrayFrame(pos, f.length) && s.isLinkedIndexArray(pos) {
		if s.prefix(pos).CompareAndSwap(f.word, readyWord(true, f.length)) {
			Logger.Warn(nil, fmt.Sprintf("republished index array at %d in %s", pos, s.path))
			return true
		}
		return false
	}
	if s.prefix(pos).CompareAndSwap(f.word, paddingWord(f.length)) {
		Logger.Warn(nil, fmt.Sprintf("padded abandoned record at %d (%d bytes) in %s", pos, f.length, s.path))
		return true
	}
	return false
}

func (s *store) payloadSum(pos, n int) uint32 {
	return crc32.ChecksumIEEE(s.payload(pos, n))
}

// forceNotComplete rewrites the header and every reachable index array to
// not-ready.
func (s *store) forceNotComplete() int {
	var forced int
	force := func(pos int) {
		f := decodeFrame(s.prefix(pos).Get())
		if f.kind != frameMeta {
			return
		}
		if s.prefix(pos).CompareAndSwap(f.word, notReadyWord(true, f.length)) {
			forced++
		}
	}

	force(0)
	if i2iPos := int(s.index2Index.Get()); i2iPos != 0 {
		force(i2iPos)
		i2i := s.indexArray(i2iPos)
		for i := 0; i < i2i.Len(); i++ {
			if leafPos := int(i2i.At(i).Get()); leafPos != 0 {
				force(leafPos)
			}
		}
	}
	return forced
}

func (s *store) syncDisk() error {
	if s.isClosed() {
		return nil
	}
	return s.mf.syncDisk()
}

func (s *store) isClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

func (s *store) close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	Logger.Debug(nil, "closed store "+s.path)
	return s.mf.close()
}
