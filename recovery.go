package chronicle

import (
	"fmt"
	"github.com/pkg/errors"
	"runtime"
	"sync"
	"time"
)

type slotKey struct {
	path string
	pos  int
}

// liveSlots holds the frames this process is writing right now. A not-ready
// frame listed here is never reclaimed, however long it stalls.
var liveSlots sync.Map

func markLive(path string, pos int) {
	liveSlots.Store(slotKey{path: path, pos: pos}, struct{}{})
}

func unmarkLive(path string, pos int) {
	liveSlots.Delete(slotKey{path: path, pos: pos})
}

func isLive(path string, pos int) bool {
	_, ok := liveSlots.Load(slotKey{path: path, pos: pos})
	return ok
}

// pauser backs off from spinning to short sleeps.
type pauser struct {
	n int
}

func (p *pauser) pause() {
	p.n++
	if p.n < 64 {
		runtime.Gosched()
		return
	}
	d := time.Duration(p.n-63) * 20 * time.Microsecond
	if d > time.Millisecond {
		d = time.Millisecond
	}
	time.Sleep(d)
}

// RecoveryReport describes what one recovery pass repaired.
type RecoveryReport struct {
	Path               string
	HeaderRepublished  bool
	IndexesRepublished int
	Padded             int
	EntriesFilled      int
	// StoppedAt is the position of a live in-flight record, 0 when the scan
	// reached the end of the written data.
	StoppedAt int
	Records   int64
}

func (r RecoveryReport) repaired() bool {
	return r.HeaderRepublished || r.IndexesRepublished > 0 || r.Padded > 0 || r.EntriesFilled > 0
}

// recover brings the store back to a state every reader and writer accepts
// after writers died at any point of the claim/write/publish protocol.
// Running it again on a recovered store changes nothing.
//
// Without settle it never waits: the scan stops at the first not-ready
// record, which is left to its writer, to claims and to the maintenance loop.
func (s *store) recover(timeout time.Duration, settle bool) (RecoveryReport, error) {
	report := RecoveryReport{Path: s.path}

	hdr := decodeFrame(s.headerPrefix.Get())
	switch {
	case s.magic.Get() != storeMagic:
		return report, errors.Wrapf(ErrRecoveryFailed, "%s: bad magic 0x%08x", s.path, s.magic.Get())
	case hdr.kind == frameNotReady && hdr.meta && hdr.length == headerPayloadBytes:
		if s.headerPrefix.CompareAndSwap(hdr.word, readyWord(true, headerPayloadBytes)) {
			report.HeaderRepublished = true
		}
	case hdr.kind != frameMeta || hdr.length != headerPayloadBytes:
		return report, errors.Wrapf(ErrRecoveryFailed, "%s: bad header frame 0x%08x", s.path, hdr.word)
	}

	if err := s.recoverIndexArrays(&report); err != nil {
		return report, err
	}

	lastPos, lastOrd := -1, int64(-1)
	pos, ord := s.scanStart()
scan:
	for {
		f := s.frameAt(pos)
		switch f.kind {
		case frameData:
			if s.setIndexEntry(ord, pos) {
				report.EntriesFilled++
			}
			lastPos, lastOrd = pos, ord
			ord++
			pos += f.footprint()
		case frameMeta, framePadding:
			pos += f.footprint()
		case frameNotReady:
			if !settle {
				report.StoppedAt = pos
				break scan
			}
			dead, err := s.isAbandoned(pos, f, timeout)
			if err != nil {
				return report, err
			}
			if !dead {
				report.StoppedAt = pos
				break scan
			}
			if s.reclaim(pos, f) {
				if s.frameAt(pos).kind == frameMeta {
					report.IndexesRepublished++
				} else {
					report.Padded++
				}
			}
			// look at pos again; it is settled now
		case frameEmpty, frameEOF:
			break scan
		default:
			return report, errors.Wrapf(ErrRecoveryFailed, "%s: corrupt frame 0x%08x at %d", s.path, f.word, pos)
		}
	}
	report.Records = ord

	if lastPos > 0 {
		s.writePos.At(0).SetMax(int64(lastPos))
		s.writePos.At(1).SetMax(int64(lastPos)<<32 | lastOrd)
		s.lastIndex.SetMax(lastOrd + 1)
	}

	if report.repaired() {
		Logger.Warn(nil, fmt.Sprintf("recovered %s: header republished %v, %d index arrays republished, %d records padded, %d index entries filled",
			s.path, report.HeaderRepublished, report.IndexesRepublished, report.Padded, report.EntriesFilled))
	}

	return report, nil
}

// recoverIndexArrays republishes index arrays reachable from the header that
// were left not-ready.
func (s *store) recoverIndexArrays(report *RecoveryReport) error {
	republish := func(pos int) error {
		f := s.frameAt(pos)
		switch f.kind {
		case frameMeta:
			return nil
		case frameNotReady:
			if !f.meta || !s.isIndexArrayFrame(pos, f.length) {
				return errors.Wrapf(ErrRecoveryFailed, "%s: malformed index array at %d", s.path, pos)
			}
			if isLive(s.path, pos) {
				return nil
			}
			if s.prefix(pos).CompareAndSwap(f.word, readyWord(true, f.length)) {
				report.IndexesRepublished++
			}
			return nil
		}
		return errors.Wrapf(ErrRecoveryFailed, "%s: %s frame where an index array should be at %d", s.path, f.kind, pos)
	}

	i2iPos := int(s.index2Index.Get())
	if i2iPos == 0 {
		return nil
	}
	if err := republish(i2iPos); err != nil {
		return err
	}
	i2i := s.indexArray(i2iPos)
	for i := 0; i < i2i.Len(); i++ {
		leafPos := int(i2i.At(i).Get())
		if leafPos == 0 {
			continue
		}
		if err := republish(leafPos); err != nil {
			return err
		}
	}
	return nil
}

// isAbandoned decides whether the writer of the not-ready frame f at pos is
// gone: it is not writing from this process and neither the prefix word nor
// the payload changed during timeout.
func (s *store) isAbandoned(pos int, f frame, timeout time.Duration) (bool, error) {
	if isLive(s.path, pos) {
		return false, nil
	}
	sum := s.payloadSum(pos, f.length)
	deadline := time.Now().Add(timeout)
	var p pauser
	for time.Now().Before(deadline) {
		if s.prefix(pos).Get() != f.word {
			return false, nil
		}
		p.pause()
	}
	if s.prefix(pos).Get() != f.word || isLive(s.path, pos) {
		return false, nil
	}
	return s.payloadSum(pos, f.length) == sum, nil
}
