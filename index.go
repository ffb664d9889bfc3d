package chronicle

import (
	"fmt"
	"github.com/pkg/errors"
)

// Two level sparse index. The header points at an index2index array whose
// entries point at leaf arrays; leaf entries hold the position of every
// indexSpacing-th record. A zero entry has not been written yet.

func indexArrayPayload(indexCount int) int {
	return prefixBytes + 8*indexCount
}

func (s *store) indexArray(pos int) LongArrayRef {
	return newLongArrayRef(s.mem, pos+indexEntriesOffset, s.indexCount)
}

func (s *store) indexArrayKind(pos int) uint32 {
	return newIntRef(s.mem, pos+indexKindOffset).Get()
}

func (s *store) isIndexArrayFrame(pos, length int) bool {
	if length != indexArrayPayload(s.indexCount) {
		return false
	}
	kind := s.indexArrayKind(pos)
	return kind == indexKindIndex2Idx || kind == indexKindLeaf
}

// isLinkedIndexArray reports whether the header or the index2index array
// points at the index array at pos.
func (s *store) isLinkedIndexArray(pos int) bool {
	i2iPos := int(s.index2Index.Get())
	if i2iPos == 0 {
		return false
	}
	if s.indexArrayKind(pos) == indexKindIndex2Idx {
		return i2iPos == pos
	}
	i2i := s.indexArray(i2iPos)
	for i := 0; i < i2i.Len(); i++ {
		if int(i2i.At(i).Get()) == pos {
			return true
		}
	}
	return false
}

// leafFor returns the leaf array covering ordinal and the entry inside it.
// ok is false when the leaf has not been allocated.
func (s *store) leafFor(ordinal int64) (LongArrayRef, int, bool) {
	entry := ordinal / int64(s.indexSpacing)
	leafNo := int(entry / int64(s.indexCount))
	if leafNo >= s.indexCount {
		return LongArrayRef{}, 0, false
	}
	i2iPos := int(s.index2Index.Get())
	if i2iPos == 0 {
		return LongArrayRef{}, 0, false
	}
	leafPos := int(s.indexArray(i2iPos).At(leafNo).Get())
	if leafPos == 0 {
		return LongArrayRef{}, 0, false
	}
	return s.indexArray(leafPos), int(entry % int64(s.indexCount)), true
}

// ensureIndexFor allocates, at the frontier pos, whichever index array the
// record with ordinal still lacks. changed reports that pos no longer holds
// an empty frame and the caller must look at it again.
func (s *store) ensureIndexFor(pos int, ordinal int64) (bool, error) {
	entry := ordinal / int64(s.indexSpacing)
	leafNo := int(entry / int64(s.indexCount))
	if leafNo >= s.indexCount {
		return false, ErrStoreFull
	}

	if s.index2Index.Get() == 0 {
		return s.allocIndexArray(pos, indexKindIndex2Idx, func(at int) bool {
			return s.index2Index.CompareAndSwap(0, int64(at))
		})
	}

	leaf := s.indexArray(int(s.index2Index.Get())).At(leafNo)
	if leaf.Get() == 0 {
		return s.allocIndexArray(pos, indexKindLeaf, func(at int) bool {
			return leaf.CompareAndSwap(0, int64(at))
		})
	}

	return false, nil
}

// allocIndexArray claims pos as a meta-data frame, links it and publishes it.
// The array is linked before it is published, so a reader that finds it
// through the header may see it not-ready, never unlinked.
func (s *store) allocIndexArray(pos int, kind uint32, link func(at int) bool) (bool, error) {
	length := indexArrayPayload(s.indexCount)
	if !s.fits(pos, length) {
		return false, ErrStoreFull
	}

	sl := slot{pos: pos, ordinal: -1, meta: true, reserved: length}
	if !s.prefix(pos).CompareAndSwap(0, sl.notReadyWord()) {
		return true, nil
	}
	markLive(s.path, pos)
	defer unmarkLive(s.path, pos)

	newIntRef(s.mem, pos+indexKindOffset).Set(kind)
	if !link(pos) {
		// lost the race to link; leave a hole readers skip
		s.prefix(pos).CompareAndSwap(sl.notReadyWord(), paddingWord(length))
		return true, nil
	}
	if err := s.publish(sl, length); err != nil {
		Logger.Warn(nil, fmt.Sprintf("index array at %d in %s reclaimed before publish", pos, s.path))
	}
	return true, nil
}

// setIndexEntry records pos as the position of ordinal. It reports whether
// the entry was missing.
func (s *store) setIndexEntry(ordinal int64, pos int) bool {
	if ordinal%int64(s.indexSpacing) != 0 {
		return false
	}
	leaf, i, ok := s.leafFor(ordinal)
	if !ok {
		return false
	}
	return leaf.At(i).CompareAndSwap(0, int64(pos))
}

// recordPublished updates the index and the header after the record at pos
// with ordinal became visible.
func (s *store) recordPublished(pos int, ordinal int64) {
	s.setIndexEntry(ordinal, pos)
	s.writePos.At(0).SetMax(int64(pos))
	s.writePos.At(1).SetMax(int64(pos)<<32 | ordinal)
	s.lastIndex.SetMax(ordinal + 1)
}

// indexToOffset finds the closest indexed record at or before ordinal. It
// falls back over missing entries and leaves down to the first frame after
// the header, so the result is always a valid place to start scanning.
func (s *store) indexToOffset(ordinal int64) (pos int, at int64) {
	entry := ordinal / int64(s.indexSpacing)
	i2iPos := int(s.index2Index.Get())
	if i2iPos == 0 {
		return headerFootprint, 0
	}
	i2i := s.indexArray(i2iPos)
	for e := entry; e >= 0; {
		leafNo := int(e / int64(s.indexCount))
		if leafNo >= s.indexCount {
			e = int64(s.indexCount)*int64(s.indexCount) - 1
			continue
		}
		leafPos := int(i2i.At(leafNo).Get())
		if leafPos == 0 {
			e = int64(leafNo)*int64(s.indexCount) - 1
			continue
		}
		if p := int(s.indexArray(leafPos).At(int(e % int64(s.indexCount))).Get()); p != 0 {
			return p, e * int64(s.indexSpacing)
		}
		e--
	}
	return headerFootprint, 0
}

// positionOf resolves ordinal to a frame position by an index lookup and a
// bounded scan. ok is false when fewer than ordinal records are published;
// positioning at exactly the published count is allowed.
func (s *store) positionOf(ordinal int64) (int, bool, error) {
	pos, at := s.indexToOffset(ordinal)
	for {
		f := s.frameAt(pos)
		switch f.kind {
		case frameData:
			if at == ordinal {
				return pos, true, nil
			}
			at++
			pos += f.footprint()
		case frameMeta, framePadding:
			pos += f.footprint()
		case frameCorrupt:
			return 0, false, errors.Wrapf(ErrRecoveryFailed, "%s: corrupt frame 0x%08x at %d", s.path, f.word, pos)
		default:
			return pos, at == ordinal, nil
		}
	}
}
