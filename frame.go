package chronicle

type frameKind int

const (
	frameEmpty frameKind = iota
	frameNotReady
	frameData
	frameMeta
	framePadding
	frameEOF
	frameCorrupt
)

func (k frameKind) String() string {
	switch k {
	case frameEmpty:
		return "empty"
	case frameNotReady:
		return "not-ready"
	case frameData:
		return "data"
	case frameMeta:
		return "meta-data"
	case framePadding:
		return "padding"
	case frameEOF:
		return "eof"
	}
	return "corrupt"
}

// frame is a decoded prefix word.
type frame struct {
	kind   frameKind
	word   uint32
	meta   bool
	length int
}

func decodeFrame(word uint32) frame {
	f := frame{
		word:   word,
		meta:   word&metaDataFlag != 0,
		length: int(word & lengthMask),
	}
	switch word & stateMask {
	case 0:
		if word == 0 {
			f.kind = frameEmpty
		} else {
			f.kind = frameCorrupt
		}
	case stateNotReady:
		f.kind = frameNotReady
	case stateReady:
		if f.meta {
			f.kind = frameMeta
		} else {
			f.kind = frameData
		}
	case stateSkip:
		switch {
		case !f.meta:
			f.kind = framePadding
		case f.length == 0:
			f.kind = frameEOF
		default:
			f.kind = frameCorrupt
		}
	}
	return f
}

// footprint is the distance to the next frame.
func (f frame) footprint() int {
	if f.kind == frameEOF {
		return frameAlign
	}
	return frameFootprint(f.length)
}

func frameFootprint(length int) int {
	return align8(prefixBytes + length)
}

func align8(n int) int {
	return (n + frameAlign - 1) &^ (frameAlign - 1)
}

func notReadyWord(meta bool, reserved int) uint32 {
	w := stateNotReady | uint32(reserved)&lengthMask
	if meta {
		w |= metaDataFlag
	}
	return w
}

func readyWord(meta bool, length int) uint32 {
	w := stateReady | uint32(length)&lengthMask
	if meta {
		w |= metaDataFlag
	}
	return w
}

func paddingWord(length int) uint32 {
	return stateSkip | uint32(length)&lengthMask
}
