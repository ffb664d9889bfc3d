package chronicle

import (
	"fmt"
	"strings"
)

// Dump renders every store of the queue, oldest cycle first, in a textual
// form meant for tests and for eyeballing a directory.
func (q *Queue) Dump() (string, error) {
	cycles, err := q.dir.scan()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, cycle := range cycles.list() {
		st, err := q.acquireStore(cycle, false)
		if err != nil {
			return "", err
		}
		sb.WriteString(st.dump())
		q.releaseStore(st)
	}
	return sb.String(), nil
}

func (s *store) dump() string {
	var sb strings.Builder

	hdr := decodeFrame(s.headerPrefix.Get())
	writeFrameTitle(&sb, hdr, "meta-data")
	fmt.Fprintf(&sb, "header: !CycleStore {\n"+
		"  writePosition: [\n"+
		"    %d,\n"+
		"    %d\n"+
		"  ],\n"+
		"  indexing: !Indexing {\n"+
		"    indexCount: %d,\n"+
		"    indexSpacing: %d,\n"+
		"    index2Index: %d,\n"+
		"    lastIndex: %d\n"+
		"  },\n"+
		"  lastAcknowledgedIndexReplicated: %d,\n"+
		"  lastIndexReplicated: %d\n"+
		"}\n",
		s.writePos.At(0).Get(), s.writePos.At(1).Get(),
		s.indexCount, s.indexSpacing, s.index2Index.Get(), s.lastIndex.Get(),
		s.lastAckRepl.Get(), s.lastRepl.Get())

	pos, ord := headerFootprint, int64(0)
	for {
		f := s.frameAt(pos)
		switch f.kind {
		case frameEmpty:
			fmt.Fprintf(&sb, "...\n# %d bytes remaining\n", s.capacity-pos)
			return sb.String()
		case frameEOF:
			fmt.Fprintf(&sb, "# position: %d, header: %d EOF\n--- !!eof #binary\n", pos, ord-1)
			fmt.Fprintf(&sb, "...\n# %d bytes remaining\n", s.capacity-pos)
			return sb.String()
		case frameCorrupt:
			fmt.Fprintf(&sb, "# position: %d, header: -1\n--- !!corrupt #binary\n# word: 0x%08x\n", pos, f.word)
			return sb.String()
		case frameData:
			fmt.Fprintf(&sb, "# position: %d, header: %d\n--- !!data #binary\n", pos, ord)
			sb.WriteString(hexDump(s.payload(pos, f.length), pos+prefixBytes))
			ord++
		case frameMeta:
			fmt.Fprintf(&sb, "# position: %d, header: -1\n--- !!meta-data #binary\n", pos)
			if s.isIndexArrayFrame(pos, f.length) {
				s.dumpIndexArray(&sb, pos)
			} else {
				sb.WriteString(hexDump(s.payload(pos, f.length), pos+prefixBytes))
			}
		case framePadding:
			fmt.Fprintf(&sb, "# position: %d, header: -1\n--- !!padding #binary\n# length: %d\n", pos, f.length)
		case frameNotReady:
			header := ord
			if f.meta {
				header = -1
			}
			fmt.Fprintf(&sb, "# position: %d, header: %d\n", pos, header)
			writeFrameTitle(&sb, f, "")
			fmt.Fprintf(&sb, "# reserved: %d\n", f.length)
		}
		pos += f.footprint()
	}
}

func writeFrameTitle(sb *strings.Builder, f frame, ready string) {
	switch {
	case f.kind == frameNotReady && f.meta:
		sb.WriteString("--- !!not-ready-meta-data! #binary\n")
	case f.kind == frameNotReady:
		sb.WriteString("--- !!not-ready-data! #binary\n")
	default:
		sb.WriteString("--- !!" + ready + " #binary\n")
	}
}

func (s *store) dumpIndexArray(sb *strings.Builder, pos int) {
	name := "index"
	if s.indexArrayKind(pos) == indexKindIndex2Idx {
		name = "index2index"
	}
	arr := s.indexArray(pos)
	used := arr.Used()

	fmt.Fprintf(sb, "%s: [\n  # length: %d, used: %d\n", name, arr.Len(), used)
	for i := 0; i < used; i++ {
		sep := ","
		if i == arr.Len()-1 {
			sep = ""
		}
		fmt.Fprintf(sb, "  %d%s\n", arr.At(i).Get(), sep)
	}
	if used < arr.Len() {
		zeros := make([]string, arr.Len()-used)
		for i := range zeros {
			zeros[i] = "0"
		}
		sb.WriteString("  " + strings.Join(zeros, ", ") + "\n")
	}
	sb.WriteString("]\n")
}

// hexDump prints b, which starts at file offset addr, 16 bytes a line. Lines
// are aligned to absolute offsets; bytes outside b are left blank.
func hexDump(b []byte, addr int) string {
	if len(b) == 0 {
		return ""
	}

	var sb strings.Builder
	end := addr + len(b)
	for line := addr &^ 15; line < end; line += 16 {
		var ascii [16]rune
		fmt.Fprintf(&sb, "%08x", line)
		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteByte(' ')
			}
			at := line + i
			if at < addr || at >= end {
				sb.WriteString("   ")
				ascii[i] = ' '
				continue
			}
			c := b[at-addr]
			fmt.Fprintf(&sb, " %02x", c)
			if c >= 0x20 && c < 0x7f {
				ascii[i] = rune(c)
			} else {
				ascii[i] = '·'
			}
		}
		sb.WriteString(" " + string(ascii[:8]) + " " + string(ascii[8:]) + "\n")
	}
	return sb.String()
}
