package chronicle

import (
	"fmt"
	"github.com/pkg/errors"
	"math/bits"
	"strings"
	"time"
)

// RollCycle partitions time into cycles, one store file per cycle, and fixes
// the index density used inside each file.
//
// The index density is part of the on-disk format. Reopening a directory with
// a roll cycle whose IndexCount or IndexSpacing differs from the one it was
// written with is not supported; such stores are refused with
// ErrIncompatibleStore.
type RollCycle struct {
	name         string
	layout       string
	length       time.Duration
	indexCount   int
	indexSpacing int
	epochMs      int64
}

var (
	Minutely     = mustRollCycle("MINUTELY", "20060102-1504", time.Minute, 2<<10, 16)
	Hourly       = mustRollCycle("HOURLY", "20060102-15", time.Hour, 4<<10, 16)
	Daily        = mustRollCycle("DAILY", "20060102", 24*time.Hour, 8<<10, 64)
	TestSecondly = mustRollCycle("TEST_SECONDLY", "20060102-150405", time.Second, 32, 4)
	TestHourly   = mustRollCycle("TEST_HOURLY", "20060102-15", time.Hour, 16, 4)
	TestDaily    = mustRollCycle("TEST_DAILY", "20060102", 24*time.Hour, 8, 1)
)

var rollCycles = []RollCycle{Minutely, Hourly, Daily, TestSecondly, TestHourly, TestDaily}

// NewRollCycle builds a custom roll cycle. layout is a time layout used to
// name the files; it must render every cycle start distinctly.
func NewRollCycle(name, layout string, length time.Duration, indexCount, indexSpacing int) (RollCycle, error) {
	if length < time.Millisecond {
		return RollCycle{}, errors.Errorf("roll cycle %s: length %s below one millisecond", name, length)
	}
	if indexCount < 2 || indexCount&(indexCount-1) != 0 {
		return RollCycle{}, errors.Errorf("roll cycle %s: index count %d is not a power of two", name, indexCount)
	}
	if indexSpacing < 1 || indexSpacing&(indexSpacing-1) != 0 {
		return RollCycle{}, errors.Errorf("roll cycle %s: index spacing %d is not a power of two", name, indexSpacing)
	}
	rc := RollCycle{
		name:         name,
		layout:       layout,
		length:       length,
		indexCount:   indexCount,
		indexSpacing: indexSpacing,
	}
	if rc.ordinalBits() > 32 {
		return RollCycle{}, errors.Errorf("roll cycle %s: %d records per cycle do not fit in 32 bits", name, rc.MaxOrdinals())
	}
	return rc, nil
}

func mustRollCycle(name, layout string, length time.Duration, indexCount, indexSpacing int) RollCycle {
	rc, err := NewRollCycle(name, layout, length, indexCount, indexSpacing)
	if err != nil {
		panic(err)
	}
	return rc
}

// RollCycleByName looks a preset up by its name, ignoring case.
func RollCycleByName(name string) (RollCycle, error) {
	for _, rc := range rollCycles {
		if strings.EqualFold(rc.name, name) {
			return rc, nil
		}
	}
	return RollCycle{}, errors.Errorf("unknown roll cycle %q", name)
}

// WithEpoch returns a copy of rc whose cycles are counted from epochMs
// milliseconds after the Unix epoch.
func (rc RollCycle) WithEpoch(epochMs int64) RollCycle {
	rc.epochMs = epochMs
	return rc
}

func (rc RollCycle) Name() string          { return rc.name }
func (rc RollCycle) Length() time.Duration { return rc.length }
func (rc RollCycle) IndexCount() int       { return rc.indexCount }
func (rc RollCycle) IndexSpacing() int     { return rc.indexSpacing }
func (rc RollCycle) EpochMs() int64        { return rc.epochMs }

func (rc RollCycle) String() string {
	return fmt.Sprintf("%s(%s, index %d/%d)", rc.name, rc.length, rc.indexCount, rc.indexSpacing)
}

func (rc RollCycle) ordinalBits() uint {
	countBits := uint(bits.TrailingZeros(uint(rc.indexCount)))
	spacingBits := uint(bits.TrailingZeros(uint(rc.indexSpacing)))
	return 2*countBits + spacingBits
}

// MaxOrdinals is the number of records a single cycle can hold.
func (rc RollCycle) MaxOrdinals() int64 {
	return int64(1) << rc.ordinalBits()
}

// CycleFor maps a timestamp to its cycle number.
func (rc RollCycle) CycleFor(t time.Time) int {
	return int(floorDiv(t.UnixMilli()-rc.epochMs, rc.length.Milliseconds()))
}

// CycleStartTime is the first instant belonging to cycle.
func (rc RollCycle) CycleStartTime(cycle int) time.Time {
	return time.UnixMilli(rc.epochMs + int64(cycle)*rc.length.Milliseconds()).UTC()
}

// FileName is the store file name of cycle, without directory.
func (rc RollCycle) FileName(cycle int) string {
	return rc.CycleStartTime(cycle).Format(rc.layout) + storeFileSuffix
}

// ParseFileName reverses FileName. ok is false for names that are not store
// files of this roll cycle.
func (rc RollCycle) ParseFileName(name string) (int, bool) {
	if !strings.HasSuffix(name, storeFileSuffix) {
		return 0, false
	}
	t, err := time.ParseInLocation(rc.layout, strings.TrimSuffix(name, storeFileSuffix), time.UTC)
	if err != nil {
		return 0, false
	}
	// with an epoch offset the named instant can precede the cycle start
	cycle := rc.CycleFor(t)
	for _, c := range []int{cycle, cycle + 1} {
		if rc.FileName(c) == name {
			return c, true
		}
	}
	return 0, false
}

// ToIndex packs a cycle and an ordinal into a sequence number. Sequence
// numbers order across cycles by plain integer comparison.
func (rc RollCycle) ToIndex(cycle int, ordinal int64) int64 {
	return int64(cycle)<<rc.ordinalBits() | ordinal
}

func (rc RollCycle) ToCycle(index int64) int {
	return int(index >> rc.ordinalBits())
}

func (rc RollCycle) ToOrdinal(index int64) int64 {
	return index & (rc.MaxOrdinals() - 1)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
