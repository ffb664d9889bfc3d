package chronicle

import (
	"github.com/pkg/errors"
	"time"
)

const (
	storeFileSuffix      = ".cq4"
	storeTmpFileSuffix   = ".tmp"
	checkpointFileSuffix = ".tailer"
	refreshCfgInterval   = 10 * time.Second
)

type runState int

const (
	runStateNil runState = iota
	runStateRunning
	runStateStopped
	runStateExiting
	runStateExited
)

var (
	// ErrStoreFull means a claim cannot be satisfied by the current cycle file.
	// Appenders recover from it by rolling to the next cycle.
	ErrStoreFull = errors.New("cycle store is full")
	// ErrNotFound is returned when an index resolves to a cycle file or a
	// record that does not exist.
	ErrNotFound = errors.New("index not found")
	// ErrWriteAbandoned is returned when a write ended without being
	// published. The record is invisible to readers.
	ErrWriteAbandoned = errors.New("write abandoned before publish")
	// ErrRecoveryFailed means the store holds state outside the
	// not-ready/ready/padding state machine.
	ErrRecoveryFailed = errors.New("store recovery failed")
	// ErrTimeout means a bounded wait on another writer's in-flight record
	// expired and recovery could not prove that writer dead.
	ErrTimeout = errors.New("timed out waiting for in-flight record")
	// ErrEndOfStore is returned by a tailer that reached an end-of-cycle
	// marker with no later cycle on disk.
	ErrEndOfStore = errors.New("end of store")

	ErrIncompatibleStore = errors.New("store layout does not match roll cycle")
	ErrRecordTooLarge    = errors.New("record does not fit in an empty store")
	ErrReadOnly          = errors.New("queue opened read-only")
	ErrQueueClosed       = errors.New("queue already closed")
	ErrHandleOpen        = errors.New("appender already has an open write")
	ErrHandleClosed      = errors.New("write handle already closed")
)

// AbandonedError reports a write that was rolled back or reclaimed before it
// could be published. It matches ErrWriteAbandoned and unwraps to the reason.
type AbandonedError struct {
	Index int64
	Cause error
}

func (e *AbandonedError) Error() string {
	if e.Cause == nil {
		return ErrWriteAbandoned.Error()
	}
	return ErrWriteAbandoned.Error() + ": " + e.Cause.Error()
}

func (e *AbandonedError) Is(target error) bool {
	return target == ErrWriteAbandoned
}

func (e *AbandonedError) Unwrap() error {
	return e.Cause
}

// Frame layout. Every frame is a 32-bit prefix word followed by its payload,
// and every frame starts on an 8 byte boundary.
//
//	state (2) | meta-data (1) | length (29)
//
// state 00 is only valid for an all-zero word, the unwritten frontier.
const (
	frameAlign    = 8
	prefixBytes   = 4
	stateMask     = uint32(0xC0000000)
	stateNotReady = uint32(0x40000000)
	stateReady    = uint32(0x80000000)
	stateSkip     = uint32(0xC0000000)
	metaDataFlag  = uint32(0x20000000)
	lengthMask    = uint32(0x1FFFFFFF)
	eofWord       = stateSkip | metaDataFlag
)

// Header frame, at offset 0 of every store.
//
//	prefix | magic | writePosition[2] | indexCount | indexSpacing | index2Index | lastIndex | lastAckReplicated | lastReplicated
//	  4    |   4   |       16         |     8      |      8       |      8      |     8     |        8          |       8
const (
	storeMagic              = uint32(0x31345143) // "CQ41"
	headerPayloadBytes      = 68
	headerFootprint         = 72
	headerMagicOffset       = 4
	headerWritePosOffset    = 8
	headerIndexCountOffset  = 24
	headerIndexSpaceOffset  = 32
	headerIndex2IndexOffset = 40
	headerLastIndexOffset   = 48
	headerLastAckReplOffset = 56
	headerLastReplOffset    = 64
)

// Index array frames: prefix | kind | entries[indexCount]
const (
	indexKindOffset    = 4
	indexEntriesOffset = 8
	indexKindIndex2Idx = uint32(1)
	indexKindLeaf      = uint32(2)
)

const (
	defaultWriteReserve = 256

	// room always left at the end of a store for the end-of-cycle marker
	eofReserveBytes = frameAlign
	minStoreBytes   = headerFootprint + eofReserveBytes
	minBlockSize    = 16 * 1024
	maxBlockSize    = 1 << 31
)
