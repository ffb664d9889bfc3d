package chronicle

import (
	"context"
	"fmt"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"io"
	"sync"
)

// Appender writes records to the end of the queue, rolling to a new cycle
// file when the clock or a full store asks for it. An Appender is used from
// one goroutine; open one per writing goroutine.
type Appender struct {
	q         *Queue
	st        *store
	cycle     int
	open      *WriteHandle
	lastIndex int64
	closed    bool
}

func (q *Queue) AcquireAppender() (*Appender, error) {
	if q.cfg.readOnly {
		return nil, ErrReadOnly
	}
	if q.IsExited() {
		return nil, ErrQueueClosed
	}
	return &Appender{q: q, lastIndex: -1}, nil
}

// LastIndexAppended is the index of the last record this appender published,
// -1 before the first.
func (a *Appender) LastIndexAppended() int64 {
	return a.lastIndex
}

// Cycle is the cycle the appender currently writes to.
func (a *Appender) Cycle() int {
	return a.cycle
}

// StartWrite claims the next record. The returned handle must be closed;
// it publishes only after Commit.
func (a *Appender) StartWrite(ctx context.Context) (*WriteHandle, error) {
	return a.startWrite(ctx, defaultWriteReserve)
}

func (a *Appender) startWrite(ctx context.Context, reserve int) (*WriteHandle, error) {
	if a.closed || a.q.IsExited() {
		return nil, ErrQueueClosed
	}
	if a.open != nil {
		return nil, ErrHandleOpen
	}

	h := &WriteHandle{a: a, ctx: ctx, state: handleClaiming}
	st, sl, err := a.claim(ctx, reserve)
	if err != nil {
		h.state = handleRolledBack
		return nil, err
	}
	h.st, h.slot = st, sl
	h.state = handleNotReady
	markLive(st.path, sl.pos)

	a.open = h
	a.q.trackHandle(h)

	return h, nil
}

// Write runs fn against a new record and publishes it when fn returns nil.
// An error from fn is returned unchanged after the record is rolled back; a
// panic in fn rolls the record back and keeps unwinding.
func (a *Appender) Write(ctx context.Context, fn func(w io.Writer) error) (int64, error) {
	h, err := a.StartWrite(ctx)
	if err != nil {
		return 0, err
	}
	return a.finish(h, fn)
}

// Append writes payload as one record.
func (a *Appender) Append(ctx context.Context, payload []byte) (int64, error) {
	reserve := len(payload)
	if reserve < defaultWriteReserve || a.q.cfg.compress {
		reserve = defaultWriteReserve
	}
	h, err := a.startWrite(ctx, reserve)
	if err != nil {
		return 0, err
	}
	return a.finish(h, func(w io.Writer) error {
		_, err := w.Write(payload)
		return err
	})
}

func (a *Appender) finish(h *WriteHandle, fn func(w io.Writer) error) (int64, error) {
	defer func() {
		if r := recover(); r != nil {
			_ = h.Rollback()
			panic(r)
		}
	}()

	if err := fn(h); err != nil {
		_ = h.Rollback()
		return 0, err
	}
	if err := h.Commit(); err != nil {
		return 0, err
	}
	return h.Index(), nil
}

// Close rolls back a handle left open and releases the current store.
func (a *Appender) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if a.open != nil {
		_ = a.open.Rollback()
	}
	if a.st != nil {
		a.q.releaseStore(a.st)
		a.st = nil
	}
	return nil
}

// targetCycle never goes backwards: a later cycle already on disk, or the one
// this appender writes, wins over the clock.
func (a *Appender) targetCycle() (int, error) {
	target := a.q.cfg.rollCycle.CycleFor(a.q.cfg.now())
	last, ok, err := a.q.newestCycle()
	if err != nil {
		return 0, err
	}
	if ok && last > target {
		target = last
	}
	if a.st != nil && a.cycle > target {
		target = a.cycle
	}
	if target < 0 {
		return 0, errors.Errorf("cycle %d is before the roll cycle epoch", target)
	}
	return target, nil
}

func (a *Appender) claim(ctx context.Context, reserve int) (*store, slot, error) {
	target, err := a.targetCycle()
	if err != nil {
		return nil, slot{}, err
	}
	if a.st == nil || a.cycle != target {
		if err = a.rollTo(ctx, target); err != nil {
			return nil, slot{}, err
		}
	}

	for {
		if reserve > a.st.maxRecordBytes() {
			return nil, slot{}, errors.Wrapf(ErrRecordTooLarge, "%d bytes", reserve)
		}
		sl, err := a.st.claim(ctx, reserve, a.q.timeout())
		if err == nil {
			return a.st, sl, nil
		}
		if !errors.Is(err, ErrStoreFull) {
			return nil, slot{}, err
		}
		if err = a.rollPast(ctx); err != nil {
			return nil, slot{}, err
		}
	}
}

// rollPast moves to the next cycle on disk, or the one after the current.
func (a *Appender) rollPast(ctx context.Context) error {
	next, err := a.nextCycle()
	if err != nil {
		return err
	}
	return a.rollTo(ctx, next)
}

func (a *Appender) nextCycle() (int, error) {
	cycle, ok, err := a.q.dir.nextCycle(a.cycle)
	if err != nil {
		return 0, err
	}
	if !ok {
		return a.cycle + 1, nil
	}
	return cycle, nil
}

// rollTo switches to cycle. The new store exists before the old one gets its
// end-of-cycle marker, so a tailer reaching the marker always finds a
// successor.
func (a *Appender) rollTo(ctx context.Context, cycle int) error {
	st, err := a.q.acquireStore(cycle, true)
	if err != nil {
		return err
	}

	prev := a.st
	if prev != nil {
		if prev.cycle < cycle {
			if err = prev.writeEOF(ctx, a.q.timeout()); err != nil {
				Logger.Warn(nil, err)
			}
		}
		a.q.releaseStore(prev)
	} else {
		a.terminateBefore(ctx, cycle)
	}

	a.st, a.cycle = st, cycle
	Logger.Debug(nil, fmt.Sprintf("appender rolled to cycle %d (%s)", cycle, st.path))

	return nil
}

// terminateBefore writes the end-of-cycle marker into the latest store before
// cycle, in case its writer never rolled.
func (a *Appender) terminateBefore(ctx context.Context, cycle int) {
	set, err := a.q.dir.scan()
	if err != nil {
		Logger.Warn(nil, err)
		return
	}

	prevCycle, found := 0, false
	for _, c := range set.list() {
		if c < cycle {
			prevCycle, found = c, true
		}
	}
	if !found {
		return
	}

	prev, err := a.q.acquireStore(prevCycle, false)
	if err != nil {
		Logger.Warn(nil, err)
		return
	}
	defer a.q.releaseStore(prev)

	if prev.isTerminated() {
		return
	}
	if err = prev.writeEOF(ctx, a.q.timeout()); err != nil {
		Logger.Warn(nil, err)
	}
}

type handleState int

const (
	handleIdle handleState = iota
	handleClaiming
	handleNotReady
	handleWriting
	handleReady
	handleRolledBack
)

func (s handleState) String() string {
	switch s {
	case handleIdle:
		return "idle"
	case handleClaiming:
		return "claiming"
	case handleNotReady:
		return "not-ready"
	case handleWriting:
		return "writing"
	case handleReady:
		return "ready"
	}
	return "rolled-back"
}

// WriteHandle is one record being written. Bytes written to it land directly
// in the mapped store. Close is the only way out: it publishes when Commit
// asked for it and nothing went wrong, and rolls back otherwise.
type WriteHandle struct {
	mu       sync.Mutex
	a        *Appender
	ctx      context.Context
	st       *store
	slot     slot
	written  int
	buf      []byte
	state    handleState
	commit   bool
	err      error
	closeErr error
}

// Index is the sequence number the record gets when published. It changes if
// the record outgrows its cycle and moves to the next one.
func (h *WriteHandle) Index() int64 {
	if h.st == nil {
		return -1
	}
	return h.a.q.cfg.rollCycle.ToIndex(h.st.cycle, h.slot.ordinal)
}

func (h *WriteHandle) currentState() handleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *WriteHandle) closed() bool {
	return h.state == handleReady || h.state == handleRolledBack
}

func (h *WriteHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed() {
		return 0, ErrHandleClosed
	}
	if h.err != nil {
		return 0, h.err
	}
	if err := h.ctx.Err(); err != nil {
		h.err = err
		return 0, err
	}

	h.state = handleWriting
	if h.a.q.cfg.compress {
		h.buf = append(h.buf, p...)
		return len(p), nil
	}
	if err := h.writeRaw(p); err != nil {
		h.err = err
		return 0, err
	}
	return len(p), nil
}

func (h *WriteHandle) writeRaw(p []byte) error {
	need := h.written + len(p)
	if need > h.slot.reserved {
		if err := h.ensureCapacity(need); err != nil {
			return err
		}
	}
	copy(h.st.payload(h.slot.pos, h.slot.reserved)[h.written:], p)
	h.written = need
	return nil
}

func (h *WriteHandle) ensureCapacity(need int) error {
	err := h.st.grow(&h.slot, need)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrWriteAbandoned):
		return &AbandonedError{Index: h.Index()}
	case errors.Is(err, ErrStoreFull):
		return h.relocate(need)
	}
	return err
}

// relocate moves a record that outgrew its store to the next cycle. Its old
// frame becomes the end-of-cycle marker.
func (h *WriteHandle) relocate(need int) error {
	if need > h.st.maxRecordBytes() {
		return errors.Wrapf(ErrRecordTooLarge, "%d bytes", need)
	}

	a := h.a
	next, err := a.nextCycle()
	if err != nil {
		return err
	}
	// the successor must exist before the old frame becomes the marker
	succ, err := a.q.acquireStore(next, true)
	if err != nil {
		return err
	}
	defer a.q.releaseStore(succ)

	written := append([]byte(nil), h.st.payload(h.slot.pos, h.written)...)
	old, oldSlot := h.st, h.slot
	if !old.terminateAt(oldSlot, h.written) {
		return &AbandonedError{Index: h.Index()}
	}
	unmarkLive(old.path, oldSlot.pos)
	// the old frame is the marker now; nothing is left to roll back there
	h.st, h.written = nil, 0

	if err = a.rollTo(h.ctx, next); err != nil {
		return err
	}
	reserve := need
	if reserve < defaultWriteReserve {
		reserve = defaultWriteReserve
	}
	st, sl, err := a.claim(h.ctx, reserve)
	if err != nil {
		return err
	}
	h.st, h.slot = st, sl
	markLive(st.path, sl.pos)
	copy(st.payload(sl.pos, sl.reserved), written)
	h.written = len(written)

	Logger.Debug(nil, fmt.Sprintf("record of %d bytes moved from %s to %s", need, old.path, st.path))

	return nil
}

// Commit publishes the record and closes the handle.
func (h *WriteHandle) Commit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed() {
		return ErrHandleClosed
	}
	h.commit = true
	return h.closeLocked()
}

// Rollback discards the record and closes the handle.
func (h *WriteHandle) Rollback() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed() {
		return nil
	}
	h.commit = false
	_ = h.closeLocked()
	return nil
}

// Close publishes if Commit was requested, no write failed and the context is
// still live, and rolls back in every other case. Closing twice is a no-op.
func (h *WriteHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked()
}

func (h *WriteHandle) closeLocked() error {
	if h.closed() {
		return h.closeErr
	}
	defer h.detach()

	if h.commit && h.err == nil && h.ctx.Err() == nil {
		if err := h.publish(); err != nil {
			h.rollback()
			h.closeErr = err
			return err
		}
		h.state = handleReady
		h.a.lastIndex = h.Index()
		return nil
	}

	h.rollback()
	cause := h.err
	if cause == nil {
		cause = h.ctx.Err()
	}
	if cause != nil || h.commit {
		h.closeErr = &AbandonedError{Index: h.Index(), Cause: cause}
	}
	return h.closeErr
}

func (h *WriteHandle) publish() error {
	if h.st == nil {
		return &AbandonedError{Index: -1}
	}
	if h.a.q.cfg.compress {
		if err := h.writeRaw(snappy.Encode(nil, h.buf)); err != nil {
			return &AbandonedError{Index: h.Index(), Cause: err}
		}
	}
	if err := h.st.publish(h.slot, h.written); err != nil {
		// recovery took the frame; it is padding now
		return &AbandonedError{Index: h.Index()}
	}
	return nil
}

func (h *WriteHandle) rollback() {
	h.state = handleRolledBack
	if h.st == nil {
		return
	}
	if !h.st.release(h.slot, h.written) {
		Logger.Warn(nil, fmt.Sprintf("record at %d in %s was reclaimed before rollback", h.slot.pos, h.st.path))
	}
}

func (h *WriteHandle) detach() {
	if h.st != nil {
		unmarkLive(h.st.path, h.slot.pos)
	}
	if h.a.open == h {
		h.a.open = nil
	}
	h.a.q.untrackHandle(h)
}

// crash abandons the handle as a killed process would: the frame stays
// not-ready and only recovery can settle it.
func (h *WriteHandle) crash() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed() {
		return
	}
	h.state = handleRolledBack
	h.closeErr = &AbandonedError{Index: h.Index()}
	h.detach()
}
