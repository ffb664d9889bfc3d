package chronicle

import (
	"context"
	"fmt"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Excerpt is one published record.
type Excerpt struct {
	Index    int64
	Cycle    int
	Position int
	Payload  []byte
}

// Tailer reads published records in index order. It never writes to a store
// and never blocks in Next. A Tailer is used from one goroutine.
type Tailer struct {
	q     *Queue
	name  string
	ckpt  *checkpoint
	st    *store
	cycle int
	pos   int
	ord   int64
}

// CreateTailer returns a tailer positioned at the start of the queue.
func (q *Queue) CreateTailer() *Tailer {
	t := &Tailer{q: q}
	if err := t.ToStart(); err != nil {
		Logger.Debug(nil, err)
	}
	return t
}

// CreateNamedTailer returns a tailer that resumes where the last tailer of
// the same name committed, or at the start of the queue.
func (q *Queue) CreateNamedTailer(name string) (*Tailer, error) {
	if q.cfg.readOnly {
		return nil, ErrReadOnly
	}
	if name == "" {
		return nil, errors.New("tailer name is empty")
	}

	ckpt, err := openCheckpoint(genCheckpointFileName(q.cfg.baseDir, name))
	if err != nil {
		return nil, err
	}

	t := &Tailer{q: q, name: name, ckpt: ckpt}
	cycle, ordinal, ok := ckpt.get()
	if !ok {
		if err = t.ToStart(); err != nil {
			_ = t.Close()
			return nil, err
		}
		return t, nil
	}

	err = t.MoveTo(q.cfg.rollCycle.ToIndex(cycle, ordinal))
	if errors.Is(err, ErrNotFound) {
		Logger.Warn(nil, fmt.Sprintf("checkpoint of tailer %s points at missing cycle %d ordinal %d, starting over", name, cycle, ordinal))
		err = t.ToStart()
	}
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

// Name is empty for anonymous tailers.
func (t *Tailer) Name() string {
	return t.name
}

// Index is the index the next call to Next reads.
func (t *Tailer) Index() int64 {
	if t.st == nil {
		return 0
	}
	return t.q.cfg.rollCycle.ToIndex(t.cycle, t.ord)
}

func (t *Tailer) Cycle() int {
	return t.cycle
}

func (t *Tailer) detach() {
	if t.st != nil {
		t.q.releaseStore(t.st)
		t.st = nil
	}
}

func (t *Tailer) attach(st *store, pos int, ord int64) {
	t.detach()
	t.st, t.cycle, t.pos, t.ord = st, st.cycle, pos, ord
}

// ToStart moves before the first record of the oldest cycle.
func (t *Tailer) ToStart() error {
	if t.q.IsExited() {
		return ErrQueueClosed
	}
	first, ok, err := t.q.dir.firstCycle()
	if err != nil {
		return err
	}
	if !ok {
		t.detach()
		t.cycle, t.pos, t.ord = 0, 0, 0
		return nil
	}
	st, err := t.q.acquireStore(first, false)
	if err != nil {
		return err
	}
	t.attach(st, headerFootprint, 0)
	return nil
}

// ToEnd moves after the last published record of the newest cycle.
func (t *Tailer) ToEnd() error {
	if t.q.IsExited() {
		return ErrQueueClosed
	}
	last, ok, err := t.q.dir.lastCycle()
	if err != nil {
		return err
	}
	if !ok {
		return t.ToStart()
	}
	st, err := t.q.acquireStore(last, false)
	if err != nil {
		return err
	}
	pos, _, count := st.frontier()
	t.attach(st, pos, count)
	return nil
}

// MoveTo positions the tailer so that Next reads index. Moving to one past
// the last published record of a cycle is allowed. On error the position is
// unchanged.
func (t *Tailer) MoveTo(index int64) error {
	if t.q.IsExited() {
		return ErrQueueClosed
	}
	rc := t.q.cfg.rollCycle
	cycle, ordinal := rc.ToCycle(index), rc.ToOrdinal(index)

	st, err := t.q.acquireStore(cycle, false)
	if err != nil {
		return err
	}
	pos, ok, err := st.positionOf(ordinal)
	if err != nil {
		t.q.releaseStore(st)
		return err
	}
	if !ok {
		t.q.releaseStore(st)
		return errors.Wrapf(ErrNotFound, "index %d (cycle %d ordinal %d)", index, cycle, ordinal)
	}
	t.attach(st, pos, ordinal)
	return nil
}

// Next reads the next published record. ok is false when none is published
// yet. ErrEndOfStore means the current cycle is finished and no later cycle
// exists.
func (t *Tailer) Next() (Excerpt, bool, error) {
	if t.q.IsExited() {
		return Excerpt{}, false, ErrQueueClosed
	}

	if t.st == nil {
		if err := t.ToStart(); err != nil {
			return Excerpt{}, false, err
		}
		if t.st == nil {
			return Excerpt{}, false, nil
		}
	}

	for {
		f := t.st.frameAt(t.pos)
		switch f.kind {
		case frameEmpty, frameNotReady:
			return Excerpt{}, false, nil
		case frameData:
			payload := make([]byte, f.length)
			copy(payload, t.st.payload(t.pos, f.length))
			if t.q.cfg.compress {
				var err error
				if payload, err = snappy.Decode(nil, payload); err != nil {
					return Excerpt{}, false, errors.Wrapf(err, "decode record at %d in %s", t.pos, t.st.path)
				}
			}
			ex := Excerpt{
				Index:    t.q.cfg.rollCycle.ToIndex(t.cycle, t.ord),
				Cycle:    t.cycle,
				Position: t.pos,
				Payload:  payload,
			}
			t.pos += f.footprint()
			t.ord++
			return ex, true, nil
		case frameMeta, framePadding:
			t.pos += f.footprint()
		case frameEOF:
			next, ok, err := t.q.dir.nextCycle(t.cycle)
			if err != nil {
				return Excerpt{}, false, err
			}
			if !ok {
				return Excerpt{}, false, ErrEndOfStore
			}
			st, err := t.q.acquireStore(next, false)
			if err != nil {
				return Excerpt{}, false, err
			}
			t.attach(st, headerFootprint, 0)
		default:
			return Excerpt{}, false, errors.Wrapf(ErrRecoveryFailed, "%s: corrupt frame 0x%08x at %d", t.st.path, f.word, t.pos)
		}
	}
}

// Wait blocks until a record is published or ctx is done.
func (t *Tailer) Wait(ctx context.Context) (Excerpt, error) {
	for {
		ex, ok, err := t.Next()
		if err != nil && !errors.Is(err, ErrEndOfStore) {
			return Excerpt{}, err
		}
		if ok {
			return ex, nil
		}
		if !waitChange(t.q.dirWatcher(), ctx.Done()) {
			return Excerpt{}, ctx.Err()
		}
	}
}

// Commit persists the position of a named tailer.
func (t *Tailer) Commit() error {
	if t.ckpt == nil {
		return errors.New("anonymous tailers have no checkpoint")
	}
	if t.st == nil {
		return nil
	}
	return t.ckpt.update(t.cycle, t.ord)
}

func (t *Tailer) commitAt(cycle int, ordinal int64) error {
	if t.ckpt == nil {
		return nil
	}
	return t.ckpt.update(cycle, ordinal)
}

func (t *Tailer) Close() error {
	t.detach()
	if t.ckpt != nil {
		t.ckpt.syncDisk()
		err := t.ckpt.close()
		t.ckpt = nil
		return err
	}
	return nil
}
