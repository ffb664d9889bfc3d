package chronicle

import (
	"github.com/grailbio/base/retry"
	"github.com/pkg/errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	subscriberMaxConcurrentForward = 16
	subscriberBatchMaxBytes        = 2 * 1024 * 1024
	subscriberBatchMaxItems        = 512
	subscriberRetryBaseDelay       = 50 * time.Millisecond
	subscriberRetryMaxDelay        = 5 * time.Second
)

// ForwardFunc delivers a batch of records. A non-nil error schedules the
// batch for another attempt.
type ForwardFunc func(batch []Excerpt) error

type forwardBatch struct {
	seq       uint64
	items     []Excerpt
	cycle     int
	ordinal   int64 // position after the batch
	attempts  int
	retryAt   time.Time
	confirmed bool
}

// Subscriber pushes the records of a queue to a ForwardFunc from a pool of
// workers. It reads through a named tailer and commits the tailer only past
// batches that were delivered along with every batch before them, so a
// restarted subscriber redelivers whatever was in flight: delivery is at
// least once.
type Subscriber struct {
	q                    *Queue
	tailer               *Tailer
	forwarder            ForwardFunc
	maxConcurrentForward int
	retryPolicy          retry.Policy

	forwardCh   chan *forwardBatch // batches to workers
	confirmCh   chan *forwardBatch // delivered batches
	retryCh     chan *forwardBatch // failed batches
	exitSignCh  chan struct{}
	schedDoneCh chan struct{}
	workers     sync.WaitGroup
	closeOnce   sync.Once

	committed int64

	// owned by the sched goroutine
	nextSeq       uint64
	nextCommitSeq uint64
	inflight      map[uint64]*forwardBatch
	retries       *retryBatchQueue
}

// Subscribe starts forwarding the records of the queue to forwarder, resuming
// after the last batch the subscriber called name committed.
func (q *Queue) Subscribe(name string, forwarder ForwardFunc) (*Subscriber, error) {
	if forwarder == nil {
		return nil, errors.New("forwarder is nil")
	}

	tailer, err := q.CreateNamedTailer(name)
	if err != nil {
		return nil, err
	}

	s := &Subscriber{
		q:                    q,
		tailer:               tailer,
		forwarder:            forwarder,
		maxConcurrentForward: int(q.cfg.maxConcurrentForward),
		retryPolicy:          retry.Backoff(subscriberRetryBaseDelay, subscriberRetryMaxDelay, 2),
		forwardCh:            make(chan *forwardBatch),
		confirmCh:            make(chan *forwardBatch),
		retryCh:              make(chan *forwardBatch),
		exitSignCh:           make(chan struct{}),
		schedDoneCh:          make(chan struct{}),
		committed:            tailer.Index(),
		inflight:             map[uint64]*forwardBatch{},
		retries:              newRetryBatchQueue(),
	}

	s.createForwardWorkerPool()

	go func() {
		s.sched()
	}()

	q.trackSubscriber(s)

	return s, nil
}

// Committed is the index the subscriber resumes from after a restart.
func (s *Subscriber) Committed() int64 {
	return atomic.LoadInt64(&s.committed)
}

func (s *Subscriber) createForwardWorkerPool() {
	for i := 0; i < s.maxConcurrentForward; i++ {
		s.runForwardWorker()
	}
}

func (s *Subscriber) runForwardWorker() {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		for {
			select {
			case <-s.exitSignCh:
				return
			case b := <-s.forwardCh:
				reportCh := s.confirmCh
				if err := s.forwarder(b.items); err != nil {
					Logger.Debug(nil, err)
					reportCh = s.retryCh
				}
				select {
				case reportCh <- b:
				case <-s.exitSignCh:
					return
				}
			}
		}
	}()
}

func (s *Subscriber) sched() {
	defer close(s.schedDoneCh)

	var changedCh chan struct{}
	if w := s.q.dirWatcher(); w != nil {
		changedCh = w.subscribe()
		defer w.unsubscribe(changedCh)
	}

	pollTk := time.NewTicker(tailerPollInterval)
	defer pollTk.Stop()
	retryTk := time.NewTicker(subscriberRetryBaseDelay)
	defer retryTk.Stop()

	var (
		outbound  []*forwardBatch
		out       *forwardBatch
		forwardCh chan *forwardBatch
	)
	for {
		if out == nil && len(outbound) > 0 {
			out, outbound = outbound[0], outbound[1:]
		}

		if out == nil && len(s.inflight) < 2*s.maxConcurrentForward {
			b, err := s.readBatch()
			if err != nil && !errors.Is(err, ErrQueueClosed) {
				Logger.Error(nil, err)
			}
			out = b
		}

		forwardCh = nil
		if out != nil {
			forwardCh = s.forwardCh
		}

		select {
		case <-s.exitSignCh:
			return
		case forwardCh <- out:
			out = nil
		case b := <-s.confirmCh:
			s.confirm(b)
		case b := <-s.retryCh:
			b.retryAt = time.Now().Add(s.retryDelay(b.attempts))
			b.attempts++
			s.retries.pushRetry(b)
		case <-retryTk.C:
			now := time.Now()
			for b := s.retries.popRetry(now); b != nil; b = s.retries.popRetry(now) {
				outbound = append(outbound, b)
			}
		case <-changedCh:
		case <-pollTk.C:
		}
	}
}

// retryDelay is the wait after a failed forward; attempts counts the earlier
// failures of the same batch.
func (s *Subscriber) retryDelay(attempts int) time.Duration {
	_, delay := s.retryPolicy.Retry(attempts)
	if delay <= 0 || delay > subscriberRetryMaxDelay {
		return subscriberRetryMaxDelay
	}
	return delay
}

func (s *Subscriber) readBatch() (*forwardBatch, error) {
	var (
		items      []Excerpt
		totalBytes int
	)
	for len(items) < subscriberBatchMaxItems && totalBytes < subscriberBatchMaxBytes {
		ex, ok, err := s.tailer.Next()
		if err != nil {
			if errors.Is(err, ErrEndOfStore) {
				break
			}
			return nil, err
		}
		if !ok {
			break
		}
		items = append(items, ex)
		totalBytes += len(ex.Payload)
	}

	if len(items) == 0 {
		return nil, nil
	}

	b := &forwardBatch{
		seq:     s.nextSeq,
		items:   items,
		cycle:   s.tailer.cycle,
		ordinal: s.tailer.ord,
	}
	s.nextSeq++
	s.inflight[b.seq] = b

	return b, nil
}

// confirm commits the tailer past every batch delivered without a gap.
func (s *Subscriber) confirm(b *forwardBatch) {
	b.confirmed = true

	var last *forwardBatch
	for {
		next, ok := s.inflight[s.nextCommitSeq]
		if !ok || !next.confirmed {
			break
		}
		delete(s.inflight, s.nextCommitSeq)
		s.nextCommitSeq++
		last = next
	}
	if last == nil {
		return
	}

	if err := s.tailer.commitAt(last.cycle, last.ordinal); err != nil {
		Logger.Error(nil, err)
		return
	}
	atomic.StoreInt64(&s.committed, s.q.cfg.rollCycle.ToIndex(last.cycle, last.ordinal))
}

// Close stops forwarding and waits for forwards in progress. Batches not
// yet confirmed are delivered again by the next subscriber of the same name.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.exitSignCh)
		<-s.schedDoneCh
		s.workers.Wait()
		if err := s.tailer.Close(); err != nil {
			Logger.Warn(nil, err)
		}
		s.q.untrackSubscriber(s)
	})
}
