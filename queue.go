package chronicle

import (
	"fmt"
	"github.com/995933447/confloader"
	"github.com/pkg/errors"
	"sync"
	"time"
)

// Queue is a directory of cycle stores shared by any number of appenders and
// tailers, in this process and others. It caches mapped stores, runs the
// periodic msync and stalled write recovery, and is safe for concurrent use.
type Queue struct {
	cfg *settings
	dir *cycleDirectory

	opCfgMu      sync.RWMutex
	opStoresMu   sync.Mutex
	stores       map[int]*store
	opHandlesMu  sync.Mutex
	handles      map[*WriteHandle]struct{}
	subscribers  map[*Subscriber]struct{}
	opWatcherMu  sync.Mutex
	watcher      *dirWatcher
	opNewestMu   sync.Mutex
	newest       int
	newestKnown  bool
	createdCh    chan struct{}
	opStatusMu   sync.RWMutex
	status       runState
	exitSignCh   chan struct{}
	cfgChangedCh chan struct{}
	loopDoneCh   chan struct{}
}

// Open opens or creates the queue in cfg.BaseDir.
func Open(cfg Cfg) (*Queue, error) {
	s, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	if !s.readOnly {
		if err = mkdirIfNotExist(s.baseDir); err != nil {
			return nil, err
		}
	}

	q := &Queue{
		cfg:          s,
		dir:          &cycleDirectory{baseDir: s.baseDir, rc: s.rollCycle},
		stores:       map[int]*store{},
		handles:      map[*WriteHandle]struct{}{},
		subscribers:  map[*Subscriber]struct{}{},
		status:       runStateRunning,
		exitSignCh:   make(chan struct{}),
		cfgChangedCh: make(chan struct{}, 1),
		loopDoneCh:   make(chan struct{}),
	}

	go func() {
		q.loop()
	}()

	Logger.Debug(nil, fmt.Sprintf("opened queue %s with %s", s.baseDir, s.rollCycle))

	return q, nil
}

// OpenFile loads the configuration from cfgFilePath and opens the queue.
// With watch_cfg set the timeout and the maintenance intervals follow later
// edits of the file.
func OpenFile(cfgFilePath string) (*Queue, error) {
	cfg := DefaultCfg("")
	cfgLoader := confloader.NewLoader(cfgFilePath, refreshCfgInterval, &cfg)
	if err := cfgLoader.Load(); err != nil {
		return nil, errors.Wrapf(err, "load %s", cfgFilePath)
	}

	q, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.WatchCfg {
		go func() {
			watchQueueCfg(q, &cfg, cfgLoader)
		}()
	}

	return q, nil
}

func watchQueueCfg(q *Queue, cfg *Cfg, cfgLoader *confloader.Loader) {
	refreshCfgErr := make(chan error)
	go func() {
		refreshCfgTk := time.NewTicker(refreshCfgInterval + time.Second)
		defer refreshCfgTk.Stop()
		for {
			select {
			case err := <-refreshCfgErr:
				Logger.Debug(nil, err)
			case <-q.exitSignCh:
				return
			case <-refreshCfgTk.C:
				q.applyCfg(cfg)
			}
		}
	}()
	cfgLoader.WatchToLoad(refreshCfgErr)
}

// applyCfg takes over the settings that may change while the queue is open.
func (q *Queue) applyCfg(cfg *Cfg) {
	if cfg.TimeoutMs < 0 || cfg.SyncIntervalMs < 0 || cfg.CheckIntervalMs < 0 {
		Logger.Debug(nil, "ignored negative durations in reloaded config")
		return
	}

	q.opCfgMu.Lock()
	changed := q.cfg.syncInterval != time.Duration(cfg.SyncIntervalMs)*time.Millisecond ||
		q.cfg.checkInterval != time.Duration(cfg.CheckIntervalMs)*time.Millisecond
	if cfg.TimeoutMs > 0 {
		q.cfg.timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	q.cfg.syncInterval = time.Duration(cfg.SyncIntervalMs) * time.Millisecond
	q.cfg.checkInterval = time.Duration(cfg.CheckIntervalMs) * time.Millisecond
	q.opCfgMu.Unlock()

	if changed {
		select {
		case q.cfgChangedCh <- struct{}{}:
		default:
		}
	}
}

func (q *Queue) timeout() time.Duration {
	q.opCfgMu.RLock()
	defer q.opCfgMu.RUnlock()
	return q.cfg.timeout
}

func (q *Queue) intervals() (time.Duration, time.Duration) {
	q.opCfgMu.RLock()
	defer q.opCfgMu.RUnlock()
	return q.cfg.syncInterval, q.cfg.checkInterval
}

func (q *Queue) RollCycle() RollCycle {
	return q.cfg.rollCycle
}

func (q *Queue) BaseDir() string {
	return q.cfg.baseDir
}

func newTicker(interval time.Duration) *time.Ticker {
	if interval <= 0 {
		return nil
	}
	return time.NewTicker(interval)
}

func tickerC(tk *time.Ticker) <-chan time.Time {
	if tk == nil {
		return nil
	}
	return tk.C
}

func stopTicker(tk *time.Ticker) {
	if tk != nil {
		tk.Stop()
	}
}

func (q *Queue) loop() {
	defer close(q.loopDoneCh)

	syncInterval, checkInterval := q.intervals()
	syncDiskTk := newTicker(syncInterval)
	checkStalledTk := newTicker(checkInterval)
	defer func() {
		stopTicker(syncDiskTk)
		stopTicker(checkStalledTk)
	}()

	for {
		select {
		case <-q.exitSignCh:
			return
		case <-q.cfgChangedCh:
			stopTicker(syncDiskTk)
			stopTicker(checkStalledTk)
			syncInterval, checkInterval = q.intervals()
			syncDiskTk = newTicker(syncInterval)
			checkStalledTk = newTicker(checkInterval)
		case <-tickerC(syncDiskTk):
			if q.IsStopped() {
				break
			}
			if err := q.Sync(); err != nil {
				Logger.Warn(nil, err)
			}
		case <-tickerC(checkStalledTk):
			if q.IsStopped() {
				break
			}
			if _, err := q.Recover(); err != nil {
				Logger.Error(nil, err)
			}
		}
	}
}

// Stop pauses the maintenance loop. Appenders and tailers keep working.
func (q *Queue) Stop() {
	q.opStatusMu.Lock()
	defer q.opStatusMu.Unlock()
	if q.status == runStateRunning {
		q.status = runStateStopped
	}
}

// Resume restarts the maintenance loop after Stop.
func (q *Queue) Resume() error {
	q.opStatusMu.Lock()
	defer q.opStatusMu.Unlock()
	switch q.status {
	case runStateExiting, runStateExited:
		return ErrQueueClosed
	}
	q.status = runStateRunning
	return nil
}

func (q *Queue) IsStopped() bool {
	q.opStatusMu.RLock()
	defer q.opStatusMu.RUnlock()
	return q.status == runStateStopped
}

func (q *Queue) IsExited() bool {
	q.opStatusMu.RLock()
	defer q.opStatusMu.RUnlock()
	return q.status == runStateExiting || q.status == runStateExited
}

// acquireStore returns the mapped store of cycle, opening it on first use.
// create allows a missing store to be created. Read-write queues repair a
// store when they map it, without waiting on records still in flight. Only
// acquirers of the same cycle wait for that repair.
func (q *Queue) acquireStore(cycle int, create bool) (*store, error) {
	q.opStoresMu.Lock()

	if q.IsExited() {
		q.opStoresMu.Unlock()
		return nil, ErrQueueClosed
	}

	if s, ok := q.stores[cycle]; ok {
		s.refs++
		q.opStoresMu.Unlock()
		<-s.mappedCh
		if s.mapErr != nil {
			q.releaseStore(s)
			return nil, s.mapErr
		}
		return s, nil
	}

	var (
		s   *store
		err error
	)
	path := q.dir.path(cycle)
	if create && !q.cfg.readOnly && !q.dir.exists(cycle) {
		s, err = createStore(path, cycle, q.cfg.rollCycle, q.cfg.blockSize)
		if err == nil {
			q.noteCycle(cycle)
		}
	} else {
		s, err = openStore(path, cycle, q.cfg.rollCycle, q.cfg.readOnly)
	}
	if err != nil {
		q.opStoresMu.Unlock()
		return nil, err
	}

	s.refs = 1
	q.stores[cycle] = s
	q.opStoresMu.Unlock()

	if !q.cfg.readOnly {
		if _, err = s.recover(0, false); err != nil {
			s.mapErr = err
		} else {
			q.cfg.faults.collect(s)
		}
	}
	close(s.mappedCh)

	if s.mapErr != nil {
		q.releaseStore(s)
		return nil, s.mapErr
	}

	return s, nil
}

func (q *Queue) releaseStore(s *store) {
	q.opStoresMu.Lock()
	defer q.opStoresMu.Unlock()

	s.refs--
	if s.refs > 0 {
		return
	}
	if cached, ok := q.stores[s.cycle]; ok && cached == s {
		delete(q.stores, s.cycle)
	}
	if err := s.syncDisk(); err != nil {
		Logger.Warn(nil, err)
	}
	if err := s.close(); err != nil {
		Logger.Warn(nil, err)
	}
}

// retainStores pins every mapped store for the duration of fn.
func (q *Queue) retainStores(fn func(s *store) error) error {
	q.opStoresMu.Lock()
	stores := make([]*store, 0, len(q.stores))
	for _, s := range q.stores {
		s.refs++
		stores = append(stores, s)
	}
	q.opStoresMu.Unlock()

	var firstErr error
	for _, s := range stores {
		if err := fn(s); err != nil && firstErr == nil {
			firstErr = err
		}
		q.releaseStore(s)
	}
	return firstErr
}

// Sync flushes every mapped store to disk.
func (q *Queue) Sync() error {
	return q.retainStores(func(s *store) error {
		return s.syncDisk()
	})
}

// Recover runs recovery over every mapped store, settling records whose
// writers stalled for longer than the timeout.
func (q *Queue) Recover() ([]RecoveryReport, error) {
	if q.cfg.readOnly {
		return nil, ErrReadOnly
	}
	var reports []RecoveryReport
	err := q.retainStores(func(s *store) error {
		report, err := s.recover(q.timeout(), true)
		reports = append(reports, report)
		return err
	})
	return reports, err
}

func (q *Queue) trackHandle(h *WriteHandle) {
	q.opHandlesMu.Lock()
	defer q.opHandlesMu.Unlock()
	q.handles[h] = struct{}{}
}

func (q *Queue) untrackHandle(h *WriteHandle) {
	q.opHandlesMu.Lock()
	defer q.opHandlesMu.Unlock()
	delete(q.handles, h)
}

func (q *Queue) trackSubscriber(s *Subscriber) {
	q.opHandlesMu.Lock()
	defer q.opHandlesMu.Unlock()
	q.subscribers[s] = struct{}{}
}

func (q *Queue) untrackSubscriber(s *Subscriber) {
	q.opHandlesMu.Lock()
	defer q.opHandlesMu.Unlock()
	delete(q.subscribers, s)
}

// dirWatcher is created on first use and shared by every waiting tailer.
func (q *Queue) dirWatcher() *dirWatcher {
	q.opWatcherMu.Lock()
	defer q.opWatcherMu.Unlock()
	if q.watcher != nil {
		return q.watcher
	}
	w, err := newDirWatcher(q.cfg.baseDir)
	if err != nil {
		Logger.Debug(nil, err)
		return nil
	}
	q.watcher = w
	return w
}

// newestCycle is the latest cycle in the directory. The answer is cached
// until the directory watcher reports a new file; without a watcher every
// call lists the directory.
func (q *Queue) newestCycle() (int, bool, error) {
	q.opNewestMu.Lock()
	defer q.opNewestMu.Unlock()

	if q.createdCh == nil {
		if w := q.dirWatcher(); w != nil {
			q.createdCh = w.subscribeCreate()
			q.newestKnown = false
		}
	}
	if q.createdCh == nil {
		q.newestKnown = false
	} else {
		select {
		case <-q.createdCh:
			q.newestKnown = false
		default:
		}
	}

	if !q.newestKnown {
		cycle, ok, err := q.dir.lastCycle()
		if err != nil || !ok {
			return 0, false, err
		}
		q.newest, q.newestKnown = cycle, true
	}

	return q.newest, true, nil
}

func (q *Queue) noteCycle(cycle int) {
	q.opNewestMu.Lock()
	defer q.opNewestMu.Unlock()
	if q.newestKnown && cycle > q.newest {
		q.newest = cycle
	}
}

// Close stops the maintenance loop, rolls back every write still open,
// flushes and unmaps the stores. Appenders and tailers of the queue fail with
// ErrQueueClosed afterwards.
func (q *Queue) Close() error {
	q.opStatusMu.Lock()
	if q.status == runStateExiting || q.status == runStateExited {
		q.opStatusMu.Unlock()
		return nil
	}
	q.status = runStateExiting
	q.opStatusMu.Unlock()

	close(q.exitSignCh)
	<-q.loopDoneCh

	q.opHandlesMu.Lock()
	subscribers := make([]*Subscriber, 0, len(q.subscribers))
	for s := range q.subscribers {
		subscribers = append(subscribers, s)
	}
	q.opHandlesMu.Unlock()
	for _, s := range subscribers {
		s.Close()
	}

	q.opHandlesMu.Lock()
	handles := make([]*WriteHandle, 0, len(q.handles))
	for h := range q.handles {
		handles = append(handles, h)
	}
	q.opHandlesMu.Unlock()
	for _, h := range handles {
		Logger.Warn(nil, fmt.Sprintf("rolling back write left open at index %d", h.Index()))
		_ = h.Rollback()
	}

	q.opWatcherMu.Lock()
	if q.watcher != nil {
		q.watcher.close()
		q.watcher = nil
	}
	q.opWatcherMu.Unlock()

	q.opStoresMu.Lock()
	mapping := make([]*store, 0, len(q.stores))
	for _, s := range q.stores {
		mapping = append(mapping, s)
	}
	q.opStoresMu.Unlock()
	for _, s := range mapping {
		<-s.mappedCh
	}

	var firstErr error
	q.opStoresMu.Lock()
	for cycle, s := range q.stores {
		if err := s.syncDisk(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(q.stores, cycle)
	}
	q.opStoresMu.Unlock()

	q.opStatusMu.Lock()
	q.status = runStateExited
	q.opStatusMu.Unlock()

	Logger.Debug(nil, "closed queue "+q.cfg.baseDir)

	return firstErr
}
