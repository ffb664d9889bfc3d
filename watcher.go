package chronicle

import (
	"github.com/fsnotify/fsnotify"
	"sync"
	"time"
)

// Records land in mapped memory, which raises no file events; only new cycle
// files do. Waiters therefore also poll.
const tailerPollInterval = 5 * time.Millisecond

// dirWatcher fans fsnotify events of a queue directory out to waiters.
type dirWatcher struct {
	fileWatcher *fsnotify.Watcher
	opSubsMu    sync.Mutex
	subs        map[chan struct{}]bool // true: only file creation
	exitSignCh  chan struct{}
	closeOnce   sync.Once
}

func newDirWatcher(dir string) (*dirWatcher, error) {
	fileWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err = fileWatcher.Add(dir); err != nil {
		_ = fileWatcher.Close()
		return nil, err
	}

	w := &dirWatcher{
		fileWatcher: fileWatcher,
		subs:        map[chan struct{}]bool{},
		exitSignCh:  make(chan struct{}),
	}

	go func() {
		w.loop()
	}()

	return w, nil
}

func (w *dirWatcher) loop() {
	for {
		select {
		case <-w.exitSignCh:
			return
		case event, ok := <-w.fileWatcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Chmod) {
				break
			}
			Logger.Debug(nil, "watched dir changed: "+event.String())
			w.broadcast(event.Has(fsnotify.Create) || event.Has(fsnotify.Rename))
		case err, ok := <-w.fileWatcher.Errors:
			if !ok {
				return
			}
			Logger.Debug(nil, err)
		}
	}
}

func (w *dirWatcher) subscribe() chan struct{} {
	return w.add(false)
}

// subscribeCreate notifies only when a file appears in the directory.
func (w *dirWatcher) subscribeCreate() chan struct{} {
	return w.add(true)
}

func (w *dirWatcher) add(createOnly bool) chan struct{} {
	ch := make(chan struct{}, 1)
	w.opSubsMu.Lock()
	defer w.opSubsMu.Unlock()
	w.subs[ch] = createOnly
	return ch
}

func (w *dirWatcher) unsubscribe(ch chan struct{}) {
	w.opSubsMu.Lock()
	defer w.opSubsMu.Unlock()
	delete(w.subs, ch)
}

func (w *dirWatcher) broadcast(created bool) {
	w.opSubsMu.Lock()
	defer w.opSubsMu.Unlock()
	for ch, createOnly := range w.subs {
		if createOnly && !created {
			continue
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (w *dirWatcher) close() {
	w.closeOnce.Do(func() {
		close(w.exitSignCh)
		if err := w.fileWatcher.Close(); err != nil {
			Logger.Debug(nil, err)
		}
	})
}

// waitChange blocks until the directory changes, the poll interval passes or
// done is closed. It reports false only for done.
func waitChange(w *dirWatcher, done <-chan struct{}) bool {
	var changedCh chan struct{}
	if w != nil {
		changedCh = w.subscribe()
		defer w.unsubscribe(changedCh)
	}

	pollTm := time.NewTimer(tailerPollInterval)
	defer pollTm.Stop()

	select {
	case <-done:
		return false
	case <-changedCh:
	case <-pollTm.C:
	}
	return true
}
