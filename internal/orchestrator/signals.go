package orchestrator

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Signal names a control file dropped into a signal directory.
type Signal string

const (
	// SignalPause holds new dispatches.
	SignalPause Signal = "pause"
	// SignalResume releases a pause.
	SignalResume Signal = "resume"
	// SignalStop ends the run after in-flight nodes finish.
	SignalStop Signal = "stop"
)

// Valid returns true if s is a known signal.
func (s Signal) Valid() bool {
	switch s {
	case SignalPause, SignalResume, SignalStop:
		return true
	default:
		return false
	}
}

// SignalDir returns the signal directory under a project directory.
func SignalDir(projectDir string) string {
	return filepath.Join(projectDir, ".conductor", "signals")
}

// SendSignal drops a control file for s into dir.
func SendSignal(dir string, s Signal) error {
	if !s.Valid() {
		return fmt.Errorf("unknown signal %q", s)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signal directory: %w", err)
	}
	path := filepath.Join(dir, string(s))
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// SignalWatcher turns control files in a directory into PauseController
// calls. Each file is removed once applied.
type SignalWatcher struct {
	dir       string
	pauseCtrl *PauseController
	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSignalWatcher starts watching dir, creating it if needed. Signal
// files left over from earlier runs are removed first.
func NewSignalWatcher(dir string, pc *PauseController) (*SignalWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signal directory: %w", err)
	}
	for _, s := range []Signal{SignalPause, SignalResume, SignalStop} {
		os.Remove(filepath.Join(dir, string(s)))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &SignalWatcher{
		dir:       dir,
		pauseCtrl: pc,
		watcher:   watcher,
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.watch()
	return w, nil
}

// Dir returns the watched directory.
func (w *SignalWatcher) Dir() string {
	return w.dir
}

func (w *SignalWatcher) watch() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.apply(Signal(filepath.Base(event.Name)), event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[signals] watcher error: %v", err)
		}
	}
}

func (w *SignalWatcher) apply(s Signal, path string) {
	switch s {
	case SignalPause:
		w.pauseCtrl.Pause()
	case SignalResume:
		w.pauseCtrl.Resume()
	case SignalStop:
		w.pauseCtrl.Stop()
	default:
		return
	}
	debugLog("[signals] applied %s", s)
	os.Remove(path)
}

// Close stops watching. It is safe to call more than once.
func (w *SignalWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
