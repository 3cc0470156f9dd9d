package queue

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Signal file names under the signals directory.
const (
	SignalPause  = "pause"
	SignalResume = "resume"
	SignalKill   = "kill"
)

// Controller is what signal files act on.
type Controller interface {
	Pause()
	Resume()
	Stop()
}

// SignalWatcher maps files dropped into a directory onto scheduler
// controls: pause pauses, removing pause or creating resume resumes, and
// kill stops.
type SignalWatcher struct {
	dir     string
	ctl     Controller
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// SignalsDir returns the signals directory under a state directory.
func SignalsDir(stateDir string) string {
	return filepath.Join(stateDir, "signals")
}

// NewSignalWatcher creates the directory, applies signals already present
// and starts watching. Without fsnotify support it still applies the
// initial state and Sync can be polled.
func NewSignalWatcher(dir string, ctl Controller) (*SignalWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	sw := &SignalWatcher{dir: dir, ctl: ctl, done: make(chan struct{})}
	sw.Sync()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[queue] signal watcher unavailable: %v", err)
		return sw, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		log.Printf("[queue] cannot watch %s: %v", dir, err)
		return sw, nil
	}
	sw.watcher = watcher
	go sw.watch()
	return sw, nil
}

func (sw *SignalWatcher) watch() {
	for {
		select {
		case <-sw.done:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			sw.handle(event)
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[queue] signal watcher error: %v", err)
		}
	}
}

func (sw *SignalWatcher) handle(event fsnotify.Event) {
	created := event.Op&(fsnotify.Create|fsnotify.Write) != 0
	removed := event.Op&(fsnotify.Remove|fsnotify.Rename) != 0

	switch filepath.Base(event.Name) {
	case SignalKill:
		if created {
			sw.ctl.Stop()
		}
	case SignalPause:
		if created {
			sw.ctl.Pause()
		} else if removed {
			sw.ctl.Resume()
		}
	case SignalResume:
		if created {
			os.Remove(filepath.Join(sw.dir, SignalPause))
			os.Remove(filepath.Join(sw.dir, SignalResume))
			sw.ctl.Resume()
		}
	}
}

// Sync applies the current signal files directly.
func (sw *SignalWatcher) Sync() {
	if sw.exists(SignalKill) {
		sw.ctl.Stop()
		return
	}
	if sw.exists(SignalPause) {
		sw.ctl.Pause()
	} else {
		sw.ctl.Resume()
	}
}

func (sw *SignalWatcher) exists(name string) bool {
	_, err := os.Stat(filepath.Join(sw.dir, name))
	return err == nil
}

// Close stops watching.
func (sw *SignalWatcher) Close() {
	sw.once.Do(func() {
		close(sw.done)
		if sw.watcher != nil {
			sw.watcher.Close()
		}
	})
}

// Send writes a signal file into dir.
func Send(dir, signal string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, signal), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// ClearSignals removes every signal file from dir.
func ClearSignals(dir string) {
	for _, name := range []string{SignalPause, SignalResume, SignalKill} {
		os.Remove(filepath.Join(dir, name))
	}
}
