package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/edgewire/tunnelclient/internal/logging"
)

// WatchSecretFile logs a warning if path changes underneath the running
// process. It does not reload the secret — a hot-reload stub in the
// teacher's conservative spirit (SPEC_FULL.md §2.3), matched to spec.md
// §9's stance that credential/TLS material is boot/glue's job, not the
// core's. The returned stop func closes the watcher; callers should defer
// it.
func WatchSecretFile(path string, log logging.Logger) (stop func(), err error) {
	if path == "" {
		return func() {}, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.WLogf("tunnel secret file %s changed on disk; restart to pick up the new value", path)
				}
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WLogf("tunnel secret file watcher: %s", werr)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		w.Close()
	}, nil
}
