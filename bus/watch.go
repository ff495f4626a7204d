package bus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// bind and listen on the broker side are not atomic, so a create event can
// still be followed by ECONNREFUSED. Recheck periodically in that case.
const socketRecheckInterval = 5 * time.Second

// socketWatch waits for a unix socket path to (re)appear. It watches the
// nearest existing ancestor directory so that missing parent directories are
// handled as well.
type socketWatch struct {
	w    *fsnotify.Watcher
	path string
	dir  string
}

func newSocketWatch(path string) (*socketWatch, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s := &socketWatch{w: w, path: filepath.Clean(path)}
	if err := s.rewatch(); err != nil {
		w.Close()
		return nil, err
	}
	return s, nil
}

func (s *socketWatch) rewatch() error {
	dir := nearestDir(filepath.Dir(s.path))
	if dir == s.dir {
		return nil
	}
	if s.dir != "" {
		_ = s.w.Remove(s.dir)
	}
	if err := s.w.Add(dir); err != nil {
		return err
	}
	s.dir = dir
	return nil
}

// Wait blocks until something relevant to the socket path changes, the
// recheck interval elapses, or ctx is done.
func (s *socketWatch) Wait(ctx context.Context) error {
	t := time.NewTimer(socketRecheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return s.rewatch()
		case ev, ok := <-s.w.Events:
			if !ok {
				return errors.New("bus: socket watch closed")
			}
			if s.relevant(ev) {
				return s.rewatch()
			}
		case err, ok := <-s.w.Errors:
			if !ok {
				return errors.New("bus: socket watch closed")
			}
			return err
		}
	}
}

func (s *socketWatch) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Chmod) {
		return false
	}
	name := filepath.Clean(ev.Name)
	return name == s.path || strings.HasPrefix(s.path, name+string(filepath.Separator))
}

func (s *socketWatch) Close() error {
	return s.w.Close()
}

func nearestDir(dir string) string {
	for {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

// unavailable reports whether a dial error means the broker is not there yet.
func unavailable(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ECONNREFUSED)
}
