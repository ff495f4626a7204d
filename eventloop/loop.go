// Package eventloop implements a single-threaded cooperative event loop.
// Callbacks posted from any goroutine run one at a time on the goroutine
// that called Run, in the order they were posted.
package eventloop

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("eventloop: closed")

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	signals chan os.Signal
	sources int
	exit    bool
	exitErr error
	closed  bool
	log     *logrus.Entry
}

type Option func(*Loop)

func WithLogger(log *logrus.Entry) Option {
	return func(l *Loop) { l.log = log }
}

func New(opts ...Option) *Loop {
	l := &Loop{
		wake:    make(chan struct{}, 1),
		signals: make(chan os.Signal, 4),
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Source keeps the loop alive while it is registered.
type Source struct {
	loop *Loop
	name string
	once sync.Once
	stop func()
}

func (s *Source) Name() string {
	return s.name
}

// Remove unregisters the source. Safe to call more than once.
func (s *Source) Remove() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.loop.mu.Lock()
		s.loop.sources--
		s.loop.mu.Unlock()
		s.loop.notify()
	})
}

func (l *Loop) AddSource(name string) *Source {
	l.mu.Lock()
	l.sources++
	l.mu.Unlock()
	return &Source{loop: l, name: name}
}

// AddSignal registers sig as a termination trigger: its arrival makes Run
// return nil.
func (l *Loop) AddSignal(sig os.Signal) (*Source, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.sources++
	l.mu.Unlock()
	signal.Notify(l.signals, sig)
	return &Source{
		loop: l,
		name: "signal " + sig.String(),
		stop: func() { signal.Reset(sig) },
	}, nil
}

// Post queues fn for execution on the loop goroutine.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.notify()
	return nil
}

// Exit makes Run return err once the current callback completes.
func (l *Loop) Exit(err error) {
	l.mu.Lock()
	if !l.exit {
		l.exit = true
		l.exitErr = err
	}
	l.mu.Unlock()
	l.notify()
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return ErrClosed
		}
		if l.exit {
			err := l.exitErr
			l.exit, l.exitErr = false, nil
			l.mu.Unlock()
			return err
		}
		if len(l.queue) > 0 {
			select {
			case sig := <-l.signals:
				l.mu.Unlock()
				l.log.WithField("signal", sig.String()).Info("Received termination signal")
				return nil
			default:
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			fn()
			continue
		}
		if l.sources == 0 {
			l.mu.Unlock()
			l.log.Debug("No event sources left, leaving loop")
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-l.signals:
			l.log.WithField("signal", sig.String()).Info("Received termination signal")
			return nil
		case <-l.wake:
		}
	}
}

// Close stops signal delivery and drops pending callbacks.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.queue = nil
	signal.Stop(l.signals)
	return nil
}
