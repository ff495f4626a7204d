package main

import (
	"errors"
	"fmt"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"reconnectd/bus"
	"reconnectd/eventloop"
)

var ErrNoBus = errors.New("no bus connection")

type State int

const (
	StateIdle State = iota
	StateConnecting
	StatePublishing
	StateNameRequesting
	StateWatchArming
	StateAttached
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StatePublishing:
		return "publishing"
	case StateNameRequesting:
		return "name-requesting"
	case StateWatchArming:
		return "watch-arming"
	case StateAttached:
		return "attached"
	}
	return "unknown"
}

// SetupError is a failed step of a setup cycle. It is never transient: a
// missing broker is absorbed by the handle and does not surface here.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// transport is the part of *bus.Handle the manager drives.
type transport interface {
	SetAddress(addr string) error
	SetBusClient(b bool) error
	NegotiateCreds(mask bus.CredsMask) error
	SetWatchBind(b bool) error
	SetConnectedSignal(b bool) error
	Start() error
	AddObject(path dbus.ObjectPath, iface string, table bus.PropertyTable) error
	RequestNameAsync(name string, flags dbus.RequestNameFlags, cb func(dbus.RequestNameReply, error)) error
	MatchLocalAsync(member string, cb func()) error
	Attach(l *eventloop.Loop) error
	Detach() error
	Close() error
	ReleaseName(name string) error
}

// Manager owns the current bus handle and rebuilds it from scratch every
// time the connection drops. It runs entirely on the event loop goroutine.
type Manager struct {
	cfg   Config
	loop  *eventloop.Loop
	props bus.PropertyTable
	log   *logrus.Entry

	newBus func(log *logrus.Entry) transport
	notify func(state string) error

	bus   transport
	state State
	gen   uint64
	ready bool
}

func NewManager(loop *eventloop.Loop, cfg Config, props bus.PropertyTable, log *logrus.Entry) *Manager {
	return &Manager{
		cfg:   cfg,
		loop:  loop,
		props: props,
		log:   log,
		newBus: func(log *logrus.Entry) transport {
			return bus.New(bus.WithLogger(log))
		},
		notify: func(state string) error {
			_, err := systemd.SdNotify(false, state)
			return err
		},
	}
}

func (m *Manager) State() State {
	return m.state
}

// Generation counts setup cycles; callbacks from older handles are ignored.
func (m *Manager) Generation() uint64 {
	return m.gen
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.log.WithFields(logrus.Fields{"generation": m.gen, "from": m.state, "to": s}).Debug("State change")
	m.state = s
}

type step struct {
	op string
	fn func() error
}

func (m *Manager) run(steps ...step) error {
	for _, s := range steps {
		entry := m.log.WithFields(logrus.Fields{"generation": m.gen, "op": s.op})
		if err := s.fn(); err != nil {
			entry.WithError(err).Error("Failed")
			return &SetupError{Op: s.op, Err: err}
		}
		entry.Info("Success")
	}
	return nil
}

// Setup tears down the current handle, if any, and builds a new one:
// configure and start it, publish the object, request the name, arm the
// disconnect match and attach to the loop. Nothing here waits for the broker.
func (m *Manager) Setup() error {
	if m.bus != nil {
		old := m.bus
		if err := m.run(
			step{"detach bus from event loop", old.Detach},
			step{"close bus", old.Close},
		); err != nil {
			return err
		}
		m.bus = nil
		m.setState(StateIdle)
	}

	m.gen++
	gen := m.gen
	m.setState(StateConnecting)
	b := m.newBus(m.log.WithField("generation", gen))
	m.bus = b
	if err := m.run(
		step{"set address " + m.cfg.Address, func() error { return b.SetAddress(m.cfg.Address) }},
		step{"set bus client", func() error { return b.SetBusClient(true) }},
		step{"negotiate credentials", func() error { return b.NegotiateCreds(m.cfg.Creds) }},
		step{"set watch bind", func() error { return b.SetWatchBind(true) }},
		step{"set connected signal", func() error { return b.SetConnectedSignal(true) }},
		step{"start bus", b.Start},
	); err != nil {
		return err
	}

	m.setState(StatePublishing)
	if err := m.run(step{"add object " + string(m.cfg.Path), func() error {
		return b.AddObject(m.cfg.Path, m.cfg.Interface, m.props)
	}}); err != nil {
		return err
	}

	m.setState(StateNameRequesting)
	if err := m.run(step{"request name " + m.cfg.BusName, func() error {
		return b.RequestNameAsync(m.cfg.BusName, m.cfg.NameFlags, func(reply dbus.RequestNameReply, err error) {
			m.onNameReply(gen, reply, err)
		})
	}}); err != nil {
		return err
	}

	m.setState(StateWatchArming)
	if err := m.run(
		step{"match " + bus.SignalDisconnected, func() error {
			return b.MatchLocalAsync(bus.SignalDisconnected, func() { m.onDisconnect(gen) })
		}},
		step{"match " + bus.SignalConnected, func() error {
			return b.MatchLocalAsync(bus.SignalConnected, func() { m.onConnected(gen) })
		}},
	); err != nil {
		return err
	}

	if err := m.run(step{"attach bus to event loop", func() error { return b.Attach(m.loop) }}); err != nil {
		return err
	}
	m.setState(StateAttached)
	return nil
}

func (m *Manager) onDisconnect(gen uint64) {
	if gen != m.gen {
		return
	}
	m.log.WithField("generation", gen).Warn("Disconnected from bus, reconnecting")
	if err := m.Setup(); err != nil {
		m.loop.Exit(err)
	}
}

func (m *Manager) onConnected(gen uint64) {
	if gen != m.gen {
		return
	}
	m.log.WithField("generation", gen).Info("Bus connection established")
	if m.ready {
		return
	}
	m.ready = true
	if err := m.notify(systemd.SdNotifyReady); err != nil {
		m.log.WithError(err).Warn("Failed to notify readiness")
	}
}

func (m *Manager) onNameReply(gen uint64, reply dbus.RequestNameReply, err error) {
	entry := m.log.WithFields(logrus.Fields{"generation": gen, "name": m.cfg.BusName})
	if err != nil {
		entry.WithError(err).Warn("Name request failed")
		return
	}
	switch reply {
	case dbus.RequestNameReplyPrimaryOwner:
		entry.Info("Acquired name")
	case dbus.RequestNameReplyAlreadyOwner:
		entry.Info("Already owner of name")
	case dbus.RequestNameReplyInQueue:
		entry.Warn("Queued for name")
	case dbus.RequestNameReplyExists:
		entry.Warn("Name is owned by another connection")
	default:
		entry.WithField("reply", uint32(reply)).Warn("Unexpected name request reply")
	}
}

// Shutdown tells the service manager we are stopping and releases the name.
// Both are best effort; the returned error is for reporting only.
func (m *Manager) Shutdown() error {
	if err := m.notify(systemd.SdNotifyStopping); err != nil {
		m.log.WithError(err).Warn("Failed to notify stopping")
	}
	if m.bus == nil {
		return ErrNoBus
	}
	return m.bus.ReleaseName(m.cfg.BusName)
}

// Close detaches and closes the current handle. Safe to call more than once.
func (m *Manager) Close() error {
	if m.bus == nil {
		return nil
	}
	b := m.bus
	m.bus = nil
	m.setState(StateIdle)
	derr := b.Detach()
	if derr != nil && errors.Is(derr, bus.ErrClosed) {
		return nil
	}
	return errors.Join(derr, b.Close())
}
