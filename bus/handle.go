package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"reconnectd/eventloop"
)

// Handle is one connection session to a message bus. Configuration setters
// are only valid before Start. All callbacks registered on the handle run on
// the event loop it is attached to; events that happen while detached are
// held until the next Attach.
//
// A Handle must be detached before it is closed, and is never reused after
// Close.
type Handle struct {
	mu sync.Mutex

	addr            Address
	busClient       bool
	creds           CredsMask
	watchBind       bool
	connectedSignal bool

	state   State
	started bool
	lost    bool
	closed  bool
	conn    *dbus.Conn

	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group

	objects []*object
	names   []*nameRequest
	matches map[string][]func()

	loop    *eventloop.Loop
	source  *eventloop.Source
	epoch   uint64
	backlog []func()

	log  *logrus.Entry
	dial func(ctx context.Context, addr Address, busClient bool) (*dbus.Conn, error)
}

type nameRequest struct {
	name  string
	flags dbus.RequestNameFlags
	cb    func(dbus.RequestNameReply, error)
}

type Option func(*Handle)

func WithLogger(log *logrus.Entry) Option {
	return func(h *Handle) { h.log = log }
}

func New(opts ...Option) *Handle {
	addr, _ := ParseAddress(DefaultSystemBusAddress)
	h := &Handle{
		addr:    addr,
		matches: make(map[string][]func()),
		log:     logrus.NewEntry(logrus.StandardLogger()),
		dial:    dialBus,
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	for _, o := range opts {
		o(h)
	}
	return h
}

func dialBus(ctx context.Context, addr Address, busClient bool) (*dbus.Conn, error) {
	conn, err := dbus.Dial(addr.String(),
		dbus.WithContext(ctx),
		dbus.WithSignalHandler(dbus.NewSequentialSignalHandler()))
	if err != nil {
		return nil, err
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("auth: %w", err)
	}
	if busClient {
		if err := conn.Hello(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("hello: %w", err)
		}
	}
	return conn, nil
}

func (h *Handle) configure(fn func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.started {
		return ErrStarted
	}
	fn()
	return nil
}

func (h *Handle) SetAddress(addr string) error {
	a, err := ParseAddress(addr)
	if err != nil {
		return err
	}
	return h.configure(func() { h.addr = a })
}

// SetBusClient makes the handle say Hello to a broker after authenticating,
// instead of talking to a peer directly.
func (h *Handle) SetBusClient(b bool) error {
	return h.configure(func() { h.busClient = b })
}

func (h *Handle) NegotiateCreds(mask CredsMask) error {
	if mask&^(CredsUID|CredsEUID|CredsEffectiveCaps) != 0 {
		return fmt.Errorf("bus: unsupported credential mask %#x", uint32(mask))
	}
	return h.configure(func() { h.creds = mask })
}

// SetWatchBind makes Start wait for the bus socket to appear instead of
// failing when it is missing or refuses connections.
func (h *Handle) SetWatchBind(b bool) error {
	return h.configure(func() { h.watchBind = b })
}

// SetConnectedSignal enables the local Connected signal, delivered to
// MatchLocalAsync(SignalConnected, ...) callbacks once the session is up.
func (h *Handle) SetConnectedSignal(b bool) error {
	return h.configure(func() { h.connectedSignal = b })
}

// Start begins connecting in the background and returns immediately.
func (h *Handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.started {
		return ErrStarted
	}
	h.started = true
	h.state = StateConnecting
	h.g.Go(func() error {
		h.run(h.ctx)
		return nil
	})
	return nil
}

func (h *Handle) run(ctx context.Context) {
	var w *socketWatch
	if h.watchBind {
		var err error
		if w, err = newSocketWatch(h.addr.Path); err != nil {
			h.lose(fmt.Errorf("watch %s: %w", h.addr.Path, err))
			return
		}
		defer w.Close()
	}
	for {
		conn, err := h.dial(ctx, h.addr, h.busClient)
		if err == nil {
			h.established(conn)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if w == nil || !unavailable(err) {
			h.lose(err)
			return
		}
		h.log.WithError(err).Debug("Bus not available, waiting for socket")
		if err := w.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				h.lose(err)
			}
			return
		}
	}
}

func (h *Handle) established(conn *dbus.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		conn.Close()
		return
	}
	h.conn = conn
	h.state = StateConnected

	h.g.Go(func() error {
		<-conn.Context().Done()
		h.lose(errors.New("connection closed"))
		return nil
	})

	entry := h.log
	if names := conn.Names(); len(names) > 0 {
		entry = entry.WithField("unique_name", names[0])
	}
	entry.Info("Connected to bus")

	for _, o := range h.objects {
		if err := o.export(conn); err != nil {
			h.log.WithError(err).WithField("path", o.path).Error("Export failed")
			conn.Close()
			return
		}
	}
	for _, req := range h.names {
		h.issueName(conn, req)
	}
	if h.connectedSignal {
		h.dispatchLocked(func() { h.fire(SignalConnected) })
	}
}

func (h *Handle) lose(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.lost {
		return
	}
	h.lost = true
	h.state = StateUnconnected
	h.log.WithError(err).Warn("Bus connection lost")
	h.dispatchLocked(func() { h.fire(SignalDisconnected) })
}

func (h *Handle) fire(member string) {
	h.mu.Lock()
	cbs := slices.Clone(h.matches[member])
	h.mu.Unlock()
	for _, cb := range cbs {
		h.mu.Lock()
		closed := h.closed
		h.mu.Unlock()
		if closed {
			return
		}
		cb()
	}
}

// AddObject publishes table as the properties of iface at path. The object
// is exported whenever the handle is connected.
func (h *Handle) AddObject(path dbus.ObjectPath, iface string, table PropertyTable) error {
	o, err := newObject(h, path, iface, table)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	for _, other := range h.objects {
		if other.path == path {
			return fmt.Errorf("bus: object %s already published", path)
		}
	}
	if h.conn != nil && !h.lost {
		if err := o.export(h.conn); err != nil {
			return err
		}
	}
	h.objects = append(h.objects, o)
	return nil
}

// RequestNameAsync asks the broker for a well-known name once connected. The
// reply, or the error that prevented one, is passed to cb on the loop. cb
// may be nil.
func (h *Handle) RequestNameAsync(name string, flags dbus.RequestNameFlags, cb func(dbus.RequestNameReply, error)) error {
	if !validBusName(name) {
		return fmt.Errorf("bus: invalid bus name %q", name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	req := &nameRequest{name: name, flags: flags, cb: cb}
	h.names = append(h.names, req)
	if h.conn != nil && !h.lost {
		h.issueName(h.conn, req)
	}
	return nil
}

func (h *Handle) issueName(conn *dbus.Conn, req *nameRequest) {
	ch := make(chan *dbus.Call, 1)
	conn.BusObject().Go("org.freedesktop.DBus.RequestName", 0, ch, req.name, uint32(req.flags))
	h.g.Go(func() error {
		select {
		case call := <-ch:
			var reply uint32
			err := call.Store(&reply)
			if req.cb != nil {
				h.dispatch(func() { req.cb(dbus.RequestNameReply(reply), err) })
			}
		case <-h.ctx.Done():
		}
		return nil
	})
}

// MatchLocalAsync registers cb for a signal on org.freedesktop.DBus.Local.
// Disconnected fires once when the session is lost; Connected fires once
// when it is established, if SetConnectedSignal was enabled. Matches die
// with the handle.
func (h *Handle) MatchLocalAsync(member string, cb func()) error {
	if member != SignalConnected && member != SignalDisconnected {
		return fmt.Errorf("bus: unknown local signal %q", member)
	}
	if cb == nil {
		return errors.New("bus: nil match callback")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.matches[member] = append(h.matches[member], cb)
	return nil
}

// Attach routes the handle's events through l. Events held while detached
// are posted in order.
func (h *Handle) Attach(l *eventloop.Loop) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.loop != nil {
		return ErrAttached
	}
	h.loop = l
	h.epoch++
	h.source = l.AddSource("bus " + h.addr.String())
	backlog := h.backlog
	h.backlog = nil
	for _, fn := range backlog {
		if err := h.post(fn); err != nil {
			return err
		}
	}
	return nil
}

// Detach stops routing events to the loop. Events already posted but not yet
// run are dropped.
func (h *Handle) Detach() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.loop == nil {
		return nil
	}
	h.source.Remove()
	h.source = nil
	h.loop = nil
	h.epoch++
	return nil
}

func (h *Handle) dispatch(fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dispatchLocked(fn)
}

func (h *Handle) dispatchLocked(fn func()) bool {
	if h.closed {
		return false
	}
	if h.loop == nil {
		h.backlog = append(h.backlog, fn)
		return true
	}
	return h.post(fn) == nil
}

// post must be called with h.mu held and the handle attached.
func (h *Handle) post(fn func()) error {
	loop, epoch := h.loop, h.epoch
	return loop.Post(func() {
		h.mu.Lock()
		ok := !h.closed && h.loop == loop && h.epoch == epoch
		h.mu.Unlock()
		if ok {
			fn()
		}
	})
}

// invoke runs fn on the loop and waits for it. It is used by inbound method
// calls, which godbus delivers on its own goroutines.
func (h *Handle) invoke(fn func()) *dbus.Error {
	done := make(chan struct{})
	if !h.dispatch(func() { fn(); close(done) }) {
		return dbus.NewError(errDisconnected, []any{"bus handle closed"})
	}
	select {
	case <-done:
		return nil
	case <-h.ctx.Done():
		return dbus.NewError(errDisconnected, []any{"bus handle closed"})
	}
}

// Close releases the connection and everything registered on it. The handle
// must be detached first.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	if h.loop != nil {
		h.mu.Unlock()
		return ErrAttached
	}
	h.closed = true
	h.state = StateUnconnected
	conn := h.conn
	h.conn = nil
	h.objects, h.names, h.matches, h.backlog = nil, nil, nil, nil
	h.mu.Unlock()

	var err error
	if conn != nil {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	h.cancel()
	_ = h.g.Wait()
	return err
}

// ReleaseName gives up a well-known name. Unlike the rest of the handle it
// blocks on the broker, so it is only meant for shutdown.
func (h *Handle) ReleaseName(name string) error {
	h.mu.Lock()
	conn, closed, lost := h.conn, h.closed, h.lost
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil || lost {
		return ErrNotConnected
	}
	reply, err := conn.ReleaseName(name)
	if err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	switch reply {
	case dbus.ReleaseNameReplyReleased:
		return nil
	case dbus.ReleaseNameReplyNonExistent:
		return fmt.Errorf("release %s: name does not exist", name)
	case dbus.ReleaseNameReplyNotOwner:
		return fmt.Errorf("release %s: not the owner", name)
	}
	return fmt.Errorf("release %s: unexpected reply %d", name, reply)
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Address() Address {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

func (h *Handle) credsMask() CredsMask {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.creds
}

func (h *Handle) currentConn() *dbus.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}
