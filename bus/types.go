// Package bus implements a reconnect-friendly D-Bus connection handle on top
// of godbus. A Handle is one connection session: it is configured, started,
// attached to an event loop, and finally detached and closed. It is never
// reused after Close.
package bus

import (
	"errors"

	"github.com/godbus/dbus/v5"
)

const (
	LocalInterface = "org.freedesktop.DBus.Local"
	LocalPath      = dbus.ObjectPath("/org/freedesktop/DBus/Local")

	// Local signal members accepted by MatchLocalAsync.
	SignalConnected    = "Connected"
	SignalDisconnected = "Disconnected"

	propertiesInterface   = "org.freedesktop.DBus.Properties"
	errUnknownProperty    = "org.freedesktop.DBus.Error.UnknownProperty"
	errUnknownInterface   = "org.freedesktop.DBus.Error.UnknownInterface"
	errPropertyReadOnly   = "org.freedesktop.DBus.Error.PropertyReadOnly"
	errDisconnected       = "org.freedesktop.DBus.Error.Disconnected"
	getConnectionCredsRPC = "org.freedesktop.DBus.GetConnectionCredentials"
)

var (
	ErrClosed       = errors.New("bus: handle closed")
	ErrStarted      = errors.New("bus: handle already started")
	ErrAttached     = errors.New("bus: handle attached to event loop")
	ErrNotConnected = errors.New("bus: not connected")
)

type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// CredsMask selects which sender credentials are resolved for inbound calls.
type CredsMask uint32

const (
	CredsUID CredsMask = 1 << iota
	CredsEUID
	CredsEffectiveCaps
)

// Creds holds the resolved credentials of a message sender. Only fields
// selected by Mask are meaningful.
type Creds struct {
	Mask          CredsMask
	UID           uint32
	EUID          uint32
	EffectiveCaps uint64
}

// Property describes one entry of a property table.
type Property struct {
	Name      string
	Signature string
	// Const marks a value that never changes for the lifetime of the object.
	Const bool
}

// PropertyTable supplies the properties of one published interface. Get may
// return an error implementing dbus.DBusError to control the reply name.
type PropertyTable interface {
	Properties() []Property
	Get(name string) (any, error)
}
