// Package example serves the properties of the ReconnectExample object.
package example

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"reconnectd/bus"
)

const (
	BusName   = "org.freedesktop.ReconnectExample"
	Path      = dbus.ObjectPath("/org/freedesktop/ReconnectExample")
	Interface = "org.freedesktop.ReconnectExample"

	PropertyExample = "Example"
	DefaultValue    = "example"
)

// UnknownPropertyError is returned by Get for names the object does not have.
type UnknownPropertyError struct {
	Name string
}

func (e *UnknownPropertyError) Error() string {
	return fmt.Sprintf("unknown property %q", e.Name)
}

// DBusError maps the error onto the standard D-Bus reply.
func (e *UnknownPropertyError) DBusError() (string, []any) {
	return "org.freedesktop.DBus.Error.UnknownProperty", []any{fmt.Sprintf("Unknown property '%s'", e.Name)}
}

// Provider answers property reads. It only holds the immutable value, never
// the bus connection, so it is unaffected by reconnects.
type Provider struct {
	example string
}

func NewProvider(value string) *Provider {
	return &Provider{example: value}
}

func (p *Provider) Properties() []bus.Property {
	return []bus.Property{{Name: PropertyExample, Signature: "s", Const: true}}
}

func (p *Provider) Get(name string) (any, error) {
	if name == PropertyExample {
		return p.example, nil
	}
	return nil, &UnknownPropertyError{Name: name}
}
