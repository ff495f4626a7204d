package main

import (
	"github.com/godbus/dbus/v5"

	"reconnectd/bus"
	"reconnectd/example"
)

// Config is the static description of what the service publishes and where.
type Config struct {
	Address   string
	BusName   string
	Path      dbus.ObjectPath
	Interface string
	Creds     bus.CredsMask
	NameFlags dbus.RequestNameFlags
}

func DefaultConfig() Config {
	return Config{
		Address:   bus.DefaultSystemBusAddress,
		BusName:   example.BusName,
		Path:      example.Path,
		Interface: example.Interface,
		Creds:     bus.CredsUID | bus.CredsEUID | bus.CredsEffectiveCaps,
		NameFlags: dbus.NameFlagDoNotQueue,
	}
}
