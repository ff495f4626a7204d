package bus

import (
	"fmt"
	"net/url"
	"strings"
)

const DefaultSystemBusAddress = "unix:path=/run/dbus/system_bus_socket"

// Address is a parsed unix:path= bus address. Only path-based sockets are
// supported because watch-bind needs a file to watch.
type Address struct {
	raw  string
	Path string
}

func (a Address) String() string {
	return a.raw
}

func ParseAddress(addr string) (Address, error) {
	const pref = "unix:"
	if !strings.HasPrefix(addr, pref) {
		return Address{}, fmt.Errorf("bus: unsupported address %q", addr)
	}
	if strings.Contains(addr, ";") {
		return Address{}, fmt.Errorf("bus: multiple addresses not supported: %q", addr)
	}
	var path string
	for _, kv := range strings.Split(addr[len(pref):], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return Address{}, fmt.Errorf("bus: malformed address component %q", kv)
		}
		val, err := url.PathUnescape(v)
		if err != nil {
			return Address{}, fmt.Errorf("bus: address %q: %w", addr, err)
		}
		switch k {
		case "path":
			path = val
		case "guid":
		default:
			return Address{}, fmt.Errorf("bus: unsupported address key %q", k)
		}
	}
	if path == "" || !strings.HasPrefix(path, "/") {
		return Address{}, fmt.Errorf("bus: address %q needs an absolute path", addr)
	}
	return Address{raw: addr, Path: path}, nil
}
