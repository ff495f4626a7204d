package bus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/sirupsen/logrus"
)

// object exports one property table as org.freedesktop.DBus.Properties and
// org.freedesktop.DBus.Introspectable on a path. Reads are dispatched on the
// handle's event loop.
type object struct {
	h     *Handle
	path  dbus.ObjectPath
	iface string
	table PropertyTable
	props map[string]Property
	order []string
}

func newObject(h *Handle, path dbus.ObjectPath, iface string, table PropertyTable) (*object, error) {
	if !path.IsValid() {
		return nil, fmt.Errorf("bus: invalid object path %q", path)
	}
	if !validInterfaceName(iface) {
		return nil, fmt.Errorf("bus: invalid interface name %q", iface)
	}
	if table == nil {
		return nil, errors.New("bus: nil property table")
	}
	o := &object{h: h, path: path, iface: iface, table: table, props: make(map[string]Property)}
	for _, p := range table.Properties() {
		if !validMemberName(p.Name) {
			return nil, fmt.Errorf("bus: invalid property name %q", p.Name)
		}
		if _, dup := o.props[p.Name]; dup {
			return nil, fmt.Errorf("bus: duplicate property %q", p.Name)
		}
		sig, err := dbus.ParseSignature(p.Signature)
		if err != nil || sig.Empty() {
			return nil, fmt.Errorf("bus: property %q: invalid signature %q", p.Name, p.Signature)
		}
		o.props[p.Name] = p
		o.order = append(o.order, p.Name)
	}
	if len(o.order) == 0 {
		return nil, fmt.Errorf("bus: no properties for %s", iface)
	}
	return o, nil
}

func (o *object) export(conn *dbus.Conn) error {
	if err := conn.Export(o, o.path, propertiesInterface); err != nil {
		return fmt.Errorf("export %s: %w", o.path, err)
	}
	return conn.Export(introspect.NewIntrospectable(o.node()), o.path, "org.freedesktop.DBus.Introspectable")
}

func (o *object) node() *introspect.Node {
	iface := introspect.Interface{Name: o.iface}
	for _, name := range o.order {
		p := o.props[name]
		ip := introspect.Property{Name: p.Name, Type: p.Signature, Access: "read"}
		if p.Const {
			ip.Annotations = []introspect.Annotation{{
				Name:  "org.freedesktop.DBus.Property.EmitsChangedSignal",
				Value: "const",
			}}
		}
		iface.Properties = append(iface.Properties, ip)
	}
	return &introspect.Node{
		Name:       string(o.path),
		Interfaces: []introspect.Interface{introspect.IntrospectData, prop.IntrospectData, iface},
	}
}

func (o *object) Get(sender dbus.Sender, iface, name string) (dbus.Variant, *dbus.Error) {
	if iface != "" && iface != o.iface {
		return dbus.Variant{}, unknownInterface(iface)
	}
	o.logSender(sender, name)
	var (
		v   any
		err error
	)
	if derr := o.h.invoke(func() { v, err = o.table.Get(name) }); derr != nil {
		return dbus.Variant{}, derr
	}
	if err != nil {
		return dbus.Variant{}, toDBusError(err)
	}
	return o.variant(name, v), nil
}

func (o *object) GetAll(sender dbus.Sender, iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != "" && iface != o.iface {
		return nil, unknownInterface(iface)
	}
	o.logSender(sender, "*")
	out := make(map[string]dbus.Variant, len(o.order))
	var err error
	derr := o.h.invoke(func() {
		for _, name := range o.order {
			var v any
			if v, err = o.table.Get(name); err != nil {
				return
			}
			out[name] = o.variant(name, v)
		}
	})
	if derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, toDBusError(err)
	}
	return out, nil
}

// Set always fails: every published property is read-only.
func (o *object) Set(iface, name string, _ dbus.Variant) *dbus.Error {
	if iface != "" && iface != o.iface {
		return unknownInterface(iface)
	}
	if _, ok := o.props[name]; !ok {
		return dbus.NewError(errUnknownProperty, []any{fmt.Sprintf("Unknown property '%s'", name)})
	}
	return dbus.NewError(errPropertyReadOnly, []any{fmt.Sprintf("Property '%s' is not writable", name)})
}

func (o *object) variant(name string, v any) dbus.Variant {
	if p, ok := o.props[name]; ok {
		return dbus.MakeVariantWithSignature(v, dbus.ParseSignatureMust(p.Signature))
	}
	return dbus.MakeVariant(v)
}

func (o *object) logSender(sender dbus.Sender, name string) {
	mask := o.h.credsMask()
	conn := o.h.currentConn()
	if mask == 0 || conn == nil || !o.h.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	c, err := resolveCreds(conn, string(sender), mask)
	entry := o.h.log.WithFields(logrus.Fields{
		"sender":   string(sender),
		"property": name,
		"uid":      c.UID,
		"euid":     c.EUID,
		"cap_eff":  fmt.Sprintf("%#x", c.EffectiveCaps),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("Property read")
}

func unknownInterface(iface string) *dbus.Error {
	return dbus.NewError(errUnknownInterface, []any{fmt.Sprintf("Unknown interface '%s'", iface)})
}

func toDBusError(err error) *dbus.Error {
	var de dbus.DBusError
	if errors.As(err, &de) {
		name, body := de.DBusError()
		return dbus.NewError(name, body)
	}
	return dbus.MakeFailedError(err)
}

func validInterfaceName(s string) bool {
	if len(s) == 0 || len(s) > 255 {
		return false
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if !validMemberName(e) {
			return false
		}
	}
	return true
}

func validBusName(s string) bool {
	if strings.HasPrefix(s, ":") {
		return false
	}
	if len(s) == 0 || len(s) > 255 {
		return false
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if e == "" || (e[0] >= '0' && e[0] <= '9') {
			return false
		}
		for _, r := range e {
			if !isNameRune(r) && r != '-' {
				return false
			}
		}
	}
	return true
}

func validMemberName(s string) bool {
	if len(s) == 0 || len(s) > 255 || (s[0] >= '0' && s[0] <= '9') {
		return false
	}
	for _, r := range s {
		if !isNameRune(r) {
			return false
		}
	}
	return true
}

func isNameRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
