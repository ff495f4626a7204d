package bus

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reconnectd/eventloop"
)

// serve runs the loop with h attached while fn issues calls from another
// goroutine, the way godbus delivers inbound method calls.
func serve(t *testing.T, h *Handle, fn func()) {
	t.Helper()
	l := eventloop.New()
	defer l.Close()
	require.NoError(t, h.Attach(l))

	go func() {
		fn()
		_ = l.Post(func() { assert.NoError(t, h.Detach()) })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))
}

func newTestObject(t *testing.T, h *Handle) *object {
	t.Helper()
	o, err := newObject(h, "/org/example/Object", "org.example.Iface", staticTable{value: "example"})
	require.NoError(t, err)
	return o
}

func TestObject_Get(t *testing.T) {
	h := newTestHandle(t)
	defer h.Close()
	o := newTestObject(t, h)

	serve(t, h, func() {
		for j := 0; j < 3; j++ {
			v, derr := o.Get(":1.7", "org.example.Iface", "Example")
			assert.Nil(t, derr)
			assert.Equal(t, "example", v.Value())
			assert.Equal(t, "s", v.Signature().String())
		}

		v, derr := o.Get(":1.7", "", "Example")
		assert.Nil(t, derr)
		assert.Equal(t, "example", v.Value())
	})
}

func TestObject_GetUnknownProperty(t *testing.T) {
	h := newTestHandle(t)
	defer h.Close()
	o := newTestObject(t, h)

	serve(t, h, func() {
		_, derr := o.Get(":1.7", "org.example.Iface", "Missing")
		if assert.NotNil(t, derr) {
			assert.Equal(t, errUnknownProperty, derr.Name)
			assert.Equal(t, []any{"Unknown property 'Missing'"}, derr.Body)
		}

		_, derr = o.Get(":1.7", "org.example.Other", "Example")
		if assert.NotNil(t, derr) {
			assert.Equal(t, errUnknownInterface, derr.Name)
		}
	})
}

func TestObject_GetAll(t *testing.T) {
	h := newTestHandle(t)
	defer h.Close()
	o := newTestObject(t, h)

	serve(t, h, func() {
		all, derr := o.GetAll(":1.7", "org.example.Iface")
		assert.Nil(t, derr)
		assert.Len(t, all, 1)
		assert.Equal(t, "example", all["Example"].Value())
	})
}

func TestObject_SetIsReadOnly(t *testing.T) {
	h := newTestHandle(t)
	defer h.Close()
	o := newTestObject(t, h)

	derr := o.Set("org.example.Iface", "Example", dbus.MakeVariant("other"))
	require.NotNil(t, derr)
	assert.Equal(t, errPropertyReadOnly, derr.Name)

	derr = o.Set("org.example.Iface", "Missing", dbus.MakeVariant("other"))
	require.NotNil(t, derr)
	assert.Equal(t, errUnknownProperty, derr.Name)
}

func TestObject_GetOnClosedHandle(t *testing.T) {
	h := newTestHandle(t)
	o := newTestObject(t, h)
	require.NoError(t, h.Close())

	_, derr := o.Get(":1.7", "org.example.Iface", "Example")
	require.NotNil(t, derr)
	assert.Equal(t, errDisconnected, derr.Name)
}

func TestObject_Introspection(t *testing.T) {
	h := newTestHandle(t)
	defer h.Close()
	o := newTestObject(t, h)

	n := o.node()
	require.Len(t, n.Interfaces, 3)
	iface := n.Interfaces[2]
	assert.Equal(t, "org.example.Iface", iface.Name)
	require.Len(t, iface.Properties, 1)
	assert.Equal(t, "Example", iface.Properties[0].Name)
	assert.Equal(t, "read", iface.Properties[0].Access)
	assert.Equal(t, "const", iface.Properties[0].Annotations[0].Value)
}

func TestNameValidation(t *testing.T) {
	assert.True(t, validInterfaceName("org.freedesktop.ReconnectExample"))
	assert.False(t, validInterfaceName("org..example"))
	assert.False(t, validInterfaceName(strings.Repeat("a.", 128)+"b"))

	assert.True(t, validBusName("org.freedesktop.ReconnectExample"))
	assert.True(t, validBusName("org.example.with-dash"))
	assert.False(t, validBusName("org.example."))

	assert.True(t, validMemberName("Example"))
	assert.False(t, validMemberName("9lives"))
	assert.False(t, validMemberName("with.dot"))
}
