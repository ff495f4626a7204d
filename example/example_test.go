package example

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_GetExample(t *testing.T) {
	p := NewProvider(DefaultValue)
	for j := 0; j < 10; j++ {
		v, err := p.Get(PropertyExample)
		require.NoError(t, err)
		assert.Equal(t, "example", v)
	}
}

func TestProvider_GetUnknown(t *testing.T) {
	p := NewProvider(DefaultValue)
	for _, name := range []string{"", "example", "Other", "Example "} {
		v, err := p.Get(name)
		assert.Nil(t, v)

		var upe *UnknownPropertyError
		require.True(t, errors.As(err, &upe), name)
		assert.Equal(t, name, upe.Name)
	}
}

func TestUnknownPropertyError_DBusError(t *testing.T) {
	var de dbus.DBusError = &UnknownPropertyError{Name: "Missing"}
	name, body := de.DBusError()
	assert.Equal(t, "org.freedesktop.DBus.Error.UnknownProperty", name)
	assert.Equal(t, []any{"Unknown property 'Missing'"}, body)
}

func TestProvider_Properties(t *testing.T) {
	props := NewProvider(DefaultValue).Properties()
	require.Len(t, props, 1)
	assert.Equal(t, PropertyExample, props[0].Name)
	assert.Equal(t, "s", props[0].Signature)
	assert.True(t, props[0].Const)
}
