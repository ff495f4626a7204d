package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress(DefaultSystemBusAddress)
	require.NoError(t, err)
	assert.Equal(t, "/run/dbus/system_bus_socket", a.Path)
	assert.Equal(t, DefaultSystemBusAddress, a.String())

	a, err = ParseAddress("unix:path=/tmp/with%20space,guid=0123")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/with space", a.Path)
}

func TestParseAddress_Rejects(t *testing.T) {
	for _, addr := range []string{
		"",
		"tcp:host=localhost,port=1",
		"unix:abstract=/tmp/dbus-x",
		"unix:path=relative",
		"unix:path=/a;unix:path=/b",
		"unix:path",
		"unix:path=/tmp/%zz",
	} {
		_, err := ParseAddress(addr)
		assert.Error(t, err, addr)
	}
}
