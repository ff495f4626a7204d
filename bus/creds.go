package bus

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

// resolveCreds asks the broker for the sender's credentials. UnixUserID is
// the uid the broker saw on the socket, which is the effective one; the real
// uid and capability set come from /proc when the process is still around.
func resolveCreds(conn *dbus.Conn, sender string, mask CredsMask) (Creds, error) {
	c := Creds{Mask: mask}
	var info map[string]dbus.Variant
	if err := conn.BusObject().Call(getConnectionCredsRPC, 0, sender).Store(&info); err != nil {
		return c, fmt.Errorf("GetConnectionCredentials %s: %w", sender, err)
	}
	if v, ok := info["UnixUserID"]; ok {
		uid, _ := v.Value().(uint32)
		c.UID, c.EUID = uid, uid
	}
	v, ok := info["ProcessID"]
	if !ok || mask&(CredsUID|CredsEffectiveCaps) == 0 {
		return c, nil
	}
	pid, _ := v.Value().(uint32)
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return c, err
	}
	defer f.Close()
	return c, parseProcStatus(f, &c)
}

func parseProcStatus(r io.Reader, c *Creds) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(val)
		switch key {
		case "Uid":
			if len(fields) < 2 {
				return fmt.Errorf("malformed Uid line %q", sc.Text())
			}
			ruid, err := strconv.ParseUint(fields[0], 10, 32)
			if err != nil {
				return err
			}
			euid, err := strconv.ParseUint(fields[1], 10, 32)
			if err != nil {
				return err
			}
			c.UID, c.EUID = uint32(ruid), uint32(euid)
		case "CapEff":
			if len(fields) != 1 {
				return fmt.Errorf("malformed CapEff line %q", sc.Text())
			}
			caps, err := strconv.ParseUint(fields[0], 16, 64)
			if err != nil {
				return err
			}
			c.EffectiveCaps = caps
		}
	}
	return sc.Err()
}
