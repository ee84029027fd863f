//go:build linux

package nbdnl

import (
	"context"
	"os"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/genetlink/genltest"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"
)

// familyReply answers a CTRL_CMD_GETFAMILY request the way the kernel does.
func familyReply(t *testing.T, f genetlink.Family) genetlink.Message {
	return genetlink.Message{
		Header: genetlink.Header{Command: unix.CTRL_CMD_NEWFAMILY, Version: 2},
		Data: mustMarshal(t,
			Attribute{Type: unix.CTRL_ATTR_FAMILY_ID, Data: nlenc.Uint16Bytes(f.ID)},
			StringAttribute(unix.CTRL_ATTR_FAMILY_NAME, f.Name),
			Uint32Attribute(unix.CTRL_ATTR_VERSION, uint32(f.Version)),
		),
	}
}

// TestConnGenetlink runs a connect through a real *genetlink.Conn backed by
// an in-memory netlink socket.
func TestConnGenetlink(t *testing.T) {
	sock, _ := socketPair(t)

	var lookups, connects int
	gc := genltest.Dial(func(greq genetlink.Message, nreq netlink.Message) ([]genetlink.Message, error) {
		switch nreq.Header.Type {
		case unix.GENL_ID_CTRL:
			lookups++
			if greq.Header.Command != unix.CTRL_CMD_GETFAMILY {
				t.Errorf("control command = %d, want %d", greq.Header.Command, unix.CTRL_CMD_GETFAMILY)
			}
			return []genetlink.Message{familyReply(t, testFamily)}, nil
		case netlink.HeaderType(testFamily.ID):
			connects++
			if nreq.Header.Flags&netlink.Request == 0 {
				t.Errorf("request flag not set: %v", nreq.Header.Flags)
			}
			attrs, err := UnmarshalAttributes(greq.Data, nil)
			if err != nil {
				t.Errorf("request does not decode: %v", err)
			}
			if _, ok := findAttribute(attrs, attrSockets); !ok {
				t.Error("request has no sockets")
			}
			return []genetlink.Message{reply(t, cmdConnect, Uint32Attribute(attrIndex, 3))}, nil
		}
		t.Errorf("unexpected message type %d", nreq.Header.Type)
		return nil, nil
	})

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "nbdnltest",
		Level: hclog.Trace,
	})
	c, err := NewConn(gc, WithLogger(log))
	if err != nil {
		t.Fatalf("NewConn() = %v", err)
	}
	defer c.Close()

	idx, err := c.Connect(context.Background(), []*os.File{sock}, 1<<20, WithReadOnly(true))
	if err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	if idx != 3 {
		t.Errorf("Connect() = %d, want 3", idx)
	}

	fam, err := c.Family()
	if err != nil {
		t.Fatal(err)
	}
	if fam.ID != testFamily.ID || fam.Name != familyName {
		t.Errorf("Family() = %+v, want ID %#x and name %q", fam, testFamily.ID, familyName)
	}
	if lookups != 1 || connects != 1 {
		t.Errorf("got %d family lookups and %d connects, want 1 each", lookups, connects)
	}
}
