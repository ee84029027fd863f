//go:build linux

package nbd

import (
	"context"
	"os"
	"testing"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/genetlink/genltest"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"github.com/nbd-netlink/nbd/nbdnl"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testFamilyID = 0x1c

// configureConn returns a *nbdnl.Conn talking to an in-memory kernel, which
// answers every connect with index 5. The attributes of each connect request
// are appended to *got.
func configureConn(t *testing.T, got *[][]nbdnl.Attribute) *nbdnl.Conn {
	r := require.New(t)
	gc := genltest.Dial(func(greq genetlink.Message, nreq netlink.Message) ([]genetlink.Message, error) {
		if nreq.Header.Type == unix.GENL_ID_CTRL {
			b, err := nbdnl.MarshalAttributes([]nbdnl.Attribute{
				{Type: unix.CTRL_ATTR_FAMILY_ID, Data: nlenc.Uint16Bytes(testFamilyID)},
				nbdnl.StringAttribute(unix.CTRL_ATTR_FAMILY_NAME, "nbd"),
				nbdnl.Uint32Attribute(unix.CTRL_ATTR_VERSION, 1),
			})
			r.NoError(err)
			return []genetlink.Message{{
				Header: genetlink.Header{Command: unix.CTRL_CMD_NEWFAMILY, Version: 2},
				Data:   b,
			}}, nil
		}
		attrs, err := nbdnl.UnmarshalAttributes(greq.Data, nil)
		r.NoError(err)
		*got = append(*got, attrs)
		b, err := nbdnl.MarshalAttributes([]nbdnl.Attribute{nbdnl.Uint32Attribute(1, 5)})
		r.NoError(err)
		return []genetlink.Message{{
			Header: genetlink.Header{Command: 1, Version: 1},
			Data:   b,
		}}, nil
	})
	c, err := nbdnl.NewConn(gc)
	r.NoError(err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testSocket(t *testing.T) *os.File {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	a := os.NewFile(uintptr(fds[0]), "nbd-a")
	b := os.NewFile(uintptr(fds[1]), "nbd-b")
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a
}

// attrValue returns the uint64 value of the attribute with type typ.
func attrValue(t *testing.T, attrs []nbdnl.Attribute, typ uint16) (uint64, bool) {
	for _, a := range attrs {
		if a.Type != typ {
			continue
		}
		v, err := a.Uint64()
		require.NoError(t, err)
		return v, true
	}
	return 0, false
}

const (
	attrSizeBytes   = 2
	attrBlockSize   = 3
	attrServerFlags = 5
)

func TestConfigure(t *testing.T) {
	r := require.New(t)

	var got [][]nbdnl.Attribute
	c := configureConn(t, &got)
	e := Export{
		Name:       "disk",
		Size:       1 << 20,
		Flags:      uint16(nbdnl.FlagHasFlags | nbdnl.FlagSendFlush),
		BlockSizes: &BlockSizeConstraints{Min: 512, Preferred: 4096, Max: 1 << 20},
	}
	idx, err := Configure(context.Background(), c, e, []*os.File{testSocket(t)})
	r.NoError(err)
	r.Equal(uint32(5), idx)
	r.Len(got, 1)

	size, ok := attrValue(t, got[0], attrSizeBytes)
	r.True(ok)
	r.Equal(uint64(1<<20), size)

	bs, ok := attrValue(t, got[0], attrBlockSize)
	r.True(ok)
	r.Equal(uint64(4096), bs)

	flags, ok := attrValue(t, got[0], attrServerFlags)
	r.True(ok)
	r.Equal(uint64(nbdnl.FlagHasFlags|nbdnl.FlagSendFlush), flags)
}

func TestConfigureOverride(t *testing.T) {
	r := require.New(t)

	var got [][]nbdnl.Attribute
	c := configureConn(t, &got)
	e := Export{
		Size:       3 * 4096,
		BlockSizes: &BlockSizeConstraints{Min: 1, Preferred: 8192, Max: 4096},
	}
	_, err := Configure(context.Background(), c, e, []*os.File{testSocket(t)}, nbdnl.WithReadOnly(true))
	r.NoError(err)
	r.Len(got, 1)

	// The preferred block size does not divide the export size.
	_, ok := attrValue(t, got[0], attrBlockSize)
	r.False(ok)

	flags, ok := attrValue(t, got[0], attrServerFlags)
	r.True(ok)
	r.Equal(uint64(nbdnl.FlagHasFlags|nbdnl.FlagReadOnly), flags)
}

func TestConfigureInvalid(t *testing.T) {
	var got [][]nbdnl.Attribute
	c := configureConn(t, &got)
	_, err := Configure(context.Background(), c, Export{Size: 0}, []*os.File{testSocket(t)})
	require.Error(t, err)
	require.Empty(t, got)
}
