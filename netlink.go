//go:build linux

// Copyright 2018 Axel Wagner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nbd

import (
	"context"
	"os"

	"github.com/nbd-netlink/nbd/nbdnl"
)

// Configure passes the given set of sockets to the kernel to provide them as
// an NBD device for the export e, as negotiated by Client.Go. socks must be
// connected to the same server (which must support multiple connections, if
// there is more than one) and be in transmission phase. opts are applied
// after the options derived from e, so they can override them.
//
// It returns the device-number that was chosen by the kernel or any error.
// You can then use /dev/nbdX as a block device. Use c.Disconnect to
// disconnect the device once you're done with it. The kernel keeps its own
// reference to socks, so they can be closed once Configure returns.
//
// This is a Linux-only API.
func Configure(ctx context.Context, c *nbdnl.Conn, e Export, socks []*os.File, opts ...nbdnl.ConnectOption) (uint32, error) {
	o := []nbdnl.ConnectOption{nbdnl.WithServerFlags(nbdnl.ServerFlags(e.Flags))}
	if e.BlockSizes != nil && e.BlockSizes.Preferred != 0 && e.Size%uint64(e.BlockSizes.Preferred) == 0 {
		o = append(o, nbdnl.WithBlockSize(uint64(e.BlockSizes.Preferred)))
	}
	return c.Connect(ctx, socks, e.Size, append(o, opts...)...)
}
