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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/nbd-netlink/nbd"
	"github.com/nbd-netlink/nbd/nbdnl"
	"golang.org/x/sync/errgroup"
)

// dialNetlink opens the netlink connection used by all commands.
func dialNetlink() (*nbdnl.Conn, error) {
	return nbdnl.Dial(nbdnl.WithLogger(logger))
}

// serverFlags are the flags selecting an NBD server.
type serverFlags struct {
	addr   string
	unix   bool
	export string
	conns  int
}

func (f *serverFlags) register(fs *flag.FlagSet, def string) {
	fs.StringVar(&f.addr, "addr", def, "Address of the NBD server")
	fs.BoolVar(&f.unix, "unix", false, "Connect to a unix domain socket")
	fs.StringVar(&f.export, "export", "", "Export to use. If not provided, the default is used")
	fs.IntVar(&f.conns, "conns", 1, "Number of connections to open to the server")
}

// dial opens f.conns connections to the server and negotiates the export on
// each of them. The returned files are duplicates of the connected sockets,
// in transmission phase. The caller must close them.
func (f *serverFlags) dial(ctx context.Context) (nbd.Export, []*os.File, error) {
	if f.conns < 1 {
		return nbd.Export{}, nil, fmt.Errorf("-conns must be positive, got %d", f.conns)
	}
	network := "tcp"
	if f.unix {
		network = "unix"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exps := make([]nbd.Export, f.conns)
	socks := make([]*os.File, f.conns)
	g, ctx := errgroup.WithContext(ctx)
	for i := range socks {
		i := i
		g.Go(func() error {
			exp, sock, err := dialOne(ctx, network, f.addr, f.export)
			if err != nil {
				return err
			}
			logger.Debug("negotiated export", "conn", i, "name", exp.Name, "size", exp.Size, "flags", exp.Flags)
			exps[i], socks[i] = exp, sock
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		for _, e := range exps[1:] {
			if e.Size != exps[0].Size || e.Flags != exps[0].Flags {
				err = errors.New("server announced different exports on its connections")
				break
			}
		}
	}
	if err == nil && f.conns > 1 && nbdnl.ServerFlags(exps[0].Flags)&nbdnl.FlagCanMulticonn == 0 {
		err = errors.New("server does not support multiple connections")
	}
	if err != nil {
		closeAll(socks)
		return nbd.Export{}, nil, err
	}
	return exps[0], socks, nil
}

func dialOne(ctx context.Context, network, addr, export string) (nbd.Export, *os.File, error) {
	c, err := new(net.Dialer).DialContext(ctx, network, addr)
	if err != nil {
		return nbd.Export{}, nil, err
	}
	defer c.Close()

	fc, ok := c.(interface{ File() (*os.File, error) })
	if !ok {
		return nbd.Export{}, nil, errors.New("could not get file descriptor: unknown connection type")
	}

	cl, err := nbd.ClientHandshake(ctx, c)
	if err != nil {
		return nbd.Export{}, nil, err
	}
	exp, err := cl.Go(export)
	if err != nil {
		return nbd.Export{}, nil, err
	}
	sock, err := fc.File()
	if err != nil {
		return nbd.Export{}, nil, err
	}
	return exp, sock, nil
}

func closeAll(socks []*os.File) {
	for _, s := range socks {
		if s != nil {
			s.Close()
		}
	}
}

// deviceFlags are the flags tuning a connected device.
type deviceFlags struct {
	timeout           time.Duration
	deadconnTimeout   time.Duration
	disconnectOnClose bool
}

func (f *deviceFlags) register(fs *flag.FlagSet) {
	fs.DurationVar(&f.timeout, "timeout", 0, "Request timeout; 0 uses the kernel default")
	fs.DurationVar(&f.deadconnTimeout, "deadconn-timeout", 0, "How long to wait for a dead connection to be replaced")
	fs.BoolVar(&f.disconnectOnClose, "disconnect-on-close", false, "Disconnect the device when its last opener closes it")
}

// options returns the options given on the command line.
func (f *deviceFlags) options(fs *flag.FlagSet) []nbdnl.ConnectOption {
	var opts []nbdnl.ConnectOption
	if isSet(fs, "timeout") {
		opts = append(opts, nbdnl.WithTimeout(f.timeout))
	}
	if isSet(fs, "deadconn-timeout") {
		opts = append(opts, nbdnl.WithDeadconnTimeout(f.deadconnTimeout))
	}
	if isSet(fs, "disconnect-on-close") {
		var cf nbdnl.ClientFlags
		if f.disconnectOnClose {
			cf |= nbdnl.FlagDisconnectOnClose
		}
		opts = append(opts, nbdnl.WithClientFlags(cf))
	}
	return opts
}
