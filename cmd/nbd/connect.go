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
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/nbd-netlink/nbd"
	"github.com/nbd-netlink/nbd/nbdnl"
)

func init() {
	commands = append(commands, &connectCmd{})
}

type connectCmd struct {
	server  serverFlags
	device  deviceFlags
	index   indexFlag
	ro      bool
	destroy bool
	backend string
}

func (cmd *connectCmd) Name() string {
	return "connect"
}

func (cmd *connectCmd) Synopsis() string {
	return "connect an NBD server to a block device"
}

func (cmd *connectCmd) Usage() string {
	return `Usage: nbd connect -addr <addr> [-unix] [-export <name>] [-conns <n>] [-index <n>]

Connect a server to an NBD device node and print the device path.
`
}

func (cmd *connectCmd) SetFlags(fs *flag.FlagSet) {
	cmd.server.register(fs, "localhost:10809")
	cmd.device.register(fs)
	fs.Var(&cmd.index, "index", "Index of the NBD device to use")
	fs.BoolVar(&cmd.ro, "ro", false, "Connect the device read-only")
	fs.BoolVar(&cmd.destroy, "destroy-on-disconnect", false, "Remove the device when it is disconnected")
	fs.StringVar(&cmd.backend, "backend", "", "Backend identifier shown in sysfs")
}

func (cmd *connectCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if fs.NArg() != 0 {
		logger.Error(cmd.Usage())
		return subcommands.ExitUsageError
	}

	c, err := dialNetlink()
	if err != nil {
		logger.Error("opening netlink connection", "error", err)
		return subcommands.ExitFailure
	}
	defer c.Close()

	exp, socks, err := cmd.server.dial(ctx)
	if err != nil {
		logger.Error("negotiating export", "addr", cmd.server.addr, "error", err)
		return subcommands.ExitFailure
	}
	defer closeAll(socks)

	opts := cmd.device.options(fs)
	if cmd.index.set {
		opts = append(opts, nbdnl.WithIndex(cmd.index.val))
	}
	if cmd.ro {
		opts = append(opts, nbdnl.WithReadOnly(true))
	}
	if len(socks) > 1 {
		opts = append(opts, nbdnl.WithMultiConn(true))
	}
	if cmd.destroy || cmd.device.disconnectOnClose {
		var cf nbdnl.ClientFlags
		if cmd.destroy {
			cf |= nbdnl.FlagDestroyOnDisconnect
		}
		if cmd.device.disconnectOnClose {
			cf |= nbdnl.FlagDisconnectOnClose
		}
		opts = append(opts, nbdnl.WithClientFlags(cf))
	}
	if cmd.backend != "" {
		opts = append(opts, nbdnl.WithBackendIdentifier(cmd.backend))
	}

	n, err := nbd.Configure(ctx, c, exp, socks, opts...)
	if err != nil {
		logger.Error("configuring device", "error", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("/dev/nbd%d\n", n)
	return subcommands.ExitSuccess
}
