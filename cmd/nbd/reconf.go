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
	"os"

	"github.com/google/subcommands"
)

func init() {
	commands = append(commands, &reconfCmd{})
}

type reconfCmd struct {
	server serverFlags
	device deviceFlags
	index  indexFlag
}

func (cmd *reconfCmd) Name() string {
	return "reconf"
}

func (cmd *reconfCmd) Synopsis() string {
	return "change the settings of a connected NBD device"
}

func (cmd *reconfCmd) Usage() string {
	return `Usage: nbd reconf -index <n> [-timeout <d>] [-deadconn-timeout <d>] [-addr <addr>]

Reconfigure a connected NBD device. If -addr is given, new connections to the
server replace dead ones.
`
}

func (cmd *reconfCmd) SetFlags(fs *flag.FlagSet) {
	cmd.index.def = "none"
	fs.Var(&cmd.index, "index", "Index of NBD device")
	cmd.server.register(fs, "")
	cmd.device.register(fs)
}

func (cmd *reconfCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if !cmd.index.set || fs.NArg() != 0 {
		logger.Error(cmd.Usage())
		return subcommands.ExitUsageError
	}
	c, err := dialNetlink()
	if err != nil {
		logger.Error("opening netlink connection", "error", err)
		return subcommands.ExitFailure
	}
	defer c.Close()

	var socks []*os.File
	if cmd.server.addr != "" {
		_, socks, err = cmd.server.dial(ctx)
		if err != nil {
			logger.Error("negotiating export", "addr", cmd.server.addr, "error", err)
			return subcommands.ExitFailure
		}
		defer closeAll(socks)
	}
	err = c.Reconfigure(ctx, cmd.index.val, socks, cmd.device.options(fs)...)
	if err != nil {
		logger.Error("reconfiguring device", "index", cmd.index.val, "error", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
