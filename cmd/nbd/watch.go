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

	"github.com/google/subcommands"
)

func init() {
	commands = append(commands, &watchCmd{})
}

type watchCmd struct{}

func (cmd *watchCmd) Name() string {
	return "watch"
}

func (cmd *watchCmd) Synopsis() string {
	return "report NBD devices losing their connections"
}

func (cmd *watchCmd) Usage() string {
	return `Usage: nbd watch

Print the path of every NBD device whose connection dies, until interrupted.
`
}

func (cmd *watchCmd) SetFlags(fs *flag.FlagSet) {
}

func (cmd *watchCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	c, err := dialNetlink()
	if err != nil {
		logger.Error("opening netlink connection", "error", err)
		return subcommands.ExitFailure
	}
	defer c.Close()

	err = c.WatchLinkDead(ctx, func(idx uint32) {
		fmt.Printf("/dev/nbd%d\n", idx)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("watching devices", "error", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
