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

// Command nbd connects, inspects and disconnects Linux NBD devices.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"

	"github.com/google/subcommands"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
)

var (
	commands []subcommands.Command

	logLevel = flag.String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
	logger   hclog.Logger
)

func main() {
	flag.Parse()
	flag.VisitAll(func(f *flag.Flag) {
		subcommands.ImportantFlag(f.Name)
	})
	logger = hclog.New(&hclog.LoggerOptions{
		Name:   "nbd",
		Level:  hclog.LevelFromString(*logLevel),
		Output: os.Stderr,
	})
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	for _, c := range commands {
		subcommands.Register(c, "")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	st := subcommands.Execute(ctx)
	cancel()
	os.Exit(int(st))
}

type indexFlag struct {
	set bool
	val uint32
	def string
}

func (f *indexFlag) String() string {
	if f.set {
		return strconv.FormatUint(uint64(f.val), 10)
	}
	if f.def != "" {
		return f.def
	}
	return "auto"
}

func (f *indexFlag) Set(s string) error {
	def := f.def
	if def == "" {
		def = "auto"
	}
	if s == def {
		f.set = false
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return err
	}
	f.set = true
	f.val = uint32(v)
	return nil
}

// isSet reports whether the flag name was given on the command line.
func isSet(fs *flag.FlagSet, name string) bool {
	var set bool
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
