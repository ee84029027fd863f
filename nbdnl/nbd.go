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

// Package nbdnl controls the Linux NBD driver via netlink.
//
// Unlike the ioctl interface, netlink hands the sockets of an NBD connection
// directly to the kernel: once Connect returns, no thread or process has to
// stay around to keep /dev/nbdX working. The sockets passed to Connect are
// only borrowed; the kernel takes its own reference, so the caller may close
// its copies afterwards.
//
// All operations go through a Conn, which owns one netlink socket:
//
//	c, err := nbdnl.Dial()
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	idx, err := c.Connect(ctx, []*os.File{sock}, 1<<20, nbdnl.WithReadOnly(true))
//
// This package provides the low-level netlink protocol, which in particular
// requires connections to be in the transmission phase (i.e. having done the
// NBD handshake phase or knowing the necessary information by other means).
// Most users will probably want to use the nbd package, which also implements
// handshaking.
package nbdnl

import (
	"context"
	"fmt"
	"math/bits"
	"os"
	"runtime"
	"time"
)

const (
	familyName = "nbd"
	groupName  = "nbd_mc_group"
	version    = 1
)

// IndexAny can be used to let the kernel choose a suitable device number (or
// create a new device if needed).
const IndexAny = ^uint32(0)

const (
	_ = iota
	cmdConnect
	cmdDisconnect
	cmdReconfigure
	cmdLinkDead
	cmdStatus
)

const (
	_ = iota
	attrIndex
	attrSizeBytes
	attrBlockSizeBytes
	attrTimeout
	attrServerFlags
	attrClientFlags
	attrSockets
	attrDeadconnTimeout
	attrDeviceList
	attrBackendIdentifier
)

const (
	_ = iota
	sockItem
)

const (
	_ = iota
	sockFD
)

const (
	_ = iota
	deviceItem
)

const (
	_ = iota
	deviceIndex
	deviceConnected
)

// ClientFlags are flags configuring client behavior.
type ClientFlags uint64

const (
	// FlagDestroyOnDisconnect tells the client to delete the nbd device on
	// disconnect.
	FlagDestroyOnDisconnect ClientFlags = 1 << iota
	// FlagDisconnectOnClose tells the client to disconnect the nbd device on
	// close by last opener.
	FlagDisconnectOnClose
)

// ServerFlags specify what optional features the server supports.
type ServerFlags uint64

const (
	// FlagHasFlags is set if the server supports flags.
	FlagHasFlags ServerFlags = 1 << 0
	// FlagReadOnly is set if the export is read-only.
	FlagReadOnly ServerFlags = 1 << 1
	// FlagSendFlush is set if the exports supports the Flush command.
	FlagSendFlush ServerFlags = 1 << 2
	// FlagSendFUA is set if the export supports the Forced Unit Access command
	// flag.
	FlagSendFUA ServerFlags = 1 << 3
	// FlagRotational is set if the export behaves like a rotational medium.
	FlagRotational ServerFlags = 1 << 4
	// FlagSendTrim is set if the export supports the Trim command.
	FlagSendTrim ServerFlags = 1 << 5
	// FlagSendWriteZeroes is set if the export supports the Write Zeroes
	// command.
	FlagSendWriteZeroes ServerFlags = 1 << 6
	// FlagCanMulticonn is set if the export can serve multiple connections.
	FlagCanMulticonn ServerFlags = 1 << 8
)

// connectConfig accumulates ConnectOptions. It is validated when the
// operation is executed.
type connectConfig struct {
	index          uint32
	blockSize      uint64
	readOnly       bool
	multiConn      bool
	conns          int
	timeout        time.Duration
	deadconn       time.Duration
	clientFlags    ClientFlags
	hasClientFlags bool
	flags          ServerFlags
	backend        string
}

// ConnectOption is an optional setting to configure the in-kernel NBD client.
type ConnectOption func(c *connectConfig)

// WithIndex asks the kernel to use the device /dev/nbd<idx>. By default,
// IndexAny is used.
func WithIndex(idx uint32) ConnectOption {
	return func(c *connectConfig) {
		c.index = idx
	}
}

// WithBlockSize sets the block size used by the client to n. It must be a
// power of two and the size of the device must be a multiple of it. Without
// it, no block size is sent and the kernel uses its default of 1024 bytes.
func WithBlockSize(n uint64) ConnectOption {
	return func(c *connectConfig) {
		c.blockSize = n
	}
}

// WithReadOnly marks the device as read-only.
func WithReadOnly(ro bool) ConnectOption {
	return func(c *connectConfig) {
		c.readOnly = ro
	}
}

// WithMultiConn tells the kernel that the server can handle multiple
// connections.
func WithMultiConn(ok bool) ConnectOption {
	return func(c *connectConfig) {
		c.multiConn = ok
	}
}

// WithConnections limits the number of connections handed to the kernel to
// the first n sockets. By default, all sockets are used.
func WithConnections(n int) ConnectOption {
	return func(c *connectConfig) {
		c.conns = n
	}
}

// WithTimeout sets the read-timeout for the NBD client to d. The kernel uses
// a granularity of seconds, so d is rounded up.
func WithTimeout(d time.Duration) ConnectOption {
	return func(c *connectConfig) {
		c.timeout = d
	}
}

// WithDeadconnTimeout sets the timeout after which the client considers a
// server unreachable to d.
func WithDeadconnTimeout(d time.Duration) ConnectOption {
	return func(c *connectConfig) {
		c.deadconn = d
	}
}

// WithClientFlags sets the flags configuring the client.
func WithClientFlags(cf ClientFlags) ConnectOption {
	return func(c *connectConfig) {
		c.clientFlags = cf
		c.hasClientFlags = true
	}
}

// WithServerFlags sets the flags the server announced. FlagHasFlags is
// always set.
func WithServerFlags(sf ServerFlags) ConnectOption {
	return func(c *connectConfig) {
		c.flags = sf
	}
}

// WithBackendIdentifier sets an identifier for the backing storage, which is
// exposed in sysfs. It requires Linux 5.19 or newer.
func WithBackendIdentifier(id string) ConnectOption {
	return func(c *connectConfig) {
		c.backend = id
	}
}

func newConnectConfig(opts []ConnectOption) *connectConfig {
	cfg := &connectConfig{index: IndexAny}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// serverFlags combines the server flags with the boolean options.
func (c *connectConfig) serverFlags() ServerFlags {
	sf := c.flags | FlagHasFlags
	if c.readOnly {
		sf |= FlagReadOnly
	}
	if c.multiConn {
		sf |= FlagCanMulticonn
	}
	return sf
}

// commonAttributes returns the attributes shared by connect and reconfigure.
func (c *connectConfig) commonAttributes() []Attribute {
	var attrs []Attribute
	if c.timeout > 0 {
		attrs = append(attrs, Uint64Attribute(attrTimeout, seconds(c.timeout)))
	}
	if c.deadconn > 0 {
		attrs = append(attrs, Uint64Attribute(attrDeadconnTimeout, seconds(c.deadconn)))
	}
	return attrs
}

func seconds(d time.Duration) uint64 {
	return uint64((d + time.Second - 1) / time.Second)
}

func (c *connectConfig) validateTimeouts() error {
	if c.timeout < 0 {
		return &ConfigError{Field: "timeout", Reason: fmt.Sprintf("negative duration %v", c.timeout)}
	}
	if c.deadconn < 0 {
		return &ConfigError{Field: "dead connection timeout", Reason: fmt.Sprintf("negative duration %v", c.deadconn)}
	}
	return nil
}

func validateSockets(socks []*os.File) error {
	for i, s := range socks {
		if s == nil {
			return &ConfigError{Field: "sockets", Reason: fmt.Sprintf("socket %d is nil", i)}
		}
	}
	return nil
}

// validate checks the configuration of a connect call and returns the
// sockets to pass to the kernel.
func (c *connectConfig) validate(size uint64, socks []*os.File) ([]*os.File, error) {
	if size == 0 {
		return nil, &ConfigError{Field: "size", Reason: "must be positive"}
	}
	if c.blockSize != 0 {
		if bits.OnesCount64(c.blockSize) != 1 {
			return nil, &ConfigError{Field: "block size", Reason: fmt.Sprintf("%d is not a power of two", c.blockSize)}
		}
		if size%c.blockSize != 0 {
			return nil, &ConfigError{Field: "size", Reason: fmt.Sprintf("%d is not a multiple of the block size %d", size, c.blockSize)}
		}
	}
	if len(socks) == 0 {
		return nil, &ConfigError{Field: "sockets", Reason: "at least one socket is required"}
	}
	if err := validateSockets(socks); err != nil {
		return nil, err
	}
	n := c.conns
	if n == 0 {
		n = len(socks)
	}
	if n < 0 || n > len(socks) {
		return nil, &ConfigError{Field: "connections", Reason: fmt.Sprintf("%d connections requested, %d sockets given", c.conns, len(socks))}
	}
	if err := c.validateTimeouts(); err != nil {
		return nil, err
	}
	return socks[:n], nil
}

// Connect instructs the kernel to connect the given set of sockets to an NBD
// device of the given size. socks must be NBD connections in transmission
// mode. It returns the index of the device, /dev/nbd<index>.
//
// The sockets are borrowed for the duration of the call. Once Connect
// returns, the kernel holds its own reference and the caller may close socks.
//
// If Connect fails with a *TransportError (including a cancelled ctx), the
// state of the device is unknown and should be checked with Status before
// trying again.
func (c *Conn) Connect(ctx context.Context, socks []*os.File, size uint64, opts ...ConnectOption) (uint32, error) {
	cfg := newConnectConfig(opts)
	use, err := cfg.validate(size, socks)
	if err != nil {
		return 0, err
	}
	req, err := buildConnect(size, cfg, use)
	if err != nil {
		return 0, err
	}
	msgs, err := c.execute(ctx, req)
	// The descriptors must stay open until the kernel has duplicated them.
	runtime.KeepAlive(socks)
	if err != nil {
		return 0, err
	}
	idx, err := parseConnectReply(msgs)
	if err != nil {
		return 0, err
	}
	c.log.Info("connected nbd device", "index", idx, "size", size, "sockets", len(use))
	return idx, nil
}

// Reconfigure reconfigures the device idx. socks may be used to replace dead
// connections. Only WithTimeout, WithDeadconnTimeout and WithClientFlags are
// used by Reconfigure, other options are ignored.
func (c *Conn) Reconfigure(ctx context.Context, idx uint32, socks []*os.File, opts ...ConnectOption) error {
	if idx == IndexAny {
		return &ConfigError{Field: "index", Reason: "a device index is required"}
	}
	cfg := newConnectConfig(opts)
	if err := validateSockets(socks); err != nil {
		return err
	}
	if err := cfg.validateTimeouts(); err != nil {
		return err
	}
	req, err := buildReconfigure(idx, cfg, socks)
	if err != nil {
		return err
	}
	_, err = c.execute(ctx, req)
	runtime.KeepAlive(socks)
	return err
}

// Disconnect instructs the kernel to disconnect the given device.
func (c *Conn) Disconnect(ctx context.Context, idx uint32) error {
	if idx == IndexAny {
		return &ConfigError{Field: "index", Reason: "a device index is required"}
	}
	req, err := buildDisconnect(idx)
	if err != nil {
		return err
	}
	if _, err := c.execute(ctx, req); err != nil {
		return err
	}
	c.log.Info("disconnected nbd device", "index", idx)
	return nil
}

// DeviceStatus is the status of an NBD device.
type DeviceStatus struct {
	Index     uint32
	Connected bool
}

// Status returns the status of the given NBD device.
func (c *Conn) Status(ctx context.Context, idx uint32) (DeviceStatus, error) {
	if idx == IndexAny {
		return DeviceStatus{}, &ConfigError{Field: "index", Reason: "a device index is required"}
	}
	li, err := c.status(ctx, idx)
	if err != nil {
		return DeviceStatus{}, err
	}
	for _, st := range li {
		if st.Index == idx {
			return st, nil
		}
	}
	return DeviceStatus{}, fmt.Errorf("nbd%d: %w", idx, ErrDeviceNotFound)
}

// StatusAll lists all NBD devices and their corresponding status, in the
// order reported by the kernel.
func (c *Conn) StatusAll(ctx context.Context) ([]DeviceStatus, error) {
	return c.status(ctx, IndexAny)
}

func (c *Conn) status(ctx context.Context, idx uint32) ([]DeviceStatus, error) {
	req, err := buildStatus(idx)
	if err != nil {
		return nil, err
	}
	msgs, err := c.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseStatus(msgs)
}
