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

package nbdnl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// genlConn is the part of *genetlink.Conn used by Conn.
type genlConn interface {
	GetFamily(name string) (genetlink.Family, error)
	Execute(m genetlink.Message, family uint16, flags netlink.HeaderFlags) ([]genetlink.Message, error)
	Receive() ([]genetlink.Message, []netlink.Message, error)
	JoinGroup(group uint32) error
	LeaveGroup(group uint32) error
	SetDeadline(t time.Time) error
	Close() error
}

var _ genlConn = (*genetlink.Conn)(nil)

// Conn is a generic netlink connection to the kernel NBD driver. A Conn owns
// its socket; Close must be called to release it.
//
// Calls on a Conn are serialized, so it may be shared between goroutines, but
// each call waits for the previous one to finish. Use one Conn per goroutine
// for independent operations.
type Conn struct {
	log hclog.Logger

	mu       sync.Mutex
	c        genlConn
	family   genetlink.Family
	resolved bool
	// stale is set when an exchange ended without consuming its reply.
	stale bool
}

// drainWait bounds how long drain waits for replies of an interrupted
// exchange. Generic netlink handles requests inside sendmsg, so a reply is
// already queued when it matters and the wait only ends the final receive.
const drainWait = 10 * time.Millisecond

// DialOption configures a Conn.
type DialOption func(c *Conn)

// WithLogger sets the logger used by the Conn. By default, nothing is
// logged.
func WithLogger(l hclog.Logger) DialOption {
	return func(c *Conn) {
		c.log = l
	}
}

// Dial opens a generic netlink socket and resolves the nbd family. It fails
// with ErrFamilyNotFound if the kernel does not provide NBD netlink support.
func Dial(opts ...DialOption) (*Conn, error) {
	gc, err := genetlink.Dial(nil)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	c, err := newConn(gc, opts...)
	if err != nil {
		gc.Close()
		return nil, err
	}
	return c, nil
}

// NewConn uses an existing generic netlink connection to talk to the NBD
// driver and resolves the nbd family over it. On success, the returned Conn
// owns gc. On failure, gc is left open.
func NewConn(gc *genetlink.Conn, opts ...DialOption) (*Conn, error) {
	return newConn(gc, opts...)
}

func newConn(gc genlConn, opts ...DialOption) (*Conn, error) {
	c := &Conn{
		log: hclog.NewNullLogger(),
		c:   gc,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("nbdnl")
	if _, err := c.Family(); err != nil {
		return nil, err
	}
	return c, nil
}

// Close closes the underlying netlink socket. It interrupts a running
// WatchLinkDead.
func (c *Conn) Close() error {
	return c.c.Close()
}

// Family returns the nbd generic netlink family. It is only looked up once
// per Conn.
func (c *Conn) Family() (genetlink.Family, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveFamily()
}

func (c *Conn) resolveFamily() (genetlink.Family, error) {
	if c.resolved {
		return c.family, nil
	}
	fam, err := c.c.GetFamily(familyName)
	if err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, os.ErrNotExist) {
			return genetlink.Family{}, ErrFamilyNotFound
		}
		return genetlink.Family{}, &TransportError{Op: "resolve family", Err: err}
	}
	if fam.Version < version {
		return genetlink.Family{}, &ProtocolError{
			Op:     "resolve family",
			Reason: fmt.Sprintf("kernel does not support nbd-netlink v%d (has v%d)", version, fam.Version),
		}
	}
	c.log.Debug("resolved generic netlink family", "name", fam.Name, "id", fam.ID, "version", fam.Version)
	c.family, c.resolved = fam, true
	return fam, nil
}

// execute sends req and waits for the replies. The deadline of ctx is used as
// the socket deadline and cancelling ctx interrupts the call. In both cases,
// the request might or might not have been processed by the kernel.
func (c *Conn) execute(ctx context.Context, req request) ([]genetlink.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fam, err := c.resolveFamily()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: req.op, Err: err}
	}

	if c.stale {
		if err := c.drain(); err != nil {
			return nil, &TransportError{Op: req.op, Err: err}
		}
		c.stale = false
	}

	if dl, ok := ctx.Deadline(); ok {
		if err := c.c.SetDeadline(dl); err != nil {
			return nil, &TransportError{Op: req.op, Err: err}
		}
	}
	if done := ctx.Done(); done != nil {
		defer c.c.SetDeadline(time.Time{})
		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-done:
				// Unblocks a pending receive.
				c.c.SetDeadline(time.Unix(1, 0))
			case <-stop:
			}
		}()
		defer func() {
			close(stop)
			wg.Wait()
		}()
	}

	c.log.Debug("executing command", "op", req.op, "cmd", req.msg.Header.Command, "family", fam.ID, "flags", req.flags)
	msgs, err := c.c.Execute(req.msg, fam.ID, req.flags)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			c.stale = true
			return nil, &TransportError{Op: req.op, Err: cerr}
		}
		err = replyError(req.op, err)
		var kerr *KernelError
		if !errors.As(err, &kerr) {
			// The reply, if any, is still queued.
			c.stale = true
		}
		c.log.Debug("command failed", "op", req.op, "error", err)
		return nil, err
	}
	c.log.Trace("received reply", "op", req.op, "messages", len(msgs))
	return msgs, nil
}

// drain discards everything queued on the socket, so the next exchange does
// not read the replies to an earlier, interrupted one.
func (c *Conn) drain() error {
	if err := c.c.SetDeadline(time.Now().Add(drainWait)); err != nil {
		return err
	}
	defer c.c.SetDeadline(time.Time{})

	for n := 0; ; n++ {
		_, _, err := c.c.Receive()
		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
			if n > 0 {
				c.log.Debug("discarded stale replies", "count", n)
			}
			return nil
		case errors.Is(err, os.ErrClosed):
			return err
		default:
			var serr *os.SyscallError
			if errors.As(err, &serr) {
				return err
			}
			// An error reply to an earlier request.
		}
	}
}
