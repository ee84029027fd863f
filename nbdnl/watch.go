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
	"sync"
	"time"
)

// WatchLinkDead subscribes to the notifications of the NBD driver and calls
// fn with the index of every device whose connection to the server died. It
// blocks until ctx is cancelled, in which case it returns ctx.Err(), or an
// error occurs.
//
// Notifications arrive on the same socket as replies, so other calls on c
// block until WatchLinkDead returns. fn runs on the calling goroutine and must
// not call methods of c, except Close, which makes WatchLinkDead return. Use
// a second Conn to act on dead devices.
func (c *Conn) WatchLinkDead(ctx context.Context, fn func(idx uint32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Notifications may arrive until the group is left.
	defer func() { c.stale = true }()

	fam, err := c.resolveFamily()
	if err != nil {
		return err
	}
	var (
		group uint32
		found bool
	)
	for _, g := range fam.Groups {
		if g.Name == groupName {
			group, found = g.ID, true
			break
		}
	}
	if !found {
		return &ProtocolError{Op: "watch", Reason: "kernel does not provide the " + groupName + " multicast group"}
	}
	if err := c.c.JoinGroup(group); err != nil {
		return &TransportError{Op: "join group", Err: err}
	}
	defer c.c.LeaveGroup(group)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			c.c.SetDeadline(time.Unix(1, 0))
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
		c.c.SetDeadline(time.Time{})
	}()

	c.log.Debug("watching for dead links", "group", group)
	for {
		msgs, _, err := c.c.Receive()
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return &TransportError{Op: "watch", Err: err}
		}
		for _, m := range msgs {
			if m.Header.Command != cmdLinkDead {
				continue
			}
			attrs, err := UnmarshalAttributes(m.Data, indexPolicy)
			if err != nil {
				return err
			}
			a, ok := findAttribute(attrs, attrIndex)
			if !ok {
				return &ProtocolError{Op: "watch", Reason: "link dead notification without index"}
			}
			idx, err := a.Uint32()
			if err != nil {
				return err
			}
			c.log.Warn("nbd link dead", "index", idx)
			fn(idx)
		}
	}
}
