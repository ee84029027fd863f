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
	"errors"
	"io"
	"net"
	"time"
)

// pollInterval bounds every read and write, so that a cancelled context is
// noticed while the server is silent.
const pollInterval = 100 * time.Millisecond

// ctxConn makes reads and writes on a net.Conn fail with ctx.Err() once ctx
// is done. The deadline of c is reset after every call, so c can be handed to
// the kernel afterwards.
type ctxConn struct {
	ctx context.Context
	c   net.Conn
}

func wrapConn(ctx context.Context, c net.Conn) io.ReadWriter {
	return ctxConn{ctx, c}
}

func (c ctxConn) Read(p []byte) (int, error) {
	return c.do(p, c.c.Read, false)
}

func (c ctxConn) Write(p []byte) (int, error) {
	return c.do(p, c.c.Write, true)
}

// do calls f with the rest of p until the connection fails or ctx is done.
// If full is false, it returns as soon as any data was transferred.
func (c ctxConn) do(p []byte, f func([]byte) (int, error), full bool) (n int, err error) {
	defer c.c.SetDeadline(time.Time{})
	for {
		if err := c.ctx.Err(); err != nil {
			return n, err
		}
		dl := time.Now().Add(pollInterval)
		if d, ok := c.ctx.Deadline(); ok && d.Before(dl) {
			dl = d
		}
		if err := c.c.SetDeadline(dl); err != nil {
			return n, err
		}
		m, err := f(p[n:])
		n += m
		if err != nil {
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				return n, err
			}
		}
		if n == len(p) || (!full && n > 0) {
			return n, nil
		}
	}
}
