package nbd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// Export describes an export as negotiated with the server.
type Export struct {
	Name       string
	Size       uint64
	Flags      uint16
	BlockSizes *BlockSizeConstraints
}

// BlockSizeConstraints are the block sizes a server announced for an export.
type BlockSizeConstraints struct {
	Min       uint32
	Preferred uint32
	Max       uint32
}

// Client is the client side of an NBD handshake in progress.
type Client struct {
	rw   io.ReadWriter
	done bool
}

// ClientHandshake reads the greeting of the server on c and answers it. Reads
// and writes of the returned Client fail once ctx is done.
//
// Only the fixed newstyle negotiation without zero padding is supported.
func ClientHandshake(ctx context.Context, c net.Conn) (*Client, error) {
	rw := wrapConn(ctx, c)
	var g greeting
	if err := binary.Read(rw, binary.BigEndian, &g); err != nil {
		return nil, fmt.Errorf("nbd: reading greeting: %w", err)
	}
	if g.Magic != magicNBD || g.OptMagic != magicOption {
		return nil, errors.New("nbd: server does not speak the newstyle protocol")
	}
	if g.Flags&handshakeFlags != handshakeFlags {
		return nil, fmt.Errorf("nbd: refusing handshake flags %#x", g.Flags)
	}
	if err := binary.Write(rw, binary.BigEndian, uint32(handshakeFlags)); err != nil {
		return nil, fmt.Errorf("nbd: sending client flags: %w", err)
	}
	return &Client{rw: rw}, nil
}

// Go selects the export name, or the default export if name is empty, and
// ends the handshake. On success, the connection is in transmission phase and
// its file descriptor can be passed to Configure. c can not be used after Go
// returns.
func (c *Client) Go(name string) (Export, error) {
	if c.done {
		return Export{}, errors.New("nbd: handshake already finished")
	}
	c.done = true

	b := binary.BigEndian.AppendUint64(nil, magicOption)
	b = binary.BigEndian.AppendUint32(b, optGo)
	b = binary.BigEndian.AppendUint32(b, uint32(4+len(name)+2+2*2))
	b = binary.BigEndian.AppendUint32(b, uint32(len(name)))
	b = append(b, name...)
	b = binary.BigEndian.AppendUint16(b, 2)
	b = binary.BigEndian.AppendUint16(b, infoExport)
	b = binary.BigEndian.AppendUint16(b, infoBlockSize)
	if _, err := c.rw.Write(b); err != nil {
		return Export{}, fmt.Errorf("nbd: sending NBD_OPT_GO: %w", err)
	}

	e := Export{Name: name}
	var sized bool
	for {
		typ, body, err := c.reply(optGo)
		if err != nil {
			return Export{}, err
		}
		switch typ {
		case repAck:
			if len(body) != 0 {
				return Export{}, errors.New("nbd: ack with payload")
			}
			if !sized {
				return Export{}, errors.New("nbd: server sent no export size")
			}
			return e, nil
		case repInfo:
			ok, err := e.setInfo(body)
			if err != nil {
				return Export{}, err
			}
			sized = sized || ok
		default:
			return Export{}, fmt.Errorf("nbd: unexpected reply type %d to NBD_OPT_GO", typ)
		}
	}
}

// reply reads the next reply to opt. Error replies are returned as a
// *ServerError.
func (c *Client) reply(opt uint32) (uint32, []byte, error) {
	var h replyHeader
	if err := binary.Read(c.rw, binary.BigEndian, &h); err != nil {
		return 0, nil, fmt.Errorf("nbd: reading reply: %w", err)
	}
	if h.Magic != magicReply {
		return 0, nil, fmt.Errorf("nbd: invalid reply magic %#x", h.Magic)
	}
	if h.Option != opt {
		return 0, nil, fmt.Errorf("nbd: reply to option %d, want %d", h.Option, opt)
	}
	if h.Length > maxReplyLength {
		return 0, nil, fmt.Errorf("nbd: reply of %d bytes too large", h.Length)
	}
	body := make([]byte, h.Length)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		return 0, nil, fmt.Errorf("nbd: reading reply: %w", err)
	}
	if h.Type&repErr != 0 {
		return 0, nil, &ServerError{Option: opt, code: optionError(h.Type), Msg: string(body)}
	}
	return h.Type, body, nil
}

// setInfo records an NBD_REP_INFO payload in e and reports whether it was
// the export size. Information types that were not requested are ignored.
func (e *Export) setInfo(b []byte) (bool, error) {
	if len(b) < 2 {
		return false, errors.New("nbd: short info reply")
	}
	switch typ, b := binary.BigEndian.Uint16(b), b[2:]; typ {
	case infoExport:
		if len(b) != 10 {
			return false, fmt.Errorf("nbd: export info of %d bytes", len(b))
		}
		e.Size = binary.BigEndian.Uint64(b)
		e.Flags = binary.BigEndian.Uint16(b[8:])
		return true, nil
	case infoBlockSize:
		if len(b) != 12 {
			return false, fmt.Errorf("nbd: block size info of %d bytes", len(b))
		}
		e.BlockSizes = &BlockSizeConstraints{
			Min:       binary.BigEndian.Uint32(b),
			Preferred: binary.BigEndian.Uint32(b[4:]),
			Max:       binary.BigEndian.Uint32(b[8:]),
		}
	}
	return false, nil
}
