package nbd

import "fmt"

// Handshake constants of the fixed newstyle negotiation.
const (
	magicNBD    = 0x4e42444d41474943 // "NBDMAGIC"
	magicOption = 0x49484156454f5054 // "IHAVEOPT"
	magicReply  = 0x0003e889045565a9

	handshakeFixedNewstyle = 1 << 0
	handshakeNoZeroes      = 1 << 1
	handshakeFlags         = handshakeFixedNewstyle | handshakeNoZeroes

	maxReplyLength = 4 << 20
)

// NBD_OPT_GO is the only option sent. The kernel takes over the connection
// right after it.
const optGo = 7

const (
	repAck  = 1
	repInfo = 3
	repErr  = 1 << 31
)

const (
	infoExport    = 0
	infoBlockSize = 3
)

// greeting is the first message of the server.
type greeting struct {
	Magic    uint64
	OptMagic uint64
	Flags    uint16
}

// replyHeader precedes every option reply.
type replyHeader struct {
	Magic  uint64
	Option uint32
	Type   uint32
	Length uint32
}

// optionError is the reply type of an option the server refused.
type optionError uint32

const (
	errUnsup optionError = repErr + 1 + iota
	errPolicy
	errInvalid
	errPlatform
	errTLSReqd
	errUnknown
	errShutdown
	errBlockSizeReqd
	errTooBig
)

func (e optionError) String() string {
	switch e {
	case errUnsup:
		return "option not supported"
	case errPolicy:
		return "forbidden by server policy"
	case errInvalid:
		return "invalid option"
	case errPlatform:
		return "not supported on server platform"
	case errTLSReqd:
		return "TLS required"
	case errUnknown:
		return "export not available"
	case errShutdown:
		return "server is shutting down"
	case errBlockSizeReqd:
		return "block size negotiation required"
	case errTooBig:
		return "request too big"
	}
	return fmt.Sprintf("NBD_REP_ERR(%d)", uint32(e)&^repErr)
}

// ServerError is an error reply sent by the server during the handshake.
type ServerError struct {
	Option uint32
	code   optionError
	Msg    string
}

func (e *ServerError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("nbd: option %d: %v: %s", e.Option, e.code, e.Msg)
	}
	return fmt.Sprintf("nbd: option %d: %v", e.Option, e.code)
}

// Unsupported returns whether the server rejected the option as unsupported.
func (e *ServerError) Unsupported() bool {
	return e.code == errUnsup
}

// Unknown returns whether the server does not provide the requested export.
func (e *ServerError) Unknown() bool {
	return e.code == errUnknown
}
