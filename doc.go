// Package nbd implements the client side of the NBD network protocol
// handshake and hooks negotiated connections up to the Linux kernel.
//
// You can find a full description of the protocol at
// https://sourceforge.net/p/nbd/code/ci/master/tree/doc/proto.md
//
// The protocol is split into two phases: The handshake phase, which allows
// the client and server to negotiate their respective capabilities and what
// export to use. And the transmission phase, for actually reading/writing to
// the block device. The transmission phase is handled by the kernel.
//
// ClientHandshake starts the client side of the handshake and Client.Go
// selects an export and enters transmission phase. The returned Export can
// then be passed to Configure (linux only) to hook the connection up to an NBD
// device (/dev/nbdX) via the nbdnl package. No goroutine has to stay around
// for the device to keep working.
package nbd
