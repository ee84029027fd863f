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
	"os"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

// request is a single generic netlink request to the nbd family.
type request struct {
	op    string
	msg   genetlink.Message
	flags netlink.HeaderFlags
}

func newRequest(op string, cmd uint8, flags netlink.HeaderFlags, attrs []Attribute) (request, error) {
	body, err := MarshalAttributes(attrs)
	if err != nil {
		return request{}, err
	}
	return request{
		op: op,
		msg: genetlink.Message{
			Header: genetlink.Header{
				Command: cmd,
				Version: version,
			},
			Data: body,
		},
		flags: flags,
	}, nil
}

// Policies for the replies sent by the kernel. The kernel does not set the
// nested flag on the device list, so it has to be described here.
var (
	indexPolicy = Policy{
		attrIndex: {Kind: KindUint32},
	}
	statusPolicy = Policy{
		attrDeviceList: {Kind: KindNested, Policy: Policy{
			deviceItem: {Kind: KindNested, Policy: Policy{
				deviceIndex:     {Kind: KindUint32},
				deviceConnected: {Kind: KindUint8},
			}},
		}},
	}
)

func buildConnect(size uint64, cfg *connectConfig, socks []*os.File) (request, error) {
	if len(socks) == 0 {
		return request{}, &ConfigError{Field: "sockets", Reason: "at least one socket is required"}
	}
	var attrs []Attribute
	if cfg.index != IndexAny {
		attrs = append(attrs, Uint32Attribute(attrIndex, cfg.index))
	}
	attrs = append(attrs, Uint64Attribute(attrSizeBytes, size))
	if cfg.blockSize != 0 {
		attrs = append(attrs, Uint64Attribute(attrBlockSizeBytes, cfg.blockSize))
	}
	attrs = append(attrs, cfg.commonAttributes()...)
	attrs = append(attrs,
		Uint64Attribute(attrServerFlags, uint64(cfg.serverFlags())),
		Uint64Attribute(attrClientFlags, uint64(cfg.clientFlags)),
		encodeSockets(socks),
	)
	if cfg.backend != "" {
		attrs = append(attrs, StringAttribute(attrBackendIdentifier, cfg.backend))
	}
	return newRequest("connect", cmdConnect, netlink.Request, attrs)
}

func buildReconfigure(idx uint32, cfg *connectConfig, socks []*os.File) (request, error) {
	attrs := []Attribute{Uint32Attribute(attrIndex, idx)}
	attrs = append(attrs, cfg.commonAttributes()...)
	if cfg.hasClientFlags {
		attrs = append(attrs, Uint64Attribute(attrClientFlags, uint64(cfg.clientFlags)))
	}
	if len(socks) > 0 {
		attrs = append(attrs, encodeSockets(socks))
	}
	// Note: nbd_genl_reconfigure doesn't send a reply, so we need to set the
	// ACK flag here to request a reply from the transport.
	return newRequest("reconfigure", cmdReconfigure, netlink.Request|netlink.Acknowledge, attrs)
}

func buildDisconnect(idx uint32) (request, error) {
	// Note: nbd_genl_disconnect doesn't send a reply, so we need to set the ACK
	// flag here to request a reply from the transport.
	return newRequest("disconnect", cmdDisconnect, netlink.Request|netlink.Acknowledge, []Attribute{
		Uint32Attribute(attrIndex, idx),
	})
}

// buildStatus queries the device idx, or all devices for IndexAny.
func buildStatus(idx uint32) (request, error) {
	return newRequest("status", cmdStatus, netlink.Request, []Attribute{
		Uint32Attribute(attrIndex, idx),
	})
}

// encodeSockets returns the sockets attribute. The kernel duplicates every
// descriptor while handling the request.
func encodeSockets(socks []*os.File) Attribute {
	items := make([]Attribute, 0, len(socks))
	for _, s := range socks {
		items = append(items, NestedAttribute(sockItem, Uint32Attribute(sockFD, uint32(s.Fd()))))
	}
	return NestedAttribute(attrSockets, items...)
}

// parseConnectReply extracts the index of the connected device.
func parseConnectReply(msgs []genetlink.Message) (uint32, error) {
	for _, m := range msgs {
		attrs, err := UnmarshalAttributes(m.Data, indexPolicy)
		if err != nil {
			return 0, err
		}
		if a, ok := findAttribute(attrs, attrIndex); ok {
			return a.Uint32()
		}
	}
	return 0, &ProtocolError{Op: "connect", Reason: "no index returned by kernel"}
}

// parseStatus decodes the device list of a status reply, in the order sent by
// the kernel.
func parseStatus(msgs []genetlink.Message) ([]DeviceStatus, error) {
	if len(msgs) == 0 {
		return nil, &ProtocolError{Op: "status", Reason: "no reply from kernel"}
	}
	out := []DeviceStatus{}
	for _, m := range msgs {
		attrs, err := UnmarshalAttributes(m.Data, statusPolicy)
		if err != nil {
			return nil, err
		}
		for _, l := range attrs {
			for _, it := range l.Children {
				st, err := decodeDeviceItem(it)
				if err != nil {
					return nil, err
				}
				out = append(out, st)
			}
		}
	}
	return out, nil
}

func decodeDeviceItem(it Attribute) (DeviceStatus, error) {
	var st DeviceStatus
	a, ok := findAttribute(it.Children, deviceIndex)
	if !ok {
		return st, &ProtocolError{Op: "status", Reason: "device item without index"}
	}
	idx, err := a.Uint32()
	if err != nil {
		return st, err
	}
	st.Index = idx
	if a, ok := findAttribute(it.Children, deviceConnected); ok {
		v, err := a.Uint8()
		if err != nil {
			return st, err
		}
		st.Connected = v != 0
	}
	return st, nil
}
