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
	"fmt"
	"math"

	"github.com/josharian/native"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

const (
	attrHeaderLen = 4
	attrAlignTo   = 4
	// attrTypeMask strips the nested flag from a type tag. The byte order
	// flag is left in place, as no NBD attribute uses it.
	attrTypeMask = ^uint16(netlink.Nested)
)

func attrAlign(n int) int {
	return (n + attrAlignTo - 1) &^ (attrAlignTo - 1)
}

// An Attribute is a node in a netlink attribute tree. It either carries a
// scalar payload in Data, or, if Nested is set, the child attributes in
// Children.
//
// Numeric payloads are in host byte order, as the kernel expects them.
type Attribute struct {
	Type     uint16
	Nested   bool
	Data     []byte
	Children []Attribute
}

// Uint8Attribute returns a scalar attribute holding v.
func Uint8Attribute(typ uint16, v uint8) Attribute {
	return Attribute{Type: typ, Data: nlenc.Uint8Bytes(v)}
}

// Uint32Attribute returns a scalar attribute holding v.
func Uint32Attribute(typ uint16, v uint32) Attribute {
	return Attribute{Type: typ, Data: nlenc.Uint32Bytes(v)}
}

// Uint64Attribute returns a scalar attribute holding v.
func Uint64Attribute(typ uint16, v uint64) Attribute {
	return Attribute{Type: typ, Data: nlenc.Uint64Bytes(v)}
}

// StringAttribute returns a scalar attribute holding s as a NUL-terminated
// string.
func StringAttribute(typ uint16, s string) Attribute {
	return Attribute{Type: typ, Data: nlenc.Bytes(s)}
}

// NestedAttribute returns an attribute containing children.
func NestedAttribute(typ uint16, children ...Attribute) Attribute {
	if children == nil {
		children = []Attribute{}
	}
	return Attribute{Type: typ, Nested: true, Children: children}
}

// Uint8 interprets a as an 8-bit integer.
func (a Attribute) Uint8() (uint8, error) {
	if err := a.checkScalar(1); err != nil {
		return 0, err
	}
	return nlenc.Uint8(a.Data), nil
}

// Uint32 interprets a as a 32-bit integer.
func (a Attribute) Uint32() (uint32, error) {
	if err := a.checkScalar(4); err != nil {
		return 0, err
	}
	return nlenc.Uint32(a.Data), nil
}

// Uint64 interprets a as a 64-bit integer.
func (a Attribute) Uint64() (uint64, error) {
	if err := a.checkScalar(8); err != nil {
		return 0, err
	}
	return nlenc.Uint64(a.Data), nil
}

// String interprets a as a string, dropping any trailing NUL bytes.
func (a Attribute) String() (string, error) {
	if a.Nested {
		return "", &MalformedAttributeError{Type: a.Type, Offset: -1, Reason: "nested attribute used as string"}
	}
	return nlenc.String(a.Data), nil
}

func (a Attribute) checkScalar(n int) error {
	if a.Nested {
		return &MalformedAttributeError{Type: a.Type, Offset: -1, Reason: "nested attribute used as scalar"}
	}
	if len(a.Data) != n {
		return &MalformedAttributeError{
			Type:   a.Type,
			Offset: -1,
			Reason: fmt.Sprintf("payload is %d bytes, want %d", len(a.Data), n),
		}
	}
	return nil
}

// MarshalAttributes encodes attrs into the layout used in netlink messages.
// Every attribute is a 2 byte length and 2 byte type header, followed by its
// payload, padded to a 4 byte boundary. Nested attributes have
// netlink.Nested set in their type.
func MarshalAttributes(attrs []Attribute) ([]byte, error) {
	return appendAttributes(nil, attrs)
}

func appendAttributes(b []byte, attrs []Attribute) ([]byte, error) {
	for _, a := range attrs {
		var err error
		if b, err = appendAttribute(b, a); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func appendAttribute(b []byte, a Attribute) ([]byte, error) {
	if a.Type&netlink.Nested != 0 {
		return nil, fmt.Errorf("nbdnl: attribute type %#x has the nested flag set", a.Type)
	}
	start := len(b)
	b = append(b, make([]byte, attrHeaderLen)...)
	typ := a.Type
	if a.Nested {
		typ |= netlink.Nested
		var err error
		if b, err = appendAttributes(b, a.Children); err != nil {
			return nil, err
		}
	} else {
		b = append(b, a.Data...)
	}
	n := len(b) - start
	if n > math.MaxUint16 {
		return nil, fmt.Errorf("nbdnl: attribute %d too large (%d bytes)", a.Type, n)
	}
	native.Endian.PutUint16(b[start:], uint16(n))
	native.Endian.PutUint16(b[start+2:], typ)
	return append(b, make([]byte, attrAlign(n)-n)...), nil
}

// Kind describes the expected payload of an attribute.
type Kind uint8

// Scalar kinds other than KindBinary and KindString must have exactly their
// size. KindNested attributes are decoded into Children, whether or not the
// nested flag is set.
const (
	// KindBinary accepts any payload.
	KindBinary Kind = iota
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	// KindString accepts any payload. Use Attribute.String to drop the NUL
	// terminator.
	KindString
	KindNested
)

func (k Kind) size() int {
	switch k {
	case KindUint8:
		return 1
	case KindUint16:
		return 2
	case KindUint32:
		return 4
	case KindUint64:
		return 8
	}
	return -1
}

// A Rule describes one attribute type of a Policy.
type Rule struct {
	Kind Kind
	// Policy applies to the children of a KindNested attribute.
	Policy Policy
}

// A Policy describes the attributes expected at one level of a tree. Types
// that are not in the policy are skipped when decoding, so that newer kernels
// can add attributes. A nil Policy accepts every attribute and treats it as
// nested exactly if its nested flag is set.
type Policy map[uint16]Rule

// UnmarshalAttributes decodes b into a tree of attributes according to p.
// The returned scalar payloads alias b.
//
// Any structural problem (truncated header or payload, a length that does
// not fit the buffer, missing padding, a scalar of the wrong size) results in
// a *MalformedAttributeError.
func UnmarshalAttributes(b []byte, p Policy) ([]Attribute, error) {
	return unmarshalAttributes(b, 0, p)
}

func unmarshalAttributes(b []byte, off int, p Policy) ([]Attribute, error) {
	attrs := []Attribute{}
	for len(b) > 0 {
		if len(b) < attrHeaderLen {
			return nil, &MalformedAttributeError{Offset: off, Reason: fmt.Sprintf("truncated header (%d bytes left)", len(b))}
		}
		l := int(native.Endian.Uint16(b[0:2]))
		raw := native.Endian.Uint16(b[2:4])
		typ := raw & attrTypeMask
		if l < attrHeaderLen {
			return nil, &MalformedAttributeError{Type: typ, Offset: off, Reason: fmt.Sprintf("length %d shorter than header", l)}
		}
		if l > len(b) {
			return nil, &MalformedAttributeError{Type: typ, Offset: off, Reason: fmt.Sprintf("length %d exceeds remaining %d bytes", l, len(b))}
		}
		next := attrAlign(l)
		if next > len(b) {
			// Only the very last attribute of a buffer may omit its
			// padding.
			if l != len(b) {
				return nil, &MalformedAttributeError{Type: typ, Offset: off, Reason: "inconsistent padding"}
			}
			next = l
		}
		payload := b[attrHeaderLen:l]

		rule, known := p[typ]
		if p != nil && !known {
			b, off = b[next:], off+next
			continue
		}
		nested := raw&netlink.Nested != 0
		if p != nil {
			nested = rule.Kind == KindNested
		}

		a := Attribute{Type: typ, Nested: nested}
		if nested {
			children, err := unmarshalAttributes(payload, off+attrHeaderLen, rule.Policy)
			if err != nil {
				return nil, err
			}
			a.Children = children
		} else {
			if n := rule.Kind.size(); p != nil && n >= 0 && len(payload) != n {
				return nil, &MalformedAttributeError{
					Type:   typ,
					Offset: off,
					Reason: fmt.Sprintf("payload is %d bytes, want %d", len(payload), n),
				}
			}
			a.Data = payload
		}
		attrs = append(attrs, a)
		b, off = b[next:], off+next
	}
	return attrs, nil
}

// findAttribute returns the first attribute of type typ in attrs.
func findAttribute(attrs []Attribute, typ uint16) (Attribute, bool) {
	for _, a := range attrs {
		if a.Type == typ {
			return a, true
		}
	}
	return Attribute{}, false
}
