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
	"errors"
	"fmt"
	"os"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

var (
	// ErrFamilyNotFound is returned if the kernel has no "nbd" generic
	// netlink family, usually because the nbd module is not loaded.
	ErrFamilyNotFound = errors.New("nbd generic netlink family not found (is the nbd module loaded?)")

	// ErrDeviceBusy matches a *KernelError with EBUSY.
	ErrDeviceBusy = errors.New("device busy")
	// ErrPermissionDenied matches a *KernelError with EPERM or EACCES.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidParameter matches a *KernelError with EINVAL.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrDeviceNotFound is returned by Status, if the kernel reports no
	// device with the given index.
	ErrDeviceNotFound = errors.New("device not found")
)

// TransportError is an error of the netlink socket itself: it could not be
// created, an I/O operation failed or the operation was cancelled. If it
// happens during an exchange, the kernel may or may not have acted on the
// request.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("nbdnl: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// KernelError is an error reply from the kernel to a request. Use errors.Is
// with ErrDeviceBusy, ErrPermissionDenied or ErrInvalidParameter to check for
// common causes. Errno always carries the raw code.
type KernelError struct {
	Op    string
	Errno unix.Errno
	// Message is the extended acknowledgement text, if the kernel sent one.
	Message string
}

func (e *KernelError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("nbdnl: %s: %v: %s", e.Op, e.Errno, e.Message)
	}
	return fmt.Sprintf("nbdnl: %s: %v", e.Op, e.Errno)
}

func (e *KernelError) Unwrap() error {
	return e.Errno
}

func (e *KernelError) Is(target error) bool {
	switch target {
	case ErrDeviceBusy:
		return e.Errno == unix.EBUSY
	case ErrPermissionDenied:
		return e.Errno == unix.EPERM || e.Errno == unix.EACCES
	case ErrInvalidParameter:
		return e.Errno == unix.EINVAL
	}
	return false
}

// MalformedAttributeError is returned when an attribute can not be decoded.
// Offset is the position of the attribute in the decoded buffer, or -1 if
// unknown.
type MalformedAttributeError struct {
	Type   uint16
	Offset int
	Reason string
}

func (e *MalformedAttributeError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("nbdnl: malformed attribute %d: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("nbdnl: malformed attribute %d at offset %d: %s", e.Type, e.Offset, e.Reason)
}

// ProtocolError is returned if a reply from the kernel is well-formed but
// does not contain what the protocol requires. It indicates a mismatch
// between the kernel and this package and should not be retried.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("nbdnl: %s: protocol error: %s", e.Op, e.Reason)
}

// ConfigError is returned if the arguments to an operation are invalid. It is
// always returned before anything is sent to the kernel.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("nbdnl: invalid %s: %s", e.Field, e.Reason)
}

// replyError converts an error from the netlink connection. Error codes
// received in netlink replies become a *KernelError, everything else a
// *TransportError.
func replyError(op string, err error) error {
	// Errors of the socket system calls are wrapped in an *os.SyscallError,
	// error replies are not.
	var serr *os.SyscallError
	if errors.As(err, &serr) {
		return &TransportError{Op: op, Err: err}
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return &TransportError{Op: op, Err: err}
	}
	ke := &KernelError{Op: op, Errno: errno}
	var oerr *netlink.OpError
	if errors.As(err, &oerr) {
		ke.Message = oerr.Message
	}
	return ke
}
