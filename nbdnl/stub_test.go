//go:build linux

package nbdnl

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

var testFamily = genetlink.Family{
	ID:      0x1c,
	Name:    familyName,
	Version: version,
	Groups:  []genetlink.MulticastGroup{{ID: 9, Name: groupName}},
}

// stubConn emulates the kernel side of a generic netlink connection.
type stubConn struct {
	family      genetlink.Family
	familyErr   error
	familyCalls int

	// execute handles requests. If it is nil, Execute fails.
	execute func(m genetlink.Message, flags netlink.HeaderFlags) ([]genetlink.Message, error)
	calls   int

	// queued holds replies the kernel sent but nobody read yet. They are
	// returned by the next Receive or Execute, like on a real socket.
	queued []stubReply

	notify  chan []genetlink.Message
	expired chan struct{}
	once    sync.Once
	joined  []uint32

	mu       sync.Mutex
	deadline time.Time
	done     chan struct{}
	doneOnce sync.Once
}

type stubReply struct {
	msgs []genetlink.Message
	err  error
}

func (s *stubConn) queue(msgs []genetlink.Message, err error) {
	s.queued = append(s.queued, stubReply{msgs, err})
}

func (s *stubConn) pop() (stubReply, bool) {
	if len(s.queued) == 0 {
		return stubReply{}, false
	}
	r := s.queued[0]
	s.queued = s.queued[1:]
	return r, true
}

func newStub(fn func(m genetlink.Message, flags netlink.HeaderFlags) ([]genetlink.Message, error)) *stubConn {
	return &stubConn{
		family:  testFamily,
		execute: fn,
		notify:  make(chan []genetlink.Message, 8),
		expired: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *stubConn) GetFamily(name string) (genetlink.Family, error) {
	s.familyCalls++
	if s.familyErr != nil {
		return genetlink.Family{}, s.familyErr
	}
	if name != s.family.Name {
		return genetlink.Family{}, &netlink.OpError{Op: "receive", Err: unix.ENOENT}
	}
	return s.family, nil
}

func (s *stubConn) Execute(m genetlink.Message, family uint16, flags netlink.HeaderFlags) ([]genetlink.Message, error) {
	s.calls++
	if family != s.family.ID {
		return nil, &netlink.OpError{Op: "receive", Err: unix.ENOENT}
	}
	if r, ok := s.pop(); ok {
		return r.msgs, r.err
	}
	if s.execute == nil {
		return nil, &netlink.OpError{Op: "receive", Err: unix.EOPNOTSUPP}
	}
	return s.execute(m, flags)
}

func (s *stubConn) Receive() ([]genetlink.Message, []netlink.Message, error) {
	if r, ok := s.pop(); ok {
		return r.msgs, nil, r.err
	}
	var timeout <-chan time.Time
	s.mu.Lock()
	if !s.deadline.IsZero() {
		timeout = time.After(time.Until(s.deadline))
	}
	s.mu.Unlock()
	select {
	case msgs := <-s.notify:
		return msgs, nil, nil
	case <-s.expired:
	case <-timeout:
	case <-s.done:
		return nil, nil, &netlink.OpError{Op: "receive", Err: os.ErrClosed}
	}
	return nil, nil, &netlink.OpError{Op: "receive", Err: os.ErrDeadlineExceeded}
}

func (s *stubConn) JoinGroup(group uint32) error {
	s.joined = append(s.joined, group)
	return nil
}

func (s *stubConn) LeaveGroup(group uint32) error {
	return nil
}

func (s *stubConn) SetDeadline(t time.Time) error {
	if !t.IsZero() && t.Before(time.Now()) {
		s.once.Do(func() { close(s.expired) })
	}
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
	return nil
}

func (s *stubConn) Close() error {
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

// newTestConn returns a Conn talking to s.
func newTestConn(t *testing.T, s *stubConn) *Conn {
	t.Helper()
	c, err := newConn(s)
	if err != nil {
		t.Fatalf("newConn() = %v", err)
	}
	return c
}

// reply returns a generic netlink message carrying attrs.
func reply(t *testing.T, cmd uint8, attrs ...Attribute) genetlink.Message {
	t.Helper()
	return genetlink.Message{
		Header: genetlink.Header{Command: cmd, Version: version},
		Data:   mustMarshal(t, attrs...),
	}
}

// socketPair returns a connected pair of unix sockets, closed at the end of
// the test.
func socketPair(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	a, b := os.NewFile(uintptr(fds[0]), "client"), os.NewFile(uintptr(fds[1]), "server")
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}
