// Package poller wraps Linux epoll behind the small register/reregister/
// deregister/wait surface the event loop needs. A poll token is the raw file
// descriptor: fds are unique among a process's live descriptors, so no
// separate token counter is needed to tell sockets and CGI pipe ends apart.
package poller

import (
	"golang.org/x/sys/unix"
)

// Token identifies one registration. It is the underlying file descriptor.
type Token int32

// Interest is a bitmask of readiness a registration cares about.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
)

// Event reports readiness for one registered token.
type Event struct {
	Token    Token
	Readable bool
	Writable bool
	Error    bool
	HangUp   bool
}

// Poller is a thin wrapper over epoll(7).
type Poller struct {
	epfd int
}

// New creates a fresh epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{epfd: fd}, nil
}

func toEpollEvents(i Interest) uint32 {
	var ev uint32
	if i&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Register adds fd to the poll set with the given interest.
func (p *Poller) Register(fd int, interest Interest) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

// Reregister changes the interest set for an already-registered fd.
func (p *Poller) Reregister(fd int, interest Interest) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// Deregister removes fd from the poll set. Safe to call on an fd that is
// about to be closed; closing a registered fd also drops it from epoll, so
// this is mostly useful to detach interest before final close to avoid a
// spurious event on an fd value the kernel has already reused.
func (p *Poller) Deregister(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for up to timeoutMs milliseconds (or -1 to block forever) and
// returns the events that became ready.
func (p *Poller) Wait(timeoutMs int) ([]Event, error) {
	raw := make([]unix.EpollEvent, 1024)
	n, err := unix.EpollWait(p.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := raw[i]
		events = append(events, Event{
			Token:    Token(e.Fd),
			Readable: e.Events&unix.EPOLLIN != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Error:    e.Events&unix.EPOLLERR != 0,
			HangUp:   e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		})
	}
	return events, nil
}

// Close releases the underlying epoll descriptor.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// SetNonblocking puts fd into O_NONBLOCK mode, required for every descriptor
// driven through this poller.
func SetNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}
