//go:build linux && !iouringpoll

package eventloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the default Poller backend: a thin wrapper over
// epoll_create1/epoll_ctl/epoll_wait. This is the backend used unless
// the process is built with -tags iouringpoll.
type epollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewPoller constructs the default Poller for this platform.
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 256),
	}, nil
}

func epollMask(interest Interest) uint32 {
	mask := uint32(unix.EPOLLRDHUP)
	if interest&InterestRead != 0 {
		mask |= unix.EPOLLIN
	}
	if interest&InterestWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *epollPoller) Add(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: epollMask(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) Modify(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: epollMask(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (p *epollPoller) Wait(timeout time.Duration) ([]Event, error) {
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(p.epfd, p.events, ms)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		raw := p.events[i]
		out = append(out, Event{
			Fd:       int(raw.Fd),
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Err:      raw.Events&unix.EPOLLERR != 0,
		})
	}
	return out, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
