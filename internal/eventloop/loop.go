package eventloop

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/tinykv/tinykv/internal/conn"
	"github.com/tinykv/tinykv/internal/constants"
	"github.com/tinykv/tinykv/internal/interfaces"
	"github.com/tinykv/tinykv/internal/protocol"
)

// Loop is the single-threaded reactor: one listening socket, a sparse
// table of open connections keyed by file descriptor, and a readiness
// wait/drive cycle that never blocks on one connection while another
// has work waiting. Every exported method except Stop must be called
// from the goroutine running Run.
type Loop struct {
	cfg        Config
	listenFd   int
	poller     Poller
	dispatcher *protocol.Dispatcher
	logger     interfaces.Logger

	conns map[int]*conn.Connection

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Loop bound to cfg.ListenAddr but does not yet start
// accepting connections; call Run to do that.
func New(cfg Config) (*Loop, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr()
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("eventloop: Config.Store is required")
	}

	fd, err := listen(cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	poller, err := NewPoller()
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventloop: create poller: %w", err)
	}
	if err := poller.Add(fd, InterestRead); err != nil {
		poller.Close()
		unix.Close(fd)
		return nil, fmt.Errorf("eventloop: register listener: %w", err)
	}

	return &Loop{
		cfg:        cfg,
		listenFd:   fd,
		poller:     poller,
		dispatcher: protocol.NewDispatcher(cfg.Store, cfg.Observer),
		logger:     cfg.Logger,
		conns:      make(map[int]*conn.Connection),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// listen creates a non-blocking, dual-purpose listening socket bound
// to addr using raw syscalls, mirroring how the rest of this codebase
// talks to the kernel directly rather than through net.Listen (whose
// returned fd is awkward to hand to a custom Poller).
func listen(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, fmt.Errorf("eventloop: bad listen addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, fmt.Errorf("eventloop: bad port in %q: %w", addr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("eventloop: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("eventloop: setsockopt SO_REUSEADDR: %w", err)
	}

	var sa unix.SockaddrInet4
	sa.Port = port
	if host != "" && host != "0.0.0.0" {
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			unix.Close(fd)
			return -1, fmt.Errorf("eventloop: bad listen host %q (IPv4 only)", host)
		}
		copy(sa.Addr[:], ip.To4())
	}

	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("eventloop: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("eventloop: listen: %w", err)
	}
	return fd, nil
}

// Addr reports the address the loop is bound to.
func (l *Loop) Addr() string { return l.cfg.ListenAddr }

// Run drives the reactor until Stop is called or an unrecoverable
// poller error occurs. It blocks the calling goroutine.
func (l *Loop) Run() error {
	defer close(l.doneCh)
	for {
		select {
		case <-l.stopCh:
			return l.shutdown()
		default:
		}

		events, err := l.poller.Wait(constants.IdleWaitTimeout)
		if err != nil {
			return fmt.Errorf("eventloop: poller wait: %w", err)
		}

		for _, ev := range events {
			if ev.Fd == l.listenFd {
				l.acceptAll()
				continue
			}
			l.drive(ev)
		}
	}
}

// Stop requests the loop to shut down and blocks until Run has
// returned. Safe to call from any goroutine, at most once.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

func (l *Loop) shutdown() error {
	for fd, c := range l.conns {
		_ = c.Close()
		delete(l.conns, fd)
	}
	l.poller.Close()
	return unix.Close(l.listenFd)
}

// acceptAll drains every pending connection on the listening socket in
// one pass, since a single readiness notification may represent more
// than one backlogged SYN.
func (l *Loop) acceptAll() {
	for {
		fd, _, err := unix.Accept4(l.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				l.logf("accept: %v", err)
			}
			return
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		c := conn.New(fd)
		if err := l.poller.Add(fd, InterestRead); err != nil {
			l.logf("register connection fd=%d: %v", fd, err)
			_ = c.Close()
			continue
		}
		l.conns[fd] = c
		l.observeOpen()
	}
}

// drive handles one readiness notification for an already-open
// connection: reads what's available, dispatches every fully-buffered
// request, queues responses, and flushes pending output. A connection
// that hits a protocol violation or peer close is torn down here.
func (l *Loop) drive(ev Event) {
	c, ok := l.conns[ev.Fd]
	if !ok {
		return
	}

	if ev.Readable && c.State() != conn.Closing {
		if err := l.driveRead(c); err != nil {
			l.closeConn(c)
			return
		}
	}

	if ev.Writable || c.WantWrite() {
		if err := c.DriveWrite(); err != nil {
			l.closeConn(c)
			return
		}
	}

	if c.State() == conn.Closing && !c.WantWrite() {
		l.closeConn(c)
		return
	}

	l.rearm(c)
}

// driveRead performs one read(2), then drains every pipelined request
// already sitting in the connection's buffer before returning.
func (l *Loop) driveRead(c *conn.Connection) error {
	_, closed, err := c.DriveRead()
	if err != nil {
		if err == conn.ErrProtocolViolation {
			l.observeProtoErr()
		}
		return err
	}
	if closed {
		c.MarkClosing()
		return nil
	}

	for {
		args, ok, err := c.TryExtractOne()
		if err != nil {
			l.observeProtoErr()
			return err
		}
		if !ok {
			break
		}
		code, payload := l.dispatcher.Dispatch(args)
		c.QueueResponse(protocol.EncodeResponse(code, payload))
	}
	return nil
}

func (l *Loop) rearm(c *conn.Connection) {
	interest := InterestRead
	if c.WantWrite() {
		interest |= InterestWrite
	}
	if err := l.poller.Modify(c.Fd(), interest); err != nil {
		l.closeConn(c)
	}
}

func (l *Loop) closeConn(c *conn.Connection) {
	fd := c.Fd()
	_ = l.poller.Remove(fd)
	_ = c.Close()
	delete(l.conns, fd)
	l.observeClose()
}

func (l *Loop) logf(format string, args ...interface{}) {
	if l.logger != nil {
		l.logger.Printf("eventloop: "+format, args...)
	}
}

func (l *Loop) observeOpen() {
	if l.cfg.Observer != nil {
		l.cfg.Observer.ObserveConnectionOpened()
	}
}

func (l *Loop) observeClose() {
	if l.cfg.Observer != nil {
		l.cfg.Observer.ObserveConnectionClosed()
	}
}

func (l *Loop) observeProtoErr() {
	if l.cfg.Observer != nil {
		l.cfg.Observer.ObserveProtocolError()
	}
}
