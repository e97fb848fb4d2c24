//go:build !linux

package eventloop

import (
	"fmt"
	"runtime"
	"time"
)

// stubPoller lets the package build on non-Linux platforms; the server
// itself requires epoll or io_uring and refuses to start.
type stubPoller struct{}

// NewPoller reports that no readiness backend is available.
func NewPoller() (Poller, error) {
	return nil, fmt.Errorf("eventloop: no poller backend for GOOS=%s (requires linux)", runtime.GOOS)
}

func (stubPoller) Add(fd int, interest Interest) error    { return errUnsupported }
func (stubPoller) Modify(fd int, interest Interest) error { return errUnsupported }
func (stubPoller) Remove(fd int) error                    { return errUnsupported }
func (stubPoller) Wait(timeout time.Duration) ([]Event, error) {
	return nil, errUnsupported
}
func (stubPoller) Close() error { return errUnsupported }

var errUnsupported = fmt.Errorf("eventloop: unsupported on GOOS=%s", runtime.GOOS)
