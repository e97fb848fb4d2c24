package eventloop

import (
	"strconv"

	"github.com/tinykv/tinykv/internal/constants"
	"github.com/tinykv/tinykv/internal/interfaces"
	"github.com/tinykv/tinykv/internal/protocol"
)

// Config carries everything the Loop needs to bind and serve.
type Config struct {
	// ListenAddr is the address to bind, e.g. "0.0.0.0:1234". If empty,
	// DefaultListenAddr and DefaultPort are used.
	ListenAddr string

	Store    protocol.Store
	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// DefaultConfig returns a Config bound to the wildcard address and
// default port; Store must still be supplied by the caller.
func DefaultConfig(store protocol.Store) Config {
	return Config{
		ListenAddr: defaultListenAddr(),
		Store:      store,
	}
}

func defaultListenAddr() string {
	return constants.DefaultListenAddr + ":" + strconv.Itoa(constants.DefaultPort)
}
