package protocol

import (
	"time"

	"github.com/tinykv/tinykv/internal/hashmap"
	"github.com/tinykv/tinykv/internal/interfaces"
)

// Store is the subset of hashmap.HashMap the dispatcher depends on,
// declared separately so dispatch.go has no compile-time dependency on
// hashmap's concrete type beyond this file.
type Store interface {
	Lookup(key []byte, hash uint64) ([]byte, bool)
	Set(key, value []byte, hash uint64) bool
	Remove(key []byte, hash uint64) bool
}

var _ Store = (*hashmap.HashMap)(nil)

// Observer is the metrics-collection callback the dispatcher invokes
// around every command. It is the same interfaces.Observer the event
// loop reports connection/protocol events to, so
// one concrete *tinykv.Metrics can be wired in everywhere a server
// assembles its dependencies.
type Observer = interfaces.Observer

// noopObserver is used when the caller supplies none.
type noopObserver struct{}

func (noopObserver) ObserveGet(hit bool, latencyNs uint64) {}
func (noopObserver) ObserveSet(latencyNs uint64)           {}
func (noopObserver) ObserveDel(latencyNs uint64)           {}
func (noopObserver) ObserveUnknownCommand()                {}
func (noopObserver) ObserveProtocolError()                 {}
func (noopObserver) ObserveConnectionOpened()              {}
func (noopObserver) ObserveConnectionClosed()               {}
func (noopObserver) ObserveMigrationStep(nodesMoved int)   {}

// Dispatcher recognises get/set/del against a Store and produces the
// (rescode, payload) pair to encode into a response frame.
type Dispatcher struct {
	store    Store
	observer Observer
}

// NewDispatcher returns a Dispatcher over store. A nil observer is
// replaced with a no-op.
func NewDispatcher(store Store, observer Observer) *Dispatcher {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Dispatcher{store: store, observer: observer}
}

// Dispatch recognises argv[0] case-insensitively (ASCII only — the
// server has no locale and command names are not natural-language
// text) and applies get/set/del against the store. Anything else is a
// command-level error: the connection stays live and the caller
// replies with ERR.
func (d *Dispatcher) Dispatch(args [][]byte) (Rescode, []byte) {
	if len(args) == 0 {
		d.observer.ObserveUnknownCommand()
		return ERR, []byte("Unknown cmd")
	}

	start := time.Now()

	switch {
	case asciiEqualFold(args[0], "get") && len(args) == 2:
		value, found := d.store.Lookup(args[1], Hash(args[1]))
		d.observer.ObserveGet(found, uint64(time.Since(start).Nanoseconds()))
		if !found {
			return NX, nil
		}
		return OK, value

	case asciiEqualFold(args[0], "set") && len(args) == 3:
		d.store.Set(args[1], args[2], Hash(args[1]))
		d.observer.ObserveSet(uint64(time.Since(start).Nanoseconds()))
		return OK, nil

	case asciiEqualFold(args[0], "del") && len(args) == 2:
		d.store.Remove(args[1], Hash(args[1]))
		d.observer.ObserveDel(uint64(time.Since(start).Nanoseconds()))
		return OK, nil

	default:
		d.observer.ObserveUnknownCommand()
		return ERR, []byte("Unknown cmd")
	}
}

// asciiEqualFold reports whether b equals s under ASCII-only case
// folding, regardless of the process locale.
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := b[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != s[i] {
			return false
		}
	}
	return true
}
