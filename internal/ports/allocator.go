// Package ports finds free loopback TCP ports inside a configured range.
//
// Allocation is two-layered: the caller passes the set of ports already
// reserved in the store, and every candidate is additionally probed with a
// transient bind on loopback. The reservation protects against concurrent
// daemon callers, the probe against stale reservations and other local
// processes.
package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrInvalidCount is returned when the requested count is not positive.
var ErrInvalidCount = errors.New("port count must be a positive integer")

// ExhaustedRangeError is returned when the range cannot yield enough
// free ports.
type ExhaustedRangeError struct {
	Count int
}

func (e *ExhaustedRangeError) Error() string {
	return fmt.Sprintf("Unable to allocate %d free ports in configured range", e.Count)
}

// Allocator hands out free TCP ports in [Start, End]. Concurrent calls
// are serialized so two racing callers cannot select the same port.
type Allocator struct {
	Start int
	End   int

	mu sync.Mutex
}

// New creates an allocator over the inclusive range [start, end].
func New(start, end int) *Allocator {
	return &Allocator{Start: start, End: end}
}

// AllocateMany returns count distinct ports in ascending order, none in
// reserved, each bindable on loopback at call time.
func (a *Allocator) AllocateMany(count int, reserved map[int]bool) ([]int, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	excluded := make(map[int]bool, len(reserved)+count)
	for p := range reserved {
		excluded[p] = true
	}

	ports := make([]int, 0, count)
	for p := a.Start; p <= a.End && len(ports) < count; p++ {
		if excluded[p] {
			continue
		}
		if !probe(p) {
			continue
		}
		excluded[p] = true
		ports = append(ports, p)
	}

	if len(ports) < count {
		return nil, &ExhaustedRangeError{Count: count}
	}
	return ports, nil
}

// probe checks that a port is currently bindable on loopback. The socket
// is released before returning.
func probe(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
