//go:build !linux

package hub

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// poller is the goroutine-per-connection fallback for non-Linux platforms.
// Each connection is wrapped in a buffered reader; a monitor goroutine peeks
// one byte (without consuming it) to detect readiness and then waits for the
// server to rearm it before peeking again.
type poller struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> rearm signal
	readyCh chan net.Conn
	done    chan struct{}
}

type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func newPoller() (*poller, error) {
	return &poller{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

func (p *poller) add(conn net.Conn) (net.Conn, error) {
	wrapped := &peekConn{Conn: conn, r: bufio.NewReader(conn)}
	rearm := make(chan struct{}, 1)

	p.mu.Lock()
	p.conns[wrapped] = rearm
	p.mu.Unlock()

	go p.monitor(wrapped, rearm)
	return wrapped, nil
}

func (p *poller) monitor(conn *peekConn, rearm chan struct{}) {
	for {
		_, err := conn.r.Peek(1)

		select {
		case p.readyCh <- conn:
		case <-p.done:
			return
		}
		if err != nil {
			// The server observes the error on its read and removes conn.
			return
		}

		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *poller) remove(conn net.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rearm, ok := p.conns[conn]; ok {
		delete(p.conns, conn)
		close(rearm)
	}
	return nil
}

// rearm lets the monitor peek for the next frame.
func (p *poller) rearm(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rearm, ok := p.conns[conn]
	if !ok {
		return
	}
	select {
	case rearm <- struct{}{}:
	default:
	}
}

func (p *poller) wait(timeout time.Duration) ([]net.Conn, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first net.Conn
	select {
	case first = <-p.readyCh:
	case <-timer.C:
		return nil, nil
	case <-p.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

func (p *poller) close() error {
	close(p.done)
	return nil
}

// socketFD is unused by the fallback.
func socketFD(net.Conn) int {
	return -1
}
