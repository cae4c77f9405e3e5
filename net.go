package pixelstream

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/getlantern/netx"
)

func dial(addr string, timeout time.Duration, keepAlivePeriod time.Duration) (net.Conn, error) {
	conn, err := netx.DialTimeout("tcp", addr, timeout)
	if err == nil && keepAlivePeriod > 0 {
		setKeepAlive(conn, keepAlivePeriod)
	}
	return conn, err
}

// setKeepAlive turns on TCP keepalives for conn. Failures are only logged,
// the connection stays usable without them.
func setKeepAlive(conn net.Conn, period time.Duration) bool {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		log.Debugf("Not enabling keepalive on %T to %v", conn, conn.RemoteAddr())
		return false
	}
	if err := tc.SetKeepAlive(true); err != nil {
		log.Errorf("Unable to enable keepalive to %v: %v", conn.RemoteAddr(), err)
		return false
	}
	if err := tc.SetKeepAlivePeriod(period); err != nil {
		log.Errorf("Unable to set keepalive period %v to %v: %v", period, conn.RemoteAddr(), err)
		return false
	}
	return true
}

func wrapKeepAliveListener(keepAlivePeriod time.Duration, l net.Listener) net.Listener {
	if keepAlivePeriod <= 0 {
		return l
	}

	return &keepAliveListener{Listener: l, keepAlivePeriod: keepAlivePeriod}
}

type keepAliveListener struct {
	net.Listener
	keepAlivePeriod time.Duration
}

func (l *keepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		setKeepAlive(conn, l.keepAlivePeriod)
	}
	return conn, err
}

// unblockOnDone expires conn's deadline once ctx is done so that pending
// reads and writes return. Call the returned func when the blocking call is
// over; it reports whether the deadline was expired.
func unblockOnDone(ctx context.Context, conn net.Conn) (stop func() bool) {
	if ctx.Done() == nil {
		return func() bool { return false }
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	var fired bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
			fired = true
		case <-done:
		}
	}()
	return func() bool {
		close(done)
		wg.Wait()
		return fired
	}
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}
