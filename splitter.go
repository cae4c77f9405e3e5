package pixelstream

import (
	"context"
	"crypto/tls"
	"io"
	"io/ioutil"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/getlantern/errors"
)

// Splitter carves one display into sections and exposes each as its own
// partition server. Clients connected to a section receive its dimensions
// and their pixel records are translated onto the display.
type Splitter struct {
	// DisplayAddr is the TCP address of the real display.
	DisplayAddr string
	Sections    int

	ListenHost string
	BasePort   int

	FlipX, FlipY bool

	KeepAlivePeriod time.Duration
	DialTimeout     time.Duration

	// TLSConfig, if set, makes every section listener accept TLS.
	TLSConfig *tls.Config

	mx     sync.Mutex
	conns  map[net.Conn]bool
	closed bool
}

// QueryDimensions connects to a display just long enough to read its
// handshake.
func QueryDimensions(addr string, timeout time.Duration) (Dimensions, error) {
	conn, err := dial(addr, timeout, 0)
	if err != nil {
		return Dimensions{}, err
	}
	defer conn.Close()
	return ReadDimensions(conn)
}

// Run queries the display, plans the layout, listens on one port per section
// starting at BasePort and serves until ctx is done.
func (s *Splitter) Run(ctx context.Context) error {
	display, err := QueryDimensions(s.DisplayAddr, s.dialTimeout())
	if err != nil {
		return errors.New("Unable to query display dimensions from %v: %v", s.DisplayAddr, err)
	}
	log.Debugf("Partitioning %v display into %d sections", display, s.Sections)
	layout, err := PlanLayout(display, s.Sections)
	if err != nil {
		return err
	}
	log.Debugf("Found layout with squareness %d:\n%v", layout.Squareness(), layout)

	listeners := make([]net.Listener, 0, s.Sections)
	closeAll := func() {
		for _, l := range listeners {
			l.Close()
		}
	}
	for i := 0; i < s.Sections; i++ {
		addr := net.JoinHostPort(s.ListenHost, strconv.Itoa(s.BasePort+i))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			closeAll()
			return errors.New("Unable to listen at %v: %v", addr, err)
		}
		l = wrapKeepAliveListener(s.KeepAlivePeriod, l)
		if s.TLSConfig != nil {
			l = tls.NewListener(l, s.TLSConfig)
		}
		listeners = append(listeners, l)
	}
	return s.Serve(ctx, layout, listeners)
}

// Serve accepts section clients on listeners, one listener per section of
// layout in index order. It closes the listeners and all open connections
// when ctx is done and returns nil; otherwise it returns the first accept
// error. Serve may be called again once it has returned, but not
// concurrently.
func (s *Splitter) Serve(ctx context.Context, layout *Layout, listeners []net.Listener) error {
	sections := layout.Sections()
	if len(sections) != len(listeners) {
		return errors.New("Have %d listeners for %d sections", len(listeners), len(sections))
	}
	s.mx.Lock()
	s.closed = false
	s.mx.Unlock()

	errCh := make(chan error, len(listeners))
	var wg sync.WaitGroup
	for i, l := range listeners {
		wg.Add(1)
		go func(section Section, l net.Listener) {
			defer wg.Done()
			errCh <- s.acceptLoop(layout.Display, section, l)
		}(sections[i], l)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	for _, l := range listeners {
		l.Close()
	}
	s.closeConns()
	wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Splitter) acceptLoop(display Dimensions, section Section, l net.Listener) error {
	log.Debugf("Section %d (%v at %d;%d) listening at %v", section.Index, section.Dimensions, section.X, section.Y, l.Addr())
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		in, err := l.Accept()
		if err != nil {
			return errors.New("Unable to accept: %v", err)
		}
		if !s.track(in) {
			in.Close()
			return nil
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.untrack(in)
			if err := s.relay(display, section, in); err != nil {
				log.Debugf("Section %d: %v", section.Index, err)
			}
		}()
	}
}

func (s *Splitter) relay(display Dimensions, section Section, in net.Conn) error {
	defer in.Close()
	log.Debugf("Section %d got connection from %v", section.Index, in.RemoteAddr())
	if err := WriteDimensions(in, section.Dimensions); err != nil {
		return errors.New("Unable to send dimensions: %v", err)
	}

	out, err := dial(s.DisplayAddr, s.dialTimeout(), s.KeepAlivePeriod)
	if err != nil {
		return errors.New("Unable to dial display: %v", err)
	}
	if !s.track(out) {
		out.Close()
		return nil
	}
	defer s.untrack(out)
	defer out.Close()
	// the display announces itself on every connection, nothing else is read
	go io.Copy(ioutil.Discard, out)

	t := &translator{display: display, section: section, flipX: s.FlipX, flipY: s.FlipY}
	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)
	pending := 0
	for {
		n, readErr := in.Read(buf[pending:])
		pending += n
		whole := pending - pending%RecordSize
		if whole > 0 {
			kept := t.translate(buf[:whole])
			if kept > 0 {
				if _, err := out.Write(buf[:kept]); err != nil {
					return errors.New("Unable to forward to display: %v", err)
				}
			}
			pending = copy(buf, buf[whole:pending])
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (s *Splitter) dialTimeout() time.Duration {
	if s.DialTimeout <= 0 {
		return DefaultDialTimeout
	}
	return s.DialTimeout
}

// track registers conn for closing on shutdown. It returns false once the
// splitter is shutting down.
func (s *Splitter) track(conn net.Conn) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return false
	}
	if s.conns == nil {
		s.conns = make(map[net.Conn]bool)
	}
	s.conns[conn] = true
	return true
}

func (s *Splitter) untrack(conn net.Conn) {
	s.mx.Lock()
	delete(s.conns, conn)
	s.mx.Unlock()
}

func (s *Splitter) closeConns() {
	s.mx.Lock()
	defer s.mx.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	s.closed = true
}

// translator maps section-relative records onto the display.
type translator struct {
	display      Dimensions
	section      Section
	flipX, flipY bool
}

// translate rewrites the records in buf in place, dropping those outside the
// section, and returns the number of bytes of kept records at the front of
// buf.
func (t *translator) translate(buf []byte) int {
	kept := 0
	for i := 0; i+RecordSize <= len(buf); i += RecordSize {
		rec := DecodeRecord(buf[i:])
		mapped, ok := t.mapRecord(rec)
		if !ok {
			continue
		}
		mapped.Put(buf[kept:])
		kept += RecordSize
	}
	return kept
}

func (t *translator) mapRecord(rec Record) (Record, bool) {
	if !t.section.Contains(rec.X, rec.Y) {
		return rec, false
	}
	rec.X += t.section.X
	rec.Y += t.section.Y
	if t.flipX {
		rec.X = t.display.Width - 1 - rec.X
	}
	if t.flipY {
		rec.Y = t.display.Height - 1 - rec.Y
	}
	return rec, true
}
