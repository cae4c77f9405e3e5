package pixelstream

import (
	"io"
	"net"
	"sync"
)

// Display is a minimal display server: it announces Dims to every client and
// hands each received record to OnRecord. It draws nothing. OnRecord may be
// called from several goroutines at once.
type Display struct {
	Dims     Dimensions
	OnRecord func(conn net.Conn, rec Record)

	mx    sync.Mutex
	conns map[net.Conn]bool
}

// Serve accepts connections on l until it is closed, then closes every open
// client connection and returns the accept error.
func (d *Display) Serve(l net.Listener) error {
	var wg sync.WaitGroup
	defer func() {
		d.mx.Lock()
		for conn := range d.conns {
			conn.Close()
		}
		d.mx.Unlock()
		wg.Wait()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		d.mx.Lock()
		if d.conns == nil {
			d.conns = make(map[net.Conn]bool)
		}
		d.conns[conn] = true
		d.mx.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			d.handle(conn)
			d.mx.Lock()
			delete(d.conns, conn)
			d.mx.Unlock()
		}()
	}
}

func (d *Display) handle(conn net.Conn) {
	defer conn.Close()
	if err := WriteDimensions(conn, d.Dims); err != nil {
		log.Debugf("Unable to send dimensions to %v: %v", conn.RemoteAddr(), err)
		return
	}
	buf := make([]byte, RecordSize)
	for {
		rec, err := ReadRecord(conn, buf)
		if err != nil {
			if err != io.EOF {
				log.Tracef("Stopped reading from %v: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if d.OnRecord != nil {
			d.OnRecord(conn, rec)
		}
	}
}
