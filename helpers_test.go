package pixelstream

import (
	"math/rand"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// listenConsecutive binds n listeners on consecutive loopback ports and
// returns the first port.
func listenConsecutive(t *testing.T, n int) (int, []net.Listener) {
	for attempt := 0; attempt < 100; attempt++ {
		base := 20000 + rand.Intn(40000)
		var listeners []net.Listener
		for i := 0; i < n; i++ {
			l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(base+i)))
			if err != nil {
				break
			}
			listeners = append(listeners, l)
		}
		if len(listeners) == n {
			return base, listeners
		}
		for _, l := range listeners {
			l.Close()
		}
	}
	t.Fatalf("Unable to find %d free consecutive ports", n)
	return 0, nil
}

// recorder collects the records received by a set of fake displays, keyed by
// display.
type recorder struct {
	mx      sync.Mutex
	records map[int][]Record
}

func newRecorder() *recorder {
	return &recorder{records: make(map[int][]Record)}
}

func (r *recorder) display(i int, dims Dimensions) *Display {
	return &Display{
		Dims: dims,
		OnRecord: func(conn net.Conn, rec Record) {
			r.mx.Lock()
			r.records[i] = append(r.records[i], rec)
			r.mx.Unlock()
		},
	}
}

func (r *recorder) get(i int) []Record {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]Record(nil), r.records[i]...)
}

// waitFor polls until display i has received at least n records.
func (r *recorder) waitFor(i int, n int) []Record {
	deadline := time.Now().Add(10 * time.Second)
	for {
		records := r.get(i)
		if len(records) >= n || time.Now().After(deadline) {
			return records
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// serveDisplays starts a recording display on every listener, partition i
// announcing dims[i].
func serveDisplays(r *recorder, listeners []net.Listener, dims []Dimensions) {
	for i, l := range listeners {
		go r.display(i, dims[i]).Serve(l)
	}
}

func closeListeners(listeners []net.Listener) {
	for _, l := range listeners {
		l.Close()
	}
}
