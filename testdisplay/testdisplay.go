// testdisplay runs fake partition servers that announce their dimensions and
// count the pixel records they receive. Tests run it in a separate process so
// that it can be killed while a client is streaming to it.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/getlantern/pixelstream"
)

func main() {
	if len(os.Args) < 5 {
		log.Fatalf("Usage: %v host base-port partitions width [height]", os.Args[0])
	}
	host := os.Args[1]
	basePort, _ := strconv.Atoi(os.Args[2])
	partitions, _ := strconv.Atoi(os.Args[3])
	width, _ := strconv.Atoi(os.Args[4])
	height := width
	if len(os.Args) > 5 {
		height, _ = strconv.Atoi(os.Args[5])
	}
	dims := pixelstream.Dimensions{Width: uint16(width), Height: uint16(height)}
	log.Printf("Running test display: %v\n", os.Args)

	var records int64
	for i := 0; i < partitions; i++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(basePort+i)))
		if err != nil {
			log.Fatalf("Unable to listen: %v", err)
		}
		d := &pixelstream.Display{
			Dims: dims,
			OnRecord: func(conn net.Conn, rec pixelstream.Record) {
				atomic.AddInt64(&records, 1)
			},
		}
		go func() {
			log.Fatal(d.Serve(l))
		}()
	}

	for range time.Tick(time.Second) {
		n := atomic.LoadInt64(&records)
		if dims.Pixels() == 0 {
			fmt.Printf("%d records\n", n)
			continue
		}
		fmt.Printf("%d records, %d frames\n", n, n/int64(dims.Pixels()))
	}
}
