// pixelstream floods partitioned display servers with solid-color frames.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getlantern/golog"
	"github.com/getlantern/keyman"

	"github.com/getlantern/pixelstream"
)

var (
	log = golog.LoggerFor("pixelstream")

	host            = flag.String("host", pixelstream.DefaultHost, "Host on which the partition servers listen")
	basePort        = flag.Int("base-port", pixelstream.DefaultBasePort, "Port of partition 0. Partition i is at base-port+i")
	partitions      = flag.Int("partitions", pixelstream.DefaultPartitions, "Number of partitions")
	width           = flag.Uint("width", 300, "Canvas width of every partition, ignored with -discover")
	height          = flag.Uint("height", 333, "Canvas height of every partition, ignored with -discover")
	discover        = flag.Bool("discover", true, "Read each partition's dimensions from its handshake")
	seed            = flag.Int64("seed", pixelstream.DefaultSeed, "Seed for colors and pixel order")
	shuffle         = flag.Bool("shuffle", true, "Send each frame's pixels in random order")
	parallel        = flag.Bool("parallel", false, "Stream to all partitions concurrently")
	passes          = flag.Int("passes", 0, "Stop after this many passes over all partitions, 0 runs forever")
	dialTimeout     = flag.Duration("dial-timeout", pixelstream.DefaultDialTimeout, "Timeout for connecting to a partition")
	keepAlivePeriod = flag.Duration("keepaliveperiod", 0, "Period for sending tcp keepalives, 0 disables them")
	useTLS          = flag.Bool("tls", false, "Connect to partitions using TLS")
	cafile          = flag.String("cafile", "cert.pem", "File containing the certificate authority (or just certificate) with which to verify the partition servers, used with -tls")
	pprofAddr       = flag.String("pprofaddr", "", "pprof address to listen on, not activate pprof if empty")
	help            = flag.Bool("help", false, "Get usage help")
)

func main() {
	flag.Parse()
	if *help {
		flag.Usage()
		os.Exit(0)
	}

	if *pprofAddr != "" {
		go func() {
			log.Debugf("Starting pprof page at http://%s/debug/pprof", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Error(err)
			}
		}()
	}

	if *width > 65535 || *height > 65535 {
		log.Fatalf("Canvas %dx%d exceeds 65535x65535", *width, *height)
	}

	cfg := &pixelstream.Config{
		Host:            *host,
		BasePort:        *basePort,
		Partitions:      *partitions,
		Width:           uint16(*width),
		Height:          uint16(*height),
		Discover:        *discover,
		Seed:            *seed,
		Shuffle:         *shuffle,
		Parallel:        *parallel,
		Passes:          *passes,
		DialTimeout:     *dialTimeout,
		KeepAlivePeriod: *keepAlivePeriod,
	}
	if *useTLS {
		ca, err := keyman.LoadCertificateFromFile(*cafile)
		if err != nil {
			log.Fatalf("Unable to load ca certificate: %v", err)
		}
		cfg.TLSConfig = &tls.Config{
			RootCAs:            ca.PoolContainingCert(),
			ClientSessionCache: tls.NewLRUClientSessionCache(cfg.Partitions),
		}
	}

	log.Debugf("Partitions: %d at %v from port %d", cfg.Partitions, cfg.Host, cfg.BasePort)
	if cfg.Discover {
		log.Debug("Dimensions: discovered")
	} else {
		log.Debugf("Dimensions: %dx%d", cfg.Width, cfg.Height)
	}
	log.Debugf("Seed: %d", cfg.Seed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Debugf("Got %v, stopping", sig)
		cancel()
	}()

	client, err := pixelstream.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("Unable to connect: %v", err)
	}
	defer client.Close()

	start := time.Now()
	err = client.Run(ctx)
	var total int64
	for _, p := range client.Partitions() {
		total += p.FramesSent()
	}
	log.Debugf("Sent %d frames in %v", total, time.Since(start))
	if err != nil {
		client.Close()
		log.Fatalf("Unable to stream: %v", err)
	}
}
