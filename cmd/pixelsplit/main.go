// pixelsplit splits one display into partition servers for pixelstream
// clients.
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
	log = golog.LoggerFor("pixelsplit")

	displayAddr     = flag.String("display-addr", "", "Address of the display's TCP socket")
	sections        = flag.Int("sections", 0, "Number of sections to split the display into")
	listenHost      = flag.String("listen-host", "0.0.0.0", "Host on which to listen for section clients")
	basePort        = flag.Int("base-port", pixelstream.DefaultBasePort, "Port of section 0. Section i is at base-port+i")
	flipX           = flag.Bool("flip-x", false, "Flip the image along the x axis")
	flipY           = flag.Bool("flip-y", false, "Flip the image along the y axis")
	keepAlivePeriod = flag.Duration("keepaliveperiod", 2*time.Hour, "Period for sending tcp keepalives")
	useTLS          = flag.Bool("tls", false, "Accept TLS connections from section clients")
	hostname        = flag.String("hostname", "", "Hostname to use for TLS. If not supplied, will auto-detect hostname")
	pkfile          = flag.String("pkfile", "pk.pem", "File containing private key for this server")
	certfile        = flag.String("certfile", "cert.pem", "File containing the certificate for this server")
	pprofAddr       = flag.String("pprofaddr", "", "pprof address to listen on, not activate pprof if empty")
	help            = flag.Bool("help", false, "Get usage help")
)

func main() {
	flag.Parse()
	if *help || *displayAddr == "" || *sections <= 0 {
		flag.Usage()
		if *help {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if *pprofAddr != "" {
		go func() {
			log.Debugf("Starting pprof page at http://%s/debug/pprof", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Error(err)
			}
		}()
	}

	log.Debugf("Display: %v", *displayAddr)
	log.Debugf("Sections: %d from port %d", *sections, *basePort)
	log.Debugf("TCP KeepAlive Period: %v", *keepAlivePeriod)

	s := &pixelstream.Splitter{
		DisplayAddr:     *displayAddr,
		Sections:        *sections,
		ListenHost:      *listenHost,
		BasePort:        *basePort,
		FlipX:           *flipX,
		FlipY:           *flipY,
		KeepAlivePeriod: *keepAlivePeriod,
	}

	if *useTLS {
		hostname := *hostname
		if hostname == "" {
			_hostname, err := os.Hostname()
			if err == nil {
				hostname = _hostname
			}
		}
		if hostname == "" {
			hostname = "localhost"
		}
		log.Debugf("Hostname: %v", hostname)
		cert, err := keyman.KeyPairFor(hostname, "getlantern.org", *pkfile, *certfile)
		if err != nil {
			log.Fatalf("Unable to load keypair: %v", err)
		}
		s.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Debugf("Got %v, stopping", sig)
		cancel()
	}()

	if err := s.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
