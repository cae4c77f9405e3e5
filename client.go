package pixelstream

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"golang.org/x/sync/errgroup"
)

var (
	log = golog.LoggerFor("pixelstream")

	// returned by draw when a send was aborted because the run was stopped
	errStopped = errors.New("stopped")
)

const (
	DefaultHost        = "127.0.0.1"
	DefaultBasePort    = 8000
	DefaultPartitions  = 15
	DefaultSeed        = 22
	DefaultDialTimeout = 30 * time.Second
)

// Config configures a Client.
type Config struct {
	Host       string
	BasePort   int
	Partitions int

	// Width and Height are the canvas size shared by every partition. They
	// are ignored when Discover is set.
	Width, Height uint16

	// Discover reads each partition's dimensions from its handshake.
	Discover bool

	Seed    int64
	Shuffle bool

	// Parallel streams every partition from its own goroutine, each with a
	// PRNG seeded with Seed+index.
	Parallel bool

	// Passes limits the number of passes over all partitions. 0 runs until
	// the context passed to Run is done.
	Passes int

	DialTimeout     time.Duration
	KeepAlivePeriod time.Duration

	// TLSConfig, if set, wraps every partition connection in TLS.
	TLSConfig *tls.Config
}

// DefaultConfig discovers dimensions on 15 local partitions starting at port
// 8000 with seed 22.
func DefaultConfig() *Config {
	return &Config{
		Host:        DefaultHost,
		BasePort:    DefaultBasePort,
		Partitions:  DefaultPartitions,
		Discover:    true,
		Seed:        DefaultSeed,
		Shuffle:     true,
		DialTimeout: DefaultDialTimeout,
	}
}

// Validate checks that cfg describes a usable set of partitions.
func (cfg *Config) Validate() error {
	if cfg.Host == "" {
		return errors.New("Host is required")
	}
	if cfg.Partitions <= 0 {
		return errors.New("Partitions must be positive, got %d", cfg.Partitions)
	}
	if cfg.BasePort <= 0 || cfg.BasePort+cfg.Partitions-1 > 65535 {
		return errors.New("Ports %d through %d are out of range", cfg.BasePort, cfg.BasePort+cfg.Partitions-1)
	}
	if cfg.Passes < 0 {
		return errors.New("Passes must not be negative, got %d", cfg.Passes)
	}
	return nil
}

// Addr returns the address of partition i.
func (cfg *Config) Addr(i int) string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.BasePort+i))
}

// Partition is one display region and its connection.
type Partition struct {
	// accessed atomically, kept first for alignment
	frames int64

	Index int
	Addr  string
	Dims  Dimensions

	conn  net.Conn
	gen   *frameGenerator
	color atomic.Value
}

// Color returns the color of the last frame sent.
func (p *Partition) Color() Color {
	c, _ := p.color.Load().(Color)
	return c
}

// FramesSent returns the number of complete frames handed to the OS.
func (p *Partition) FramesSent() int64 {
	return atomic.LoadInt64(&p.frames)
}

func (p *Partition) fail(kind ErrorKind, err error) error {
	return &PartitionError{Kind: kind, Partition: p.Index, Addr: p.Addr, Err: err}
}

// draw generates the next frame and writes it in a single call. net.Conn
// writes do not return until the whole buffer is accepted or an error
// occurs.
func (p *Partition) draw(ctx context.Context, rng *rand.Rand) error {
	buf := framePool.Get()
	defer framePool.Put(buf)
	c := p.gen.next(rng, buf)
	log.Tracef("Drawing partition %d %v in %v", p.Index, p.Dims, c)

	stop := unblockOnDone(ctx, p.conn)
	_, err := p.conn.Write(buf.Bytes())
	expired := stop()
	if err != nil {
		if expired && isTimeout(err) {
			return errStopped
		}
		return p.fail(SendFailure, err)
	}
	p.color.Store(c)
	atomic.AddInt64(&p.frames, 1)
	return nil
}

// Client streams frames to a fixed set of partitions.
type Client struct {
	cfg        Config
	partitions []*Partition
}

// Connect dials every partition in index order and, if configured, reads its
// dimensions. Any failure closes the connections opened so far.
func Connect(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{cfg: *cfg}
	if c.cfg.DialTimeout <= 0 {
		c.cfg.DialTimeout = DefaultDialTimeout
	}
	for i := 0; i < c.cfg.Partitions; i++ {
		p, err := c.connect(ctx, i)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.partitions = append(c.partitions, p)
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context, i int) (*Partition, error) {
	p := &Partition{Index: i, Addr: c.cfg.Addr(i)}
	if err := ctx.Err(); err != nil {
		return nil, p.fail(ConnectionFailure, err)
	}

	conn, err := dial(p.Addr, c.cfg.DialTimeout, c.cfg.KeepAlivePeriod)
	if err != nil {
		return nil, p.fail(ConnectionFailure, err)
	}
	stop := unblockOnDone(ctx, conn)
	defer stop()

	if c.cfg.TLSConfig != nil {
		tlsConfig := c.cfg.TLSConfig.Clone()
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = c.cfg.Host
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, p.fail(ConnectionFailure, err)
		}
		conn = tlsConn
	}

	if c.cfg.Discover {
		p.Dims, err = ReadDimensions(conn)
		if err != nil {
			conn.Close()
			return nil, p.fail(HandshakeFailure, err)
		}
	} else {
		p.Dims = Dimensions{Width: c.cfg.Width, Height: c.cfg.Height}
	}
	log.Debugf("Connected to partition %d at %v, canvas %v", i, p.Addr, p.Dims)

	p.conn = conn
	p.gen = newFrameGenerator(p.Dims, c.cfg.Shuffle)
	return p, nil
}

// Partitions returns the connected partitions in index order.
func (c *Client) Partitions() []*Partition {
	return c.partitions
}

// Run streams frames until ctx is done, Passes is reached or a send fails.
// Cancellation is checked between frames and also aborts a stalled send; it
// is not reported as an error. A send that failed on its own is, even if ctx
// was cancelled meanwhile.
func (c *Client) Run(ctx context.Context) error {
	var err error
	if c.cfg.Parallel {
		err = c.runParallel(ctx)
	} else {
		err = c.runSequential(ctx)
	}
	if err == errStopped {
		return nil
	}
	return err
}

func (c *Client) morePasses(pass int) bool {
	return c.cfg.Passes == 0 || pass < c.cfg.Passes
}

func (c *Client) runSequential(ctx context.Context) error {
	rng := rand.New(rand.NewSource(c.cfg.Seed))
	for pass := 0; c.morePasses(pass); pass++ {
		for _, p := range c.partitions {
			if ctx.Err() != nil {
				return nil
			}
			if err := p.draw(ctx, rng); err != nil {
				return err
			}
		}
	}
	return nil
}

// runParallel gives each partition its own writer so frames on a connection
// never interleave.
func (c *Client) runParallel(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range c.partitions {
		p := p
		g.Go(func() error {
			rng := rand.New(rand.NewSource(c.cfg.Seed + int64(p.Index)))
			for pass := 0; c.morePasses(pass); pass++ {
				if ctx.Err() != nil {
					return nil
				}
				if err := p.draw(ctx, rng); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Close closes every partition connection.
func (c *Client) Close() error {
	var firstErr error
	for _, p := range c.partitions {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
