package pixelstream

import (
	"context"
	"errors"
	"io"
	"io/ioutil"
	"math/rand"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkFrames splits records into frames of dims and checks that every frame
// covers dims exactly once in a single color, returning those colors.
func checkFrames(t *testing.T, records []Record, dims Dimensions, shuffle bool) []Color {
	pixels := dims.Pixels()
	if pixels == 0 {
		assert.Empty(t, records)
		return nil
	}
	require.Equal(t, 0, len(records)%pixels, "partial frame received")
	var colors []Color
	expected := Coords(dims)
	for start := 0; start < len(records); start += pixels {
		frame := records[start : start+pixels]
		c := frame[0].Color
		coords := make([]Coord, 0, pixels)
		for _, rec := range frame {
			assert.Equal(t, c, rec.Color, "frames interleaved")
			coords = append(coords, Coord{X: rec.X, Y: rec.Y})
		}
		if shuffle {
			assert.ElementsMatch(t, expected, coords)
		} else {
			assert.Equal(t, expected, coords)
		}
		colors = append(colors, c)
	}
	return colors
}

func TestStreamDiscoveredDimensions(t *testing.T) {
	dims := []Dimensions{{3, 2}, {4, 1}, {0, 5}, {5, 5}}
	basePort, listeners := listenConsecutive(t, len(dims))
	defer closeListeners(listeners)
	r := newRecorder()
	serveDisplays(r, listeners, dims)

	cfg := &Config{
		Host:       "127.0.0.1",
		BasePort:   basePort,
		Partitions: len(dims),
		Discover:   true,
		Seed:       DefaultSeed,
		Shuffle:    true,
		Passes:     3,
	}
	client, err := Connect(context.Background(), cfg)
	require.NoError(t, err)
	defer client.Close()
	for i, p := range client.Partitions() {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, dims[i], p.Dims)
	}

	require.NoError(t, client.Run(context.Background()))

	// colors are drawn in partition order with the shuffle in between
	rng := rand.New(rand.NewSource(DefaultSeed))
	expected := make([][]Color, len(dims))
	for pass := 0; pass < cfg.Passes; pass++ {
		for i, d := range dims {
			expected[i] = append(expected[i], RandomColor(rng))
			Shuffle(rng, Coords(d))
		}
	}

	for i, d := range dims {
		records := r.waitFor(i, cfg.Passes*d.Pixels())
		colors := checkFrames(t, records, d, true)
		if d.Pixels() > 0 {
			assert.Equal(t, expected[i], colors, "partition %d", i)
		}
		p := client.Partitions()[i]
		assert.EqualValues(t, cfg.Passes, p.FramesSent())
		assert.Equal(t, expected[i][cfg.Passes-1], p.Color())
	}
}

func TestStreamStaticDimensions(t *testing.T) {
	basePort, listeners := listenConsecutive(t, 2)
	defer closeListeners(listeners)
	r := newRecorder()
	// the announced size is ignored
	serveDisplays(r, listeners, []Dimensions{{100, 100}, {100, 100}})

	client, err := Connect(context.Background(), &Config{
		Host:       "127.0.0.1",
		BasePort:   basePort,
		Partitions: 2,
		Width:      2,
		Height:     2,
		Seed:       DefaultSeed,
		Passes:     2,
	})
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Run(context.Background()))

	for i := 0; i < 2; i++ {
		assert.Equal(t, Dimensions{2, 2}, client.Partitions()[i].Dims)
		checkFrames(t, r.waitFor(i, 8), Dimensions{2, 2}, false)
	}
}

func TestStreamParallel(t *testing.T) {
	dims := []Dimensions{{20, 10}, {7, 3}, {1, 1}}
	basePort, listeners := listenConsecutive(t, len(dims))
	defer closeListeners(listeners)
	r := newRecorder()
	serveDisplays(r, listeners, dims)

	cfg := &Config{
		Host:       "127.0.0.1",
		BasePort:   basePort,
		Partitions: len(dims),
		Discover:   true,
		Seed:       99,
		Shuffle:    true,
		Parallel:   true,
		Passes:     5,
	}
	client, err := Connect(context.Background(), cfg)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Run(context.Background()))

	for i, d := range dims {
		rng := rand.New(rand.NewSource(cfg.Seed + int64(i)))
		var expected []Color
		for pass := 0; pass < cfg.Passes; pass++ {
			expected = append(expected, RandomColor(rng))
			Shuffle(rng, Coords(d))
		}
		colors := checkFrames(t, r.waitFor(i, cfg.Passes*d.Pixels()), d, true)
		assert.Equal(t, expected, colors, "partition %d", i)
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	basePort, listeners := listenConsecutive(t, 1)
	defer closeListeners(listeners)
	r := newRecorder()
	serveDisplays(r, listeners, []Dimensions{{10, 10}})

	client, err := Connect(context.Background(), &Config{
		Host:       "127.0.0.1",
		BasePort:   basePort,
		Partitions: 1,
		Discover:   true,
		Seed:       DefaultSeed,
	})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx)
	}()
	r.waitFor(0, 1000)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestCancelUnblocksStalledSend(t *testing.T) {
	basePort, listeners := listenConsecutive(t, 1)
	defer closeListeners(listeners)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		conn, err := listeners[0].Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// announce a large canvas and never read
		WriteDimensions(conn, Dimensions{Width: 2000, Height: 2000})
		<-stop
	}()

	client, err := Connect(context.Background(), &Config{
		Host:       "127.0.0.1",
		BasePort:   basePort,
		Partitions: 1,
		Discover:   true,
	})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx)
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestConnectionFailure(t *testing.T) {
	basePort, listeners := listenConsecutive(t, 2)
	// leave only partition 0 reachable
	listeners[1].Close()
	defer closeListeners(listeners)
	go func() {
		conn, err := listeners[0].Accept()
		if err == nil {
			defer conn.Close()
			WriteDimensions(conn, Dimensions{1, 1})
			io.Copy(conn, conn)
		}
	}()

	_, err := Connect(context.Background(), &Config{
		Host:       "127.0.0.1",
		BasePort:   basePort,
		Partitions: 2,
		Discover:   true,
	})
	var perr *PartitionError
	require.True(t, errors.As(err, &perr), "unexpected error %v", err)
	assert.Equal(t, ConnectionFailure, perr.Kind)
	assert.Equal(t, 1, perr.Partition)
	assert.Contains(t, err.Error(), "connection failure")
}

func TestHandshakeFailure(t *testing.T) {
	basePort, listeners := listenConsecutive(t, 1)
	defer closeListeners(listeners)
	go func() {
		conn, err := listeners[0].Accept()
		if err == nil {
			conn.Write([]byte{0x13, 0x88, 0x00})
			conn.Close()
		}
	}()

	_, err := Connect(context.Background(), &Config{
		Host:       "127.0.0.1",
		BasePort:   basePort,
		Partitions: 1,
		Discover:   true,
	})
	var perr *PartitionError
	require.True(t, errors.As(err, &perr), "unexpected error %v", err)
	assert.Equal(t, HandshakeFailure, perr.Kind)
	assert.Equal(t, 0, perr.Partition)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestSendFailure(t *testing.T) {
	basePort, listeners := listenConsecutive(t, 1)
	defer closeListeners(listeners)
	go func() {
		conn, err := listeners[0].Accept()
		if err == nil {
			WriteDimensions(conn, Dimensions{300, 333})
			conn.Close()
		}
	}()

	client, err := Connect(context.Background(), &Config{
		Host:       "127.0.0.1",
		BasePort:   basePort,
		Partitions: 1,
		Discover:   true,
		Shuffle:    true,
	})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err = client.Run(ctx)
	var perr *PartitionError
	require.True(t, errors.As(err, &perr), "unexpected error %v", err)
	assert.Equal(t, SendFailure, perr.Kind)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Partitions = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.BasePort = 65530
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Host = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Passes = -1
	assert.Error(t, cfg.Validate())

	_, err := Connect(context.Background(), cfg)
	assert.Error(t, err)
}

func TestAddr(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1:8000", cfg.Addr(0))
	assert.Equal(t, "127.0.0.1:8014", cfg.Addr(14))
	assert.Equal(t, net.JoinHostPort("::1", "8001"), (&Config{Host: "::1", BasePort: 8000}).Addr(1))
}

func TestSendFailureDuringCancel(t *testing.T) {
	basePort, listeners := listenConsecutive(t, 1)
	defer closeListeners(listeners)
	serveDisplays(newRecorder(), listeners, []Dimensions{{10, 10}})

	client, err := Connect(context.Background(), &Config{
		Host:       "127.0.0.1",
		BasePort:   basePort,
		Partitions: 1,
		Discover:   true,
	})
	require.NoError(t, err)
	p := client.Partitions()[0]
	require.NoError(t, client.Close())

	// the write fails because the conn is gone, not because of ctx
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = p.draw(ctx, rand.New(rand.NewSource(1)))
	var perr *PartitionError
	require.True(t, errors.As(err, &perr), "unexpected error %v", err)
	assert.Equal(t, SendFailure, perr.Kind)
}

func TestDisplayProcessKilled(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go tool not available")
	}
	dir, err := ioutil.TempDir("", "testdisplay")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	// the display runs in its own process so that killing it drops its
	// connections uncleanly
	bin := filepath.Join(dir, "tdisplay")
	out, err := exec.Command("go", "build", "-o", bin, "./testdisplay").CombinedOutput()
	require.NoError(t, err, "%s", out)

	basePort, probes := listenConsecutive(t, 2)
	closeListeners(probes)
	args := []string{bin, "127.0.0.1", strconv.Itoa(basePort), "2", "40", "30"}
	pid, err := syscall.ForkExec(bin, args, &syscall.ProcAttr{
		Files: []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd()},
	})
	require.NoError(t, err)
	killed := false
	defer func() {
		if !killed {
			syscall.Kill(pid, syscall.SIGKILL)
		}
		syscall.Wait4(pid, nil, 0, nil)
	}()

	cfg := &Config{
		Host:       "127.0.0.1",
		BasePort:   basePort,
		Partitions: 2,
		Discover:   true,
		Seed:       DefaultSeed,
	}
	var client *Client
	for deadline := time.Now().Add(10 * time.Second); time.Now().Before(deadline); time.Sleep(50 * time.Millisecond) {
		client, err = Connect(context.Background(), cfg)
		if err == nil {
			break
		}
	}
	require.NoError(t, err)
	defer client.Close()
	for _, p := range client.Partitions() {
		assert.Equal(t, Dimensions{40, 30}, p.Dims)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx)
	}()
	for deadline := time.Now().Add(10 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		if client.Partitions()[1].FramesSent() > 0 {
			break
		}
	}
	require.True(t, client.Partitions()[1].FramesSent() > 0, "no frames sent before kill")

	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))
	killed = true
	log.Debug("Killed test display")

	select {
	case err := <-done:
		var perr *PartitionError
		require.True(t, errors.As(err, &perr), "unexpected error %v", err)
		assert.Equal(t, SendFailure, perr.Kind)
	case <-time.After(20 * time.Second):
		t.Fatal("Run did not fail after the display was killed")
	}
}
