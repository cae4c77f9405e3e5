package pixelstream

import (
	"github.com/oxtoacart/bpool"
)

const (
	// records read from a section client per batch in the splitter
	recordsPerBatch = 1024

	maxRelayBufferBytes = 64 * 1024 * 1024
)

var (
	// frame buffers grow to w*h*RecordSize and are reused across passes
	framePool = bpool.NewBufferPool(64)

	relayBuffers = bpool.NewBytePool(maxRelayBufferBytes/(recordsPerBatch*RecordSize), recordsPerBatch*RecordSize)
)
