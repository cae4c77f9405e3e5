package pixelstream

import (
	"fmt"
)

// ErrorKind classifies a PartitionError.
type ErrorKind int

const (
	// ConnectionFailure means the partition's port could not be reached.
	ConnectionFailure ErrorKind = iota
	// HandshakeFailure means the peer closed before sending its dimensions.
	HandshakeFailure
	// SendFailure means a frame could not be written.
	SendFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ConnectionFailure:
		return "connection failure"
	case HandshakeFailure:
		return "handshake failure"
	case SendFailure:
		return "send failure"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// PartitionError is returned for any failure talking to a single partition.
// None of them are retried.
type PartitionError struct {
	Kind      ErrorKind
	Partition int
	Addr      string
	Err       error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("partition %d (%v): %v: %v", e.Partition, e.Addr, e.Kind, e.Err)
}

func (e *PartitionError) Unwrap() error {
	return e.Err
}
