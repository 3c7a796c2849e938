package serialport

import (
	"time"

	"emperror.dev/errors"
)

const (
	// ErrPortUnavailable is returned when the OS refuses to open a port.
	ErrPortUnavailable = errors.Sentinel("serial port unavailable")
	// ErrAlreadyOpen is returned when this process already holds the port.
	ErrAlreadyOpen = errors.Sentinel("serial port already open")
	// ErrClosed is returned by a channel whose port has failed or been closed.
	ErrClosed = errors.Sentinel("serial channel closed")
)

// DefaultReadTimeout bounds each blocking read in the reader goroutine.
const DefaultReadTimeout = 100 * time.Millisecond

// Channel is a bidirectional byte stream to one device.
//
// ReadAvailable never blocks: it returns the bytes that arrived since the
// previous call (possibly none). Once the underlying port fails, buffered
// bytes are still returned first and the error follows on the next call.
// Ready delivers a coalesced signal whenever new bytes arrive.
type Channel interface {
	Write(p []byte) (int, error)
	ReadAvailable() ([]byte, error)
	Ready() <-chan struct{}
	Close() error
	Port() string
	BaudRate() int
}

// Opener opens channels. The read timeout only bounds the reader goroutine's
// individual reads; it is not a response deadline.
type Opener interface {
	Open(port string, baud int, readTimeout time.Duration) (Channel, error)
}
