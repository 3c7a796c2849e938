package serialport

import (
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"go.bug.st/serial"
)

// SerialOpener opens real serial devices. It tracks which ports this process
// holds so a second open of the same device fails fast instead of two
// readers fighting over one tty.
type SerialOpener struct {
	trace bool

	mu   sync.Mutex
	held map[string]bool
}

// NewSerialOpener creates an opener. With trace enabled every chunk written
// or read is logged at debug level.
func NewSerialOpener(trace bool) *SerialOpener {
	return &SerialOpener{trace: trace, held: make(map[string]bool)}
}

// Open opens port at 8N1 with the given baud rate.
func (o *SerialOpener) Open(port string, baud int, readTimeout time.Duration) (Channel, error) {
	o.mu.Lock()
	if o.held[port] {
		o.mu.Unlock()
		return nil, errors.WithDetails(ErrAlreadyOpen, "port", port)
	}
	o.held[port] = true
	o.mu.Unlock()

	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		o.release(port)
		details := []interface{}{"port", port, "baud", baud}
		var perr *serial.PortError
		if errors.As(err, &perr) {
			details = append(details, "reason", perr.Code())
		}
		return nil, errors.WithDetails(errors.Wrapf(ErrPortUnavailable, "open %s: %s", port, err), details...)
	}

	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		o.release(port)
		return nil, errors.WithDetails(errors.Wrapf(ErrPortUnavailable, "set read timeout on %s: %s", port, err), "port", port)
	}
	// Whatever the device printed before we arrived is not ours.
	_ = p.ResetInputBuffer()

	c := &serialChannel{
		port:    p,
		name:    port,
		baud:    baud,
		trace:   o.trace,
		release: func() { o.release(port) },
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		log:     log.WithFields(log.Fields{"subsystem": "serial", "port": port, "baud": baud}),
	}
	go c.readLoop()

	c.log.Debug("serial: port opened")
	return c, nil
}

func (o *SerialOpener) release(port string) {
	o.mu.Lock()
	delete(o.held, port)
	o.mu.Unlock()
}

// serialChannel adapts a go.bug.st port to Channel with one reader goroutine.
type serialChannel struct {
	port    serial.Port
	name    string
	baud    int
	trace   bool
	release func()
	log     *log.Entry

	mu  sync.Mutex
	buf []byte
	err error

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (c *serialChannel) readLoop() {
	chunk := make([]byte, 256)
	for {
		n, err := c.port.Read(chunk)
		if n > 0 {
			if c.trace {
				c.log.WithField("rx", string(chunk[:n])).Debug("serial: read")
			}
			c.mu.Lock()
			c.buf = append(c.buf, chunk[:n]...)
			c.mu.Unlock()
			c.notify()
		}

		select {
		case <-c.done:
			c.fail(ErrClosed)
			return
		default:
		}

		if err != nil {
			c.log.WithError(err).Warn("serial: read failed, closing channel")
			c.fail(errors.Wrapf(ErrClosed, "read %s: %s", c.name, err))
			c.Close()
			return
		}
	}
}

func (c *serialChannel) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.notify()
}

func (c *serialChannel) notify() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *serialChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if c.trace {
		c.log.WithField("tx", string(p)).Debug("serial: write")
	}
	n, err := c.port.Write(p)
	if err != nil {
		return n, errors.Wrapf(ErrClosed, "write %s: %s", c.name, err)
	}
	return n, nil
}

func (c *serialChannel) ReadAvailable() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buf) > 0 {
		out := c.buf
		c.buf = nil
		return out, nil
	}
	return nil, c.err
}

func (c *serialChannel) Ready() <-chan struct{} { return c.ready }

func (c *serialChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.port.Close()
		c.release()
		c.fail(ErrClosed)
		c.log.Debug("serial: port closed")
	})
	return err
}

func (c *serialChannel) Port() string  { return c.name }
func (c *serialChannel) BaudRate() int { return c.baud }
