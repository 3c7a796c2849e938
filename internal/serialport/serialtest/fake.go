// Package serialtest provides scripted in-memory serial devices for tests.
package serialtest

import (
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"

	"cubeos-gsm/internal/serialport"
)

// CtrlZ terminates an SMS body.
const CtrlZ = "\x1a"

type rule struct {
	match  string
	prefix bool
	delay  time.Duration
	reply  []string
}

// FakeChannel is a scripted device. Each write is matched against the rules
// (exact first, then prefix, latest rule wins) and the rule's reply chunks are
// queued as if the device had sent them. A write matching no rule is ignored.
type FakeChannel struct {
	port string

	mu      sync.Mutex
	baud    int
	echo    bool
	rules   []rule
	writes  []string
	pending []byte
	err     error
	closed  bool
	opens   int
	onClose func()
	ready   chan struct{}
}

// NewFakeChannel creates a silent device on port.
func NewFakeChannel(port string) *FakeChannel {
	return &FakeChannel{port: port, ready: make(chan struct{}, 1)}
}

// NewModem creates a device that answers the identification and SMS
// sequences of a registered, SIM-ready SIM900.
func NewModem(port, imei string) *FakeChannel {
	c := NewFakeChannel(port)
	c.On("AT", "\r\nOK\r\n")
	c.On("AT+CGMI", "\r\nSIMCOM_Ltd\r\n\r\nOK\r\n")
	c.On("AT+CGMM", "\r\nSIMCOM_SIM900\r\n\r\nOK\r\n")
	c.On("AT+CGSN", "\r\n"+imei+"\r\n\r\nOK\r\n")
	c.On("AT+CPIN?", "\r\n+CPIN: READY\r\n\r\nOK\r\n")
	c.On("AT+CSQ", "\r\n+CSQ: 17,0\r\n\r\nOK\r\n")
	c.On("AT+CREG?", "\r\n+CREG: 0,1\r\n\r\nOK\r\n")
	c.On("AT+CMGF=1", "\r\nOK\r\n")
	c.On(`AT+CSCS="GSM"`, "\r\nOK\r\n")
	c.OnPrefix("AT+CMGS=", "\r\n> ")
	c.OnPrefix("", "\r\n+CMGS: 42\r\n\r\nOK\r\n")
	return c
}

// On replies to a write equal to cmd (a trailing CRLF is ignored).
func (c *FakeChannel) On(cmd string, reply ...string) *FakeChannel {
	return c.add(rule{match: cmd, reply: reply})
}

// OnPrefix replies to any write starting with prefix. An empty prefix
// matches writes ending in Ctrl-Z, which are SMS bodies.
func (c *FakeChannel) OnPrefix(prefix string, reply ...string) *FakeChannel {
	return c.add(rule{match: prefix, prefix: true, reply: reply})
}

// OnDelayed replies to cmd after d.
func (c *FakeChannel) OnDelayed(cmd string, d time.Duration, reply ...string) *FakeChannel {
	return c.add(rule{match: cmd, delay: d, reply: reply})
}

// Silence removes every rule matching cmd so the device stops answering it.
func (c *FakeChannel) Silence(cmd string) *FakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.rules[:0]
	for _, r := range c.rules {
		if r.match != cmd {
			kept = append(kept, r)
		}
	}
	c.rules = kept
	return c
}

// WithEcho makes the device echo each command line back (ATE1).
func (c *FakeChannel) WithEcho() *FakeChannel {
	c.mu.Lock()
	c.echo = true
	c.mu.Unlock()
	return c
}

func (c *FakeChannel) add(r rule) *FakeChannel {
	c.mu.Lock()
	c.rules = append(c.rules, r)
	c.mu.Unlock()
	return c
}

// Inject queues bytes as unsolicited device output.
func (c *FakeChannel) Inject(s string) {
	c.mu.Lock()
	c.pending = append(c.pending, s...)
	c.mu.Unlock()
	c.notify()
}

// Fail makes every later read and write return a wrapped serialport.ErrClosed.
func (c *FakeChannel) Fail(reason string) {
	c.mu.Lock()
	c.err = errors.Wrap(serialport.ErrClosed, reason)
	c.mu.Unlock()
	c.notify()
}

// Writes returns everything written so far, one entry per Write call.
func (c *FakeChannel) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

// Count returns how many writes equal cmd followed by CRLF.
func (c *FakeChannel) Count(cmd string) int {
	n := 0
	for _, w := range c.Writes() {
		if w == cmd+"\r\n" {
			n++
		}
	}
	return n
}

// Opens returns how many times the opener handed this channel out.
func (c *FakeChannel) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Closed reports whether the channel is currently closed.
func (c *FakeChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, serialport.ErrClosed
	}
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return 0, err
	}
	data := string(p)
	c.writes = append(c.writes, data)
	key := strings.TrimSuffix(data, "\r\n")
	if c.echo && key != data {
		c.pending = append(c.pending, key+"\r\r\n"...)
	}
	r, ok := c.lookup(data, key)
	c.mu.Unlock()

	if ok {
		c.reply(r)
	}
	c.notify()
	return len(p), nil
}

func (c *FakeChannel) lookup(data, key string) (rule, bool) {
	for i := len(c.rules) - 1; i >= 0; i-- {
		if r := c.rules[i]; !r.prefix && r.match == key {
			return r, true
		}
	}
	body := strings.HasSuffix(data, CtrlZ)
	for i := len(c.rules) - 1; i >= 0; i-- {
		r := c.rules[i]
		if !r.prefix {
			continue
		}
		if r.match == "" && body {
			return r, true
		}
		if r.match != "" && !body && strings.HasPrefix(key, r.match) {
			return r, true
		}
	}
	return rule{}, false
}

func (c *FakeChannel) reply(r rule) {
	send := func() {
		for _, chunk := range r.reply {
			c.Inject(chunk)
		}
	}
	if r.delay > 0 {
		time.AfterFunc(r.delay, send)
		return
	}
	send()
}

func (c *FakeChannel) ReadAvailable() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, serialport.ErrClosed
	}
	if len(c.pending) > 0 {
		out := c.pending
		c.pending = nil
		return out, nil
	}
	return nil, c.err
}

func (c *FakeChannel) Ready() <-chan struct{} { return c.ready }

func (c *FakeChannel) notify() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *FakeChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	onClose := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	c.notify()
	return nil
}

func (c *FakeChannel) Port() string { return c.port }

func (c *FakeChannel) BaudRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baud
}

// reopen readies the channel for another Open call.
func (c *FakeChannel) reopen(baud int, onClose func()) {
	c.mu.Lock()
	c.closed = false
	c.err = nil
	c.pending = nil
	c.baud = baud
	c.opens++
	c.onClose = onClose
	c.mu.Unlock()
}

// OpenCall records one Open invocation.
type OpenCall struct {
	Port string
	Baud int
}

type device struct {
	baud int
	ch   *FakeChannel
}

// FakeOpener hands out FakeChannels. A device only answers when opened at
// the baud rate it was attached with; at any other rate it stays silent.
type FakeOpener struct {
	mu          sync.Mutex
	devices     map[string]device
	unavailable map[string]bool
	held        map[string]bool
	calls       []OpenCall
}

// NewFakeOpener creates an opener with no devices attached.
func NewFakeOpener() *FakeOpener {
	return &FakeOpener{
		devices:     make(map[string]device),
		unavailable: make(map[string]bool),
		held:        make(map[string]bool),
	}
}

// Attach plugs ch into its port, answering at baud.
func (o *FakeOpener) Attach(baud int, ch *FakeChannel) *FakeChannel {
	o.mu.Lock()
	o.devices[ch.Port()] = device{baud: baud, ch: ch}
	o.mu.Unlock()
	return ch
}

// Unavailable makes Open on port fail as if permission was denied.
func (o *FakeOpener) Unavailable(port string) {
	o.mu.Lock()
	o.unavailable[port] = true
	o.mu.Unlock()
}

// Calls returns every Open invocation in order.
func (o *FakeOpener) Calls() []OpenCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]OpenCall(nil), o.calls...)
}

// CallsFor returns the baud rates port was opened at, in order.
func (o *FakeOpener) CallsFor(port string) []int {
	var bauds []int
	for _, c := range o.Calls() {
		if c.Port == port {
			bauds = append(bauds, c.Baud)
		}
	}
	return bauds
}

func (o *FakeOpener) Open(port string, baud int, _ time.Duration) (serialport.Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.calls = append(o.calls, OpenCall{Port: port, Baud: baud})
	dev, ok := o.devices[port]
	if !ok || o.unavailable[port] {
		return nil, errors.WithDetails(errors.Wrap(serialport.ErrPortUnavailable, "permission denied"), "port", port)
	}
	if o.held[port] {
		return nil, errors.WithDetails(serialport.ErrAlreadyOpen, "port", port)
	}
	o.held[port] = true
	release := func() {
		o.mu.Lock()
		delete(o.held, port)
		o.mu.Unlock()
	}

	if baud != dev.baud {
		mute := NewFakeChannel(port)
		mute.reopen(baud, release)
		return mute, nil
	}
	dev.ch.reopen(baud, release)
	return dev.ch, nil
}
