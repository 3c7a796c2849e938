package at

import (
	"context"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"

	"cubeos-gsm/internal/serialport"
)

// DefaultTimeout applies when a Request carries no timeout.
const DefaultTimeout = 3 * time.Second

// DefaultTerminators end an ordinary command.
var DefaultTerminators = []string{OK, ERROR}

// Status tells whether a command reached a terminator.
type Status int

const (
	Completed Status = iota
	TimedOut
)

func (s Status) String() string {
	if s == TimedOut {
		return "timed_out"
	}
	return "completed"
}

// Request is one exchange with the device. Command is sent as a line with
// CRLF appended; Raw is written as-is and takes effect only when Command is
// empty.
type Request struct {
	Command     string
	Raw         []byte
	Terminators []string
	Timeout     time.Duration
}

func (r Request) label() string {
	if r.Command != "" {
		return r.Command
	}
	return strings.TrimRight(string(r.Raw), "\x1a")
}

// Outcome is what the device said before the terminator or the timeout.
type Outcome struct {
	Status Status
	// Lines holds data lines in arrival order, echo removed.
	Lines []string
	// Terminator is OK, ERROR or > (or a caller-supplied line).
	Terminator string
	// Detail is the extended error line when the terminator was
	// +CME ERROR:/+CMS ERROR:.
	Detail  string
	Elapsed time.Duration
}

// OK reports a completed exchange ending in OK.
func (o Outcome) OK() bool { return o.Status == Completed && o.Terminator == OK }

// Rejected reports a completed exchange ending in ERROR or an extended error.
func (o Outcome) Rejected() bool { return o.Status == Completed && o.Terminator == ERROR }

// Prompted reports a completed exchange ending in the input prompt.
func (o Outcome) Prompted() bool { return o.Status == Completed && o.Terminator == Prompt }

// Reason is a short human-readable description of a non-OK outcome.
func (o Outcome) Reason() string {
	switch {
	case o.Status == TimedOut:
		return "no response within " + o.Elapsed.Round(time.Millisecond).String()
	case o.Detail != "":
		return o.Detail
	case o.Terminator != "":
		return o.Terminator
	}
	return "no terminator"
}

// Executor runs one command at a time on a channel. It holds no lock: the
// registry lease is what keeps two callers off the same module.
type Executor struct {
	ch  serialport.Channel
	log *log.Entry
}

// New wraps ch.
func New(ch serialport.Channel) *Executor {
	return &Executor{
		ch:  ch,
		log: log.WithFields(log.Fields{"subsystem": "at", "port": ch.Port()}),
	}
}

// Channel returns the underlying channel.
func (e *Executor) Channel() serialport.Channel { return e.ch }

// Run sends a command line with the default terminators.
func (e *Executor) Run(ctx context.Context, command string, timeout time.Duration) (Outcome, error) {
	return e.Execute(ctx, Request{Command: command, Timeout: timeout})
}

// Execute writes the request and collects lines until a terminator or the
// timeout. A timeout is reported in Outcome.Status, not as an error; errors
// mean the channel failed or ctx ended.
//
// ctx is checked before the write only. Once the command is on the wire the
// exchange runs to its terminator or timeout, so the device is never left
// mid-command; ctx.Err() is then returned alongside the finished Outcome.
func (e *Executor) Execute(ctx context.Context, req Request) (Outcome, error) {
	terms := req.Terminators
	if len(terms) == 0 {
		terms = DefaultTerminators
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	label := req.label()
	logger := e.log.WithField("cmd", label)

	stale, err := e.ch.ReadAvailable()
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "drain before %q", label)
	}
	if len(stale) > 0 {
		logger.WithField("stale", string(stale)).Debug("at: discarded unsolicited bytes")
	}

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	payload := req.Raw
	if req.Command != "" {
		payload = []byte(req.Command + CRLF)
	}
	if _, err := e.ch.Write(payload); err != nil {
		return Outcome{}, errors.Wrapf(err, "write %q", label)
	}
	logger.Debug("at: tx")

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	m := matcher{echo: strings.TrimSpace(label), terms: terms}
	var tok Tokenizer
	done := ctx.Done()
	var ctxErr error
	for {
		chunk, readErr := e.ch.ReadAvailable()
		if len(chunk) > 0 {
			for _, line := range tok.Feed(chunk) {
				if m.consume(line) {
					m.out.Status = Completed
					m.out.Elapsed = time.Since(start)
					logger.WithFields(log.Fields{
						"terminator": m.out.Terminator,
						"lines":      len(m.out.Lines),
						"elapsed":    m.out.Elapsed,
					}).Debug("at: rx")
					return m.out, ctxErr
				}
			}
		}
		if readErr != nil {
			return m.out, errors.Wrapf(readErr, "read after %q", label)
		}

		select {
		case <-e.ch.Ready():
		case <-timer.C:
			m.out.Status = TimedOut
			m.out.Elapsed = time.Since(start)
			logger.WithFields(log.Fields{
				"lines":   len(m.out.Lines),
				"partial": tok.Pending(),
			}).Debug("at: timed out")
			return m.out, ctxErr
		case <-done:
			ctxErr = ctx.Err()
			done = nil
			logger.Debug("at: caller gone, waiting for the device to finish")
		}
	}
}

// Abort writes ESC, which makes the device leave SMS input mode.
func (e *Executor) Abort() error {
	if _, err := e.ch.Write([]byte{Esc}); err != nil {
		return errors.Wrap(err, "write ESC")
	}
	return nil
}

type matcher struct {
	echo     string
	echoSeen bool
	terms    []string
	out      Outcome
}

func (m *matcher) wants(term string) bool {
	for _, t := range m.terms {
		if t == term {
			return true
		}
	}
	return false
}

// consume records one line and reports whether it terminated the exchange.
func (m *matcher) consume(line string) bool {
	text := strings.TrimSpace(line)
	switch Classify(line) {
	case LineEmpty:
		return false
	case LineOK:
		if m.wants(OK) {
			m.out.Terminator = OK
			return true
		}
	case LineError:
		if m.wants(ERROR) {
			m.out.Terminator = ERROR
			if text != ERROR {
				m.out.Detail = text
			}
			return true
		}
	case LinePrompt:
		if m.wants(Prompt) {
			m.out.Terminator = Prompt
			return true
		}
		return false
	}

	if !m.echoSeen && m.echo != "" && text == m.echo {
		m.echoSeen = true
		return false
	}
	m.out.Lines = append(m.out.Lines, text)
	if m.wants(text) {
		m.out.Terminator = text
		return true
	}
	return false
}
