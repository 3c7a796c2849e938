package sms

import (
	"context"
	"fmt"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/google/uuid"

	"cubeos-gsm/internal/at"
)

// Target is a leased module to send through.
type Target interface {
	ModuleID() string
	Executor() *at.Executor
	Unsupported() bool
}

// Config holds the per-step deadlines of the text-mode send sequence.
type Config struct {
	SetupTimeout    time.Duration
	PromptTimeout   time.Duration
	FinalTimeout    time.Duration
	MaxSegmentChars int
	Charset         string
}

func (c *Config) setDefaults() {
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = 5 * time.Second
	}
	if c.PromptTimeout <= 0 {
		c.PromptTimeout = 10 * time.Second
	}
	if c.FinalTimeout <= 0 {
		c.FinalTimeout = 30 * time.Second
	}
	if c.MaxSegmentChars <= 0 {
		c.MaxSegmentChars = DefaultMaxSegment
	}
	if c.Charset == "" {
		c.Charset = "GSM"
	}
}

// MessageRef identifies an accepted message. ID is the device's +CMGS
// reference when it reported one; otherwise a local UUID with Local set.
type MessageRef struct {
	ID       string    `json:"id"`
	Local    bool      `json:"local"`
	ModuleID string    `json:"module_id"`
	SentAt   time.Time `json:"sent_at"`
}

// Sender drives the text-mode SMS sequence on one module. It never
// retries; callers decide whether to try another module.
type Sender struct {
	cfg Config
	log *log.Entry
}

// NewSender creates a sender.
func NewSender(cfg Config) *Sender {
	cfg.setDefaults()
	return &Sender{cfg: cfg, log: log.WithField("subsystem", "sms")}
}

// MaxSegmentChars is the configured single-segment septet limit.
func (s *Sender) MaxSegmentChars() int { return s.cfg.MaxSegmentChars }

// Send transmits body to phone through t. The caller holds t's lease.
func (s *Sender) Send(ctx context.Context, t Target, phone, body string) (MessageRef, error) {
	mid := t.ModuleID()
	number, err := NormalizeNumber(phone)
	if err != nil {
		return MessageRef{}, err
	}
	text, err := EncodeBody(body, s.cfg.MaxSegmentChars)
	if err != nil {
		return MessageRef{}, err
	}
	if t.Unsupported() {
		return MessageRef{}, newError(KindUnsupportedModule, mid, "model family is not supported", nil)
	}

	exec := t.Executor()
	logger := s.log.WithFields(log.Fields{"module": mid, "port": exec.Channel().Port()})

	for _, cmd := range []string{"AT+CMGF=1", fmt.Sprintf(`AT+CSCS="%s"`, s.cfg.Charset)} {
		out, err := exec.Run(ctx, cmd, s.cfg.SetupTimeout)
		if err != nil {
			return MessageRef{}, s.ioError(mid, cmd, err)
		}
		if !out.OK() {
			return MessageRef{}, newError(KindModeSetupFailed, mid, cmd+": "+out.Reason(), nil)
		}
	}

	// Between the address and the body the module may be in input mode;
	// every exit on that stretch writes ESC so the next command is not
	// taken as message text.
	leaveInput := func() {
		if abortErr := exec.Abort(); abortErr != nil {
			logger.WithError(abortErr).Warn("sms: could not leave input mode")
		}
	}

	address := fmt.Sprintf(`AT+CMGS="%s"`, number)
	out, err := exec.Execute(ctx, at.Request{
		Command:     address,
		Terminators: []string{at.Prompt, at.ERROR},
		Timeout:     s.cfg.PromptTimeout,
	})
	switch {
	case err != nil && !isCancel(err):
		return MessageRef{}, s.ioError(mid, address, err)
	case out.Rejected():
		return MessageRef{}, newError(KindDeviceRejected, mid, out.Reason(), nil)
	case out.Status == at.TimedOut:
		leaveInput()
		if err != nil {
			return MessageRef{}, s.ioError(mid, address, err)
		}
		return MessageRef{}, newError(KindPromptTimeout, mid, fmt.Sprintf("no prompt within %s", s.cfg.PromptTimeout), nil)
	case err != nil:
		leaveInput()
		return MessageRef{}, s.ioError(mid, address, err)
	}

	if err := ctx.Err(); err != nil {
		leaveInput()
		return MessageRef{}, s.ioError(mid, "body", err)
	}
	out, err = exec.Execute(ctx, at.Request{Raw: append(text, at.CtrlZ), Timeout: s.cfg.FinalTimeout})
	if err != nil && !isCancel(err) {
		return MessageRef{}, s.ioError(mid, "body", err)
	}
	// The body is on the wire, so the device's verdict wins over a
	// cancellation that arrived while waiting for it.
	switch {
	case out.Status == at.TimedOut:
		return MessageRef{}, newError(KindSendTimeout, mid, fmt.Sprintf("no final result within %s", s.cfg.FinalTimeout), nil)
	case out.Rejected():
		return MessageRef{}, newError(KindDeviceRejected, mid, out.Reason(), nil)
	case err != nil && !out.OK():
		// cancelled before the body was written
		leaveInput()
		return MessageRef{}, s.ioError(mid, "body", err)
	}

	ref :=MessageRef{ModuleID: mid, SentAt: time.Now()}
	if id, ok := parseCMGS(out.Lines); ok {
		ref.ID = id
	} else {
		ref.ID = uuid.NewString()
		ref.Local = true
	}
	logger.WithFields(log.Fields{"ref": ref.ID, "local": ref.Local, "to": mask(number)}).Info("sms: message sent")
	return ref, nil
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Sender) ioError(mid, step string, err error) *Error {
	if isCancel(err) {
		return newError(KindCancelled, mid, step+": "+err.Error(), err)
	}
	return newError(KindTransport, mid, step+": "+err.Error(), err)
}

// parseCMGS returns the reference from a "+CMGS: <mr>" line.
func parseCMGS(lines []string) (string, bool) {
	for _, line := range lines {
		if strings.HasPrefix(line, "+CMGS:") {
			ref := strings.TrimSpace(strings.TrimPrefix(line, "+CMGS:"))
			if i := strings.IndexByte(ref, ','); i >= 0 {
				ref = ref[:i]
			}
			return ref, ref != ""
		}
	}
	return "", false
}

// mask keeps the last four digits of a number for logs.
func mask(number string) string {
	if len(number) <= 4 {
		return number
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}
