package identify

import (
	"context"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"

	"cubeos-gsm/internal/at"
	"cubeos-gsm/internal/modem"
	"cubeos-gsm/internal/serialport"
)

const (
	// ErrHandshakeFailed means no candidate baud rate produced an OK to "AT".
	ErrHandshakeFailed = errors.Sentinel("no AT response at any baud rate")
	// ErrQueryFailed means a status query timed out or was rejected.
	ErrQueryFailed = errors.Sentinel("status query failed")
)

// DefaultBaudRates is the probe order. The first rate that answers wins.
var DefaultBaudRates = []int{9600, 19200, 38400, 57600, 115200}

// DefaultModels are the model family markers this service drives.
var DefaultModels = []string{"SIM900", "SIM800"}

// Config tunes probing.
type Config struct {
	BaudRates        []int
	HandshakeTimeout time.Duration
	QueryTimeout     time.Duration
	ReadTimeout      time.Duration
	SupportedModels  []string
}

func (c *Config) setDefaults() {
	if len(c.BaudRates) == 0 {
		c.BaudRates = DefaultBaudRates
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 2 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 3 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = serialport.DefaultReadTimeout
	}
	if len(c.SupportedModels) == 0 {
		c.SupportedModels = DefaultModels
	}
}

// Result is an identified device with its open channel.
type Result struct {
	Identity modem.Identity
	Channel  serialport.Channel
	Executor *at.Executor
}

// Identifier finds the baud rate of a port and learns what is attached.
type Identifier struct {
	opener serialport.Opener
	cfg    Config
	log    *log.Entry
}

// New creates an identifier that opens ports through opener.
func New(opener serialport.Opener, cfg Config) *Identifier {
	cfg.setDefaults()
	return &Identifier{
		opener: opener,
		cfg:    cfg,
		log:    log.WithField("subsystem", "identify"),
	}
}

// Identify probes port and, on success, returns the identity together with
// the channel left open at the working baud rate. Open errors
// (serialport.ErrPortUnavailable, serialport.ErrAlreadyOpen) abort at once;
// ErrHandshakeFailed means nothing answered.
func (d *Identifier) Identify(ctx context.Context, port string) (*Result, error) {
	logger := d.log.WithField("port", port)

	ch, err := d.probeBaud(ctx, port)
	if err != nil {
		return nil, err
	}
	exec := at.New(ch)

	id, err := d.Query(ctx, exec)
	if err != nil {
		ch.Close()
		return nil, err
	}
	id.Port = port
	id.BaudRate = ch.BaudRate()

	logger.WithFields(log.Fields{
		"baud":        id.BaudRate,
		"model":       id.Model,
		"imei":        id.IMEI,
		"sim":         id.SIM,
		"network":     id.Network,
		"signal":      id.Signal,
		"partial":     id.Partial,
		"unsupported": id.UnsupportedFamily,
	}).Info("identify: module identified")
	return &Result{Identity: id, Channel: ch, Executor: exec}, nil
}

// Reidentify re-runs identification for a known module. It first tries the
// existing channel at its current baud rate and falls back to a full probe
// (closing the old channel) when that channel no longer answers.
func (d *Identifier) Reidentify(ctx context.Context, port string, exec *at.Executor) (*Result, error) {
	if exec != nil {
		ch := exec.Channel()
		ok, err := d.handshake(ctx, exec)
		if err == nil && ok {
			id, err := d.Query(ctx, exec)
			if err == nil {
				id.Port = port
				id.BaudRate = ch.BaudRate()
				return &Result{Identity: id, Channel: ch, Executor: exec}, nil
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		ch.Close()
	}
	return d.Identify(ctx, port)
}

func (d *Identifier) probeBaud(ctx context.Context, port string) (serialport.Channel, error) {
	for _, baud := range d.cfg.BaudRates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ch, err := d.opener.Open(port, baud, d.cfg.ReadTimeout)
		if err != nil {
			return nil, err
		}

		ok, err := d.handshake(ctx, at.New(ch))
		if err == nil && ok {
			return ch, nil
		}
		ch.Close()
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.log.WithFields(log.Fields{"port": port, "baud": baud}).Debug("identify: no handshake")
	}
	return nil, errors.WithDetails(ErrHandshakeFailed, "port", port, "bauds", d.cfg.BaudRates)
}

func (d *Identifier) handshake(ctx context.Context, exec *at.Executor) (bool, error) {
	out, err := exec.Run(ctx, "AT", d.cfg.HandshakeTimeout)
	if err != nil {
		return false, err
	}
	return out.OK(), nil
}

// Query runs the identification queries on an already-answering device.
// A failed or malformed step leaves its field unknown and marks the
// identity partial; only channel failures and ctx cancellation are errors.
func (d *Identifier) Query(ctx context.Context, exec *at.Executor) (modem.Identity, error) {
	id := modem.Identity{Status: modem.UnknownStatus()}

	text := func(cmd string) (string, error) {
		out, err := exec.Run(ctx, cmd, d.cfg.QueryTimeout)
		if err != nil {
			return "", err
		}
		if !out.OK() {
			return "", nil
		}
		return firstData(out.Lines), nil
	}

	var err error
	if id.Manufacturer, err = text("AT+CGMI"); err != nil {
		return id, err
	}
	if id.Model, err = text("AT+CGMM"); err != nil {
		return id, err
	}
	out, err := exec.Run(ctx, "AT+CGSN", d.cfg.QueryTimeout)
	if err != nil {
		return id, err
	}
	if out.OK() {
		id.IMEI = parseIMEI(out.Lines)
	}
	id.Partial = id.Manufacturer == "" || id.Model == "" || id.IMEI == ""

	st, complete, err := d.status(ctx, exec)
	if err != nil {
		return id, err
	}
	id.Status = st
	id.Partial = id.Partial || !complete
	id.UnsupportedFamily = !d.Supported(id.Model)
	return id, nil
}

// Supported reports whether model carries a known family marker.
func (d *Identifier) Supported(model string) bool {
	m := strings.ToUpper(model)
	for _, marker := range d.cfg.SupportedModels {
		if marker != "" && strings.Contains(m, strings.ToUpper(marker)) {
			return true
		}
	}
	return false
}

// QueryStatus refreshes SIM, signal and registration. The returned error
// is ErrQueryFailed when a step timed out or was rejected, or the channel
// error when the device is gone. Fields of failed steps stay unknown; a
// step answered with OK but an unparseable payload also leaves its field
// unknown and is not an error.
func (d *Identifier) QueryStatus(ctx context.Context, exec *at.Executor) (modem.Status, error) {
	st, _, err := d.queryStatus(ctx, exec)
	return st, err
}

// queryStatus also reports whether any OK answer was malformed.
func (d *Identifier) queryStatus(ctx context.Context, exec *at.Executor) (modem.Status, bool, error) {
	st := modem.UnknownStatus()
	var failed []string
	malformed := false

	steps := []struct {
		cmd   string
		apply func(at.Outcome) bool
	}{
		{"AT+CPIN?", func(o at.Outcome) bool {
			if o.Rejected() {
				s, ok := cpinError(o.Detail)
				st.SIM = s
				return ok
			}
			s, ok := parseCPIN(o.Lines)
			st.SIM = s
			return ok
		}},
		{"AT+CSQ", func(o at.Outcome) bool {
			var ok bool
			st.Signal, ok = parseCSQ(o.Lines)
			return ok
		}},
		{"AT+CREG?", func(o at.Outcome) bool {
			var ok bool
			st.Network, ok = parseCREG(o.Lines)
			return ok
		}},
	}
	for _, step := range steps {
		out, err := exec.Run(ctx, step.cmd, d.cfg.QueryTimeout)
		if err != nil {
			return st, malformed, err
		}
		parsed := step.apply(out)
		switch {
		case out.OK() && !parsed:
			malformed = true
			d.log.WithFields(log.Fields{"port": exec.Channel().Port(), "cmd": step.cmd, "lines": out.Lines}).Debug("identify: malformed response")
		case out.OK(), out.Rejected() && parsed:
		default:
			failed = append(failed, step.cmd+": "+out.Reason())
		}
	}
	if len(failed) > 0 {
		return st, malformed, errors.WithDetails(errors.Wrap(ErrQueryFailed, strings.Join(failed, "; ")), "steps", len(failed))
	}
	return st, malformed, nil
}

// status runs the status queries for identification, where step failures
// and malformed answers only make the identity partial.
func (d *Identifier) status(ctx context.Context, exec *at.Executor) (modem.Status, bool, error) {
	st, malformed, err := d.queryStatus(ctx, exec)
	if errors.Is(err, ErrQueryFailed) {
		d.log.WithError(err).WithField("port", exec.Channel().Port()).Debug("identify: status incomplete")
		return st, false, nil
	}
	return st, err == nil && !malformed, err
}
