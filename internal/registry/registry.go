package registry

import (
	"sort"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/google/uuid"

	"cubeos-gsm/internal/at"
	"cubeos-gsm/internal/modem"
	"cubeos-gsm/internal/serialport"
)

const (
	ErrNotFound     = errors.Sentinel("module not found")
	ErrLeaseBusy    = errors.Sentinel("module busy")
	ErrUnavailable  = errors.Sentinel("module not ready")
	ErrNoModule     = errors.Sentinel("no ready module available")
	ErrPortInUse    = errors.Sentinel("port already registered")
	ErrDuplicate    = errors.Sentinel("module already registered on another port")
	ErrNotReprobing = errors.Sentinel("module is not in error state")
)

// DefaultFailureThreshold is how many consecutive failures move a module to Error.
const DefaultFailureThreshold = 3

// ErrNotOperational is recorded when a poll finds the SIM locked or the
// module off-network.
const ErrNotOperational = errors.Sentinel("sim or network not ready")

var idSpace = uuid.MustParse("6f1c2d64-3a5e-4c1b-9d6a-8e2f7b0c4a91")

// ModuleID derives a stable id from the IMEI, or from the port when the
// IMEI is unknown.
func ModuleID(id modem.Identity) string {
	key := "imei:" + id.IMEI
	if id.IMEI == "" {
		key = "port:" + id.Port
	}
	return uuid.NewSHA1(idSpace, []byte(key)).String()
}

// Config tunes the registry.
type Config struct {
	FailureThreshold int
}

type module struct {
	id         string
	identity   modem.Identity
	state      modem.State
	lastSeen   time.Time
	errorCount int
	lastError  string
	lastSMS    *modem.SMSOutcome

	ch   serialport.Channel
	exec *at.Executor

	leased bool
	seq    uint64
	forced bool
	rev    uint64
}

// Registry owns every module record. A single mutex guards bookkeeping;
// device I/O always happens outside it, under a lease.
type Registry struct {
	cfg Config
	log *log.Entry
	now func() time.Time

	mu      sync.Mutex
	modules map[string]*module
	hooks   []func(modem.Summary)
	rev     uint64
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	return &Registry{
		cfg:     cfg,
		log:     log.WithField("subsystem", "registry"),
		now:     time.Now,
		modules: make(map[string]*module),
	}
}

// OnChange registers fn to receive a summary after every state change.
// Hooks run outside the registry lock and must not block for long.
func (r *Registry) OnChange(fn func(modem.Summary)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

func (r *Registry) emit(s modem.Summary) {
	r.mu.Lock()
	hooks := append([]func(modem.Summary){}, r.hooks...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(s)
	}
}

// Add registers an identified module and takes ownership of its channel.
// The module becomes Ready when the SIM is unlocked and it is registered
// on a network, and Error otherwise.
func (r *Registry) Add(id modem.Identity, exec *at.Executor) (modem.Summary, error) {
	mid := ModuleID(id)

	r.mu.Lock()
	for _, m := range r.modules {
		if m.state == modem.StateDisconnected {
			continue
		}
		if m.identity.Port == id.Port {
			r.mu.Unlock()
			return modem.Summary{}, errors.WithDetails(ErrPortInUse, "port", id.Port, "module", m.id)
		}
		if m.id == mid {
			r.mu.Unlock()
			return modem.Summary{}, errors.WithDetails(ErrDuplicate, "port", id.Port, "module", m.id, "registered_port", m.identity.Port)
		}
	}

	m := &module{
		id:       mid,
		identity: id,
		state:    modem.StateDiscovered,
		lastSeen: r.now(),
		ch:       exec.Channel(),
		exec:     exec,
	}
	r.modules[mid] = m
	r.transition(m, modem.StateIdentifying)
	r.settle(m)
	s := r.snapshot(m)
	r.mu.Unlock()

	r.emit(s)
	return s, nil
}

// settle moves a freshly identified module to Ready or Error.
func (r *Registry) settle(m *module) {
	if m.identity.Operational() {
		m.lastError = ""
		r.transition(m, modem.StateReady)
		return
	}
	m.lastError = ErrNotOperational.Error()
	r.transition(m, modem.StateError)
}

func (r *Registry) transition(m *module, to modem.State) {
	if m.state == to {
		return
	}
	r.log.WithFields(log.Fields{
		"module": m.id,
		"port":   m.identity.Port,
		"from":   m.state,
		"to":     to,
	}).Info("registry: state change")
	m.state = to
}

// Get returns one module's summary.
func (r *Registry) Get(id string) (modem.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[id]
	if !ok {
		return modem.Summary{}, errors.WithDetails(ErrNotFound, "module", id)
	}
	return m.summary(), nil
}

// List returns every module sorted by port, Disconnected ones included.
func (r *Registry) List() []modem.Summary {
	r.mu.Lock()
	out := make([]modem.Summary, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m.summary())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HasLivePort reports whether a non-Disconnected module holds port.
func (r *Registry) HasLivePort(port string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.modules {
		if m.identity.Port == port && m.state != modem.StateDisconnected {
			return true
		}
	}
	return false
}

// IDs returns the ids of modules in any of the given states, sorted.
func (r *Registry) IDs(states ...modem.State) []string {
	r.mu.Lock()
	var ids []string
	for _, m := range r.modules {
		for _, s := range states {
			if m.state == s {
				ids = append(ids, m.id)
				break
			}
		}
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Remove disconnects a module and closes its channel. A leased module
// cannot be removed; use ForceClose.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	m, ok := r.modules[id]
	if !ok {
		r.mu.Unlock()
		return errors.WithDetails(ErrNotFound, "module", id)
	}
	if m.leased {
		r.mu.Unlock()
		return errors.WithDetails(ErrLeaseBusy, "module", id)
	}
	ch := r.disconnect(m, "removed")
	s := r.snapshot(m)
	r.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	r.emit(s)
	return nil
}

// disconnect marks m Disconnected and returns the channel to close.
func (r *Registry) disconnect(m *module, reason string) serialport.Channel {
	if m.state == modem.StateDisconnected {
		return nil
	}
	m.lastError = reason
	r.transition(m, modem.StateDisconnected)
	ch := m.ch
	m.ch = nil
	return ch
}

// ForceClose closes a module's channel even while it is leased. The
// in-flight command fails, the module goes to Error and is picked up by
// the next reprobe, which reopens the port.
func (r *Registry) ForceClose(id string) error {
	r.mu.Lock()
	m, ok := r.modules[id]
	if !ok {
		r.mu.Unlock()
		return errors.WithDetails(ErrNotFound, "module", id)
	}
	if m.state == modem.StateDisconnected {
		r.mu.Unlock()
		return errors.WithDetails(ErrUnavailable, "module", id, "state", m.state)
	}
	m.forced = true
	m.lastError = "forced close"
	r.transition(m, modem.StateError)
	ch := m.ch
	s := r.snapshot(m)
	r.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	r.emit(s)
	return nil
}

// RecordSMS stores the outcome of the last SMS attempt on a module.
func (r *Registry) RecordSMS(id string, outcome modem.SMSOutcome) {
	r.mu.Lock()
	m, ok := r.modules[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	m.lastSMS = &outcome
	s := r.snapshot(m)
	r.mu.Unlock()
	r.emit(s)
}

// snapshot stamps m with the next revision and returns its summary. Call
// with r.mu held.
func (r *Registry) snapshot(m *module) modem.Summary {
	r.rev++
	m.rev = r.rev
	return m.summary()
}

func (m *module) summary() modem.Summary {
	s := modem.Summary{
		ID:                m.id,
		Port:              m.identity.Port,
		BaudRate:          m.identity.BaudRate,
		State:             m.state,
		Manufacturer:      m.identity.Manufacturer,
		Model:             m.identity.Model,
		IMEI:              m.identity.IMEI,
		SIM:               m.identity.SIM,
		Network:           m.identity.Network,
		Signal:            m.identity.Signal,
		LastSeen:          m.lastSeen,
		ErrorCount:        m.errorCount,
		LastError:         m.lastError,
		UnsupportedFamily: m.identity.UnsupportedFamily,
		Partial:           m.identity.Partial,
		Revision:          m.rev,
	}
	if m.lastSMS != nil {
		sms := *m.lastSMS
		s.LastSMS = &sms
	}
	return s
}
