package registry

import (
	"sort"
	"sync"

	"emperror.dev/errors"
	"github.com/apex/log"

	"cubeos-gsm/internal/at"
	"cubeos-gsm/internal/modem"
	"cubeos-gsm/internal/serialport"
)

// Lease is exclusive use of one module. All device I/O on a module happens
// under its lease; Release is idempotent.
type Lease struct {
	r        *Registry
	id       string
	seq      uint64
	exec     *at.Executor
	identity modem.Identity
	once     sync.Once
}

func (l *Lease) ModuleID() string         { return l.id }
func (l *Lease) Port() string             { return l.identity.Port }
func (l *Lease) Executor() *at.Executor   { return l.exec }
func (l *Lease) Identity() modem.Identity { return l.identity }
func (l *Lease) Unsupported() bool        { return l.identity.UnsupportedFamily }

// Release returns the module to the pool. A module left in Error by the
// lease holder stays in Error.
func (l *Lease) Release() {
	l.once.Do(func() { l.r.release(l) })
}

func (r *Registry) newLease(m *module) *Lease {
	m.leased = true
	m.seq++
	return &Lease{r: r, id: m.id, seq: m.seq, exec: m.exec, identity: m.identity}
}

// holder returns the module if l is still its current lease. Caller holds r.mu.
func (r *Registry) holder(l *Lease) (*module, bool) {
	m, ok := r.modules[l.id]
	if !ok || !m.leased || m.seq != l.seq {
		return nil, false
	}
	return m, true
}

// Acquire leases a specific module without waiting.
func (r *Registry) Acquire(id string) (*Lease, error) {
	r.mu.Lock()
	m, ok := r.modules[id]
	if !ok {
		r.mu.Unlock()
		return nil, errors.WithDetails(ErrNotFound, "module", id)
	}
	if m.leased {
		r.mu.Unlock()
		return nil, errors.WithDetails(ErrLeaseBusy, "module", id)
	}
	if m.state != modem.StateReady {
		r.mu.Unlock()
		return nil, errors.WithDetails(ErrUnavailable, "module", id, "state", m.state)
	}
	l := r.newLease(m)
	r.transition(m, modem.StateBusy)
	s := r.snapshot(m)
	r.mu.Unlock()

	r.emit(s)
	return l, nil
}

// AcquireAny leases the best Ready, supported module not in exclude:
// fewest consecutive errors first, then most recently seen.
func (r *Registry) AcquireAny(exclude map[string]bool) (*Lease, error) {
	r.mu.Lock()
	var candidates []*module
	for _, m := range r.modules {
		if m.state == modem.StateReady && !m.leased && !m.identity.UnsupportedFamily && !exclude[m.id] {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		r.mu.Unlock()
		return nil, ErrNoModule
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.errorCount != b.errorCount {
			return a.errorCount < b.errorCount
		}
		if !a.lastSeen.Equal(b.lastSeen) {
			return a.lastSeen.After(b.lastSeen)
		}
		return a.id < b.id
	})
	m := candidates[0]
	l := r.newLease(m)
	r.transition(m, modem.StateBusy)
	s := r.snapshot(m)
	r.mu.Unlock()

	r.emit(s)
	return l, nil
}

func (r *Registry) release(l *Lease) {
	r.mu.Lock()
	m, ok := r.holder(l)
	if !ok {
		r.mu.Unlock()
		return
	}
	m.leased = false
	if m.state == modem.StateBusy {
		r.transition(m, modem.StateReady)
	}
	s := r.snapshot(m)
	r.mu.Unlock()
	r.emit(s)
}

// RecordSuccess clears the consecutive-failure count.
func (r *Registry) RecordSuccess(l *Lease) {
	r.mu.Lock()
	m, ok := r.holder(l)
	if !ok {
		r.mu.Unlock()
		return
	}
	m.errorCount = 0
	m.lastError = ""
	m.lastSeen = r.now()
	s := r.snapshot(m)
	r.mu.Unlock()
	r.emit(s)
}

// RecordFailure counts a failed operation. At the threshold the module
// moves to Error. A closed channel disconnects the module outright unless
// the close was forced.
func (r *Registry) RecordFailure(l *Lease, cause error) {
	r.mu.Lock()
	m, ok := r.holder(l)
	if !ok {
		r.mu.Unlock()
		return
	}

	var ch serialport.Channel
	logger := r.log.WithFields(log.Fields{"module": m.id, "port": m.identity.Port}).WithError(cause)
	switch {
	case errors.Is(cause, serialport.ErrClosed) && m.forced:
		m.lastError = cause.Error()
	case errors.Is(cause, serialport.ErrClosed):
		logger.Warn("registry: channel lost")
		ch = r.disconnect(m, cause.Error())
	default:
		m.errorCount++
		m.lastError = cause.Error()
		if m.errorCount >= r.cfg.FailureThreshold && m.state != modem.StateError {
			logger.WithField("error_count", m.errorCount).Warn("registry: failure threshold reached")
			r.transition(m, modem.StateError)
		}
	}
	s := r.snapshot(m)
	r.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	r.emit(s)
}

// UpdateStatus stores freshly polled SIM, signal and registration fields.
func (r *Registry) UpdateStatus(l *Lease, st modem.Status) {
	r.mu.Lock()
	m, ok := r.holder(l)
	if !ok {
		r.mu.Unlock()
		return
	}
	changed := m.identity.Status != st
	m.identity.Status = st
	m.lastSeen = r.now()
	s := r.snapshot(m)
	r.mu.Unlock()

	if changed {
		r.emit(s)
	}
}

// BeginReprobe moves an Error module to Identifying and leases it for the
// duration of the reprobe.
func (r *Registry) BeginReprobe(id string) (*Lease, error) {
	r.mu.Lock()
	m, ok := r.modules[id]
	if !ok {
		r.mu.Unlock()
		return nil, errors.WithDetails(ErrNotFound, "module", id)
	}
	if m.leased {
		r.mu.Unlock()
		return nil, errors.WithDetails(ErrLeaseBusy, "module", id)
	}
	if m.state != modem.StateError {
		r.mu.Unlock()
		return nil, errors.WithDetails(ErrNotReprobing, "module", id, "state", m.state)
	}
	l := r.newLease(m)
	r.transition(m, modem.StateIdentifying)
	s := r.snapshot(m)
	r.mu.Unlock()

	r.emit(s)
	return l, nil
}

// CompleteReprobe ends a reprobe and releases its lease. On success the
// module takes the new identity and executor (which may sit on a reopened
// channel) and settles to Ready or Error. A port that can no longer be
// opened disconnects the module.
func (r *Registry) CompleteReprobe(l *Lease, id modem.Identity, exec *at.Executor, cause error) (modem.Summary, error) {
	r.mu.Lock()
	m, ok := r.holder(l)
	if !ok {
		r.mu.Unlock()
		return modem.Summary{}, errors.WithDetails(ErrNotFound, "module", l.id, "reason", "stale lease")
	}
	m.leased = false

	var stale serialport.Channel
	switch {
	case cause == nil:
		if m.ch != nil && m.ch != exec.Channel() {
			stale = m.ch
		}
		m.identity = id
		m.exec = exec
		m.ch = exec.Channel()
		m.forced = false
		m.lastSeen = r.now()
		r.settle(m)
		if m.state == modem.StateReady {
			m.errorCount = 0
		}
	case errors.Is(cause, serialport.ErrPortUnavailable):
		stale = r.disconnect(m, cause.Error())
	default:
		m.lastError = cause.Error()
		r.transition(m, modem.StateError)
	}
	s := r.snapshot(m)
	r.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	r.emit(s)
	return s, nil
}
