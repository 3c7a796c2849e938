package monitor

import (
	"context"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-co-op/gocron/v2"

	"cubeos-gsm/internal/at"
	"cubeos-gsm/internal/identify"
	"cubeos-gsm/internal/modem"
	"cubeos-gsm/internal/registry"
)

// StatusQuerier refreshes SIM, signal and registration on a leased module.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, exec *at.Executor) (modem.Status, error)
}

// Reprober re-identifies a module in Error.
type Reprober interface {
	Reprobe(ctx context.Context, id string) (modem.Summary, error)
}

// Config sets the poll cadence and the reprobe backoff.
type Config struct {
	Interval        time.Duration
	ReprobeInterval time.Duration
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.ReprobeInterval <= 0 {
		c.ReprobeInterval = 5 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
}

// CycleReport counts what one poll cycle did.
type CycleReport struct {
	Polled  int
	Skipped int
	Failed  int
}

type retry struct {
	b    *backoff.ExponentialBackOff
	next time.Time
}

// Monitor polls Ready modules and re-identifies modules in Error.
type Monitor struct {
	reg      *registry.Registry
	query    StatusQuerier
	reprober Reprober
	cfg      Config
	log      *log.Entry
	now      func() time.Time

	mu      sync.Mutex
	retries map[string]*retry
	onCycle []func(CycleReport)
	sched   gocron.Scheduler
}

// New creates a monitor. reprober may be nil, in which case modules in
// Error are left alone.
func New(reg *registry.Registry, query StatusQuerier, reprober Reprober, cfg Config) *Monitor {
	cfg.setDefaults()
	return &Monitor{
		reg:      reg,
		query:    query,
		reprober: reprober,
		cfg:      cfg,
		log:      log.WithField("subsystem", "monitor"),
		now:      time.Now,
		retries:  make(map[string]*retry),
	}
}

// OnCycle registers fn to run after every poll cycle.
func (m *Monitor) OnCycle(fn func(CycleReport)) {
	m.mu.Lock()
	m.onCycle = append(m.onCycle, fn)
	m.mu.Unlock()
}

// Cycle polls every Ready module once, in parallel. Modules that are
// leased by someone else are skipped until the next cycle.
func (m *Monitor) Cycle(ctx context.Context) CycleReport {
	ids := m.reg.IDs(modem.StateReady)

	var (
		mu     sync.Mutex
		report CycleReport
		wg     sync.WaitGroup
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			polled, failed := m.poll(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case !polled:
				report.Skipped++
			case failed:
				report.Polled++
				report.Failed++
			default:
				report.Polled++
			}
		}(id)
	}
	wg.Wait()

	m.log.WithFields(log.Fields{
		"polled":  report.Polled,
		"skipped": report.Skipped,
		"failed":  report.Failed,
	}).Debug("monitor: poll cycle done")

	m.mu.Lock()
	hooks := append([]func(CycleReport){}, m.onCycle...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(report)
	}
	return report
}

func (m *Monitor) poll(ctx context.Context, id string) (polled, failed bool) {
	lease, err := m.reg.Acquire(id)
	if err != nil {
		return false, false
	}
	defer lease.Release()

	logger := m.log.WithFields(log.Fields{"module": id, "port": lease.Port()})
	st, err := m.query.QueryStatus(ctx, lease.Executor())
	switch {
	case err != nil && ctx.Err() != nil:
		return false, false
	case errors.Is(err, identify.ErrQueryFailed):
		m.reg.UpdateStatus(lease, st)
		logger.WithError(err).Warn("monitor: status poll failed")
		m.reg.RecordFailure(lease, err)
		return true, true
	case err != nil:
		logger.WithError(err).Warn("monitor: module unreachable")
		m.reg.RecordFailure(lease, err)
		return true, true
	}

	m.reg.UpdateStatus(lease, st)
	if st.Lost() {
		cause := errors.WithDetails(registry.ErrNotOperational, "sim", st.SIM, "network", st.Network)
		logger.WithFields(log.Fields{"sim": st.SIM, "network": st.Network}).Warn("monitor: module not operational")
		m.reg.RecordFailure(lease, cause)
		return true, true
	}
	m.reg.RecordSuccess(lease)
	return true, false
}

// Reprobe re-identifies every Error module whose backoff has elapsed and
// returns how many were attempted.
func (m *Monitor) Reprobe(ctx context.Context) int {
	if m.reprober == nil {
		return 0
	}
	due := m.due(m.reg.IDs(modem.StateError))

	var wg sync.WaitGroup
	for _, id := range due {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s, err := m.reprober.Reprobe(ctx, id)
			if err == nil && s.State == modem.StateReady {
				m.forget(id)
				return
			}
			if ctx.Err() != nil {
				return
			}
			next := m.schedule(id)
			logger := m.log.WithFields(log.Fields{"module": id, "retry_in": next})
			if err != nil {
				logger = logger.WithError(err)
			}
			logger.Info("monitor: reprobe did not recover module")
		}(id)
	}
	wg.Wait()
	return len(due)
}

// due returns the ids whose backoff elapsed. Modules seen in Error for the
// first time start their backoff here; modules no longer in Error are
// forgotten.
func (m *Monitor) due(inError []string) []string {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	current := make(map[string]bool, len(inError))
	var ready []string
	for _, id := range inError {
		current[id] = true
		r, ok := m.retries[id]
		if !ok {
			r = &retry{b: m.newBackoff()}
			r.next = now.Add(r.b.NextBackOff())
			m.retries[id] = r
			continue
		}
		if !now.Before(r.next) {
			ready = append(ready, id)
		}
	}
	for id := range m.retries {
		if !current[id] {
			delete(m.retries, id)
		}
	}
	return ready
}

func (m *Monitor) newBackoff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(m.cfg.BackoffInitial),
		backoff.WithMaxInterval(m.cfg.BackoffMax),
		backoff.WithMaxElapsedTime(0),
	)
}

func (m *Monitor) schedule(id string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.retries[id]
	if !ok {
		r = &retry{b: m.newBackoff()}
		m.retries[id] = r
	}
	wait := r.b.NextBackOff()
	r.next = m.now().Add(wait)
	return wait
}

func (m *Monitor) forget(id string) {
	m.mu.Lock()
	delete(m.retries, id)
	m.mu.Unlock()
}

// Start schedules the poll and reprobe jobs. Both run in singleton mode so
// a slow cycle is never overlapped by the next one.
func (m *Monitor) Start(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}

	jobs := []struct {
		name     string
		interval time.Duration
		task     func(context.Context)
	}{
		{"status-poll", m.cfg.Interval, func(ctx context.Context) { m.Cycle(ctx) }},
		{"reprobe", m.cfg.ReprobeInterval, func(ctx context.Context) { m.Reprobe(ctx) }},
	}
	for _, j := range jobs {
		_, err := s.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(j.task),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithContext(ctx),
		)
		if err != nil {
			_ = s.Shutdown()
			return errors.WithDetails(errors.Wrap(err, "schedule job"), "job", j.name)
		}
	}

	m.mu.Lock()
	m.sched = s
	m.mu.Unlock()

	s.Start()
	m.log.WithFields(log.Fields{
		"interval":         m.cfg.Interval,
		"reprobe_interval": m.cfg.ReprobeInterval,
	}).Info("monitor: started")
	return nil
}

// Stop shuts the scheduler down and waits for running jobs.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	s := m.sched
	m.sched = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return errors.Wrap(s.Shutdown(), "stop scheduler")
}
