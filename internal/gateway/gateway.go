package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gammazero/workerpool"

	"cubeos-gsm/internal/identify"
	"cubeos-gsm/internal/jobs"
	"cubeos-gsm/internal/modem"
	"cubeos-gsm/internal/registry"
	"cubeos-gsm/internal/serialport"
	"cubeos-gsm/internal/sms"
)

// JobStore persists SMS jobs.
type JobStore interface {
	Create(ctx context.Context, j *jobs.Job) error
	Update(ctx context.Context, j *jobs.Job) error
	Get(ctx context.Context, id string) (*jobs.Job, error)
	Recent(ctx context.Context, limit int) ([]jobs.Job, error)
}

// Config controls scanning and delivery.
type Config struct {
	Ports       []string
	PortGlobs   []string
	ScanWorkers int
	MaxAttempts int

	// Discover lists OS ports matching globs; serialport.Discover when nil.
	Discover func(globs []string) ([]string, error)
}

func (c *Config) setDefaults() {
	if c.ScanWorkers <= 0 {
		c.ScanWorkers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Discover == nil {
		c.Discover = serialport.Discover
	}
}

// SendRequest asks for one SMS. An empty ModuleID lets the gateway pick.
type SendRequest struct {
	ModuleID string
	Phone    string
	Body     string
}

// Service is the collaborator-facing surface: scan, send and status.
type Service struct {
	cfg    Config
	reg    *registry.Registry
	ident  *identify.Identifier
	sender *sms.Sender
	store  JobStore
	log    *log.Entry

	scanMu sync.Mutex

	mu       sync.Mutex
	outcomes []func(jobs.Job)
}

// New wires a gateway.
func New(reg *registry.Registry, ident *identify.Identifier, sender *sms.Sender, store JobStore, cfg Config) *Service {
	cfg.setDefaults()
	return &Service{
		cfg:    cfg,
		reg:    reg,
		ident:  ident,
		sender: sender,
		store:  store,
		log:    log.WithField("subsystem", "gateway"),
	}
}

// OnOutcome registers fn to receive every finished job.
func (s *Service) OnOutcome(fn func(jobs.Job)) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, fn)
	s.mu.Unlock()
}

// ============================================================================
// Discovery
// ============================================================================

// Scan probes every candidate port not already held by a live module and
// registers what answers. Ports are probed concurrently, each by exactly
// one worker; only one scan runs at a time.
func (s *Service) Scan(ctx context.Context) ([]modem.Summary, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	ports := s.candidates()
	wp := workerpool.New(s.cfg.ScanWorkers)
	probed := 0
	for _, port := range ports {
		if s.reg.HasLivePort(port) {
			continue
		}
		port := port
		probed++
		wp.Submit(func() { s.probe(ctx, port) })
	}
	wp.StopWait()

	s.log.WithFields(log.Fields{"candidates": len(ports), "probed": probed}).Info("gateway: scan finished")
	if err := ctx.Err(); err != nil {
		return s.reg.List(), err
	}
	return s.reg.List(), nil
}

func (s *Service) candidates() []string {
	seen := make(map[string]bool)
	var ports []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}
	for _, p := range s.cfg.Ports {
		add(p)
	}
	if len(s.cfg.PortGlobs) > 0 {
		found, err := s.cfg.Discover(s.cfg.PortGlobs)
		if err != nil {
			s.log.WithError(err).Warn("gateway: port discovery failed, using configured ports only")
		}
		for _, p := range found {
			add(p)
		}
	}
	sort.Strings(ports)
	return ports
}

func (s *Service) probe(ctx context.Context, port string) {
	logger := s.log.WithField("port", port)

	res, err := s.ident.Identify(ctx, port)
	switch {
	case err == nil:
	case errors.Is(err, identify.ErrHandshakeFailed):
		logger.Info("gateway: no modem answered")
		return
	case errors.Is(err, serialport.ErrAlreadyOpen):
		logger.Debug("gateway: port already open")
		return
	case errors.Is(err, serialport.ErrPortUnavailable):
		logger.WithError(err).Warn("gateway: port unavailable")
		return
	default:
		logger.WithError(err).Warn("gateway: identification failed")
		return
	}

	sum, err := s.reg.Add(res.Identity, res.Executor)
	if err != nil {
		res.Channel.Close()
		logger.WithError(err).Warn("gateway: module not registered")
		return
	}
	logger.WithFields(log.Fields{"module": sum.ID, "state": sum.State}).Info("gateway: module registered")
}

// ============================================================================
// Status
// ============================================================================

// GetStatus returns one module's summary.
func (s *Service) GetStatus(id string) (modem.Summary, error) {
	return s.reg.Get(id)
}

// GetAllStatus returns every module's summary, sorted by port.
func (s *Service) GetAllStatus() []modem.Summary {
	return s.reg.List()
}

// Remove disconnects an idle module.
func (s *Service) Remove(id string) error {
	return s.reg.Remove(id)
}

// ForceClose closes a module's channel even mid-command.
func (s *Service) ForceClose(id string) error {
	return s.reg.ForceClose(id)
}

// Reprobe re-identifies a module in Error. The summary reflects the module
// after the attempt; the error is the identification failure, if any.
func (s *Service) Reprobe(ctx context.Context, id string) (modem.Summary, error) {
	lease, err := s.reg.BeginReprobe(id)
	if err != nil {
		return modem.Summary{}, err
	}
	logger := s.log.WithFields(log.Fields{"module": id, "port": lease.Port()})

	res, err := s.ident.Reidentify(ctx, lease.Port(), lease.Executor())
	if err != nil {
		sum, cerr := s.reg.CompleteReprobe(lease, modem.Identity{}, nil, err)
		if cerr != nil {
			return sum, cerr
		}
		return sum, errors.WithDetails(errors.Wrap(err, "reprobe"), "module", id)
	}
	if res.Identity.IMEI != "" && registry.ModuleID(res.Identity) != id {
		logger.WithField("imei", res.Identity.IMEI).Warn("gateway: a different device now answers on this port")
	}
	sum, err := s.reg.CompleteReprobe(lease, res.Identity, res.Executor, nil)
	if err == nil {
		logger.WithField("state", sum.State).Info("gateway: reprobe finished")
	}
	return sum, err
}

// Job loads a stored job.
func (s *Service) Job(ctx context.Context, id string) (*jobs.Job, error) {
	return s.store.Get(ctx, id)
}

// RecentJobs returns up to limit SMS jobs, newest first.
func (s *Service) RecentJobs(ctx context.Context, limit int) ([]jobs.Job, error) {
	return s.store.Recent(ctx, limit)
}

// ============================================================================
// Delivery
// ============================================================================

// SendSMS sends one message and returns its reference.
func (s *Service) SendSMS(ctx context.Context, moduleID, phone, body string) (sms.MessageRef, error) {
	_, ref, err := s.Submit(ctx, SendRequest{ModuleID: moduleID, Phone: phone, Body: body})
	return ref, err
}

// Submit records a job, delivers it and stores the outcome. The returned
// job is in a terminal state whenever it is non-nil. Delivery failures
// are *sms.Error.
func (s *Service) Submit(ctx context.Context, req SendRequest) (*jobs.Job, sms.MessageRef, error) {
	job := jobs.New(req.ModuleID, req.Phone, req.Body)
	if err := s.store.Create(ctx, job); err != nil {
		return nil, sms.MessageRef{}, err
	}

	ref, err := s.deliver(ctx, job, req)
	if err != nil {
		kind := string(sms.KindTransport)
		var smsErr *sms.Error
		if errors.As(err, &smsErr) {
			kind = string(smsErr.Kind)
		}
		job.MarkFailed(kind, err.Error())
	} else {
		job.MarkSent(ref.ID)
	}

	// The caller may have given up; the outcome is still recorded.
	if uerr := s.store.Update(context.WithoutCancel(ctx), job); uerr != nil {
		s.log.WithError(uerr).WithField("job", job.ID).Error("gateway: could not store job outcome")
	}
	s.emit(*job)
	return job, ref, err
}

func (s *Service) emit(j jobs.Job) {
	s.mu.Lock()
	hooks := append([]func(jobs.Job){}, s.outcomes...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(j)
	}
}

func (s *Service) deliver(ctx context.Context, job *jobs.Job, req SendRequest) (sms.MessageRef, error) {
	number, err := sms.NormalizeNumber(req.Phone)
	if err != nil {
		return sms.MessageRef{}, err
	}
	if err := sms.ValidateBody(req.Body, s.sender.MaxSegmentChars()); err != nil {
		return sms.MessageRef{}, err
	}

	if req.ModuleID != "" {
		lease, err := s.reg.Acquire(req.ModuleID)
		if err != nil {
			return sms.MessageRef{}, leaseError(req.ModuleID, err)
		}
		return s.attempt(ctx, job, lease, number, req.Body)
	}

	tried := make(map[string]bool)
	var last error
	for i := 0; i < s.cfg.MaxAttempts; i++ {
		lease, err := s.reg.AcquireAny(tried)
		if err != nil {
			if last != nil {
				return sms.MessageRef{}, last
			}
			return sms.MessageRef{}, leaseError("", err)
		}
		tried[lease.ModuleID()] = true

		ref, err := s.attempt(ctx, job, lease, number, req.Body)
		if err == nil {
			return ref, nil
		}
		last = err

		var smsErr *sms.Error
		if !errors.As(err, &smsErr) || !smsErr.ModuleFault() || ctx.Err() != nil {
			return sms.MessageRef{}, err
		}
		s.log.WithError(err).WithFields(log.Fields{"job": job.ID, "attempt": i + 1}).Warn("gateway: send failed, trying another module")
	}
	return sms.MessageRef{}, last
}

func (s *Service) attempt(ctx context.Context, job *jobs.Job, lease *registry.Lease, number, body string) (sms.MessageRef, error) {
	id := lease.ModuleID()
	job.MarkSending(id)
	if err := s.store.Update(ctx, job); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Warn("gateway: could not store job progress")
	}

	ref, err := s.sender.Send(ctx, lease, number, body)
	outcome := modem.SMSOutcome{JobID: job.ID, At: time.Now()}
	if err == nil {
		s.reg.RecordSuccess(lease)
		outcome.Status = string(jobs.StatusSent)
		outcome.Ref = ref.ID
	} else {
		var smsErr *sms.Error
		if errors.As(err, &smsErr) && smsErr.ModuleFault() {
			s.reg.RecordFailure(lease, err)
		}
		outcome.Status = string(jobs.StatusFailed)
		outcome.Error = err.Error()
	}
	lease.Release()
	s.reg.RecordSMS(id, outcome)
	return ref, err
}

func leaseError(moduleID string, err error) error {
	kind := sms.KindTransport
	switch {
	case errors.Is(err, registry.ErrNotFound):
		kind = sms.KindModuleNotFound
	case errors.Is(err, registry.ErrLeaseBusy):
		kind = sms.KindLeaseBusy
	case errors.Is(err, registry.ErrUnavailable):
		kind = sms.KindModuleUnavailable
	case errors.Is(err, registry.ErrNoModule):
		kind = sms.KindNoModule
	}
	return &sms.Error{Kind: kind, ModuleID: moduleID, Detail: err.Error(), Err: err}
}
