package main

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cubeos-gsm/internal/handlers"
	"cubeos-gsm/internal/hostcheck"
	"cubeos-gsm/internal/jobs"
	"cubeos-gsm/internal/monitor"
	"cubeos-gsm/internal/snapshot"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the status monitor and the reprobe loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	log.WithField("address", cfg.Address()).Info("CubeOS GSM starting...")

	host := hostcheck.CheckModemManager(ctx)
	if w := host.Warning(); w != "" {
		log.WithField("active_state", host.ActiveState).Warn(w)
	}

	pub := snapshot.NewPublisher(a.sinks(ctx)...)
	a.reg.OnChange(pub.Enqueue)
	a.gw.OnOutcome(func(j jobs.Job) {
		entry := log.WithFields(log.Fields{"job": j.ID, "status": j.Status, "attempts": j.Attempts})
		if j.ModuleID != nil {
			entry = entry.WithField("module", *j.ModuleID)
		}
		if j.Status == jobs.StatusFailed {
			entry.WithField("kind", j.ErrorKind).Warn("sms: job failed")
			return
		}
		entry.Info("sms: job sent")
	})

	mon := monitor.New(a.reg, a.ident, a.gw, monitor.Config{
		Interval:        cfg.Monitor.Interval,
		ReprobeInterval: cfg.Monitor.ReprobeInterval,
		BackoffInitial:  cfg.Monitor.BackoffInitial,
		BackoffMax:      cfg.Monitor.BackoffMax,
	})
	var lastCycle atomic.Int64
	lastCycle.Store(time.Now().UnixNano())
	mon.OnCycle(func(r monitor.CycleReport) {
		lastCycle.Store(time.Now().UnixNano())
		log.WithFields(log.Fields{"polled": r.Polled, "skipped": r.Skipped, "failed": r.Failed}).Debug("monitor: cycle finished")
	})

	modules, err := a.gw.Scan(ctx)
	if err != nil {
		return err
	}
	log.WithField("modules", len(modules)).Info("initial scan finished")

	r := chi.NewRouter()
	handlers.SetupRoutes(r, handlers.NewGSMHandler(a.gw, host, cfg.HTTP.IdempotencyTTL), handlers.RouteOptions{
		SMSRateLimit: cfg.HTTP.RateLimit,
		SMSRateBurst: cfg.HTTP.RateBurst,
	})
	// A send may retry across modules, each waiting out its own deadlines.
	srv := &http.Server{
		Addr:         cfg.Address(),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("address", srv.Addr).Info("GSM API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		return pub.Run(gctx)
	})
	g.Go(func() error {
		if err := mon.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return mon.Stop()
	})
	g.Go(func() error {
		return watchdog(gctx, cfg.Monitor.Interval, &lastCycle)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down GSM service...")
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Wrap(srv.Shutdown(sctx), "http shutdown")
	})

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("sd_notify failed")
	}

	err = g.Wait()
	log.Info("GSM service stopped")
	return err
}

// sinks returns the snapshot sinks. Redis is optional and a failed
// connection only disables it.
func (a *app) sinks(ctx context.Context) []snapshot.Sink {
	sinks := []snapshot.Sink{snapshot.LogSink{}}
	sc := a.cfg.Snapshot
	if sc.Addr == "" {
		return sinks
	}
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rdb, err := snapshot.Dial(dctx, sc.Addr, sc.Password, sc.DB)
	if err != nil {
		log.WithError(err).Warn("snapshot: redis disabled")
		return sinks
	}
	go func() {
		<-ctx.Done()
		rdb.Close()
	}()
	return append(sinks, snapshot.NewRedisSink(rdb, sc.TTL, sc.Channel))
}

// watchdog pets the systemd watchdog while the monitor keeps cycling.
func watchdog(ctx context.Context, cycle time.Duration, lastCycle *atomic.Int64) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if time.Since(time.Unix(0, lastCycle.Load())) > 3*cycle {
				log.Warn("watchdog: monitor has stalled, not notifying")
				continue
			}
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
