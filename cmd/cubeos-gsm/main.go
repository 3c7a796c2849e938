// CubeOS GSM service
// Manages serial-attached GSM modules and sends SMS through them
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
	"github.com/spf13/cobra"

	"cubeos-gsm/internal/config"
	"cubeos-gsm/internal/gateway"
	"cubeos-gsm/internal/identify"
	"cubeos-gsm/internal/jobs"
	"cubeos-gsm/internal/registry"
	"cubeos-gsm/internal/serialport"
	"cubeos-gsm/internal/sms"
)

var rootArgs struct {
	configPath string
	debug      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	command := &cobra.Command{
		Use:           "cubeos-gsm",
		Short:         "Manage serial GSM modules and send SMS through them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	command.PersistentFlags().StringVar(&rootArgs.configPath, "config", config.DefaultPath, "path to the YAML configuration file")
	command.PersistentFlags().BoolVar(&rootArgs.debug, "debug", false, "log at debug level, including serial traffic")

	command.AddCommand(newServeCommand(), newScanCommand(), newSendCommand())
	return command
}

// loadConfig reads the configuration and installs the log handler.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rootArgs.configPath)
	if err != nil {
		return nil, err
	}
	if rootArgs.debug {
		cfg.Log.Level = "debug"
		cfg.Serial.Trace = true
	}
	if err := configureLogging(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configureLogging(c config.LogConfig) error {
	switch c.Format {
	case "json":
		log.SetHandler(json.New(os.Stderr))
	default:
		log.SetHandler(text.New(os.Stderr))
	}
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return errors.WithDetails(errors.Wrap(err, "invalid log level"), "level", c.Level)
	}
	log.SetLevel(level)
	return nil
}

// app holds the wired core shared by every command.
type app struct {
	cfg   *config.Config
	reg   *registry.Registry
	ident *identify.Identifier
	store *jobs.Store
	gw    *gateway.Service
}

func newApp(cfg *config.Config) (*app, error) {
	store, err := jobs.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	opener := serialport.NewSerialOpener(cfg.Serial.Trace)
	ident := identify.New(opener, identify.Config{
		BaudRates:        cfg.Serial.BaudRates,
		HandshakeTimeout: cfg.Serial.HandshakeTimeout,
		QueryTimeout:     cfg.Serial.QueryTimeout,
		ReadTimeout:      cfg.Serial.ReadTimeout,
		SupportedModels:  cfg.Registry.SupportedModels,
	})
	reg := registry.New(registry.Config{FailureThreshold: cfg.Registry.FailureThreshold})
	sender := sms.NewSender(sms.Config{
		SetupTimeout:    cfg.SMS.SetupTimeout,
		PromptTimeout:   cfg.SMS.PromptTimeout,
		FinalTimeout:    cfg.SMS.FinalTimeout,
		MaxSegmentChars: cfg.SMS.MaxSegmentChars,
	})
	gw := gateway.New(reg, ident, sender, store, gateway.Config{
		Ports:       cfg.Serial.Ports,
		PortGlobs:   cfg.Serial.PortGlobs,
		ScanWorkers: cfg.Serial.ScanWorkers,
		MaxAttempts: cfg.SMS.MaxAttempts,
	})

	return &app{cfg: cfg, reg: reg, ident: ident, store: store, gw: gw}, nil
}

// Close releases every serial port and the job database.
func (a *app) Close() {
	for _, m := range a.reg.List() {
		err := a.reg.Remove(m.ID)
		if errors.Is(err, registry.ErrLeaseBusy) {
			err = a.reg.ForceClose(m.ID)
		}
		if err != nil {
			log.WithError(err).WithField("module", m.ID).Debug("shutdown: could not release module")
		}
	}
	if err := a.store.Close(); err != nil {
		log.WithError(err).Warn("shutdown: could not close job store")
	}
}
