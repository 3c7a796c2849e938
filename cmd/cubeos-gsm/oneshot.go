package main

import (
	"encoding/json"
	"os"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/spf13/cobra"

	"cubeos-gsm/internal/sms"
)

var sendArgs struct {
	to       string
	body     string
	moduleID string
}

func newScanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Probe serial ports once and print the modules found as JSON",
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

			modules, err := a.gw.Scan(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(modules)
		},
	}
}

func newSendCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "send",
		Short: "Scan, send one SMS and print the message reference",
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

			ctx := cmd.Context()
			if _, err := a.gw.Scan(ctx); err != nil {
				return err
			}
			ref, err := a.gw.SendSMS(ctx, sendArgs.moduleID, sendArgs.to, sendArgs.body)
			if err != nil {
				var smsErr *sms.Error
				if errors.As(err, &smsErr) {
					log.WithFields(log.Fields{"kind": smsErr.Kind, "module": smsErr.ModuleID}).Error("send failed")
					printJSON(map[string]interface{}{
						"error":  err.Error(),
						"kind":   smsErr.Kind,
						"detail": smsErr.Detail,
						"module": smsErr.ModuleID,
					})
				}
				return err
			}
			return printJSON(ref)
		},
	}

	command.Flags().StringVar(&sendArgs.to, "to", "", "destination phone number")
	command.Flags().StringVar(&sendArgs.body, "body", "", "message text (one GSM-7 segment)")
	command.Flags().StringVar(&sendArgs.moduleID, "module", "", "module id; any usable module when empty")
	_ = command.MarkFlagRequired("to")
	_ = command.MarkFlagRequired("body")

	return command
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "write output")
}
