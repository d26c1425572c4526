package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduled-message dispatch pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := build(cmd.Context(), cfg, log, false)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.dispatcher.Tick(cmd.Context())
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"sent":        res.Sent,
				"failed":      res.Failed,
				"skipped":     res.Skipped,
				"rescheduled": res.Rescheduled,
			}).Info("Dispatch pass finished")
			return nil
		},
	}
}
