package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/shelltender/shelltender/internal/config"
	"github.com/shelltender/shelltender/internal/doctor"
	"github.com/shelltender/shelltender/internal/logger"
)

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment and print a diagnostic report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, warnings, err := config.Load()
			if err != nil {
				return err
			}
			for _, w := range warnings {
				logger.Warn("config", "warning", w)
			}

			report := doctor.Run(cfg, doctor.Stats{PipelineEnabled: cfg.EnablePipeline})
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Status == "fail" {
				os.Exit(1)
			}
			return nil
		},
	}
}
