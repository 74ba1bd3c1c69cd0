package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/hostmove/pkg/config"
	"github.com/openfroyo/hostmove/pkg/engine"
	"github.com/openfroyo/hostmove/pkg/faults"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and show the plan",
		Example: `  hostmove validate --config /etc/hostmove/config.yaml
  hostmove validate --config config.cue --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return faults.Configuration("--config is required", nil)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			plan := engine.BuildPlan(cfg)
			w := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(w, plan)
			}

			t := newTable("PHASE", "ENABLED", "MUTATING", "REBOOT", "NOTE")
			for _, p := range plan.Phases {
				enabled := passStyle.Render("yes")
				if !p.Enabled {
					enabled = mutedStyle.Render("no")
				}
				note := p.Description
				if p.DisabledReason != "" {
					note = p.DisabledReason
				}
				t.Row(p.Name, enabled, yesNo(p.Mutating), yesNo(p.RequiresReboot), note)
			}
			fmt.Fprintln(w, t.Render())
			fmt.Fprintf(w, "%s is valid\n", configPath)
			return nil
		},
	}

	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
