package main

import (
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/xplshn/gbw/pkg/config"
)

func newFlagsCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flags",
		Short: "List the -F features and -W warnings with their current state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			return printFlags(cfg)
		},
	}
}

func printFlags(cfg *config.Config) error {
	data := pterm.TableData{{"Flag", "State", "Description"}}
	var features, warnings []config.Info
	for _, info := range cfg.Features {
		features = append(features, info)
	}
	for _, info := range cfg.Warnings {
		warnings = append(warnings, info)
	}
	sort.Slice(features, func(i, j int) bool { return features[i].Name < features[j].Name })
	sort.Slice(warnings, func(i, j int) bool { return warnings[i].Name < warnings[j].Name })

	for _, info := range features {
		data = append(data, []string{"-F" + info.Name, state(info.Enabled), info.Description})
	}
	for _, info := range warnings {
		data = append(data, []string{"-W" + info.Name, state(info.Enabled), info.Description})
	}

	pterm.DefaultSection.Println("Target " + cfg.Target)
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func state(enabled bool) string {
	if enabled {
		return successColorFG.Sprint("on")
	}
	return warnColorFG.Sprint("off")
}
