package main

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-credit/internal/credit"
)

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsUpdateCmd)

	f := settingsUpdateCmd.Flags()
	f.Int64("actor", 0, "Acting user id (required)")
	f.Float64("default-limit", 0, "Default limit amount")
	f.Float64("max-limit", 0, "Maximum limit amount, 0 for unbounded")
	f.Int("due-days", 0, "Days until due for newly created limits")
	f.Bool("auto-approve", false, "Enable auto-approval of applications")
	f.Float64("auto-approve-up-to", 0, "Highest requested limit that is auto-approved")
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect and change credit limit policies",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active settings as TOML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()
		return printSettings(cmd, rt.Service.Settings())
	},
}

var settingsUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Change one or more settings",
	Args:  cobra.NoArgs,
	RunE:  runSettingsUpdate,
}

func runSettingsUpdate(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	actor, _ := flags.GetInt64("actor")
	if actor <= 0 {
		return errors.New("--actor is required")
	}
	var patch credit.SettingsPatch
	if flags.Changed("default-limit") {
		v, _ := flags.GetFloat64("default-limit")
		patch.DefaultLimitAmount = &v
	}
	if flags.Changed("max-limit") {
		v, _ := flags.GetFloat64("max-limit")
		patch.MaxLimitAmount = &v
	}
	if flags.Changed("due-days") {
		v, _ := flags.GetInt("due-days")
		patch.DefaultDueDays = &v
	}
	if flags.Changed("auto-approve") {
		v, _ := flags.GetBool("auto-approve")
		patch.AutoApproveEnabled = &v
	}
	if flags.Changed("auto-approve-up-to") {
		v, _ := flags.GetFloat64("auto-approve-up-to")
		patch.AutoApproveUpTo = &v
	}
	if patch == (credit.SettingsPatch{}) {
		return errors.New("no settings given")
	}

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	updated, err := rt.Service.UpdateSettings(cmd.Context(), actor, patch)
	if err != nil {
		return err
	}
	return printSettings(cmd, updated)
}

func printSettings(cmd *cobra.Command, s credit.Settings) error {
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return printJSON(out, s)
	}
	if err := toml.NewEncoder(out).Encode(s); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return nil
}
